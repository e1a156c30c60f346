package tunnel

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshClient adapts *ssh.Client to Client.
type sshClient struct {
	*ssh.Client
}

func (c sshClient) Run(cmd string) (string, error) {
	sess, err := c.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(cmd)
	return string(out), err
}

// DialSSH is the default Connector. The TCP dial and the SSH handshake both honor ctx.
func DialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return sshClient{ssh.NewClient(c, chans, reqs)}, nil
}
