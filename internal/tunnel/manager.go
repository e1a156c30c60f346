// Package tunnel keeps SSH port forwards to databases that sit behind a bastion host.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/singleflight"

	"sqlpilot/internal/config"
	"sqlpilot/internal/core"
	"sqlpilot/internal/metrics"
)

const defaultSSHPort = 22

// Client is the part of an SSH client connection the manager needs.
type Client interface {
	Dial(network, addr string) (net.Conn, error)
	Run(cmd string) (string, error)
	Wait() error
	Close() error
}

// Connector opens an authenticated SSH connection to addr.
type Connector func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Client, error)

// session is one live forward: a local listener whose connections are relayed through client.
type session struct {
	targetID  string
	localPort int
	listener  net.Listener
	client    Client
	closeOnce sync.Once
	closeErr  error
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		lerr := s.listener.Close()
		cerr := s.client.Close()
		s.closeErr = errors.Join(ignoreClosed(lerr), ignoreClosed(cerr))
	})
	return s.closeErr
}

// Manager owns the tunnel sessions, at most one per target id.
type Manager struct {
	codec       core.Codec
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
	connect     Connector
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	group    singleflight.Group
}

// NewManager loads the known_hosts file when one is configured. Without it, host keys are
// accepted unverified and a warning is logged.
func NewManager(cfg config.SSHConfig, codec core.Codec, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	logger = logger.Named("tunnel")

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeys = cb
	} else {
		logger.Warn("SSH_KNOWN_HOSTS not set, SSH host keys will not be verified")
	}

	return &Manager{
		codec:       codec,
		hostKeys:    hostKeys,
		dialTimeout: cfg.DialTimeout,
		connect:     DialSSH,
		logger:      logger,
		metrics:     m,
		sessions:    make(map[string]*session),
	}, nil
}

// WithConnector replaces the SSH dialer. Used by tests.
func (m *Manager) WithConnector(c Connector) *Manager {
	m.connect = c
	return m
}

// EnsureTunnel returns the local port forwarding to target's database, opening the tunnel on
// first use. Concurrent calls for one target share a single dial.
func (m *Manager) EnsureTunnel(ctx context.Context, target *core.DatabaseTarget) (int, error) {
	if target.Tunnel == nil {
		return 0, fmt.Errorf("target %s has no tunnel configured", target.ID)
	}
	if port, ok := m.lookup(target.ID); ok {
		return port, nil
	}

	v, err, _ := m.group.Do(target.ID, func() (any, error) {
		if port, ok := m.lookup(target.ID); ok {
			return port, nil
		}
		return m.open(ctx, target)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (m *Manager) lookup(targetID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[targetID]; ok {
		return s.localPort, true
	}
	return 0, false
}

func (m *Manager) open(ctx context.Context, target *core.DatabaseTarget) (int, error) {
	spec := target.Tunnel
	tunnelErr := func(err error) error {
		return &core.TunnelError{Host: spec.Host, Err: err}
	}

	auth, err := m.authFromSpec(spec)
	if err != nil {
		return 0, tunnelErr(err)
	}

	// shared by every caller waiting on this dial, so it must not die with the first one
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout())
	defer cancel()

	client, err := m.connect(dialCtx, sshAddr(spec.Host, spec.Port), m.clientConfig(spec.Username, auth))
	if err != nil {
		return 0, tunnelErr(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return 0, tunnelErr(fmt.Errorf("local listener: %w", err))
	}

	s := &session{
		targetID:  target.ID,
		localPort: ln.Addr().(*net.TCPAddr).Port,
		listener:  ln,
		client:    client,
	}
	remote := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	m.mu.Lock()
	m.sessions[target.ID] = s
	m.mu.Unlock()
	m.metrics.OpenTunnels.Inc()

	go m.serve(s, remote)
	go m.watch(s)

	m.logger.Info("SSH tunnel established",
		zap.String("target_id", target.ID),
		zap.String("ssh_host", spec.Host),
		zap.Int("local_port", s.localPort))
	return s.localPort, nil
}

// serve relays each local connection to remote through the SSH client until the listener closes.
func (m *Manager) serve(s *session, remote string) {
	for {
		local, err := s.listener.Accept()
		if err != nil {
			return
		}
		go m.relay(s, local, remote)
	}
}

func (m *Manager) relay(s *session, local net.Conn, remote string) {
	defer local.Close()

	upstream, err := s.client.Dial("tcp", remote)
	if err != nil {
		m.logger.Warn("Failed to reach database through tunnel",
			zap.String("target_id", s.targetID),
			zap.Error(err))
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, upstream)
		done <- struct{}{}
	}()
	<-done
}

// watch drops the session when the SSH connection ends so the next use redials.
func (m *Manager) watch(s *session) {
	_ = s.client.Wait()
	if m.remove(s) {
		m.logger.Warn("SSH tunnel connection lost", zap.String("target_id", s.targetID))
	}
	_ = s.close()
}

// remove deletes s from the cache if it is still the current session for its target.
func (m *Manager) remove(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.targetID]; ok && cur == s {
		delete(m.sessions, s.targetID)
		m.metrics.OpenTunnels.Dec()
		return true
	}
	return false
}

// Close shuts the tunnel of targetID. Closing an unknown target is a no-op.
func (m *Manager) Close(targetID string) error {
	m.mu.Lock()
	s, ok := m.sessions[targetID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.remove(s)
	if err := s.close(); err != nil {
		return fmt.Errorf("failed to close tunnel for %s: %w", targetID, err)
	}
	m.logger.Info("SSH tunnel closed", zap.String("target_id", targetID))
	return nil
}

// CloseAll closes every session concurrently. Failures are logged, not returned.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("Closing SSH tunnels", zap.Int("count", len(ids)))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Close(id); err != nil {
				m.logger.Error("Failed to close SSH tunnel", zap.String("target_id", id), zap.Error(err))
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out closing SSH tunnels", zap.Error(ctx.Err()))
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) authFromSpec(spec *core.TunnelSpec) (ssh.AuthMethod, error) {
	if spec.PrivateKeyEnc != "" {
		key, err := m.codec.Decrypt(spec.PrivateKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("cannot decrypt private key: %w", err)
		}
		passphrase, err := m.codec.Decrypt(spec.PassphraseEnc)
		if err != nil {
			return nil, fmt.Errorf("cannot decrypt passphrase: %w", err)
		}
		return authMethod("", key, passphrase)
	}
	if spec.PasswordEnc != "" {
		password, err := m.codec.Decrypt(spec.PasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("cannot decrypt password: %w", err)
		}
		return authMethod(password, "", "")
	}
	return nil, errMissingAuth
}

var errMissingAuth = errors.New("SSH authentication details (password or private key) are missing")

// authMethod prefers the private key over the password.
func authMethod(password, privateKey, passphrase string) (ssh.AuthMethod, error) {
	if privateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(privateKey))
		}
		if err != nil {
			return nil, errors.New("invalid private key")
		}
		return ssh.PublicKeys(signer), nil
	}
	if password != "" {
		return ssh.Password(password), nil
	}
	return nil, errMissingAuth
}

func (m *Manager) clientConfig(user string, auth ssh.AuthMethod) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: m.hostKeys,
		Timeout:         m.timeout(),
	}
}

func (m *Manager) timeout() time.Duration {
	if m.dialTimeout > 0 {
		return m.dialTimeout
	}
	return 15 * time.Second
}

func sshAddr(host string, port int) string {
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
