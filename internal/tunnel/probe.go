package tunnel

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"sqlpilot/internal/logger"
)

const probeTimeout = 10 * time.Second

// ProbeRequest carries plaintext SSH credentials typed into the registration form.
type ProbeRequest struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

type ProbeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Probe checks SSH credentials by running echo on the server. Connection failures are
// reported in the result; the returned error is only set for unusable credentials.
func (m *Manager) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error) {
	auth, err := authMethod(req.Password, req.PrivateKey, req.Passphrase)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cfg := m.clientConfig(req.Username, auth)
	cfg.Timeout = probeTimeout

	client, err := m.connect(ctx, sshAddr(req.Host, req.Port), cfg)
	if err != nil {
		m.logger.Info("SSH probe failed", zap.String("ssh_host", req.Host), zap.Error(err))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ProbeResult{Message: "SSH connection timed out after 10 seconds"}, nil
		}
		return &ProbeResult{Message: "SSH connection failed", Details: logger.Redact(err.Error())}, nil
	}
	defer client.Close()

	out, err := client.Run(`echo "SSH connection test successful"`)
	if err != nil {
		return &ProbeResult{
			Message: "SSH connection established but command execution failed",
			Details: logger.Redact(err.Error()),
		}, nil
	}
	return &ProbeResult{Success: true, Message: "SSH connection successful", Details: strings.TrimSpace(out)}, nil
}
