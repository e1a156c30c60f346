package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
	"sqlpilot/internal/sqlsafe"
	"sqlpilot/internal/tunnel"
)

const connectionTestQuery = "SELECT 1 AS test"

// TunnelController is the part of tunnel.Manager the target service drives.
type TunnelController interface {
	Close(targetID string) error
	Probe(ctx context.Context, req tunnel.ProbeRequest) (*tunnel.ProbeResult, error)
}

// SSHInput is the bastion section of a registration form. Secrets are plaintext here.
type SSHInput struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (in *SSHInput) Validate() error {
	if strings.TrimSpace(in.Host) == "" {
		return &core.ValidationError{Field: "ssh.host", Message: "SSH Host is required"}
	}
	if in.Port != 0 && (in.Port < 1 || in.Port > 65535) {
		return &core.ValidationError{Field: "ssh.port", Message: "port must be between 1 and 65535"}
	}
	if strings.TrimSpace(in.Username) == "" {
		return &core.ValidationError{Field: "ssh.username", Message: "SSH Username is required"}
	}
	if in.Password == "" && in.PrivateKey == "" {
		return &core.ValidationError{Field: "ssh.password", Message: "either password or private key is required"}
	}
	if in.Passphrase != "" && in.PrivateKey == "" {
		return &core.ValidationError{Field: "ssh.passphrase", Message: "passphrase requires a private key"}
	}
	return nil
}

func (in *SSHInput) probeRequest() tunnel.ProbeRequest {
	return tunnel.ProbeRequest{
		Host:       in.Host,
		Port:       in.Port,
		Username:   in.Username,
		Password:   in.Password,
		PrivateKey: in.PrivateKey,
		Passphrase: in.Passphrase,
	}
}

// TargetInput is a database registration or connection test request.
type TargetInput struct {
	Name          string      `json:"name"`
	Engine        core.Engine `json:"engine"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Username      string      `json:"username"`
	Password      string      `json:"password"`
	DatabaseName  string      `json:"database_name"`
	SchemaName    string      `json:"schema_name,omitempty"`
	UseTLS        bool        `json:"use_tls"`
	Policy        core.Policy `json:"policy,omitempty"`
	AllowedTables []string    `json:"allowed_tables,omitempty"`
	SSH           *SSHInput   `json:"ssh,omitempty"`
}

// Validate checks the connection fields. Name is only required on registration.
func (in *TargetInput) Validate() error {
	if !in.Engine.Valid() {
		return &core.ValidationError{Field: "engine", Message: "engine must be postgres or mysql"}
	}
	if strings.TrimSpace(in.Host) == "" {
		return &core.ValidationError{Field: "host", Message: "Host is required"}
	}
	if in.Port < 1 || in.Port > 65535 {
		return &core.ValidationError{Field: "port", Message: "port must be between 1 and 65535"}
	}
	if strings.TrimSpace(in.Username) == "" {
		return &core.ValidationError{Field: "username", Message: "Username is required"}
	}
	if in.Password == "" {
		return &core.ValidationError{Field: "password", Message: "Password is required"}
	}
	if strings.TrimSpace(in.DatabaseName) == "" {
		return &core.ValidationError{Field: "database_name", Message: "Database name is required"}
	}
	switch in.Policy {
	case "", core.PolicyStrict, core.PolicyMedium, core.PolicyPermissive:
	default:
		return &core.ValidationError{Field: "policy", Message: "policy must be strict, medium or permissive"}
	}
	if in.SSH != nil {
		return in.SSH.Validate()
	}
	return nil
}

// ConnectionResult is returned by TestConnection. Failures carry a sanitized message.
type ConnectionResult struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Rows    []map[string]any `json:"rows,omitempty"`
}

// TargetService registers, tests and removes databases.
type TargetService struct {
	repo      core.TargetRepository
	codec     core.Codec
	exec      Executor
	tunnels   TunnelController
	testGate  ratelimit.Gate
	sshGate   ratelimit.Gate
	maxPolicy core.Policy
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewTargetService(repo core.TargetRepository, codec core.Codec, exec Executor, tunnels TunnelController, testGate, sshGate ratelimit.Gate, maxPolicy core.Policy, logger *zap.Logger, m *metrics.Metrics) *TargetService {
	return &TargetService{
		repo:      repo,
		codec:     codec,
		exec:      exec,
		tunnels:   tunnels,
		testGate:  testGate,
		sshGate:   sshGate,
		maxPolicy: maxPolicy,
		metrics:   m,
		logger:    logger.Named("targets"),
	}
}

// RegisterTarget validates input, encrypts its secrets, proves the connection works and
// persists the target. A failed connection test stores nothing.
func (s *TargetService) RegisterTarget(ctx context.Context, owner int64, in TargetInput) (*core.DatabaseTarget, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, &core.ValidationError{Field: "name", Message: "Name is required"}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	target, err := s.buildTarget(owner, in)
	if err != nil {
		return nil, err
	}
	target.ID = uuid.NewString()

	if _, err := s.connectionTest(ctx, target); err != nil {
		s.logger.Info("Connection test failed for new target",
			zap.Int64("owner_id", owner), zap.String("host", target.Host), zap.Error(err))
		return nil, err
	}

	if err := s.repo.Create(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to save database: %w", err)
	}
	s.logger.Info("Database registered",
		zap.Int64("owner_id", owner),
		zap.String("target_id", target.ID),
		zap.String("engine", string(target.Engine)))
	return target, nil
}

// TestConnection runs the connection probe statement against an unsaved target.
// Database errors are part of the result; the error return covers validation, rate
// limiting and tunnel failures.
func (s *TargetService) TestConnection(ctx context.Context, caller int64, in TargetInput) (*ConnectionResult, error) {
	if err := checkGate(ctx, s.testGate, caller, s.metrics); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	target, err := s.buildTarget(caller, in)
	if err != nil {
		return nil, err
	}
	target.ID = "test-" + uuid.NewString()

	res, err := s.connectionTest(ctx, target)
	if err != nil {
		var execErr *core.ExecutionError
		if errors.As(err, &execErr) {
			return &ConnectionResult{Message: "Connection failed: " + execErr.Message}, nil
		}
		return nil, err
	}
	return &ConnectionResult{Success: true, Message: "Connection successful", Rows: res.Rows}, nil
}

// CheckTarget runs the connection probe against a stored target. Its tunnel, if any, stays
// registered with the tunnel manager.
func (s *TargetService) CheckTarget(ctx context.Context, owner int64, id string) (*ConnectionResult, error) {
	target, err := s.repo.FindByID(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	verdict := sqlsafe.Validate(connectionTestQuery, target.Engine, sqlsafe.Options{Policy: core.PolicyStrict})
	if !verdict.Valid {
		return nil, &core.UnsafeGeneratedSQLError{Reason: verdict.Reason}
	}
	res, err := s.exec.Execute(ctx, target, verdict.SQL)
	if err != nil {
		var execErr *core.ExecutionError
		if errors.As(err, &execErr) {
			return &ConnectionResult{Message: "Connection failed: " + execErr.Message}, nil
		}
		return nil, err
	}
	return &ConnectionResult{Success: true, Message: "Connection successful", Rows: res.Rows}, nil
}

// TestSSH checks bastion credentials without touching the database behind it.
func (s *TargetService) TestSSH(ctx context.Context, caller int64, in SSHInput) (*tunnel.ProbeResult, error) {
	if err := checkGate(ctx, s.sshGate, caller, s.metrics); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	res, err := s.tunnels.Probe(ctx, in.probeRequest())
	if err != nil {
		return nil, &core.ValidationError{Field: "ssh", Message: err.Error()}
	}
	return res, nil
}

func (s *TargetService) ListTargets(ctx context.Context, owner int64) ([]core.DatabaseTarget, error) {
	return s.repo.ListByOwner(ctx, owner)
}

func (s *TargetService) GetTarget(ctx context.Context, owner int64, id string) (*core.DatabaseTarget, error) {
	return s.repo.FindByID(ctx, id, owner)
}

// DeleteTarget removes an owned target and tears down its tunnel.
func (s *TargetService) DeleteTarget(ctx context.Context, owner int64, id string) error {
	if _, err := s.repo.FindByID(ctx, id, owner); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id, owner); err != nil {
		return err
	}
	if s.tunnels != nil {
		if err := s.tunnels.Close(id); err != nil {
			s.logger.Warn("Failed to close tunnel of deleted target", zap.String("target_id", id), zap.Error(err))
		}
	}
	s.logger.Info("Database deleted", zap.Int64("owner_id", owner), zap.String("target_id", id))
	return nil
}

// connectionTest runs the probe statement through the SQL validator and the executor. A
// tunnel opened for the test is closed afterwards.
func (s *TargetService) connectionTest(ctx context.Context, target *core.DatabaseTarget) (*ExecutionResult, error) {
	if target.Tunnel != nil && s.tunnels != nil {
		defer func() {
			if err := s.tunnels.Close(target.ID); err != nil {
				s.logger.Debug("Closing test tunnel", zap.String("target_id", target.ID), zap.Error(err))
			}
		}()
	}

	verdict := sqlsafe.Validate(connectionTestQuery, target.Engine, sqlsafe.Options{Policy: core.PolicyStrict})
	if !verdict.Valid {
		return nil, &core.UnsafeGeneratedSQLError{Reason: verdict.Reason}
	}
	return s.exec.Execute(ctx, target, verdict.SQL)
}

func (s *TargetService) buildTarget(owner int64, in TargetInput) (*core.DatabaseTarget, error) {
	passwordEnc, err := s.codec.Encrypt(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	policy := in.Policy
	if policy == "" {
		policy = core.PolicyStrict
	}

	target := &core.DatabaseTarget{
		OwnerID:       owner,
		Name:          strings.TrimSpace(in.Name),
		Engine:        in.Engine,
		Host:          strings.TrimSpace(in.Host),
		Port:          in.Port,
		Username:      in.Username,
		PasswordEnc:   passwordEnc,
		DatabaseName:  in.DatabaseName,
		SchemaName:    in.SchemaName,
		UseTLS:        in.UseTLS,
		Policy:        policy.Clamp(s.maxPolicy),
		AllowedTables: in.AllowedTables,
		CreatedAt:     time.Now().UTC(),
	}

	if in.SSH != nil {
		spec := &core.TunnelSpec{Host: strings.TrimSpace(in.SSH.Host), Port: in.SSH.Port, Username: in.SSH.Username}
		if spec.Port == 0 {
			spec.Port = 22
		}
		for _, f := range []struct {
			plain string
			dst   *string
		}{
			{in.SSH.Password, &spec.PasswordEnc},
			{in.SSH.PrivateKey, &spec.PrivateKeyEnc},
			{in.SSH.Passphrase, &spec.PassphraseEnc},
		} {
			if f.plain == "" {
				continue
			}
			enc, err := s.codec.Encrypt(f.plain)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt ssh credentials: %w", err)
			}
			*f.dst = enc
		}
		target.Tunnel = spec
	}
	return target, nil
}

// checkGate applies a named rate limit to a caller and counts denials.
func checkGate(ctx context.Context, gate ratelimit.Gate, caller int64, m *metrics.Metrics) error {
	if gate.Limiter == nil {
		return nil
	}
	err := gate.Check(ctx, strconv.FormatInt(caller, 10))
	var rl *core.RateLimitError
	if errors.As(err, &rl) && m != nil {
		m.RateLimited.WithLabelValues(gate.Scope).Inc()
	}
	return err
}
