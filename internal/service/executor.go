package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/core"
	"sqlpilot/internal/logger"
	"sqlpilot/internal/metrics"
)

// Opener opens a database handle. sql.Open in production, sqlmock in tests.
type Opener func(driver, dsn string) (*sql.DB, error)

// TunnelProvider hands out local ports forwarding to tunnelled targets.
type TunnelProvider interface {
	EnsureTunnel(ctx context.Context, target *core.DatabaseTarget) (int, error)
}

// QueryExecutor runs one statement against a target over a connection that lives only for
// the call.
type QueryExecutor struct {
	codec   core.Codec
	tunnels TunnelProvider
	open    Opener
	logger  *zap.Logger
	metrics *metrics.Metrics

	queryTimeout     time.Duration
	statementTimeout time.Duration
	maxRows          int
}

func NewQueryExecutor(codec core.Codec, tunnels TunnelProvider, limits config.LimitsConfig, logger *zap.Logger, m *metrics.Metrics) *QueryExecutor {
	return &QueryExecutor{
		codec:            codec,
		tunnels:          tunnels,
		open:             sql.Open,
		logger:           logger.Named("executor"),
		metrics:          m,
		queryTimeout:     limits.QueryTimeout,
		statementTimeout: limits.StatementTimeout,
		maxRows:          limits.MaxFetchRows,
	}
}

// WithOpener replaces sql.Open.
func (e *QueryExecutor) WithOpener(open Opener) *QueryExecutor {
	e.open = open
	return e
}

type ExecutionResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	// Truncated is set when fetching stopped at the row limit.
	Truncated bool `json:"truncated"`
}

// Execute runs query with args against target. Failures other than tunnel setup are returned
// as *core.ExecutionError with an already sanitized message.
func (e *QueryExecutor) Execute(ctx context.Context, target *core.DatabaseTarget, query string, args ...any) (result *ExecutionResult, err error) {
	start := time.Now()
	query = core.StripCodeFences(query)

	defer func() {
		outcome := "ok"
		var execErr *core.ExecutionError
		switch {
		case errors.As(err, &execErr) && execErr.Timeout:
			outcome = "timeout"
		case err != nil:
			outcome = "error"
		}
		e.metrics.QueryDuration.WithLabelValues(string(target.Engine), outcome).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	host, port := target.Host, target.Port
	if target.Tunnel != nil {
		if e.tunnels == nil {
			return nil, &core.TunnelError{Host: target.Tunnel.Host, Err: errors.New("tunnels are not available")}
		}
		localPort, err := e.tunnels.EnsureTunnel(ctx, target)
		if err != nil {
			return nil, err
		}
		host, port = "127.0.0.1", localPort
	}

	driver, dsn, err := e.dsn(target, host, port)
	if err != nil {
		return nil, err
	}

	db, err := e.open(driver, dsn)
	if err != nil {
		return nil, e.fail(target, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(2)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, e.fail(target, err)
	}
	defer conn.Close()

	sessionID, err := e.prepareSession(ctx, conn, target.Engine)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError()
		}
		return nil, e.fail(target, err)
	}

	result, err = e.fetch(ctx, conn, query, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.cancelStatement(db, target.Engine, sessionID)
			e.logger.Warn("Query timed out",
				zap.String("target_id", target.ID),
				zap.String("query", logger.SanitizeQuery(query)))
			return nil, timeoutError()
		}
		return nil, e.fail(target, err)
	}
	return result, nil
}

func (e *QueryExecutor) fetch(ctx context.Context, conn *sql.Conn, query string, args []any) (*ExecutionResult, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &ExecutionResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		if e.maxRows > 0 && len(result.Rows) >= e.maxRows {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// prepareSession sets the server side statement timeout and returns the id needed to cancel
// the session's statement from another connection.
func (e *QueryExecutor) prepareSession(ctx context.Context, conn *sql.Conn, engine core.Engine) (int64, error) {
	ms := e.statementTimeout.Milliseconds()
	var id int64
	switch engine {
	case core.EnginePostgres:
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", ms)); err != nil {
			return 0, err
		}
		if err := conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&id); err != nil {
			return 0, err
		}
	case core.EngineMySQL:
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", ms)); err != nil {
			return 0, err
		}
		if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// cancelStatement stops the server side work of a timed out call from a side connection.
func (e *QueryExecutor) cancelStatement(db *sql.DB, engine core.Engine, id int64) {
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch engine {
	case core.EnginePostgres:
		var ok bool
		err = db.QueryRowContext(ctx, "SELECT pg_cancel_backend($1)", id).Scan(&ok)
	case core.EngineMySQL:
		_, err = db.ExecContext(ctx, fmt.Sprintf("KILL %d", id))
	}
	if err != nil {
		e.logger.Warn("Failed to cancel timed out statement",
			zap.Int64("session_id", id),
			zap.String("error", logger.SanitizeDBError(err)))
	}
}

func (e *QueryExecutor) fail(target *core.DatabaseTarget, err error) error {
	msg := logger.SanitizeDBError(err)
	e.logger.Info("Query failed",
		zap.String("target_id", target.ID),
		zap.String("engine", string(target.Engine)),
		zap.String("error", msg))
	return &core.ExecutionError{Message: msg, Timeout: msg == logger.TimeoutMessage}
}

func timeoutError() error {
	return &core.ExecutionError{Message: logger.TimeoutMessage, Timeout: true}
}

// dsn decrypts the target's password and builds the driver connection string.
func (e *QueryExecutor) dsn(target *core.DatabaseTarget, host string, port int) (string, string, error) {
	password, err := e.codec.Decrypt(target.PasswordEnc)
	if err != nil {
		return "", "", &core.ExecutionError{Message: "Stored credentials could not be decrypted"}
	}

	switch target.Engine {
	case core.EnginePostgres:
		sslmode := "disable"
		if target.UseTLS {
			sslmode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(target.Username, password),
			Host:     net.JoinHostPort(host, strconv.Itoa(port)),
			Path:     "/" + target.DatabaseName,
			RawQuery: url.Values{"sslmode": {sslmode}, "connect_timeout": {"10"}}.Encode(),
		}
		return "postgres", u.String(), nil
	case core.EngineMySQL:
		cfg := mysql.NewConfig()
		cfg.User = target.Username
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		cfg.DBName = target.DatabaseName
		cfg.Timeout = 10 * time.Second
		if target.UseTLS {
			cfg.TLSConfig = "skip-verify"
		}
		return "mysql", cfg.FormatDSN(), nil
	default:
		return "", "", &core.ExecutionError{Message: fmt.Sprintf("Unsupported database type: %s", target.Engine)}
	}
}
