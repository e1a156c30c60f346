package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/logger"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
)

// HistoryLimit is how many attempts History returns.
const HistoryLimit = 20

// InputGuard screens a question before it is placed into a prompt.
type InputGuard interface {
	Validate(ctx context.Context, identity, text string, engine core.Engine) (string, error)
}

// Quota is the durable per-owner limit on answered questions, counted from history.
type Quota struct {
	Limit  int
	Window time.Duration
}

type AskRequest struct {
	CallerID   int64
	TargetID   string
	Question   string
	SchemaHint string
}

// Pipeline answers questions against registered targets and serves their history.
type Pipeline struct {
	targets   core.TargetRepository
	attempts  core.QueryAttemptRepository
	guard     InputGuard
	generator *Generator
	exec      Executor
	shaper    *Shaper
	askGate   ratelimit.Gate
	quota     Quota
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewPipeline(targets core.TargetRepository, attempts core.QueryAttemptRepository, guard InputGuard, generator *Generator, exec Executor, shaper *Shaper, askGate ratelimit.Gate, quota Quota, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		targets:   targets,
		attempts:  attempts,
		guard:     guard,
		generator: generator,
		exec:      exec,
		shaper:    shaper,
		askGate:   askGate,
		quota:     quota,
		metrics:   m,
		logger:    logger.Named("pipeline"),
		now:       time.Now,
	}
}

// Ask runs one question end to end and records the answered attempt. Nothing is recorded
// when any step fails.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (*core.QueryAttempt, error) {
	identity := strconv.FormatInt(req.CallerID, 10)

	if err := checkGate(ctx, p.askGate, req.CallerID, p.metrics); err != nil {
		return nil, err
	}
	if err := p.checkQuota(ctx, req.CallerID, identity); err != nil {
		return nil, err
	}

	target, err := p.targets.FindByID(ctx, req.TargetID, req.CallerID)
	if err != nil {
		return nil, err
	}

	question, err := p.guard.Validate(ctx, identity, req.Question, target.Engine)
	if err != nil {
		return nil, err
	}

	gen, err := p.generator.Generate(ctx, GenerateRequest{
		Question:   question,
		Target:     target,
		CallerID:   identity,
		SchemaHint: req.SchemaHint,
	})
	if err != nil {
		var unsafe *core.UnsafeGeneratedSQLError
		if errors.As(err, &unsafe) {
			p.logger.Warn("Security alert: generated query rejected",
				zap.Int64("user_id", req.CallerID),
				zap.String("target_id", target.ID),
				zap.String("reason", unsafe.Reason))
		}
		return nil, err
	}

	res, err := p.exec.Execute(ctx, target, gen.SQL)
	if err != nil {
		return nil, err
	}

	shaped := p.shaper.Shape(ctx, res, question)
	if shaped.Truncated {
		p.logger.Warn("Query result truncated",
			zap.Int64("user_id", req.CallerID),
			zap.Int("fetched", len(res.Rows)))
	}

	attempt := &core.QueryAttempt{
		ID:           uuid.NewString(),
		OwnerID:      req.CallerID,
		TargetID:     target.ID,
		NaturalText:  question,
		GeneratedSQL: gen.SQL,
		Explanation:  gen.Explanation.Value,
		Columns:      shaped.Columns,
		Rows:         shaped.Rows,
		Chart:        shaped.Chart.Value,
		Truncated:    shaped.Truncated,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.attempts.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to save query: %w", err)
	}

	p.logger.Info("Question answered",
		zap.Int64("user_id", req.CallerID),
		zap.String("target_id", target.ID),
		zap.String("attempt_id", attempt.ID),
		zap.String("operation", string(gen.Operation)),
		zap.String("query", logger.SanitizeQuery(gen.SQL)),
		zap.Int("rows", len(attempt.Rows)),
		zap.Bool("schema_degraded", gen.Schema.Degraded),
		zap.Bool("chart_degraded", shaped.Chart.Degraded))
	return attempt, nil
}

func (p *Pipeline) checkQuota(ctx context.Context, owner int64, identity string) error {
	if p.quota.Limit <= 0 {
		return nil
	}
	n, err := p.attempts.CountRecent(ctx, owner, p.now().Add(-p.quota.Window))
	if err != nil {
		return fmt.Errorf("failed to count recent queries: %w", err)
	}
	if n >= p.quota.Limit {
		if p.metrics != nil {
			p.metrics.RateLimited.WithLabelValues("ask-quota").Inc()
		}
		return &core.RateLimitError{Identity: identity, Limit: p.quota.Limit, RetryAfter: p.quota.Window}
	}
	return nil
}

// History lists the caller's most recent attempts, newest first. An empty targetID means all targets.
func (p *Pipeline) History(ctx context.Context, owner int64, targetID string) ([]core.QueryAttempt, error) {
	return p.attempts.ListByOwner(ctx, owner, targetID, HistoryLimit)
}

// GetAttempt returns an attempt owned by owner, or core.ErrNotFound.
func (p *Pipeline) GetAttempt(ctx context.Context, owner int64, id string) (*core.QueryAttempt, error) {
	return p.attempts.FindByID(ctx, id, owner)
}

// Export formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Export writes the rows of attempt to w. CSV columns follow the attempt's column order;
// NULL becomes an empty field.
func Export(w io.Writer, attempt *core.QueryAttempt, format string) error {
	switch format {
	case FormatJSON:
		rows := attempt.Rows
		if rows == nil {
			rows = []map[string]any{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(attempt.Columns); err != nil {
			return err
		}
		record := make([]string, len(attempt.Columns))
		for _, row := range attempt.Rows {
			for i, col := range attempt.Columns {
				record[i] = csvValue(row[col])
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return &core.ValidationError{Field: "format", Message: "format must be csv or json"}
	}
}

func csvValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
