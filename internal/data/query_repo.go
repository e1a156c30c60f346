package data

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sqlpilot/internal/core"
)

const attemptColumns = `id, owner_id, target_id, natural_text, generated_sql, explanation, columns, rows, chart, truncated, created_at`

// QueryAttemptRepo stores answered questions. Result rows and the chart are kept as JSON.
type QueryAttemptRepo struct {
	db *sql.DB
}

func NewQueryAttemptRepo(db *sql.DB) *QueryAttemptRepo {
	return &QueryAttemptRepo{db: db}
}

func (r *QueryAttemptRepo) Create(ctx context.Context, a *core.QueryAttempt) error {
	columns, err := json.Marshal(nonNil(a.Columns))
	if err != nil {
		return err
	}
	rows := a.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}
	var chart sql.NullString
	if a.Chart != nil {
		raw, err := json.Marshal(a.Chart)
		if err != nil {
			return err
		}
		chart = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO query_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.TargetID, a.NaturalText, a.GeneratedSQL, a.Explanation,
		string(columns), string(rowsJSON), chart, boolToInt(a.Truncated), ts(a.CreatedAt))
	return err
}

func (r *QueryAttemptRepo) FindByID(ctx context.Context, id string, owner int64) (*core.QueryAttempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM query_attempts WHERE id = ? AND owner_id = ?`, id, owner)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return a, err
}

// ListByOwner returns the newest attempts first. An empty targetID lists every target.
func (r *QueryAttemptRepo) ListByOwner(ctx context.Context, owner int64, targetID string, limit int) ([]core.QueryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM query_attempts WHERE owner_id = ?`
	args := []any{owner}
	if targetID != "" {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []core.QueryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// CountRecent counts the owner's attempts created at or after since.
func (r *QueryAttemptRepo) CountRecent(ctx context.Context, owner int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_attempts WHERE owner_id = ? AND created_at >= ?`,
		owner, ts(since)).Scan(&n)
	return n, err
}

func scanAttempt(s scanner) (*core.QueryAttempt, error) {
	var a core.QueryAttempt
	var explanation, chart sql.NullString
	var columns, rows, created string
	var truncated int

	err := s.Scan(&a.ID, &a.OwnerID, &a.TargetID, &a.NaturalText, &a.GeneratedSQL, &explanation,
		&columns, &rows, &chart, &truncated, &created)
	if err != nil {
		return nil, err
	}
	a.Explanation = explanation.String
	a.Truncated = truncated == 1

	if err := json.Unmarshal([]byte(columns), &a.Columns); err != nil {
		return nil, fmt.Errorf("attempt %s: bad columns: %w", a.ID, err)
	}
	// numbers stay json.Number so large integers survive the round trip
	dec := json.NewDecoder(bytes.NewReader([]byte(rows)))
	dec.UseNumber()
	if err := dec.Decode(&a.Rows); err != nil {
		return nil, fmt.Errorf("attempt %s: bad rows: %w", a.ID, err)
	}
	if chart.Valid && chart.String != "" {
		a.Chart = &core.ChartConfig{}
		if err := json.Unmarshal([]byte(chart.String), a.Chart); err != nil {
			return nil, fmt.Errorf("attempt %s: bad chart: %w", a.ID, err)
		}
	}
	if a.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
