package data

import (
	"context"
	"database/sql"

	"sqlpilot/internal/core"
)

// SecurityEventRepo persists rejected questions and generated statements.
type SecurityEventRepo struct {
	db *sql.DB
}

func NewSecurityEventRepo(db *sql.DB) *SecurityEventRepo {
	return &SecurityEventRepo{db: db}
}

func (r *SecurityEventRepo) Create(ctx context.Context, e *core.SecurityEvent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO security_events (id, timestamp, identity, source, text, reason, severity) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, ts(e.Timestamp), e.Identity, string(e.Source), e.Text, e.Reason, e.Severity)
	return err
}

func (r *SecurityEventRepo) Recent(ctx context.Context, limit int) ([]core.SecurityEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, timestamp, identity, source, text, reason, severity FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []core.SecurityEvent{}
	for rows.Next() {
		var e core.SecurityEvent
		var stamp, source string
		if err := rows.Scan(&e.ID, &stamp, &e.Identity, &source, &e.Text, &e.Reason, &e.Severity); err != nil {
			return nil, err
		}
		e.Source = core.EventSource(source)
		if e.Timestamp, err = parseTS(stamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
