package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"sqlpilot/internal/core"
)

// tunnelRecord is the stored form of core.TunnelSpec, encrypted secrets included.
type tunnelRecord struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	PasswordEnc   string `json:"password_enc,omitempty"`
	PrivateKeyEnc string `json:"private_key_enc,omitempty"`
	PassphraseEnc string `json:"passphrase_enc,omitempty"`
}

const targetColumns = `id, owner_id, name, engine, host, port, username, password_enc, database_name,
	schema_name, use_tls, policy, allowed_tables, tunnel, created_at`

type TargetRepo struct {
	db *sql.DB
}

func NewTargetRepo(db *sql.DB) *TargetRepo {
	return &TargetRepo{db: db}
}

func (r *TargetRepo) Create(ctx context.Context, t *core.DatabaseTarget) error {
	var allowed, tunnel sql.NullString
	if len(t.AllowedTables) > 0 {
		raw, err := json.Marshal(t.AllowedTables)
		if err != nil {
			return err
		}
		allowed = sql.NullString{String: string(raw), Valid: true}
	}
	if t.Tunnel != nil {
		raw, err := json.Marshal(tunnelRecord{
			Host:          t.Tunnel.Host,
			Port:          t.Tunnel.Port,
			Username:      t.Tunnel.Username,
			PasswordEnc:   t.Tunnel.PasswordEnc,
			PrivateKeyEnc: t.Tunnel.PrivateKeyEnc,
			PassphraseEnc: t.Tunnel.PassphraseEnc,
		})
		if err != nil {
			return err
		}
		tunnel = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO database_targets (`+targetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, string(t.Engine), t.Host, t.Port, t.Username, t.PasswordEnc, t.DatabaseName,
		t.SchemaName, boolToInt(t.UseTLS), string(t.Policy), allowed, tunnel, ts(t.CreatedAt))
	if isUniqueErr(err) {
		return core.ErrConflict
	}
	return err
}

// FindByID returns the target if owner owns it. Missing and foreign targets are both core.ErrNotFound.
func (r *TargetRepo) FindByID(ctx context.Context, id string, owner int64) (*core.DatabaseTarget, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM database_targets WHERE id = ? AND owner_id = ?`, id, owner)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return t, err
}

func (r *TargetRepo) ListByOwner(ctx context.Context, owner int64) ([]core.DatabaseTarget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM database_targets WHERE owner_id = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := []core.DatabaseTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

func (r *TargetRepo) Delete(ctx context.Context, id string, owner int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM database_targets WHERE id = ? AND owner_id = ?`, id, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(s scanner) (*core.DatabaseTarget, error) {
	var t core.DatabaseTarget
	var engine, policy, created string
	var useTLS int
	var allowed, tunnel sql.NullString

	err := s.Scan(&t.ID, &t.OwnerID, &t.Name, &engine, &t.Host, &t.Port, &t.Username, &t.PasswordEnc,
		&t.DatabaseName, &t.SchemaName, &useTLS, &policy, &allowed, &tunnel, &created)
	if err != nil {
		return nil, err
	}
	t.Engine = core.Engine(engine)
	t.Policy = core.Policy(policy)
	t.UseTLS = useTLS == 1

	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &t.AllowedTables); err != nil {
			return nil, fmt.Errorf("target %s: bad allowed_tables: %w", t.ID, err)
		}
	}
	if tunnel.Valid && tunnel.String != "" {
		var rec tunnelRecord
		if err := json.Unmarshal([]byte(tunnel.String), &rec); err != nil {
			return nil, fmt.Errorf("target %s: bad tunnel: %w", t.ID, err)
		}
		t.Tunnel = &core.TunnelSpec{
			Host:          rec.Host,
			Port:          rec.Port,
			Username:      rec.Username,
			PasswordEnc:   rec.PasswordEnc,
			PrivateKeyEnc: rec.PrivateKeyEnc,
			PassphraseEnc: rec.PassphraseEnc,
		}
	}
	if t.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &t, nil
}
