package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sqlpilot/internal/core"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser creates a new user with hashed password. A taken username is core.ErrConflict.
func (r *UserRepo) CreateUser(ctx context.Context, username, passwordHash string) (*core.User, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, created_at, is_active) VALUES (?, ?, ?, 1)`,
		username, passwordHash, ts(now))
	if isUniqueErr(err) {
		return nil, core.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &core.User{ID: id, Username: username, PasswordHash: passwordHash, IsActive: true, CreatedAt: now}, nil
}

// GetUserByUsername retrieves a user by username
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_active, created_at FROM users WHERE username = ?`, username))
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*core.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_active, created_at FROM users WHERE id = ?`, id))
}

func (r *UserRepo) scanOne(row *sql.Row) (*core.User, error) {
	var u core.User
	var isActive int
	var created string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &isActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsActive = isActive == 1
	if u.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) Update(ctx context.Context, u *core.User) error {
	// Only update password if hash is not empty
	if u.PasswordHash != "" {
		_, err := r.db.ExecContext(ctx, `UPDATE users SET username=?, password_hash=?, is_active=? WHERE id=?`,
			u.Username, u.PasswordHash, boolToInt(u.IsActive), u.ID)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE users SET username=?, is_active=? WHERE id=?`,
		u.Username, boolToInt(u.IsActive), u.ID)
	return err
}

// CountUsers returns total number of users (useful for setup check)
func (r *UserRepo) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
