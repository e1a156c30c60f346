package core

import (
	"context"
	"time"
)

// UserRepository defines storage operations for users
type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	Update(ctx context.Context, user *User) error
	CountUsers(ctx context.Context) (int, error)
}

// TargetRepository defines storage operations for registered databases.
// Lookups are owner scoped: a target owned by someone else is reported as ErrNotFound.
type TargetRepository interface {
	Create(ctx context.Context, target *DatabaseTarget) error
	FindByID(ctx context.Context, id string, ownerID int64) (*DatabaseTarget, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]DatabaseTarget, error)
	Delete(ctx context.Context, id string, ownerID int64) error
}

// QueryAttemptRepository defines storage operations for query history
type QueryAttemptRepository interface {
	Create(ctx context.Context, attempt *QueryAttempt) error
	FindByID(ctx context.Context, id string, ownerID int64) (*QueryAttempt, error)
	ListByOwner(ctx context.Context, ownerID int64, targetID string, limit int) ([]QueryAttempt, error)
	CountRecent(ctx context.Context, ownerID int64, since time.Time) (int, error)
}

// SecurityEventRepository persists rejected inputs and generated statements
type SecurityEventRepository interface {
	Create(ctx context.Context, event *SecurityEvent) error
	Recent(ctx context.Context, limit int) ([]SecurityEvent, error)
}

// Codec turns secrets into opaque strings and back.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(opaque string) (string, error)
}

// SecuritySink receives rejected inputs and statements. Record must not block the caller.
type SecuritySink interface {
	Record(ctx context.Context, event SecurityEvent)
}
