package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by repositories when a record does not exist or is not visible to the caller.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by repositories when a unique key is already taken.
var ErrConflict = errors.New("already exists")

// UnsafeInputError rejects a user question before it reaches the model.
type UnsafeInputError struct {
	Reason string
}

func (e *UnsafeInputError) Error() string {
	return "unsafe input: " + e.Reason
}

// UnsafeGeneratedSQLError rejects a statement produced by the model.
type UnsafeGeneratedSQLError struct {
	Reason string
}

func (e *UnsafeGeneratedSQLError) Error() string {
	return "generated query rejected: " + e.Reason
}

// GenerationError wraps a model provider failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("query generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// TunnelError reports an SSH tunnel failure. It never carries credentials.
type TunnelError struct {
	Host string
	Err  error
}

func (e *TunnelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ssh tunnel to %s failed", e.Host)
	}
	return fmt.Sprintf("ssh tunnel to %s failed: %v", e.Host, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// ExecutionError carries an already sanitized message from a target database.
type ExecutionError struct {
	Message string
	Timeout bool
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// RateLimitError is returned when an identity has used up its window.
type RateLimitError struct {
	Identity   string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
