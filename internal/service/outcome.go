package service

// Outcome is a value that may have been replaced by a deterministic default. Degraded is set
// when the default was used; Cause says why.
type Outcome[T any] struct {
	Value    T
	Degraded bool
	Cause    error
}

func okOutcome[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func degradedOutcome[T any](fallback T, cause error) Outcome[T] {
	return Outcome[T]{Value: fallback, Degraded: true, Cause: cause}
}
