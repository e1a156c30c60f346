package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"sqlpilot/internal/core"
	"sqlpilot/internal/tunnel"
)

type memoryTargets struct {
	mu      sync.Mutex
	targets map[string]core.DatabaseTarget
}

func newMemoryTargets(ts ...core.DatabaseTarget) *memoryTargets {
	m := &memoryTargets{targets: make(map[string]core.DatabaseTarget)}
	for _, t := range ts {
		m.targets[t.ID] = t
	}
	return m
}

func (m *memoryTargets) Create(_ context.Context, t *core.DatabaseTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = *t
	return nil
}

func (m *memoryTargets) FindByID(_ context.Context, id string, owner int64) (*core.DatabaseTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != owner {
		return nil, core.ErrNotFound
	}
	return &t, nil
}

func (m *memoryTargets) ListByOwner(_ context.Context, owner int64) ([]core.DatabaseTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.DatabaseTarget
	for _, t := range m.targets {
		if t.OwnerID == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTargets) Delete(_ context.Context, id string, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != owner {
		return core.ErrNotFound
	}
	delete(m.targets, id)
	return nil
}

type memoryAttempts struct {
	mu       sync.Mutex
	attempts []core.QueryAttempt
	// recent overrides CountRecent when >= 0
	recent int
}

func newMemoryAttempts() *memoryAttempts {
	return &memoryAttempts{recent: -1}
}

func (m *memoryAttempts) Create(_ context.Context, a *core.QueryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *memoryAttempts) FindByID(_ context.Context, id string, owner int64) (*core.QueryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID == id && a.OwnerID == owner {
			return &a, nil
		}
	}
	return nil, core.ErrNotFound
}

func (m *memoryAttempts) ListByOwner(_ context.Context, owner int64, targetID string, limit int) ([]core.QueryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.QueryAttempt
	for _, a := range m.attempts {
		if a.OwnerID == owner && (targetID == "" || a.TargetID == targetID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryAttempts) CountRecent(_ context.Context, owner int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recent >= 0 {
		return m.recent, nil
	}
	n := 0
	for _, a := range m.attempts {
		if a.OwnerID == owner && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memoryAttempts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

type fakeTunnelController struct {
	mu     sync.Mutex
	closed []string
	result *tunnel.ProbeResult
	err    error
	probes []tunnel.ProbeRequest
}

func (f *fakeTunnelController) Close(targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, targetID)
	return nil
}

func (f *fakeTunnelController) Probe(_ context.Context, req tunnel.ProbeRequest) (*tunnel.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, req)
	return f.result, f.err
}
