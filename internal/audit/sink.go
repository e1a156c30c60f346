// Package audit records rejected questions and generated statements. Each event is written
// to a dedicated "security_audit" logger at once and persisted by a background writer.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/metrics"
)

const maxStoredText = 2000

// Sink implements core.SecuritySink. Record never blocks: when the persistence buffer is
// full the event is still logged but not stored.
type Sink struct {
	logger  *zap.Logger
	store   core.SecurityEventRepository
	metrics *metrics.Metrics

	mu     sync.RWMutex // guards closed and sends on events
	closed bool
	events chan core.SecurityEvent
	done   chan struct{}
}

// NewSink starts the background writer. store may be nil, in which case events are only logged.
func NewSink(logger *zap.Logger, store core.SecurityEventRepository, m *metrics.Metrics, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		logger:  logger.Named("security_audit"),
		store:   store,
		metrics: m,
		events:  make(chan core.SecurityEvent, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Record(_ context.Context, event core.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = "warning"
	}
	event.Text = core.Truncate(event.Text, maxStoredText)

	eventJSON, _ := json.Marshal(event)
	s.logger.Warn("Suspicious text rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("identity", event.Identity),
		zap.String("source", string(event.Source)),
		zap.String("reason", event.Reason),
		zap.String("severity", event.Severity),
	)
	s.metrics.Rejections.WithLabelValues(string(event.Source)).Inc()

	if s.store == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.metrics.SinkDropped.Inc()
		s.logger.Warn("Security event buffer full, event not persisted", zap.String("event_id", event.ID))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Create(ctx, &event); err != nil {
			s.logger.Error("Failed to persist security event",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written, or for ctx to end.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
