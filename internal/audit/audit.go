// Package audit records security events emitted by the session core. Sinks
// are fire-and-forget: a failing sink never fails the auth operation.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	EventRegister        = "auth.register"
	EventLogin           = "auth.login"
	EventLoginFailed     = "auth.login_failed"
	EventRefresh         = "auth.refresh"
	EventRefreshRejected = "auth.refresh_rejected"
	EventReuseDetected   = "auth.reuse_detected"
	EventLogout          = "auth.logout"
	EventLogoutAll       = "auth.logout_all"
	EventUserDeactivated = "auth.user_deactivated"
)

// Event is one audit record. ActorID is the user the event concerns;
// ResourceID is usually a token family id.
type Event struct {
	Type          string            `json:"type"`
	ActorID       string            `json:"actorId,omitempty"`
	ResourceID    string            `json:"resourceId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Event) {}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs ev.
func (s *LogSink) Record(ctx context.Context, ev Event) {
	attrs := []any{
		slog.String("event_type", ev.Type),
		slog.String("actor_id", ev.ActorID),
		slog.String("resource_id", ev.ResourceID),
		slog.Time("occurred_at", ev.OccurredAt),
	}
	if len(ev.Metadata) > 0 {
		md := make([]any, 0, len(ev.Metadata))
		for k, v := range ev.Metadata {
			md = append(md, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", md...))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

// Record forwards ev to every sink.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Recorder keeps events in memory. Tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends ev.
func (r *Recorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
