package guildgate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TelemetryEvent is an immutable record of a failure observed somewhere
// in the command-handling fabric. Events are appended to the sink and
// never mutated.
type TelemetryEvent struct {
	Timestamp time.Time `json:"timestamp"`

	// TenantID is set when the failure is attributable to one guild
	TenantID GuildID `json:"tenant_id,omitempty"`

	// SourceComponent names the component that observed the failure
	SourceComponent string `json:"source_component"`

	// ErrorKind is the taxonomy name, e.g. "StoreUnavailable"
	ErrorKind string `json:"error_kind"`

	Message string `json:"message"`

	// Context is free-form key/value detail
	Context map[string]any `json:"context,omitempty"`
}

func (e TelemetryEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Time("timestamp", e.Timestamp),
		slog.String("source_component", e.SourceComponent),
		slog.String("error_kind", e.ErrorKind),
		slog.String("message", e.Message),
	}
	if e.TenantID != "" {
		attrs = append(attrs, slog.String(fieldTenantID, string(e.TenantID)))
	}
	return slog.GroupValue(attrs...)
}

// TelemetrySink captures failures raised anywhere in the concurrent
// command-handling fabric. It is observational only: recording an
// event never suppresses or rewrites the originating failure, which
// the observing component still propagates (or fails closed on) per
// its own contract.
type TelemetrySink struct {
	mu     sync.Mutex
	events []TelemetryEvent
	logger *slog.Logger
	clock  func() time.Time
}

func NewTelemetrySink(handler slog.Handler) *TelemetrySink {
	return &TelemetrySink{
		logger: slog.New(handler).With(loggerNameKey, "telemetry"),
		clock:  time.Now,
	}
}

// Record appends an event to the sink. A zero timestamp is stamped
// with the sink clock.
func (s *TelemetrySink) Record(ctx context.Context, event TelemetryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock().UTC()
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()

	s.logger.WarnContext(ctx, "failure recorded", "event", event)
}

// RecordError is a convenience wrapper building an event from an error.
func (s *TelemetrySink) RecordError(
	ctx context.Context,
	source string,
	tenantID GuildID,
	err error,
	eventContext map[string]any,
) {
	if err == nil {
		return
	}
	s.Record(
		ctx,
		TelemetryEvent{
			TenantID:        tenantID,
			SourceComponent: source,
			ErrorKind:       errorKind(err),
			Message:         err.Error(),
			Context:         eventContext,
		},
	)
}

// Flush drains and returns all captured events, oldest first. This is
// the in-process read API an external exporter uses.
func (s *TelemetrySink) Flush() []TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

// Events returns a snapshot without draining.
func (s *TelemetrySink) Events() []TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]TelemetryEvent, len(s.events))
	copy(snapshot, s.events)
	return snapshot
}

// Len returns the number of captured events.
func (s *TelemetrySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
