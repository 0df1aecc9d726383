package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Event types emitted by the engine.
const (
	EventGrant                = "grant"
	EventRevoke               = "revoke"
	EventRevokeSubjectGrants  = "revoke_subject_grants"
	EventRevokeResourceGrants = "revoke_resource_grants"
	EventAddHierarchy         = "add_hierarchy"
	EventRemoveHierarchy      = "remove_hierarchy"
	EventClearHierarchy       = "clear_hierarchy"
)

// Event is a structured record of a mutation to the authorization graph.
// Bulk operations emit a single event with Count set to the number of
// affected edges.
type Event struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Namespace       string    `json:"namespace"`
	Actor           string    `json:"actor"`
	RequestID       string    `json:"request_id,omitempty"`
	EntityType      string    `json:"entity_type,omitempty"`
	EntityID        string    `json:"entity_id,omitempty"`
	Relation        string    `json:"relation,omitempty"`
	SubjectType     string    `json:"subject_type,omitempty"`
	SubjectID       string    `json:"subject_id,omitempty"`
	SubjectRelation string    `json:"subject_relation,omitempty"`
	Count           int       `json:"count,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Sink receives audit events after a mutation has been applied. Emit must
// not block the calling operation on persistence concerns; sink failures
// never fail the mutation that produced the event.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NewEvent creates an event with a fresh ID and the current time. Callers
// fill in the remaining fields.
func NewEvent(eventType string) Event {
	event := Event{
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
	if id, err := uuid.NewV7(); err == nil {
		event.ID = id.String()
	}
	return event
}

// SlogSink writes audit events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger. A nil logger uses
// slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit logs the event at info level.
func (s *SlogSink) Emit(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("audit_id", event.ID),
		slog.String("type", event.Type),
		slog.String("namespace", event.Namespace),
		slog.String("actor", event.Actor),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.EntityType != "" {
		attrs = append(attrs, slog.String("entity", event.EntityType+":"+event.EntityID))
	}
	if event.Relation != "" {
		attrs = append(attrs, slog.String("relation", event.Relation))
	}
	if event.SubjectType != "" {
		subject := event.SubjectType + ":" + event.SubjectID
		if event.SubjectRelation != "" {
			subject += "#" + event.SubjectRelation
		}
		attrs = append(attrs, slog.String("subject", subject))
	}
	if event.Count > 0 {
		attrs = append(attrs, slog.Int("count", event.Count))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// MemorySink retains emitted events in memory. Intended for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event.
func (s *MemorySink) Emit(ctx context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of all emitted events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Reset discards all recorded events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
