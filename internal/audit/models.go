package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id is required; every record belongs to one call session.
// - actor and ip capture are best-effort; do not block call handling on audit failures.
//
// Storage (Postgres): table audit_events, INSERT only.
type Event struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Type      EventType `json:"type" db:"type"`

	// ActorID is the operator causing the event. Empty for transitions driven by the call.
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Transition fields; set for EventTypeTransition.
	FromState string `json:"from_state,omitempty" db:"from_state"`
	ToState   string `json:"to_state,omitempty" db:"to_state"`
	EventType string `json:"event_type,omitempty" db:"event_type"`
	Attempt   int    `json:"attempt" db:"attempt"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTransition     EventType = "transition"
	EventTypeOperatorAction EventType = "operator_action"
	// EventTypeArchived is written by the Postgres archiver.
	EventTypeArchived       EventType = "session_archived"
)
