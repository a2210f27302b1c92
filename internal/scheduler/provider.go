// Package scheduler books appointments for qualified leads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lead-qualifier/internal/calls"
)

// Provider books a slot. Implementations must be idempotent with respect to
// BookRequest.SessionID: a second call for the same session and slot returns the
// existing booking.
type Provider interface {
	Name() string
	Book(ctx context.Context, req BookRequest) (calls.Appointment, error)
}

type BookRequest struct {
	SessionID   string `json:"session_id"`
	CalleePhone string `json:"callee_phone"`
	Slot        string `json:"slot"`
}

type ErrorKind string

const (
	ErrSlotUnavailable ErrorKind = "slot_unavailable"
	ErrProviderFailure ErrorKind = "provider_failure"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduler: %s: %v", e.Kind, e.Err)
	}
	return "scheduler: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps any error to a scheduler error kind. Unknown errors count as provider failures.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) && se.Kind == ErrSlotUnavailable {
		return ErrSlotUnavailable
	}
	return ErrProviderFailure
}

// MemoryScheduler keeps bookings in process. Slots listed in Unavailable are refused.
type MemoryScheduler struct {
	mu          sync.Mutex
	bySession   map[string]calls.Appointment
	taken       map[string]string // slot -> session
	unavailable map[string]struct{}
	now         func() time.Time

	// Calls counts Book invocations, including idempotent replays.
	Calls int
}

func NewMemoryScheduler(unavailable ...string) *MemoryScheduler {
	m := &MemoryScheduler{
		bySession:   make(map[string]calls.Appointment),
		taken:       make(map[string]string),
		unavailable: make(map[string]struct{}),
		now:         time.Now,
	}
	for _, s := range unavailable {
		m.unavailable[normalizeSlot(s)] = struct{}{}
	}
	return m
}

func (m *MemoryScheduler) Name() string { return "memory" }

func (m *MemoryScheduler) Book(ctx context.Context, req BookRequest) (calls.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	if req.SessionID == "" {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: errors.New("session_id required")}
	}
	slot := normalizeSlot(req.Slot)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if appt, ok := m.bySession[req.SessionID]; ok {
		return appt, nil
	}
	if slot == "" {
		return calls.Appointment{}, &Error{Kind: ErrSlotUnavailable, Err: errors.New("no slot requested")}
	}
	if _, ok := m.unavailable[slot]; ok {
		return calls.Appointment{}, &Error{Kind: ErrSlotUnavailable}
	}
	if owner, ok := m.taken[slot]; ok && owner != req.SessionID {
		return calls.Appointment{}, &Error{Kind: ErrSlotUnavailable}
	}

	appt := calls.Appointment{
		ConfirmationID: uuid.NewString(),
		Slot:           req.Slot,
		BookedAt:       m.now().UTC(),
	}
	m.bySession[req.SessionID] = appt
	m.taken[slot] = req.SessionID
	return appt, nil
}

// Bookings returns how many distinct sessions hold an appointment.
func (m *MemoryScheduler) Bookings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession)
}

func normalizeSlot(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
