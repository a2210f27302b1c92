package calls

import (
	"context"
	"errors"
	"time"
)

// Repository is the persistence contract for sessions.
//
// Save is compare-and-set on Version: the write only lands if the stored version is
// still session.Version. Implementations must never fall back to last-writer-wins,
// since a lost update can duplicate a booking.
type Repository interface {
	Create(ctx context.Context, s Session) (Session, error)
	Load(ctx context.Context, sessionID string) (Session, error)
	Save(ctx context.Context, s Session) (Session, error)
	List(ctx context.Context, f ListFilter) ([]Session, error)

	// FindByProviderCallID resolves a transport call id (Twilio CallSid) to its session.
	FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error)
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	From  time.Time
	To    time.Time
	State State
	Limit int
}

func (f ListFilter) Match(s Session) bool {
	if !f.From.IsZero() && s.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.CreatedAt.Before(f.To) {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	return true
}

var (
	ErrNotFound      = errors.New("calls: session not found")
	ErrAlreadyExists = errors.New("calls: session already exists")
	ErrConflict      = errors.New("calls: session version conflict")
)
