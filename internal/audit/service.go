package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/pkg/logger"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
}

// Service records the audit trail of call sessions.
//
// Audit is internal-only and best-effort: ObserveStep logs failures instead of
// returning them.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.SessionID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Trail returns the events of one session in order.
func (s *Service) Trail(ctx context.Context, sessionID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListBySession(ctx, sessionID)
}

// ObserveStep records applied transitions. Discarded events are not audited.
func (s *Service) ObserveStep(ctx context.Context, ev orchestrator.Event, step orchestrator.Step) {
	if !step.Applied {
		return
	}
	e := Event{
		SessionID: step.Session.SessionID,
		Type:      EventTypeTransition,
		FromState: string(step.From),
		ToState:   string(step.Session.State),
		EventType: string(ev.Type),
		Attempt:   step.Session.AttemptCount,
		Message:   step.Session.FailureReason,
		CreatedAt: step.Session.UpdatedAt,
	}
	if ev.Type == orchestrator.EventHangup && ev.Reason != "" {
		e.Message = ev.Reason
	}
	if err := s.Append(ctx, e); err != nil {
		logger.From(ctx).Warn("audit append failed", "session_id", e.SessionID, "err", err)
	}
}

// LogOperatorAction records something an operator did to a session.
func (s *Service) LogOperatorAction(ctx context.Context, sessionID, actorID, actorRole, ip, message string) error {
	return s.Append(ctx, Event{
		SessionID: sessionID,
		Type:      EventTypeOperatorAction,
		ActorID:   actorID,
		ActorRole: actorRole,
		IPAddress: ip,
		Message:   message,
	})
}
