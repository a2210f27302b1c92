package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/pkg/logger"
)

// DialFailed is the failure reason recorded when the transport refused the call.
const DialFailed = "dial_failed"

// OutboundRequest asks for a new qualification call.
type OutboundRequest struct {
	To string `json:"to"`
	// From overrides caller id selection.
	From string `json:"from,omitempty"`
}

// Dial creates a session and places the call. The session stays in initiated until the
// transport reports the call as answered.
func (x *Dispatcher) Dial(ctx context.Context, req OutboundRequest) (calls.Session, error) {
	to := strings.TrimSpace(req.To)
	s, err := calls.NewSession(x.d.NewID(), to, calls.DirectionOutbound, x.d.Now())
	if err != nil {
		return calls.Session{}, err
	}
	ctx = logger.WithSession(ctx, s.SessionID)
	log := logger.From(ctx)

	from := strings.TrimSpace(req.From)
	if from == "" && x.d.CallerIDs != nil {
		if from, err = x.d.CallerIDs.Pick(); err != nil {
			return calls.Session{}, fmt.Errorf("dispatch: caller id: %w", err)
		}
	}
	s.CallerID = from

	ok, err := x.d.DialLimiter.Acquire(ctx)
	if err != nil {
		return calls.Session{}, fmt.Errorf("dispatch: dial cap: %w", err)
	}
	if !ok {
		return calls.Session{}, ErrDialCapacity
	}

	created, err := x.d.Repo.Create(ctx, s)
	if err != nil {
		_ = x.d.DialLimiter.Release(ctx)
		return calls.Session{}, err
	}

	start := x.d.Now()
	dr, err := x.d.Transport.Dial(ctx, DialRequest{SessionID: s.SessionID, To: s.CalleePhone, From: from})
	x.d.Instrumentation.ProviderCall(x.d.Transport.Name(), "dial", err, x.d.Now().Sub(start))
	if err != nil {
		log.Warn("dial failed", "to", s.CalleePhone, "err", err)
		// The hangup step is terminal and releases the dial slot.
		res, derr := x.Deliver(ctx, orchestrator.Hangup(s.SessionID, DialFailed))
		if derr != nil {
			return created, errors.Join(err, derr)
		}
		return res.Session, fmt.Errorf("dispatch: dial: %w", err)
	}

	log.Info("call placed", "provider_call_id", dr.ProviderCallID, "status", dr.Status)
	return x.mutate(ctx, s.SessionID, func(cur *calls.Session) {
		if cur.ProviderCallID == "" {
			cur.ProviderCallID = dr.ProviderCallID
		}
	})
}

// Answered delivers call_connected for an outbound call and records the transport call id.
func (x *Dispatcher) Answered(ctx context.Context, sessionID, providerCallID string) (Result, error) {
	if providerCallID != "" {
		if _, err := x.mutate(ctx, sessionID, func(cur *calls.Session) {
			if cur.ProviderCallID == "" {
				cur.ProviderCallID = providerCallID
			}
		}); err != nil {
			return Result{}, err
		}
	}
	return x.Deliver(ctx, orchestrator.CallConnected(sessionID).With(&orchestrator.Expect{
		State:   calls.StateInitiated,
		Attempt: orchestrator.AnyAttempt,
	}))
}

// StartInbound creates a session for a call the transport received and connects it.
// A repeated webhook for the same provider call resolves to the existing session.
func (x *Dispatcher) StartInbound(ctx context.Context, req InboundRequest) (Result, error) {
	if req.ProviderCallID != "" {
		if s, err := x.d.Repo.FindByProviderCallID(ctx, req.ProviderCallID); err == nil {
			return Result{Session: s}, nil
		} else if !errors.Is(err, calls.ErrNotFound) {
			return Result{}, err
		}
	}

	now := req.OccurredAt
	if now.IsZero() {
		now = x.d.Now()
	}
	s, err := calls.NewSession(x.d.NewID(), strings.TrimSpace(req.From), calls.DirectionInbound, now)
	if err != nil {
		return Result{}, err
	}
	s.ProviderCallID = req.ProviderCallID
	s.CallerID = req.To
	if _, err := x.d.Repo.Create(ctx, s); err != nil {
		return Result{}, err
	}
	logger.From(ctx).Info("inbound call", "session_id", s.SessionID, "provider_call_id", req.ProviderCallID)
	return x.Deliver(ctx, orchestrator.CallConnected(s.SessionID))
}

// CallEnded is the transport telling us the line is gone.
func (x *Dispatcher) CallEnded(ctx context.Context, sessionID, reason string) (Result, error) {
	return x.Deliver(ctx, orchestrator.Hangup(sessionID, reason))
}

// Terminate ends a live call on behalf of an operator. The callee hears the apology
// before the line is dropped.
func (x *Dispatcher) Terminate(ctx context.Context, sessionID string) (Result, error) {
	res, err := x.Push(ctx, orchestrator.Hangup(sessionID, orchestrator.HangupOperator))
	if err != nil {
		return res, err
	}
	if res.Applied() && res.Session.ProviderCallID == "" {
		logger.From(ctx).Info("operator ended a call that was never connected", "session_id", sessionID)
	}
	return res, nil
}
