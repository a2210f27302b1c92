// Package dispatch routes transport callbacks to sessions and runs the work the
// orchestrator asks for.
//
// For one event the dispatcher locks the session, loads it, applies the transition and
// saves it with a version check. Effects (classification, booking, timers, archiving)
// run only after the save succeeded and outside the lock; their results come back as
// new events guarded by the position that requested them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
	"lead-qualifier/pkg/logger"
)

var (
	ErrSessionRequired = errors.New("dispatch: session_id required")
	ErrNotConfigured   = errors.New("dispatch: dependency not configured")
)

// Deps are the collaborators of a Dispatcher. Repo, Orchestrator, Speech, Classifier,
// Scheduler and Transport are required.
type Deps struct {
	Repo         calls.Repository
	Orchestrator *orchestrator.Orchestrator
	Speech       speech.Provider
	Classifier   classifier.Provider
	Scheduler    scheduler.Provider
	Transport    Transport

	Locker          Locker
	Timers          *Timers
	DialLimiter     DialLimiter
	CallerIDs       CallerIDPicker
	Archiver        Archiver
	Observers       []Observer
	Instrumentation Instrumentation
	Log             *slog.Logger

	// ConflictRetries is how often one delivery is retried after a version conflict.
	ConflictRetries int
	// EffectTimeout bounds one classifier or scheduler call.
	EffectTimeout time.Duration
	// MaxChain bounds how many follow-up events one delivery may produce.
	MaxChain int

	Now   func() time.Time
	NewID func() string
}

type Dispatcher struct {
	d Deps
}

func New(d Deps) (*Dispatcher, error) {
	if d.Repo == nil || d.Orchestrator == nil || d.Speech == nil || d.Classifier == nil || d.Scheduler == nil || d.Transport == nil {
		return nil, ErrNotConfigured
	}
	if d.Locker == nil {
		d.Locker = NewMemoryLocker()
	}
	if d.Timers == nil {
		d.Timers = NewTimers()
	}
	if d.DialLimiter == nil {
		d.DialLimiter = NewMemoryDialLimiter(0)
	}
	if d.Archiver == nil {
		d.Archiver = nopArchiver{}
	}
	if d.Instrumentation == nil {
		d.Instrumentation = nopInstrumentation{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.ConflictRetries <= 0 {
		d.ConflictRetries = 3
	}
	if d.EffectTimeout <= 0 {
		d.EffectTimeout = 10 * time.Second
	}
	if d.MaxChain <= 0 {
		d.MaxChain = 8
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Dispatcher{d: d}, nil
}

// Result is everything one delivery produced.
type Result struct {
	Session calls.Session
	Steps   []orchestrator.Step
	// Actions of all applied steps, in order, for the live call.
	Actions []orchestrator.Action
}

// Applied reports whether any step of the delivery changed the session.
func (r Result) Applied() bool {
	for _, s := range r.Steps {
		if s.Applied {
			return true
		}
	}
	return false
}

// Position is where the session stands after the delivery.
func (r Result) Position() orchestrator.Expect {
	return orchestrator.Expect{State: r.Session.State, Attempt: r.Session.AttemptCount}
}

// Deliver applies ev and every follow-up event its effects produce.
func (x *Dispatcher) Deliver(ctx context.Context, ev orchestrator.Event) (Result, error) {
	if ev.SessionID == "" {
		return Result{}, ErrSessionRequired
	}
	ctx = logger.WithSession(ctx, ev.SessionID)

	var res Result
	queue := []orchestrator.Event{ev}
	for n := 0; len(queue) > 0; n++ {
		if n >= x.d.MaxChain {
			logger.From(ctx).Warn("event chain truncated", "pending", len(queue))
			break
		}
		cur := queue[0]
		queue = queue[1:]

		step, err := x.apply(ctx, cur)
		if err != nil {
			return res, err
		}
		res.Steps = append(res.Steps, step)
		res.Session = step.Session
		if !step.Applied {
			continue
		}
		res.Actions = append(res.Actions, step.Actions...)
		queue = append(queue, x.runEffects(ctx, step)...)
	}
	return res, nil
}

// DeliverCapture transcribes a transport capture and delivers the outcome.
func (x *Dispatcher) DeliverCapture(ctx context.Context, c speech.Capture, expect *orchestrator.Expect) (Result, error) {
	start := x.d.Now()
	tr, err := x.d.Speech.Transcribe(ctx, c)
	x.d.Instrumentation.ProviderCall(x.d.Speech.Name(), "transcribe", err, x.d.Now().Sub(start))
	return x.Deliver(ctx, orchestrator.SpeechOutcome(c.SessionID, tr, err).With(expect))
}

// Push delivers ev and sends the resulting actions to the live call. It is used when
// no transport request is waiting for a response: timers and operator actions.
func (x *Dispatcher) Push(ctx context.Context, ev orchestrator.Event) (Result, error) {
	res, err := x.Deliver(ctx, ev)
	if err != nil {
		return res, err
	}
	if len(res.Actions) == 0 || res.Session.ProviderCallID == "" {
		return res, nil
	}
	err = x.d.Transport.Update(ctx, UpdateRequest{
		SessionID:      res.Session.SessionID,
		ProviderCallID: res.Session.ProviderCallID,
		Position:       res.Position(),
		Actions:        res.Actions,
	})
	if err != nil {
		logger.From(ctx).Warn("push actions to call failed", "err", err)
		return res, fmt.Errorf("dispatch: update call: %w", err)
	}
	return res, nil
}

// Resume returns actions that keep a live call going from the session's position.
func (x *Dispatcher) Resume(s calls.Session) []orchestrator.Action {
	return x.d.Orchestrator.Resume(s)
}

func (x *Dispatcher) Session(ctx context.Context, sessionID string) (calls.Session, error) {
	return x.d.Repo.Load(ctx, sessionID)
}

func (x *Dispatcher) SessionByCallID(ctx context.Context, providerCallID string) (calls.Session, error) {
	return x.d.Repo.FindByProviderCallID(ctx, providerCallID)
}

// Close cancels pending timers.
func (x *Dispatcher) Close() { x.d.Timers.Stop() }

// apply runs one transition under the session lock with compare-and-set retries.
func (x *Dispatcher) apply(ctx context.Context, ev orchestrator.Event) (orchestrator.Step, error) {
	log := logger.From(ctx)
	for attempt := 0; ; attempt++ {
		step, err := x.applyOnce(ctx, ev)
		if errors.Is(err, calls.ErrConflict) {
			x.d.Instrumentation.StoreConflict()
			if attempt < x.d.ConflictRetries {
				log.Debug("version conflict, reloading", "event", ev.Type, "attempt", attempt+1)
				continue
			}
		}
		if err != nil {
			return step, err
		}

		if step.Applied {
			log.Info("transition",
				"event", ev.Type,
				"from", step.From,
				"to", step.Session.State,
				"attempt", step.Session.AttemptCount,
				"version", step.Session.Version,
			)
		} else {
			log.Debug("event discarded", "event", ev.Type, "state", step.Session.State, "reason", step.Discarded)
		}
		for _, o := range x.d.Observers {
			o.ObserveStep(ctx, ev, step)
		}
		return step, nil
	}
}

func (x *Dispatcher) applyOnce(ctx context.Context, ev orchestrator.Event) (orchestrator.Step, error) {
	unlock, err := x.d.Locker.Lock(ctx, ev.SessionID)
	if err != nil {
		return orchestrator.Step{}, err
	}
	defer unlock()

	s, err := x.d.Repo.Load(ctx, ev.SessionID)
	if err != nil {
		return orchestrator.Step{}, err
	}
	step, err := x.d.Orchestrator.Transition(s, ev, x.d.Now())
	if err != nil {
		return step, err
	}
	if !step.Applied {
		return step, nil
	}
	saved, err := x.d.Repo.Save(ctx, step.Session)
	if err != nil {
		return step, err
	}
	step.Session = saved
	return step, nil
}

// mutate applies fn to transport metadata of a session with compare-and-set retries.
// State machine fields are never touched here.
func (x *Dispatcher) mutate(ctx context.Context, sessionID string, fn func(*calls.Session)) (calls.Session, error) {
	for attempt := 0; ; attempt++ {
		unlock, err := x.d.Locker.Lock(ctx, sessionID)
		if err != nil {
			return calls.Session{}, err
		}
		s, err := x.d.Repo.Load(ctx, sessionID)
		if err != nil {
			unlock()
			return calls.Session{}, err
		}
		fn(&s)
		s.UpdatedAt = x.d.Now().UTC()
		saved, err := x.d.Repo.Save(ctx, s)
		unlock()
		if errors.Is(err, calls.ErrConflict) && attempt < x.d.ConflictRetries {
			x.d.Instrumentation.StoreConflict()
			continue
		}
		return saved, err
	}
}
