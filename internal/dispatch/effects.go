package dispatch

import (
	"context"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/pkg/logger"
)

// runEffects performs the effects of an applied step and returns follow-up events.
func (x *Dispatcher) runEffects(ctx context.Context, step orchestrator.Step) []orchestrator.Event {
	s := step.Session
	var next []orchestrator.Event
	for _, eff := range step.Effects {
		switch eff.Kind {
		case orchestrator.EffectCancelTimer:
			x.d.Timers.Cancel(s.SessionID)
		case orchestrator.EffectArmTimer:
			if eff.Timer != nil {
				x.arm(s.SessionID, *eff.Timer)
			}
		case orchestrator.EffectClassify:
			if eff.Classify != nil {
				next = append(next, x.classify(ctx, s, eff))
			}
		case orchestrator.EffectBook:
			if eff.Book != nil {
				next = append(next, x.book(ctx, s, eff))
			}
		case orchestrator.EffectArchive:
			x.finish(ctx, s)
		}
	}
	return next
}

func (x *Dispatcher) classify(ctx context.Context, s calls.Session, eff orchestrator.Effect) orchestrator.Event {
	cctx, cancel := context.WithTimeout(ctx, x.d.EffectTimeout)
	defer cancel()

	start := x.d.Now()
	v, err := x.d.Classifier.Classify(cctx, eff.Classify.Transcript, eff.Classify.Context)
	x.d.Instrumentation.ProviderCall(x.d.Classifier.Name(), "classify", err, x.d.Now().Sub(start))
	if err != nil {
		logger.From(ctx).Warn("classifier failed", "provider", x.d.Classifier.Name(), "err", err)
	}
	expect := eff.Expect
	return orchestrator.ClassifierOutcome(s.SessionID, v, err).With(&expect)
}

func (x *Dispatcher) book(ctx context.Context, s calls.Session, eff orchestrator.Effect) orchestrator.Event {
	cctx, cancel := context.WithTimeout(ctx, x.d.EffectTimeout)
	defer cancel()

	start := x.d.Now()
	appt, err := x.d.Scheduler.Book(cctx, *eff.Book)
	x.d.Instrumentation.ProviderCall(x.d.Scheduler.Name(), "book", err, x.d.Now().Sub(start))
	if err != nil {
		logger.From(ctx).Warn("booking failed", "provider", x.d.Scheduler.Name(), "slot", eff.Book.Slot, "err", err)
	}
	expect := eff.Expect
	return orchestrator.SchedulerOutcome(s.SessionID, appt, err).With(&expect)
}

// arm schedules a timer whose event is pushed to the live call when it fires.
func (x *Dispatcher) arm(sessionID string, spec orchestrator.TimerSpec) {
	ev := spec.Fire
	x.d.Timers.Arm(sessionID, spec.After, func() {
		x.d.Instrumentation.TimerFired(ev.Type)
		ctx, cancel := context.WithTimeout(context.Background(), 2*x.d.EffectTimeout)
		defer cancel()
		ctx = logger.With(ctx, x.d.Log)
		if _, err := x.Push(ctx, ev); err != nil {
			logger.From(ctx).Warn("timer delivery failed", "session_id", sessionID, "event", ev.Type, "err", err)
		}
	})
}

// finish runs once, when the session became terminal.
func (x *Dispatcher) finish(ctx context.Context, s calls.Session) {
	log := logger.From(ctx)
	x.d.Timers.Cancel(s.SessionID)
	if s.Direction == calls.DirectionOutbound {
		if err := x.d.DialLimiter.Release(ctx); err != nil {
			log.Warn("dial slot release failed", "err", err)
		}
	}
	if err := x.d.Archiver.Archive(ctx, s); err != nil {
		log.Error("archive failed", "state", s.State, "err", err)
		return
	}
	log.Info("session finished", "state", s.State, "failure_reason", s.FailureReason, "abandoned", s.Abandoned)
}
