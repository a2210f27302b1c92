// Package orchestrator is the call state machine.
//
// Transition is pure: it takes a session and one event and returns the next session,
// the actions for the live call and the effects for the dispatcher. It performs no I/O,
// never blocks and never reads the clock.
package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
)

var (
	ErrUnknownEvent    = errors.New("orchestrator: unknown event type")
	ErrSessionMismatch = errors.New("orchestrator: event addressed to another session")
)

// Discard reasons.
const (
	DiscardTerminal   = "session_terminal"
	DiscardStale      = "stale_event"
	DiscardUnexpected = "unexpected_event"
	DiscardInFlight   = "booking_in_flight"
)

// Failure reasons recorded on the session.
const (
	FailSpeechExhausted    = "speech_retries_exhausted"
	FailSpeechProvider     = "speech_provider_failure"
	FailClassifier         = "classifier_failure"
	FailSchedulerExhausted = "scheduler_retries_exhausted"
	FailSchedulerProvider  = "scheduler_provider_failure"
	FailCalleeHangup       = "callee_hangup"
	FailOperatorHangup     = "operator_hangup"
)

// Step is the result of one Transition.
type Step struct {
	Session calls.Session
	From    calls.State
	Event   EventType

	Applied   bool
	Discarded string

	Actions []Action
	Effects []Effect
}

type Orchestrator struct {
	policy Policy
}

func New(p Policy) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{policy: p.withDefaults()}, nil
}

func (o *Orchestrator) Policy() Policy { return o.policy }

// Transition applies ev to s at time now.
//
// A discarded event returns the session unchanged with Applied=false; that is not an error.
// Errors mean the input was malformed or the result would break a session invariant, and
// the session must not be saved.
func (o *Orchestrator) Transition(s calls.Session, ev Event, now time.Time) (Step, error) {
	step := Step{Session: s.Clone(), From: s.State, Event: ev.Type}
	if !ev.Type.Valid() {
		return step, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if ev.SessionID != "" && ev.SessionID != s.SessionID {
		return step, fmt.Errorf("%w: %s != %s", ErrSessionMismatch, ev.SessionID, s.SessionID)
	}
	if s.State.Terminal() {
		step.Discarded = DiscardTerminal
		return step, nil
	}
	if ev.Expect != nil && !ev.Expect.Matches(s) {
		step.Discarded = DiscardStale
		return step, nil
	}

	t := &turn{p: o.policy, s: step.Session, now: now.UTC()}
	if ev.Type == EventHangup {
		t.hangup(ev)
	} else {
		switch s.State {
		case calls.StateInitiated:
			t.initiated(ev)
		case calls.StateGreeting:
			t.greeting(ev)
		case calls.StateAwaitingResponse:
			t.awaitingResponse(ev)
		case calls.StateQualifying:
			t.qualifying(ev)
		case calls.StateScheduling:
			t.scheduling(ev)
		}
	}
	if t.discard != "" {
		step.Discarded = t.discard
		return step, nil
	}

	next := t.s
	if !calls.CanTransition(step.From, next.State) {
		return step, fmt.Errorf("%w: %s -> %s on %s", calls.ErrInvalidTransition, step.From, next.State, ev.Type)
	}
	if next.State != step.From {
		next.AttemptCount = 0
	}
	next.UpdatedAt = t.now
	if err := next.Validate(o.policy.MaxRetries); err != nil {
		return step, err
	}

	effects := append([]Effect{{Kind: EffectCancelTimer}}, t.effects...)
	if next.State.Terminal() {
		effects = append(effects, Effect{Kind: EffectArchive})
	}

	step.Session = next
	step.Applied = true
	step.Actions = t.actions
	step.Effects = effects
	return step, nil
}

// turn accumulates one transition.
type turn struct {
	p   Policy
	s   calls.Session
	now time.Time

	actions []Action
	effects []Effect
	discard string
}

func (t *turn) unexpected() { t.discard = DiscardUnexpected }

func (t *turn) say(text string) { t.actions = append(t.actions, Say(text)) }
func (t *turn) gather(prompt string, d time.Duration) {
	t.actions = append(t.actions, GatherSpeech(prompt, seconds(d)))
}

// arm schedules fire for the position the session will be in after this turn.
func (t *turn) arm(after time.Duration, fire Event, attempt int) {
	x := Expect{State: t.s.State, Attempt: attempt}
	fire.SessionID = t.s.SessionID
	fire.Expect = &x
	t.effects = append(t.effects, Effect{
		Kind:   EffectArmTimer,
		Expect: x,
		Timer:  &TimerSpec{After: after, Fire: fire},
	})
}

func (t *turn) fail(reason string) {
	t.s.State = calls.StateFailed
	t.s.FailureReason = reason
	t.s.BookingInFlight = false
	t.say(t.p.Prompts.Apology)
	t.actions = append(t.actions, HangupCall())
}

func (t *turn) initiated(ev Event) {
	if ev.Type != EventCallConnected {
		t.unexpected()
		return
	}
	t.s.State = calls.StateGreeting
	t.say(t.p.Prompts.Greeting)
	t.actions = append(t.actions, Redirect(PhasePrompt))
	t.arm(t.p.GreetingTimeout, Event{Type: EventPromptDelivered}, 0)
}

func (t *turn) greeting(ev Event) {
	if ev.Type != EventPromptDelivered {
		t.unexpected()
		return
	}
	t.s.State = calls.StateAwaitingResponse
	t.gather(t.p.Prompts.Question, t.p.ResponseTimeout)
	t.arm(t.p.ResponseTimeout+t.p.TimerGrace, Event{Type: EventSpeechError, SpeechError: speech.ErrTimeout}, 0)
}

func (t *turn) awaitingResponse(ev Event) {
	switch ev.Type {
	case EventSpeechResult:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			t.retrySpeech(speech.ErrNoSpeech, t.p.Prompts.RetryQuestion, t.p.ResponseTimeout, FailSpeechExhausted)
			return
		}
		t.record(ev, text)
		t.s.State = calls.StateQualifying
		// Armed before the classify effect runs, so a lost result still fails the session.
		t.arm(t.p.QualifyingTimeout, Event{Type: EventClassifierResult, ClassifierError: classifier.ErrProviderFailure, Detail: "classifier result timed out"}, 0)
		t.effects = append(t.effects, Effect{
			Kind:   EffectClassify,
			Expect: Expect{State: calls.StateQualifying, Attempt: 0},
			Classify: &ClassifyRequest{
				Transcript: text,
				Context: classifier.Context{
					SessionID:   t.s.SessionID,
					CalleePhone: t.s.CalleePhone,
					Question:    t.p.Prompts.Question,
					History:     t.history(),
				},
			},
		})
	case EventSpeechError:
		t.retrySpeech(ev.SpeechError, t.p.Prompts.RetryQuestion, t.p.ResponseTimeout, FailSpeechExhausted)
	default:
		t.unexpected()
	}
}

// retrySpeech handles a missing answer in a retryable state: re-prompt while attempts
// remain, fail once they are exhausted. Provider failures are fatal at once.
func (t *turn) retrySpeech(kind speech.ErrorKind, prompt string, window time.Duration, exhausted string) {
	switch kind {
	case speech.ErrTimeout, speech.ErrNoSpeech:
	default:
		t.fail(FailSpeechProvider)
		return
	}
	if t.s.AttemptCount >= t.p.MaxRetries {
		t.fail(exhausted)
		return
	}
	t.s.AttemptCount++
	t.gather(prompt, window)
	t.arm(window+t.p.TimerGrace, Event{Type: EventSpeechError, SpeechError: speech.ErrTimeout}, t.s.AttemptCount)
}

func (t *turn) qualifying(ev Event) {
	if ev.Type != EventClassifierResult {
		t.unexpected()
		return
	}
	if ev.ClassifierError != "" || !ev.Verdict.Valid() {
		t.fail(FailClassifier)
		return
	}
	if err := t.s.SetVerdict(ev.Verdict); err != nil {
		// A verdict from an earlier pass is never replaced.
		t.unexpected()
		return
	}
	if ev.Verdict == calls.VerdictUnqualified {
		t.s.State = calls.StateRejected
		t.say(t.p.Prompts.ThankYou)
		t.actions = append(t.actions, HangupCall())
		return
	}
	t.s.State = calls.StateScheduling
	t.gather(t.p.Prompts.Scheduling, t.p.SchedulingTimeout)
	t.arm(t.p.SchedulingTimeout+t.p.TimerGrace, Event{Type: EventSpeechError, SpeechError: speech.ErrTimeout}, 0)
}

func (t *turn) scheduling(ev Event) {
	switch ev.Type {
	case EventSpeechResult:
		if t.s.BookingInFlight {
			t.discard = DiscardInFlight
			return
		}
		slot := strings.TrimSpace(ev.Transcript)
		if slot == "" {
			t.retrySpeech(speech.ErrNoSpeech, t.p.Prompts.SlotRetry, t.p.SchedulingTimeout, FailSchedulerExhausted)
			return
		}
		t.record(ev, slot)
		t.s.RequestedSlot = slot
		t.s.BookingInFlight = true
		t.arm(t.p.BookingTimeout, Event{Type: EventSchedulerResult, SchedulerError: scheduler.ErrProviderFailure, Detail: "booking result timed out"}, t.s.AttemptCount)
		t.effects = append(t.effects, Effect{
			Kind:   EffectBook,
			Expect: Expect{State: calls.StateScheduling, Attempt: t.s.AttemptCount},
			Book: &scheduler.BookRequest{
				SessionID:   t.s.SessionID,
				CalleePhone: t.s.CalleePhone,
				Slot:        slot,
			},
		})
	case EventSpeechError:
		if t.s.BookingInFlight {
			t.discard = DiscardInFlight
			return
		}
		t.retrySpeech(ev.SpeechError, t.p.Prompts.SlotRetry, t.p.SchedulingTimeout, FailSchedulerExhausted)
	case EventSchedulerResult:
		if !t.s.BookingInFlight {
			t.unexpected()
			return
		}
		t.s.BookingInFlight = false
		if ev.SchedulerError == "" && ev.Appointment != nil {
			t.complete(*ev.Appointment)
			return
		}
		if ev.SchedulerError != scheduler.ErrSlotUnavailable {
			t.fail(FailSchedulerProvider)
			return
		}
		if t.s.AttemptCount >= t.p.MaxRetries {
			t.fail(FailSchedulerExhausted)
			return
		}
		t.s.AttemptCount++
		t.gather(t.p.Prompts.SlotUnavailable, t.p.SchedulingTimeout)
		t.arm(t.p.SchedulingTimeout+t.p.TimerGrace, Event{Type: EventSpeechError, SpeechError: speech.ErrTimeout}, t.s.AttemptCount)
	default:
		t.unexpected()
	}
}

func (t *turn) complete(appt calls.Appointment) {
	if appt.Slot == "" {
		appt.Slot = t.s.RequestedSlot
	}
	if appt.BookedAt.IsZero() {
		appt.BookedAt = t.now
	}
	t.s.Appointment = &appt
	t.s.State = calls.StateCompleted
	t.say(strings.ReplaceAll(t.p.Prompts.Confirmation, "{slot}", appt.Slot))
	t.actions = append(t.actions, HangupCall())
}

func (t *turn) hangup(ev Event) {
	if ev.Reason == HangupOperator {
		t.fail(FailOperatorHangup)
		return
	}
	// The callee is gone; there is nobody to apologize to.
	t.s.State = calls.StateFailed
	t.s.Abandoned = true
	t.s.BookingInFlight = false
	t.s.FailureReason = FailCalleeHangup
	if ev.Reason != "" && ev.Reason != HangupCallee {
		t.s.FailureReason = ev.Reason
	}
}

func (t *turn) record(ev Event, text string) {
	src := ev.Source
	if src == "" {
		src = calls.SourceSpeech
	}
	t.s.AppendUtterance(calls.Utterance{
		Text:       text,
		Source:     src,
		Confidence: ev.Confidence,
		State:      t.s.State,
		CapturedAt: t.now,
	})
}

func (t *turn) history() []string {
	out := make([]string, 0, len(t.s.Transcripts))
	for _, u := range t.s.Transcripts {
		out = append(out, u.Text)
	}
	return out
}

// Resume returns the actions that put a live call back on track for the session's
// current position without changing it. Transports use it when an event was discarded
// but the call still needs instructions.
func (o *Orchestrator) Resume(s calls.Session) []Action {
	p := o.policy.Prompts
	switch s.State {
	case calls.StateInitiated, calls.StateGreeting:
		return []Action{Redirect(PhasePrompt)}
	case calls.StateAwaitingResponse:
		prompt := p.Question
		if s.AttemptCount > 0 {
			prompt = p.RetryQuestion
		}
		return []Action{GatherSpeech(prompt, seconds(o.policy.ResponseTimeout))}
	case calls.StateScheduling:
		if s.BookingInFlight {
			return []Action{Say(p.Hold), Redirect(PhasePrompt)}
		}
		prompt := p.Scheduling
		if s.AttemptCount > 0 {
			prompt = p.SlotRetry
		}
		return []Action{GatherSpeech(prompt, seconds(o.policy.SchedulingTimeout))}
	case calls.StateQualifying:
		return []Action{Say(p.Hold), Redirect(PhasePrompt)}
	default:
		return []Action{HangupCall()}
	}
}
