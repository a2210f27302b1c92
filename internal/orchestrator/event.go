package orchestrator

import (
	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/scheduler"
	"lead-qualifier/internal/speech"
)

type EventType string

const (
	EventCallConnected    EventType = "call_connected"
	EventPromptDelivered  EventType = "prompt_delivered"
	EventSpeechResult     EventType = "speech_result"
	EventSpeechError      EventType = "speech_error"
	EventClassifierResult EventType = "classifier_result"
	EventSchedulerResult  EventType = "scheduler_result"
	EventHangup           EventType = "hangup"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCallConnected, EventPromptDelivered, EventSpeechResult, EventSpeechError,
		EventClassifierResult, EventSchedulerResult, EventHangup:
		return true
	}
	return false
}

// AnyAttempt in Expect.Attempt matches every attempt count.
const AnyAttempt = -1

// Expect pins the session position an event was produced for.
// Events whose Expect no longer matches the session are stale and get discarded.
type Expect struct {
	State   calls.State `json:"state"`
	Attempt int         `json:"attempt"`
}

func (e Expect) Matches(s calls.Session) bool {
	if e.State != "" && e.State != s.State {
		return false
	}
	return e.Attempt == AnyAttempt || e.Attempt == s.AttemptCount
}

// ExpectAt is the position of s right now.
func ExpectAt(s calls.Session) *Expect {
	return &Expect{State: s.State, Attempt: s.AttemptCount}
}

// Hangup reasons.
const (
	HangupCallee   = "callee"
	HangupOperator = "operator"
)

// Event is one external occurrence for a session. Only the fields of its Type are read.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Expect    *Expect   `json:"expect,omitempty"`

	// speech_result
	Transcript string                `json:"transcript,omitempty"`
	Source     calls.UtteranceSource `json:"source,omitempty"`
	Confidence float64               `json:"confidence,omitempty"`

	SpeechError speech.ErrorKind `json:"speech_error,omitempty"`

	Verdict         calls.Verdict        `json:"verdict,omitempty"`
	ClassifierError classifier.ErrorKind `json:"classifier_error,omitempty"`

	Appointment    *calls.Appointment  `json:"appointment,omitempty"`
	SchedulerError scheduler.ErrorKind `json:"scheduler_error,omitempty"`

	// hangup
	Reason string `json:"reason,omitempty"`

	// Detail carries provider error text for logs only.
	Detail string `json:"detail,omitempty"`
}

func CallConnected(sessionID string) Event {
	return Event{SessionID: sessionID, Type: EventCallConnected}
}

func PromptDelivered(sessionID string) Event {
	return Event{SessionID: sessionID, Type: EventPromptDelivered}
}

// SpeechOutcome converts a speech provider result into speech_result or speech_error.
func SpeechOutcome(sessionID string, tr speech.Transcript, err error) Event {
	if err != nil {
		return Event{SessionID: sessionID, Type: EventSpeechError, SpeechError: speech.KindOf(err), Detail: err.Error()}
	}
	src := tr.Source
	if src == "" {
		src = calls.SourceSpeech
	}
	return Event{SessionID: sessionID, Type: EventSpeechResult, Transcript: tr.Text, Source: src, Confidence: tr.Confidence}
}

// ClassifierOutcome converts a classifier result into classifier_result.
func ClassifierOutcome(sessionID string, v calls.Verdict, err error) Event {
	ev := Event{SessionID: sessionID, Type: EventClassifierResult}
	switch {
	case err != nil:
		ev.ClassifierError = classifier.KindOf(err)
		ev.Detail = err.Error()
	case !v.Valid():
		ev.ClassifierError = classifier.ErrMalformedResponse
	default:
		ev.Verdict = v
	}
	return ev
}

// SchedulerOutcome converts a booking result into scheduler_result.
func SchedulerOutcome(sessionID string, appt calls.Appointment, err error) Event {
	ev := Event{SessionID: sessionID, Type: EventSchedulerResult}
	if err != nil {
		ev.SchedulerError = scheduler.KindOf(err)
		ev.Detail = err.Error()
		return ev
	}
	ev.Appointment = &appt
	return ev
}

func Hangup(sessionID, reason string) Event {
	if reason == "" {
		reason = HangupCallee
	}
	return Event{SessionID: sessionID, Type: EventHangup, Reason: reason}
}

// With returns a copy of ev guarded by x.
func (ev Event) With(x *Expect) Event {
	ev.Expect = x
	return ev
}
