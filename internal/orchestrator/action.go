package orchestrator

import (
	"time"

	"lead-qualifier/internal/classifier"
	"lead-qualifier/internal/scheduler"
)

type ActionKind string

const (
	ActionSay          ActionKind = "say"
	ActionGatherSpeech ActionKind = "gather_speech"
	ActionRedirect     ActionKind = "redirect"
	ActionHangup       ActionKind = "hangup"
)

// Phase names a transport callback the call should be redirected to.
type Phase string

const (
	PhasePrompt Phase = "prompt"
	PhaseGather Phase = "gather"
)

// Action is an instruction for the live call. The dispatcher renders it for the transport.
type Action struct {
	Kind           ActionKind `json:"kind"`
	Text           string     `json:"text,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Phase          Phase      `json:"phase,omitempty"`
}

func Say(text string) Action { return Action{Kind: ActionSay, Text: text} }

func GatherSpeech(prompt string, timeoutSeconds int) Action {
	return Action{Kind: ActionGatherSpeech, Text: prompt, TimeoutSeconds: timeoutSeconds}
}

func Redirect(p Phase) Action { return Action{Kind: ActionRedirect, Phase: p} }

func HangupCall() Action { return Action{Kind: ActionHangup} }

// Ends reports whether the actions finish the call.
func Ends(actions []Action) bool {
	for _, a := range actions {
		if a.Kind == ActionHangup {
			return true
		}
	}
	return false
}

type EffectKind string

const (
	EffectClassify    EffectKind = "classify"
	EffectBook        EffectKind = "book"
	EffectArmTimer    EffectKind = "arm_timer"
	EffectCancelTimer EffectKind = "cancel_timer"
	EffectArchive     EffectKind = "archive"
)

// Effect is work the dispatcher performs after the step is saved.
// Classify and Book results come back as events guarded by Expect.
type Effect struct {
	Kind   EffectKind
	Expect Expect

	Classify *ClassifyRequest
	Book     *scheduler.BookRequest
	Timer    *TimerSpec
}

type ClassifyRequest struct {
	Transcript string
	Context    classifier.Context
}

// TimerSpec fires Fire after After unless cancelled first.
type TimerSpec struct {
	After time.Duration
	Fire  Event
}
