// Package speech turns a captured callee response into text.
//
// The orchestrator never transcribes audio itself; it only interprets a
// Transcript or a typed *Error returned by a Provider.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lead-qualifier/internal/calls"
)

// Provider converts a captured utterance reference into a transcript.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, c Capture) (Transcript, error)
}

// Capture is what the transport reports for one response window.
// For Twilio <Gather> the recognition already happened upstream and arrives as
// SpeechResult/Confidence/Digits form fields.
type Capture struct {
	SessionID string

	SpeechText string
	Confidence float64
	Digits     string

	// TimedOut is set when the response window closed without any input.
	TimedOut bool

	// RecordingURL is optional; providers that run their own ASR use it.
	RecordingURL string
}

// Transcript is normalized callee input.
type Transcript struct {
	Text       string
	Source     calls.UtteranceSource
	Confidence float64
}

type ErrorKind string

const (
	ErrTimeout         ErrorKind = "timeout"
	ErrNoSpeech        ErrorKind = "no_speech"
	ErrProviderFailure ErrorKind = "provider_failure"
)

// Error is the only error shape a Provider should return.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech: %s: %v", e.Kind, e.Err)
	}
	return "speech: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps any error to a speech error kind. Unknown errors count as provider failures.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		switch se.Kind {
		case ErrTimeout, ErrNoSpeech, ErrProviderFailure:
			return se.Kind
		}
	}
	return ErrProviderFailure
}

// GatherProvider interprets results of a Twilio <Gather input="speech dtmf">.
//
// DTMF digits are treated as an answer equivalent to speech.
type GatherProvider struct {
	// MinConfidence below which a speech result is treated as no_speech. 0 disables the check.
	MinConfidence float64
}

func NewGatherProvider(minConfidence float64) *GatherProvider {
	return &GatherProvider{MinConfidence: minConfidence}
}

func (p *GatherProvider) Name() string { return "twilio_gather" }

func (p *GatherProvider) Transcribe(ctx context.Context, c Capture) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	if c.TimedOut {
		return Transcript{}, &Error{Kind: ErrTimeout}
	}

	if digits := strings.TrimSpace(c.Digits); digits != "" {
		return Transcript{Text: digits, Source: calls.SourceDTMF, Confidence: 1}, nil
	}

	text := strings.TrimSpace(c.SpeechText)
	if text == "" {
		return Transcript{}, &Error{Kind: ErrNoSpeech}
	}
	if p.MinConfidence > 0 && c.Confidence > 0 && c.Confidence < p.MinConfidence {
		return Transcript{}, &Error{Kind: ErrNoSpeech, Err: fmt.Errorf("confidence %.2f below %.2f", c.Confidence, p.MinConfidence)}
	}
	return Transcript{Text: text, Source: calls.SourceSpeech, Confidence: c.Confidence}, nil
}
