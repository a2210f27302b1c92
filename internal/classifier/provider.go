// Package classifier decides whether a transcript comes from a qualified lead.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"lead-qualifier/internal/calls"
)

// Provider is a pure function from the orchestrator's point of view:
// the only observable output is the verdict.
type Provider interface {
	Name() string
	Classify(ctx context.Context, transcript string, cc Context) (calls.Verdict, error)
}

// Context is the conversation state handed to the classifier.
type Context struct {
	SessionID   string   `json:"session_id"`
	CalleePhone string   `json:"callee_phone"`
	Question    string   `json:"question"`
	History     []string `json:"history,omitempty"`
}

type ErrorKind string

const (
	ErrProviderFailure   ErrorKind = "provider_failure"
	ErrMalformedResponse ErrorKind = "malformed_response"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classifier: %s: %v", e.Kind, e.Err)
	}
	return "classifier: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps any error to a classifier error kind. Unknown errors count as provider failures.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == ErrMalformedResponse {
		return ErrMalformedResponse
	}
	return ErrProviderFailure
}
