package dispatch

import (
	"context"
	"time"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
)

// Observer is told about every step after it is durable (or discarded).
// Observers must not block; failures are theirs to log.
type Observer interface {
	ObserveStep(ctx context.Context, ev orchestrator.Event, step orchestrator.Step)
}

// Instrumentation receives operational signals. Metrics implements it.
type Instrumentation interface {
	ProviderCall(provider, op string, err error, d time.Duration)
	StoreConflict()
	TimerFired(ev orchestrator.EventType)
}

// Archiver copies a terminal session somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, s calls.Session) error
}

// CallerIDPicker chooses the From number for an outbound call.
type CallerIDPicker interface {
	Pick() (string, error)
}

type nopInstrumentation struct{}

func (nopInstrumentation) ProviderCall(string, string, error, time.Duration) {}
func (nopInstrumentation) StoreConflict()                                   {}
func (nopInstrumentation) TimerFired(orchestrator.EventType)                {}

type nopArchiver struct{}

func (nopArchiver) Archive(context.Context, calls.Session) error { return nil }
