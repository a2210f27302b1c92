package dispatch

import (
	"context"
	"time"

	"lead-qualifier/internal/orchestrator"
)

// Transport places and controls live calls. Adapters translate to a provider
// (Twilio REST, a loopback for dev) and carry no business logic.
type Transport interface {
	Name() string
	Dial(ctx context.Context, req DialRequest) (DialResult, error)
	// Update replaces what the live call is doing with actions.
	Update(ctx context.Context, req UpdateRequest) error
	Hangup(ctx context.Context, providerCallID string) error
}

type DialRequest struct {
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	From      string `json:"from"`
}

type DialResult struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`
}

type UpdateRequest struct {
	SessionID      string `json:"session_id"`
	ProviderCallID string `json:"provider_call_id"`

	// Position is where the session stands after the actions were produced. Callback
	// URLs carry it so late transport callbacks can be recognized as stale.
	Position orchestrator.Expect `json:"position"`

	Actions []orchestrator.Action `json:"actions"`
}

// InboundRequest is an inbound call reported by the transport.
type InboundRequest struct {
	ProviderCallID string    `json:"provider_call_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	OccurredAt     time.Time `json:"occurred_at"`
}
