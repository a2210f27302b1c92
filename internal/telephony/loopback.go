package telephony

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"lead-qualifier/internal/dispatch"
	"lead-qualifier/pkg/logger"
)

// LoopbackTransport accepts every call without reaching a carrier. It backs local runs
// and tests: calls are driven by posting to the webhook endpoints by hand.
type LoopbackTransport struct {
	mu      sync.Mutex
	updates map[string][]dispatch.UpdateRequest
	ended   map[string]bool
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{
		updates: make(map[string][]dispatch.UpdateRequest),
		ended:   make(map[string]bool),
	}
}

func (t *LoopbackTransport) Name() string { return "loopback" }

func (t *LoopbackTransport) Dial(ctx context.Context, req dispatch.DialRequest) (dispatch.DialResult, error) {
	id := "LB" + uuid.NewString()
	logger.From(ctx).Info("loopback dial", "session_id", req.SessionID, "to", req.To, "provider_call_id", id)
	return dispatch.DialResult{ProviderCallID: id, Status: "queued"}, nil
}

func (t *LoopbackTransport) Update(ctx context.Context, req dispatch.UpdateRequest) error {
	t.mu.Lock()
	t.updates[req.ProviderCallID] = append(t.updates[req.ProviderCallID], req)
	t.mu.Unlock()
	logger.From(ctx).Debug("loopback update", "provider_call_id", req.ProviderCallID, "actions", len(req.Actions))
	return nil
}

func (t *LoopbackTransport) Hangup(_ context.Context, providerCallID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended[providerCallID] = true
	return nil
}

// Updates returns what was pushed to a call.
func (t *LoopbackTransport) Updates(providerCallID string) []dispatch.UpdateRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]dispatch.UpdateRequest(nil), t.updates[providerCallID]...)
}

func (t *LoopbackTransport) Ended(providerCallID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended[providerCallID]
}
