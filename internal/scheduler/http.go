package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"lead-qualifier/internal/calls"
)

// HTTPScheduler books through a remote calendar service.
//
// 409 Conflict means the slot is taken. The session id is sent as Idempotency-Key so a
// replayed request returns the original booking.
type HTTPScheduler struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPScheduler(url, apiKey string, timeout time.Duration) *HTTPScheduler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScheduler{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPScheduler) Name() string { return "http" }

type bookResponse struct {
	ConfirmationID string    `json:"confirmation_id"`
	Slot           string    `json:"slot"`
	StartsAt       time.Time `json:"starts_at"`
}

func (s *HTTPScheduler) Book(ctx context.Context, req BookRequest) (calls.Appointment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Idempotency-Key", req.SessionID)
	if s.APIKey != "" {
		hr.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return calls.Appointment{}, &Error{Kind: ErrSlotUnavailable, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))}
	}

	var out bookResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: err}
	}
	if out.ConfirmationID == "" {
		return calls.Appointment{}, &Error{Kind: ErrProviderFailure, Err: errors.New("missing confirmation_id")}
	}
	slot := out.Slot
	if slot == "" {
		slot = req.Slot
	}
	return calls.Appointment{
		ConfirmationID: out.ConfirmationID,
		Slot:           slot,
		StartsAt:       out.StartsAt.UTC(),
		BookedAt:       time.Now().UTC(),
	}, nil
}
