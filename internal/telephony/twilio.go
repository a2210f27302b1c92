package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lead-qualifier/internal/dispatch"
)

// statusEvents are the call progress callbacks requested for outbound calls.
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioTransport places and steers calls through the Twilio REST API.
type TwilioTransport struct {
	client    *TwilioClient
	callbacks Callbacks
	twiml     Renderer

	// DefaultFrom is used when the dispatcher did not pick a caller id.
	DefaultFrom string
	// RingTimeout in seconds; 0 keeps Twilio's default.
	RingTimeout int
	// MachineDetection is passed through when set ("Enable" or "DetectMessageEnd").
	MachineDetection string
}

func NewTwilioTransport(client *TwilioClient, callbacks Callbacks, twiml Renderer) *TwilioTransport {
	return &TwilioTransport{client: client, callbacks: callbacks, twiml: twiml}
}

func (t *TwilioTransport) Name() string { return "twilio" }

func (t *TwilioTransport) Dial(ctx context.Context, req dispatch.DialRequest) (dispatch.DialResult, error) {
	if t.client == nil {
		return dispatch.DialResult{}, errors.New("telephony: twilio client is nil")
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = t.DefaultFrom
	}
	if from == "" {
		return dispatch.DialResult{}, errors.New("telephony: no caller id to dial from")
	}
	call, err := t.client.MakeCall(ctx, MakeCallParams{
		To:                  req.To,
		From:                from,
		URL:                 t.callbacks.Voice(req.SessionID),
		StatusCallback:      t.callbacks.Status(req.SessionID),
		StatusCallbackEvent: statusEvents,
		MachineDetection:    t.MachineDetection,
		Timeout:             t.RingTimeout,
	})
	if err != nil {
		return dispatch.DialResult{}, fmt.Errorf("telephony: twilio dial: %w", err)
	}
	return dispatch.DialResult{ProviderCallID: call.SID, Status: call.Status}, nil
}

// Update replaces what the live call is doing with the rendered actions.
func (t *TwilioTransport) Update(ctx context.Context, req dispatch.UpdateRequest) error {
	if req.ProviderCallID == "" {
		return errors.New("telephony: provider call id required")
	}
	doc, err := t.twiml.Render(req.Actions, t.callbacks.Links(req.SessionID, req.Position))
	if err != nil {
		return err
	}
	if _, err := t.client.UpdateCall(ctx, req.ProviderCallID, doc); err != nil {
		return fmt.Errorf("telephony: twilio update: %w", err)
	}
	return nil
}

func (t *TwilioTransport) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return nil
	}
	if _, err := t.client.HangupCall(ctx, providerCallID); err != nil {
		return fmt.Errorf("telephony: twilio hangup: %w", err)
	}
	return nil
}
