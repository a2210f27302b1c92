package telephony

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"lead-qualifier/internal/dispatch"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/speech"
)

// Twilio posts application/x-www-form-urlencoded bodies.
// Ref: https://www.twilio.com/docs/voice/twiml

// VoiceForm is the subset of the voice webhook we use.
type VoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	AnsweredBy string
}

func ParseVoiceForm(r *http.Request) (VoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	return VoiceForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
	}, nil
}

// Inbound converts the webhook into a request to start an inbound session.
func (f VoiceForm) Inbound(occurredAt time.Time) dispatch.InboundRequest {
	return dispatch.InboundRequest{
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
	}
}

// GatherForm is what a <Gather> action callback carries.
type GatherForm struct {
	CallSid      string
	SpeechResult string
	Confidence   float64
	Digits       string
}

func ParseGatherForm(r *http.Request) (GatherForm, error) {
	if err := r.ParseForm(); err != nil {
		return GatherForm{}, err
	}
	f := GatherForm{
		CallSid:      r.PostFormValue("CallSid"),
		SpeechResult: strings.TrimSpace(r.PostFormValue("SpeechResult")),
		Digits:       strings.TrimSpace(r.PostFormValue("Digits")),
	}
	if c := r.PostFormValue("Confidence"); c != "" {
		// An unparsable confidence is treated as unknown.
		if v, err := strconv.ParseFloat(c, 64); err == nil {
			f.Confidence = v
		}
	}
	return f, nil
}

// Capture maps the callback to a speech capture. noInput marks the fallthrough redirect
// that follows a gather which never received input.
func (f GatherForm) Capture(sessionID string, noInput bool) speech.Capture {
	return speech.Capture{
		SessionID:  sessionID,
		SpeechText: f.SpeechResult,
		Confidence: f.Confidence,
		Digits:     f.Digits,
		TimedOut:   noInput && f.SpeechResult == "" && f.Digits == "",
	}
}

// StatusForm is a call progress callback.
type StatusForm struct {
	CallSid      string
	CallStatus   string
	CallDuration string
	AnsweredBy   string
	ErrorCode    string
}

func ParseStatusForm(r *http.Request) (StatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusForm{}, err
	}
	return StatusForm{
		CallSid:      r.PostFormValue("CallSid"),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallDuration: r.PostFormValue("CallDuration"),
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
		ErrorCode:    r.PostFormValue("ErrorCode"),
	}, nil
}

// EndReason maps a final call status to the hangup reason recorded on the session.
// ended is false for progress statuses.
func EndReason(status string) (reason string, ended bool) {
	switch status {
	case "completed":
		return orchestrator.HangupCallee, true
	case "busy", "no-answer", "failed", "canceled":
		return status, true
	default:
		return "", false
	}
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}
