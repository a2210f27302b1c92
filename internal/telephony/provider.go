// Package telephony adapts a voice provider to the dispatcher.
//
// Rules:
// - No provider calls outside this package.
// - Webhook handlers only translate provider requests into dispatcher calls and render
//   the returned actions; decisions are made by the orchestrator.
// - Every callback URL we hand to the provider carries the session position it was
//   rendered for, so late or replayed callbacks can be recognised as stale.
package telephony

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
)

const webhookPrefix = "/webhooks/twilio"

// Webhook paths relative to the public base URL.
const (
	PathVoice  = webhookPrefix + "/voice"
	PathPrompt = webhookPrefix + "/prompt"
	PathGather = webhookPrefix + "/gather"
	PathStatus = webhookPrefix + "/status"
)

// Links are the URLs rendered TwiML points back to.
type Links struct {
	Prompt  string
	Gather  string
	NoInput string
}

// Callbacks builds webhook URLs on the service's public base URL.
type Callbacks struct {
	base string
}

func NewCallbacks(publicBaseURL string) Callbacks {
	return Callbacks{base: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}
}

func (c Callbacks) Voice(sessionID string) string {
	return c.build(PathVoice, url.Values{"session_id": {sessionID}})
}

func (c Callbacks) Status(sessionID string) string {
	return c.build(PathStatus, url.Values{"session_id": {sessionID}})
}

// Links returns the prompt and gather URLs for a session at pos.
func (c Callbacks) Links(sessionID string, pos orchestrator.Expect) Links {
	q := positionQuery(sessionID, pos)
	noInput := positionQuery(sessionID, pos)
	noInput.Set("no_input", "1")
	return Links{
		Prompt:  c.build(PathPrompt, q),
		Gather:  c.build(PathGather, q),
		NoInput: c.build(PathGather, noInput),
	}
}

func (c Callbacks) build(path string, q url.Values) string {
	return c.base + path + "?" + q.Encode()
}

func positionQuery(sessionID string, pos orchestrator.Expect) url.Values {
	q := url.Values{"session_id": {sessionID}}
	if pos.State != "" {
		q.Set("state", string(pos.State))
		q.Set("attempt", strconv.Itoa(pos.Attempt))
	}
	return q
}

// ParsePosition reads the position a callback URL was rendered for. A URL without a
// state carries no guard and yields nil.
func ParsePosition(q url.Values) (*orchestrator.Expect, error) {
	raw := strings.TrimSpace(q.Get("state"))
	if raw == "" {
		return nil, nil
	}
	st := calls.State(raw)
	if !st.Valid() {
		return nil, fmt.Errorf("telephony: unknown state %q", raw)
	}
	pos := &orchestrator.Expect{State: st, Attempt: orchestrator.AnyAttempt}
	if a := strings.TrimSpace(q.Get("attempt")); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("telephony: bad attempt %q", a)
		}
		pos.Attempt = n
	}
	return pos, nil
}
