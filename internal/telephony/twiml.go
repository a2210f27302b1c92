package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"lead-qualifier/internal/orchestrator"
)

// TwiML is built with encoding/xml structs; only the verbs the call flow uses exist.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name  `xml:"Gather"`
	Input         string    `xml:"input,attr"`
	Action        string    `xml:"action,attr"`
	Method        string    `xml:"method,attr"`
	Timeout       int       `xml:"timeout,attr"`
	SpeechTimeout string    `xml:"speechTimeout,attr,omitempty"`
	NumDigits     int       `xml:"numDigits,attr,omitempty"`
	Language      string    `xml:"language,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Renderer turns orchestrator actions into TwiML.
type Renderer struct {
	Voice    string
	Language string
}

// RenderTwiML renders actions with the provider's default voice.
func RenderTwiML(actions []orchestrator.Action, links Links) (string, error) {
	return Renderer{}.Render(actions, links)
}

func (r Renderer) Render(actions []orchestrator.Action, links Links) (string, error) {
	var resp twimlResponse
	for _, a := range actions {
		switch a.Kind {
		case orchestrator.ActionSay:
			resp.Verbs = append(resp.Verbs, r.say(a.Text))
		case orchestrator.ActionGatherSpeech:
			if links.Gather == "" {
				return "", errors.New("telephony: gather url required")
			}
			g := twimlGather{
				Input:         "speech dtmf",
				Action:        links.Gather,
				Method:        "POST",
				Timeout:       a.TimeoutSeconds,
				SpeechTimeout: "auto",
				NumDigits:     1,
				Language:      r.Language,
			}
			if strings.TrimSpace(a.Text) != "" {
				s := r.say(a.Text)
				g.Say = &s
			}
			resp.Verbs = append(resp.Verbs, g)
			// Reached only when the gather window closed without input.
			if links.NoInput != "" {
				resp.Verbs = append(resp.Verbs, twimlRedirect{Method: "POST", URL: links.NoInput})
			}
		case orchestrator.ActionRedirect:
			target := links.Prompt
			if a.Phase == orchestrator.PhaseGather {
				target = links.Gather
			}
			if target == "" {
				return "", fmt.Errorf("telephony: no url for redirect phase %q", a.Phase)
			}
			resp.Verbs = append(resp.Verbs, twimlRedirect{Method: "POST", URL: target})
		case orchestrator.ActionHangup:
			resp.Verbs = append(resp.Verbs, twimlHangup{})
		default:
			return "", fmt.Errorf("telephony: unknown action %q", a.Kind)
		}
	}
	return encodeTwiML(resp)
}

func (r Renderer) say(text string) twimlSay {
	return twimlSay{Voice: r.Voice, Language: r.Language, Text: text}
}

// RejectTwiML refuses an inbound call before it is answered.
func RejectTwiML(reason string) (string, error) {
	return encodeTwiML(twimlResponse{Verbs: []any{twimlReject{Reason: reason}}})
}

func encodeTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
