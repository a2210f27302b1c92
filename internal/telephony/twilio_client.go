package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioClient is a small client for the Twilio Calls REST resource.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL defaults to the public API; tests point it at an httptest server.
	BaseURL    string
	HTTPClient *http.Client
}

func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("telephony: twilio account sid required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("telephony: twilio auth token required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwilioClient{accountSID: cfg.AccountSID, authToken: cfg.AuthToken, baseURL: base, httpClient: hc}, nil
}

// TwilioCall is the subset of the call resource we read back.
type TwilioCall struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

type MakeCallParams struct {
	To                  string
	From                string
	URL                 string
	StatusCallback      string
	StatusCallbackEvent []string
	MachineDetection    string
	// Timeout is the ring timeout in seconds.
	Timeout int
}

func (c *TwilioClient) MakeCall(ctx context.Context, p MakeCallParams) (TwilioCall, error) {
	data := url.Values{}
	data.Set("To", p.To)
	data.Set("From", p.From)
	data.Set("Url", p.URL)
	data.Set("Method", http.MethodPost)
	if p.StatusCallback != "" {
		data.Set("StatusCallback", p.StatusCallback)
		data.Set("StatusCallbackMethod", http.MethodPost)
	}
	for _, ev := range p.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", ev)
	}
	if p.MachineDetection != "" {
		data.Set("MachineDetection", p.MachineDetection)
	}
	if p.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(p.Timeout))
	}

	var call TwilioCall
	err := c.post(ctx, c.callsURL(""), data, &call)
	return call, err
}

// UpdateCall replaces the TwiML a live call is executing.
func (c *TwilioClient) UpdateCall(ctx context.Context, callSID, twiml string) (TwilioCall, error) {
	data := url.Values{}
	data.Set("Twiml", twiml)
	var call TwilioCall
	err := c.post(ctx, c.callsURL(callSID), data, &call)
	return call, err
}

func (c *TwilioClient) HangupCall(ctx context.Context, callSID string) (TwilioCall, error) {
	data := url.Values{}
	data.Set("Status", "completed")
	var call TwilioCall
	err := c.post(ctx, c.callsURL(callSID), data, &call)
	return call, err
}

func (c *TwilioClient) callsURL(callSID string) string {
	if callSID == "" {
		return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	}
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
}

// TwilioError is the error body of a failed API request.
type TwilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *TwilioClient) post(ctx context.Context, endpoint string, data url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &TwilioError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("twilio error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("telephony: decode twilio response: %w", err)
		}
	}
	return nil
}
