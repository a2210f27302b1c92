package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lead-qualifier/internal/calls"
)

// HTTPClassifier posts the transcript to a remote classification service.
//
// Request:  {"transcript": "...", "context": {...}}
// Response: {"verdict": "qualified"|"unqualified"}
type HTTPClassifier struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPClassifier(url, apiKey string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClassifier{URL: url, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClassifier) Name() string { return "http" }

type classifyRequest struct {
	Transcript string  `json:"transcript"`
	Context    Context `json:"context"`
}

type classifyResponse struct {
	Verdict string `json:"verdict"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, transcript string, cc Context) (calls.Verdict, error) {
	body, err := json.Marshal(classifyRequest{Transcript: transcript, Context: cc})
	if err != nil {
		return "", &Error{Kind: ErrProviderFailure, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: ErrProviderFailure, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrProviderFailure, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &Error{Kind: ErrProviderFailure, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Kind: ErrProviderFailure, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out classifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Error{Kind: ErrMalformedResponse, Err: err}
	}
	v := calls.Verdict(strings.ToLower(strings.TrimSpace(out.Verdict)))
	if !v.Valid() {
		return "", &Error{Kind: ErrMalformedResponse, Err: fmt.Errorf("unknown verdict %q", out.Verdict)}
	}
	return v, nil
}
