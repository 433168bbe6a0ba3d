// Package processor talks to the external payment processor that holds the
// custodial balance. Only two operations cross this boundary: capturing a
// previously authorized hold, and reading the capture state of a hold.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client defines the subset of the processor API the service requires.
type Client interface {
	// Capture finalizes collection of the hold identified by paymentRef.
	// A timeout is a failure, never an ambiguous success.
	Capture(ctx context.Context, paymentRef string) error
	// CaptureStatus reports whether the hold has been captured. Used by the
	// reconciliation sweep to settle rows stuck mid-release.
	CaptureStatus(ctx context.Context, paymentRef string) (bool, error)
}

// HTTPClient implements Client against the processor's HTTP API.
type HTTPClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs a processor client. The timeout bounds every call;
// a non-positive value falls back to 10 seconds.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type captureResponse struct {
	Status   string `json:"status"`
	Captured bool   `json:"captured"`
}

// settled reports whether the processor considers the charge collected.
func (r captureResponse) settled() bool {
	if r.Captured {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "captured", "succeeded", "completed":
		return true
	}
	return false
}

// Capture finalizes the hold. Any non-2xx response or transport error is a
// capture failure from the caller's perspective.
func (c *HTTPClient) Capture(ctx context.Context, paymentRef string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/charges/%s/capture", paymentRef), struct{}{})
	if err != nil {
		return err
	}
	if !resp.settled() {
		return fmt.Errorf("processor declined capture of %s: status=%s", paymentRef, resp.Status)
	}
	return nil
}

// CaptureStatus fetches the charge and reports whether it has been captured.
func (c *HTTPClient) CaptureStatus(ctx context.Context, paymentRef string) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/charges/%s", paymentRef), nil)
	if err != nil {
		return false, err
	}
	return resp.settled(), nil
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, payload interface{}) (*captureResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("processor client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("processor %s failed: status=%d", path, resp.StatusCode)
	}
	var decoded captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}
