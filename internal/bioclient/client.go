// Package bioclient calls the biometric confirmation collaborator. The
// marking contract requires its success before markPresent runs; the
// prompt UI and matching live entirely on the collaborator's side.
package bioclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifyResult is the collaborator's verdict for one confirmation token.
type VerifyResult struct {
	Verified   bool    `json:"verified"`
	Enrollment string  `json:"enrollment"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Client calls the biometric verification service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits every check for dev setups
// without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bio service unhealthy: %s", resp.Status)
	}
	return nil
}

// Verify checks a confirmation token issued to the student by the
// on-device biometric prompt. A non-2xx response or verified=false means
// the mark must not proceed.
func (c *Client) Verify(ctx context.Context, enrollment, token string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{Verified: true, Enrollment: enrollment, Confidence: 1.0}, nil
	}

	body, err := json.Marshal(map[string]string{
		"enrollment": enrollment,
		"token":      token,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bio verify failed: %s: %s", resp.Status, data)
	}

	var result VerifyResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("bio verify: bad response: %w", err)
	}
	return &result, nil
}
