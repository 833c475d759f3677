// Package convai implements the ElevenLabs Conversational AI streaming
// protocol: the outbound WebSocket leg of a bridged phone call, plus the
// one-shot signed-URL handshake that precedes it.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const signedURLPath = "/v1/convai/conversation/get_signed_url"

// ErrMisconfigured marks setup failures caused by missing local
// configuration rather than provider availability. Callers use it to keep
// "fix your env" distinguishable from "provider is down" in logs.
var ErrMisconfigured = errors.New("convai: misconfigured")

// SignedURLClient performs the authenticated handshake that issues a
// time-limited streaming URL for an agent. URLs are single-use: fetch a
// fresh one for every call, never cache.
type SignedURLClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewSignedURLClient builds a fetcher against the given API base URL.
func NewSignedURLClient(apiKey, baseURL string, httpClient *http.Client) *SignedURLClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SignedURLClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Fetch requests a signed streaming URL for agentID. Configuration errors
// are reported before any network I/O happens.
func (c *SignedURLClient) Fetch(ctx context.Context, agentID string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: api key is required", ErrMisconfigured)
	}
	if agentID == "" {
		return "", fmt.Errorf("%w: agent id is required", ErrMisconfigured)
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("%w: api base url is required", ErrMisconfigured)
	}

	reqURL := c.baseURL + signedURLPath + "?agent_id=" + url.QueryEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signed url request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("signed url request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode signed url response: %w", err)
	}
	signed := strings.TrimSpace(payload.SignedURL)
	if signed == "" {
		return "", fmt.Errorf("signed url response missing signed_url")
	}
	return signed, nil
}
