package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ordertech/lanesync/internal/platform/timeouts"
)

// HTTPSignalClient reads the hub's REST signaling mailbox.
type HTTPSignalClient struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
}

// NewHTTPSignalClient creates a signaling client. token is optional and
// read per request.
func NewHTTPSignalClient(baseURL string, token func() string) *HTTPSignalClient {
	return &HTTPSignalClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
		token:      token,
	}
}

var _ SignalMailbox = (*HTTPSignalClient)(nil)

// Offer fetches the posted offer for the pair, empty when none yet.
func (c *HTTPSignalClient) Offer(ctx context.Context, pairID string) (string, error) {
	var body struct {
		SDP string `json:"sdp"`
	}
	if err := c.get(ctx, "/webrtc/offer?pairId="+url.QueryEscape(pairID), &body); err != nil {
		return "", err
	}
	return body.SDP, nil
}

// Answer fetches the posted answer for the pair, empty when none yet.
func (c *HTTPSignalClient) Answer(ctx context.Context, pairID string) (string, error) {
	var body struct {
		SDP string `json:"sdp"`
	}
	if err := c.get(ctx, "/webrtc/answer?pairId="+url.QueryEscape(pairID), &body); err != nil {
		return "", err
	}
	return body.SDP, nil
}

// Candidates drains the queue addressed to this role.
func (c *HTTPSignalClient) Candidates(ctx context.Context, pairID, role string) ([]string, error) {
	var body struct {
		Candidates []string `json:"candidates"`
	}
	path := "/webrtc/candidates?pairId=" + url.QueryEscape(pairID) + "&role=" + url.QueryEscape(role)
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Candidates, nil
}

// PostAnswer publishes this device's answer for the pair.
func (c *HTTPSignalClient) PostAnswer(ctx context.Context, pairID, sdp string) error {
	return c.post(ctx, "/webrtc/answer", map[string]string{"pairId": pairID, "sdp": sdp})
}

// PostCandidate trickles one candidate to the peer.
func (c *HTTPSignalClient) PostCandidate(ctx context.Context, pairID, role, candidate string) error {
	return c.post(ctx, "/webrtc/candidate", map[string]string{
		"pairId":    pairID,
		"role":      role,
		"candidate": candidate,
	})
}

func (c *HTTPSignalClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build signal request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPSignalClient) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *HTTPSignalClient) do(req *http.Request, out any) error {
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signal request %s: %w", req.URL.Path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("signal request %s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode signal response: %w", err)
	}
	return nil
}
