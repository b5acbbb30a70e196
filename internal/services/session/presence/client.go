package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
	"github.com/ordertech/lanesync/internal/platform/timeouts"
)

// Record is one liveness announcement.
type Record struct {
	DeviceID    string `json:"device_id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// authVariant names one way of attaching the device token. Deployed hubs
// have disagreed on which header they read, so the client walks the
// variants in order until one is accepted.
type authVariant int

const (
	authBearer authVariant = iota
	authDeviceHeader
	authBoth
)

var authVariants = []authVariant{authBearer, authDeviceHeader, authBoth}

// Client posts presence records to the hub.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
}

// NewClient creates a presence client. token is read per request so a
// refreshed credential takes effect without rebuilding the client.
func NewClient(baseURL string, token func() string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
		token:      token,
	}
}

// Announce posts one record. A 401/403 across all auth variants comes back
// as a KindAuth error; other delivery failures are KindTransport.
func (c *Client) Announce(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence record: %w", err)
	}

	token := c.token()
	for _, variant := range authVariants {
		status, err := c.post(ctx, body, token, variant)
		if err != nil {
			return platformerrors.Classify(platformerrors.KindTransport, err)
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			continue
		default:
			return platformerrors.Classify(platformerrors.KindTransport,
				fmt.Errorf("presence announce: status %d", status))
		}
	}
	return platformerrors.Classify(platformerrors.KindAuth,
		fmt.Errorf("presence announce: credential rejected"))
}

func (c *Client) post(ctx context.Context, body []byte, token string, variant authVariant) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/presence/display", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build presence request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch variant {
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+token)
	case authDeviceHeader:
		req.Header.Set("x-device-token", token)
	case authBoth:
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("x-device-token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post presence: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
