package localmode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
	"github.com/ordertech/lanesync/internal/platform/timeouts"
	"github.com/ordertech/lanesync/internal/services/session/storage"
)

// OrderSubmitter delivers one offline order to the hub.
type OrderSubmitter interface {
	Submit(ctx context.Context, order storage.PendingOrder) error
}

// OrderClient submits queued offline orders to POST /api/local-order. Like
// the other hub clients it walks the token header variants in order until
// one is accepted.
type OrderClient struct {
	baseURL    string
	httpClient *http.Client
	token      func() string
}

// NewOrderClient creates an order client. token is read per request.
func NewOrderClient(baseURL string, token func() string) *OrderClient {
	return &OrderClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
		token:      token,
	}
}

var _ OrderSubmitter = (*OrderClient)(nil)

// Submit posts the order payload. A 401/403 across all header variants is a
// KindAuth error; any other failure is KindTransport. Either way the caller
// keeps the order queued.
func (c *OrderClient) Submit(ctx context.Context, order storage.PendingOrder) error {
	token := c.token()
	for _, variant := range []int{0, 1, 2} {
		status, err := c.post(ctx, order.Payload, token, variant)
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
				fmt.Errorf("submit order %s: status %d", order.OrderNumber, status))
		}
	}
	return platformerrors.Classify(platformerrors.KindAuth,
		fmt.Errorf("submit order %s: credential rejected", order.OrderNumber))
}

func (c *OrderClient) post(ctx context.Context, payload []byte, token string, variant int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/local-order", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch variant {
	case 0:
		req.Header.Set("Authorization", "Bearer "+token)
	case 1:
		req.Header.Set("x-device-token", token)
	default:
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("x-device-token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post order: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}
