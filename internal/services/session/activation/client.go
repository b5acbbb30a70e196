package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
	"github.com/ordertech/lanesync/internal/platform/timeouts"
)

// Manifest is the tenant descriptor returned by a successful credential
// validation.
type Manifest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// ManifestClient validates the device credential against the hub.
type ManifestClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewManifestClient creates a manifest client for the hub base URL.
func NewManifestClient(baseURL string) *ManifestClient {
	return &ManifestClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
	}
}

// Validate fetches the manifest with the token. Hubs have read the token
// from different headers across versions, so the request walks Bearer,
// x-device-token, then both before concluding the credential is rejected.
// Rejection is a KindAuth error; unreachable hubs are KindTransport.
func (c *ManifestClient) Validate(ctx context.Context, token string) (Manifest, error) {
	type headerSet func(*http.Request)
	variants := []headerSet{
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
		func(r *http.Request) { r.Header.Set("x-device-token", token) },
		func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
			r.Header.Set("x-device-token", token)
		},
	}

	for _, set := range variants {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manifest", nil)
		if err != nil {
			return Manifest{}, fmt.Errorf("build manifest request: %w", err)
		}
		set(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Manifest{}, platformerrors.Classify(platformerrors.KindTransport,
				fmt.Errorf("fetch manifest: %w", err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var manifest Manifest
			err := json.NewDecoder(resp.Body).Decode(&manifest)
			resp.Body.Close()
			if err != nil {
				return Manifest{}, platformerrors.Classify(platformerrors.KindProtocol,
					fmt.Errorf("decode manifest: %w", err))
			}
			return manifest, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		default:
			io.Copy(io.Discard, resp.Body)
			status := resp.StatusCode
			resp.Body.Close()
			return Manifest{}, platformerrors.Classify(platformerrors.KindTransport,
				fmt.Errorf("fetch manifest: status %d", status))
		}
	}
	return Manifest{}, platformerrors.Classify(platformerrors.KindAuth,
		fmt.Errorf("fetch manifest: credential rejected"))
}
