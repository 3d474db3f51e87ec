package xero

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized signals a 401 from the Xero API: the token looked fresh
// by our bookkeeping but the provider rejected it, usually because access
// was revoked out-of-band.
var ErrUnauthorized = errors.New("xero: unauthorized")

// IsUnauthorized reports whether err represents a 401 API response.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Client is an authenticated API handle bound to one Xero tenant. It holds
// the plaintext access token for its own lifetime only; callers must not
// retain clients across requests.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	tenantID    string
}

// NewClient builds a tenant-scoped API client.
func NewClient(httpClient *http.Client, baseURL, accessToken, tenantID string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		tenantID:    tenantID,
	}
}

// TenantID returns the external tenant identifier the client is bound to.
func (c *Client) TenantID() string { return c.tenantID }

// Do issues an API request with the bearer token and tenant header set.
// A 401 response is returned as ErrUnauthorized so callers can trigger a
// single forced refresh.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build api request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Xero-Tenant-Id", c.tenantID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read api response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api status %d for %s %s", resp.StatusCode, method, path)
	}
	return payload, nil
}

// Get is a convenience wrapper over Do.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}
