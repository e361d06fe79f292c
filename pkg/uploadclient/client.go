// Package uploadclient implements the client side of an upload to the
// Loopback Upload Endpoint (spec.md §4.H): an HTTP POST of the blob body,
// with loopback requests additionally carrying the local auth token.
package uploadclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthHeader is the header name the Loopback Upload Endpoint expects its
// per-device secret on (spec.md §4.H, §6).
const AuthHeader = "X-Meshrabiya-Auth"

// Client performs HTTP uploads against remote or loopback assignees.
type Client struct {
	httpClient *http.Client
}

// New builds a Client with the given connect/read timeout budget, matching
// spec.md §5's "connect 4-10s, read 15-30s" guidance via a single overall
// request timeout (the simplest faithful rendition of that budget for a
// short-lived upload call).
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// IsLoopback reports whether endpoint resolves to a loopback host
// (127.0.0.1, localhost, ::1), per spec.md §4.G.
func IsLoopback(endpoint *url.URL) bool {
	host := endpoint.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Probe issues a HEAD against endpoint's blobID sibling route
// (endpoint + "/" + blobID, matching the server's HEAD /store/:id handler)
// to check whether the peer already has the blob, per spec.md §4.G's
// idempotency optimisation. It returns true only on a 200 response.
func (c *Client) Probe(ctx context.Context, endpoint, blobID, localAuthToken string) (bool, error) {
	target := strings.TrimSuffix(endpoint, "/") + "/" + blobID
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, fmt.Errorf("building probe request: %w", err)
	}
	u, err := url.Parse(target)
	if err == nil && IsLoopback(u) && localAuthToken != "" {
		req.Header.Set(AuthHeader, localAuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("probing endpoint: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Upload POSTs body to endpoint as application/octet-stream, including the
// loopback auth header when endpoint resolves to localhost. It returns the
// response status code (2xx is success) and any response body for error
// reporting.
func (c *Client) Upload(ctx context.Context, endpoint string, body []byte, localAuthToken string) (int, []byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if IsLoopback(u) && localAuthToken != "" {
		req.Header.Set(AuthHeader, localAuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("performing upload: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}
