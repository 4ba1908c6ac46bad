package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProber checks agent liveness with GET {url}/health.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober. Timeouts come from the caller's context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	return &HTTPProber{client: client}
}

// Probe returns the status code of the health endpoint. The body is ignored.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}
