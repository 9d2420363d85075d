package link

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Prober checks reachability before a reconnect is attempted.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues a GET and treats any non-5xx response as reachable.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProbe returns a probe for url, or nil when url is empty.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProbe{URL: url, Timeout: timeout, Client: http.DefaultClient}
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
