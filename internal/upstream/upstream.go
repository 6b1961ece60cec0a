// Package upstream provides per-target HTTP clients for the forwarding engine.
package upstream

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"streamgate/internal/metrics"
)

// Client sends requests to one upstream target. Each route rule owns its own
// Client so connect timeouts and connection pools are scoped per target.
type Client struct {
	rule       string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Options configures a Client.
type Options struct {
	// Rule is the match prefix of the owning route, used as a metrics label.
	Rule string

	// ConnectTimeout bounds dialing the upstream. The total request budget
	// is enforced by the caller through the request context, not here:
	// http.Client.Timeout would also cut off long streamed response bodies
	// that are still within their per-request deadline.
	ConnectTimeout  time.Duration
	IdleConnections int
}

// New creates a Client with connection pooling and a per-target dialer.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.IdleConnections,
		MaxIdleConnsPerHost: opts.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		rule:       opts.Rule,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client", "rule", opts.Rule),
		metrics:    m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. The request context
// controls the lifetime of the exchange: when it is canceled (client
// disconnect, total timeout), the outbound connection is torn down.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		rule := metrics.RuleLabel(c.rule)
		method := metrics.NormalizeMethod(req.Method)
		c.metrics.UpstreamDuration.WithLabelValues(rule, method).Observe(duration)
		if err == nil {
			c.metrics.UpstreamResponses.WithLabelValues(rule, strconv.Itoa(resp.StatusCode)).Inc()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

// CloseIdleConnections releases pooled connections, for shutdown and tests.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
