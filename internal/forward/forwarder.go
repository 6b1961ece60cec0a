// Package forward implements the stream-safe forwarding engine.
//
// The engine runs as router-level pre-middleware: it sees every request
// before the router, before any body-reading middleware, and before any
// local handler. When a route rule matches, the engine claims the request:
// the inbound body reader is handed to the outbound request untouched and the
// router never sees the request, so no JSON or form parser can ever drain a
// body that is being piped upstream. When no rule matches, the engine stands
// aside and the request proceeds to local handling. The decision is made once
// and is final for the request.
package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"

	"streamgate/internal/metrics"
	"streamgate/internal/model"
	"streamgate/internal/routing"
)

// Forwarder relays matched requests to their upstream targets.
type Forwarder struct {
	table   *routing.Table
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder.
func NewForwarder(table *routing.Table, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		table:   table,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// Middleware returns the pre-router middleware that performs the routing
// decision. Register it with echo.Pre, after logging and metrics middleware
// and before anything that could read a request body.
func (f *Forwarder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rule := f.table.Decide(req.Method, req.URL.Path)
			if rule == nil {
				return next(c)
			}
			return f.forward(c, rule)
		}
	}
}

// forward relays one request to the rule's upstream and streams the response
// back. The inbound body is never read here; it is passed as the outbound
// request body and consumed by the HTTP transport as bytes arrive.
func (f *Forwarder) forward(c echo.Context, rule *routing.Rule) error {
	req := c.Request()
	c.Set(model.CtxKeyRule, rule.MatchPrefix)

	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if rule.TotalTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rule.TotalTimeout)
	}
	defer cancel()

	out, err := f.buildOutbound(ctx, c, rule)
	if err != nil {
		f.logger.Error("build outbound request", "err", err, "path", req.URL.Path)
		f.setOutcome(c, rule, model.OutcomeCompleted)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "invalid upstream request",
		})
	}

	resp, err := f.dispatch(rule, out)
	if err != nil {
		return f.mapError(c, rule, err)
	}
	defer func() { _ = resp.Body.Close() }()

	RelayResponseHeaders(c.Response().Header(), resp.Header)
	c.Set(model.CtxKeyUpstreamStatus, resp.StatusCode)
	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body to the client as bytes arrive, flushing after
	// each chunk so long-lived responses are not held in server buffers. If
	// the copy fails mid-stream the status line is already on the wire, so
	// the client sees a truncated body with the original status. We log and
	// classify, nothing more can be sent.
	if _, cerr := io.Copy(&flushWriter{c.Response()}, resp.Body); cerr != nil {
		if req.Context().Err() != nil {
			f.logger.Info("client aborted during response relay", "path", req.URL.Path)
			f.setOutcome(c, rule, model.OutcomeAborted)
			return nil
		}
		if errors.Is(cerr, context.DeadlineExceeded) {
			f.logger.Error("total timeout during response relay", "path", req.URL.Path, "rule", rule.MatchPrefix)
			f.setOutcome(c, rule, model.OutcomeTimedOut)
			return nil
		}
		f.logger.Error("relay upstream body", "err", cerr, "path", req.URL.Path)
	}

	f.setOutcome(c, rule, model.OutcomeCompleted)
	return nil
}

// dispatch executes the outbound request, through the rule's circuit breaker
// when one is configured. An open breaker rejects the attempt before any body
// byte is consumed, so the client may safely retry.
func (f *Forwarder) dispatch(rule *routing.Rule, out *http.Request) (*http.Response, error) {
	if rule.Breaker == nil {
		return rule.Upstream.Do(out)
	}
	v, err := rule.Breaker.Execute(func() (interface{}, error) {
		return rule.Upstream.Do(out)
	})
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

// buildOutbound derives the upstream request from the inbound one: rewritten
// path on the rule's target, hop-by-hop headers stripped, X-Forwarded-*
// recorded, and the inbound body reader attached unconsumed.
func (f *Forwarder) buildOutbound(ctx context.Context, c echo.Context, rule *routing.Rule) (*http.Request, error) {
	req := c.Request()

	target := *rule.Target
	target.Path = joinPath(rule.Target.Path, rule.RewritePath(req.URL.Path))
	target.RawQuery = req.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	out.Header = OutboundHeaders(req.Header)
	AppendForwarded(out.Header, c.RealIP(), req.Host, c.Scheme())
	return out, nil
}

// mapError turns an outbound failure into the terminal client response. The
// body stream cannot be replayed once any byte has gone upstream, so nothing
// here retries.
func (f *Forwarder) mapError(c echo.Context, rule *routing.Rule, err error) error {
	req := c.Request()

	// Client gone: no response is possible, cancel propagated upstream
	// already via the request context. Log only.
	if req.Context().Err() != nil {
		f.logger.Info("client aborted",
			"path", req.URL.Path,
			"rule", rule.MatchPrefix,
		)
		f.setOutcome(c, rule, model.OutcomeAborted)
		return nil
	}

	f.logger.Error("forward error",
		"err", err,
		"path", req.URL.Path,
		"rule", rule.MatchPrefix,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		f.setOutcome(c, rule, model.OutcomeTimedOut)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.setOutcome(c, rule, model.OutcomeCompleted)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "upstream temporarily unavailable",
		})
	}

	f.setOutcome(c, rule, model.OutcomeCompleted)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

func (f *Forwarder) setOutcome(c echo.Context, rule *routing.Rule, outcome model.Outcome) {
	c.Set(model.CtxKeyOutcome, outcome)
	if f.metrics != nil {
		f.metrics.ForwardOutcomes.WithLabelValues(metrics.RuleLabel(rule.MatchPrefix), string(outcome)).Inc()
	}
}

// joinPath joins a target base path and a rewritten request path with exactly
// one slash between them.
func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		return p
	case strings.HasSuffix(base, "/") && strings.HasPrefix(p, "/"):
		return base + p[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(p, "/"):
		return base + "/" + p
	default:
		return base + p
	}
}

// flushWriter flushes after every write so relayed bytes reach the client as
// they arrive rather than sitting in server buffers.
type flushWriter struct {
	resp *echo.Response
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.resp.Write(p)
	if err == nil && n > 0 {
		if f, ok := w.resp.Writer.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}
