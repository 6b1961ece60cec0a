// Package routing implements the ordered prefix-rule route table.
//
// Rules are compiled once from configuration at startup and are immutable
// afterwards. Decide is a pure lookup: rules are examined in registration
// order and the first prefix match wins, so at most one rule fires per
// request.
package routing

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"streamgate/internal/config"
	"streamgate/internal/metrics"
	"streamgate/internal/upstream"
)

// Rule is one compiled forwarding rule.
type Rule struct {
	MatchPrefix string
	Target      *url.URL

	// TotalTimeout bounds the whole forwarded exchange, both legs included.
	// Zero means unbounded.
	TotalTimeout time.Duration

	// Upstream is the HTTP client for this rule's target.
	Upstream *upstream.Client

	// Breaker is nil when circuit breaking is disabled.
	Breaker *gobreaker.CircuitBreaker

	rewriteFrom string
	rewriteTo   string
}

// RewritePath applies the rule's optional prefix rewrite to an inbound path.
// Paths outside the rewrite prefix pass through unchanged.
func (r *Rule) RewritePath(path string) string {
	if r.rewriteFrom == "" {
		return path
	}
	if !prefixMatches(r.rewriteFrom, path) {
		return path
	}
	rest := path[len(r.rewriteFrom):]
	to := r.rewriteTo
	if strings.HasSuffix(to, "/") && strings.HasPrefix(rest, "/") {
		to = strings.TrimSuffix(to, "/")
	}
	out := to + rest
	if out == "" {
		return "/"
	}
	return out
}

// matches reports whether the rule's prefix matches the path at a path
// boundary: "/api" matches "/api" and "/api/x" but not "/apix".
func (r *Rule) matches(path string) bool {
	return prefixMatches(r.MatchPrefix, path)
}

func prefixMatches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) > len(prefix) {
		next := path[len(prefix)]
		if next != '/' && prefix[len(prefix)-1] != '/' {
			return false
		}
	}
	return true
}

// Table is the immutable rule set loaded at process start.
type Table struct {
	rules  []*Rule
	logger *slog.Logger
}

// NewTable compiles the configured routes into a Table, building one upstream
// client per rule and, when enabled, one circuit breaker per rule.
func NewTable(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Table, error) {
	log := logger.With("component", "routing")

	rules := make([]*Rule, 0, len(cfg.Routes))
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]

		target, err := url.Parse(rc.TargetBaseURL)
		if err != nil {
			return nil, fmt.Errorf("route %q: parse target_base_url: %w", rc.MatchPrefix, err)
		}

		rule := &Rule{
			MatchPrefix:  rc.MatchPrefix,
			Target:       target,
			TotalTimeout: cfg.TotalTimeout(rc),
			rewriteFrom:  rc.RewriteFrom,
			rewriteTo:    rc.RewriteTo,
		}
		if rule.rewriteFrom == "" && rc.RewriteTo != "" {
			rule.rewriteFrom = rc.MatchPrefix
		}

		rule.Upstream = upstream.New(upstream.Options{
			Rule:            rc.MatchPrefix,
			ConnectTimeout:  cfg.ConnectTimeout(rc),
			IdleConnections: cfg.Upstream.IdleConnections,
		}, logger, m)

		if cfg.Breaker.Enabled {
			rule.Breaker = newBreaker(rc.MatchPrefix, cfg.Breaker, logger, m)
		}

		rules = append(rules, rule)
		log.Info("route registered",
			"match_prefix", rc.MatchPrefix,
			"target", rc.TargetBaseURL,
			"total_timeout", rule.TotalTimeout,
		)
	}

	return &Table{rules: rules, logger: log}, nil
}

// Decide returns the first rule whose prefix matches the path, or nil when no
// rule matches and the request falls through to local handling. The method is
// accepted for future extension but does not participate in matching.
func (t *Table) Decide(method, path string) *Rule {
	_ = method
	for _, r := range t.rules {
		if r.matches(path) {
			return r
		}
	}
	return nil
}

// Rules returns the compiled rules in registration order.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// newBreaker builds a gobreaker circuit breaker for one rule. The breaker
// opens when at least min_requests attempts have been seen and half of them
// failed; it probes again after open_timeout.
func newBreaker(rule string, bc config.BreakerConfig, logger *slog.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	openTimeout := time.Duration(bc.OpenTimeoutMs) * time.Millisecond
	minRequests := uint32(bc.MinRequests)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        rule,
		MaxRequests: 1,
		Interval:    openTimeout,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"rule", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			}
		},
	})
}
