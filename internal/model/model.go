// Package model defines shared types for the gateway.
package model

// Outcome is the terminal state of a request handled by the gateway.
// Every request ends in exactly one of these states.
type Outcome string

const (
	// OutcomeCompleted means a terminal response was written to the client,
	// including gateway-generated error responses (502/503/504).
	OutcomeCompleted Outcome = "COMPLETED"

	// OutcomeAborted means the client closed the connection before the
	// exchange finished; no further response is possible.
	OutcomeAborted Outcome = "ABORTED"

	// OutcomeTimedOut means the per-route total timeout expired before the
	// upstream finished; the client received a 504.
	OutcomeTimedOut Outcome = "TIMED_OUT"
)

// Echo context keys used by the forwarding engine to hand per-request results
// to the request logger and metrics middleware.
const (
	CtxKeyRule           = "gateway.rule"
	CtxKeyOutcome        = "gateway.outcome"
	CtxKeyUpstreamStatus = "gateway.upstream_status"
)
