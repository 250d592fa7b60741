// Package compute is the client for the external ML/compute service.
//
// The service is a black box reached over HTTP: work is submitted with an
// opaque config payload, identified afterwards only by the returned handle,
// and observed through polling. Errors are classified so callers can decide
// what to retry:
//
//   - transport failures, timeouts and 5xx responses -> apperrors.ErrTransient
//     (no side effects, caller decides whether to retry)
//   - 4xx on submit -> apperrors.ErrRemoteRejected (permanent)
//   - a job that failed on the remote side arrives as a terminal StatusReport
//     with Error set, not as a Go error
package compute

import "context"

// StatusReport is the gateway's normalized view of one poll. It is transient
// and never persisted as its own entity.
type StatusReport struct {
	RemoteStatus string          `json:"status"`
	Progress     float64         `json:"progress"`
	LogDelta     string          `json:"logsDelta,omitempty"`
	MetricsDelta map[string]any  `json:"metricsDelta,omitempty"`
	Terminal     bool            `json:"terminal"`
	Error        string          `json:"error,omitempty"`
}

// Gateway abstracts the compute service's submit/status/cancel operations.
// Every call is bounded by the gateway's per-call timeout.
type Gateway interface {
	// Submit sends config verbatim and returns the remote job handle.
	Submit(ctx context.Context, config []byte) (string, error)

	// Poll fetches the current status for a handle. Polling an
	// already-terminal remote job is idempotent and returns the same
	// terminal report on repeated calls.
	Poll(ctx context.Context, handle string) (*StatusReport, error)

	// Cancel asks the remote side to stop the job. Best effort; the local
	// state machine does not depend on it succeeding.
	Cancel(ctx context.Context, handle string) error

	// Ready checks if the compute service is reachable.
	Ready(ctx context.Context) error
}
