package job

import (
	"encoding/json"
	"time"
)

// Kind identifies what the compute service is asked to do with a job's config.
type Kind string

const (
	KindTrain    Kind = "train"
	KindBacktest Kind = "backtest"
	KindLabel    Kind = "label"
)

// ValidKind reports whether k is a known job kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTrain, KindBacktest, KindLabel:
		return true
	}
	return false
}

// Status is the job lifecycle state.
// Transitions: pending -> running -> {completed, failed, cancelled},
// plus pending -> {failed, cancelled} for jobs that never reached the
// compute service. All transitions go through Store.CompareAndSwapStatus.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether s counts against the one-active-job-per-strategy
// invariant.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Callback configures an optional webhook for a job's lifecycle events.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // empty = all events
	Key    string   `json:"key,omitempty"`    // HMAC signing key
}

// Job is one externally-executed unit of work (train/backtest/label) tracked
// through a bounded lifecycle. Jobs are never deleted; terminal jobs are
// retained for audit and history.
type Job struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategyId"`
	OwnerID        string          `json:"ownerId"`
	Kind           Kind            `json:"kind"`
	Status         Status          `json:"status"`
	Progress       float64         `json:"progress"` // 0..100
	Config         json.RawMessage `json:"config"`   // sent verbatim to the compute service
	Metrics        json.RawMessage `json:"metrics,omitempty"`
	Logs           string          `json:"logs,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ExternalHandle string          `json:"externalHandle,omitempty"` // empty until submit succeeds
	RetryCount     int             `json:"retryCount"`               // submit-time transient retries only
	MaxRetries     int             `json:"maxRetries"`
	Callback       *Callback       `json:"callback,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Config = append(json.RawMessage(nil), j.Config...)
	c.Metrics = append(json.RawMessage(nil), j.Metrics...)
	if j.Callback != nil {
		cb := *j.Callback
		cb.Events = append([]string(nil), j.Callback.Events...)
		c.Callback = &cb
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LastPolledAt != nil {
		t := *j.LastPolledAt
		c.LastPolledAt = &t
	}
	return &c
}

// Patch carries the fields written together with a status transition.
// Nil fields are left untouched. MetricsDelta is merged into the job's
// metrics object rather than replacing it.
type Patch struct {
	ExternalHandle *string
	Progress       *float64
	ErrorMessage   *string
	RetryCount     *int
	MetricsDelta   json.RawMessage
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastPolledAt   *time.Time
}

// StrategyStatus is the lifecycle state of a trading strategy.
type StrategyStatus string

const (
	StrategyDraft   StrategyStatus = "draft"
	StrategyActive  StrategyStatus = "active"
	StrategyPaused  StrategyStatus = "paused"
	StrategyStopped StrategyStatus = "stopped"
	StrategyError   StrategyStatus = "error"
)

// Strategy is the owning resource of jobs. While a job is active its status
// is mutated only by the job lifecycle, never by the CRUD layer.
type Strategy struct {
	ID      string          `json:"id"`
	OwnerID string          `json:"ownerId"`
	Name    string          `json:"name"`
	Status  StrategyStatus  `json:"status"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// StrategyStatusAfter returns the strategy status implied by a job reaching
// the given terminal status. The second return is false for non-terminal
// statuses, which imply no strategy change.
func StrategyStatusAfter(s Status) (StrategyStatus, bool) {
	switch s {
	case StatusFailed:
		return StrategyError, true
	case StatusCompleted, StatusCancelled:
		return StrategyPaused, true
	default:
		return "", false
	}
}

// Launchable reports whether new jobs may be submitted for the strategy.
// Stopped means archived; its queued jobs are auto-cancelled at launch time.
func (s *Strategy) Launchable() bool {
	return s.Status != StrategyStopped
}

// Request is a caller's submission of new work for a strategy.
type Request struct {
	StrategyID string          `json:"strategyId"`
	OwnerID    string          `json:"ownerId"`
	Kind       Kind            `json:"kind"`
	Config     json.RawMessage `json:"config"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	Callback   *Callback       `json:"callback,omitempty"`
}
