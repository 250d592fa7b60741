package job

import "time"

// EventType distinguishes progress updates from terminal announcements.
type EventType string

const (
	EventProgress EventType = "progress"
	EventTerminal EventType = "terminal"
)

// Event is a point-in-time notification of a job's state, published after
// every durable state change.
type Event struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"jobId"`
	StrategyID string    `json:"strategyId"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Progress   float64   `json:"progress"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent builds an event snapshot of a job's current state.
func NewEvent(j *Job, typ EventType) Event {
	return Event{
		Type:       typ,
		JobID:      j.ID,
		StrategyID: j.StrategyID,
		Kind:       j.Kind,
		Status:     j.Status,
		Progress:   j.Progress,
		Error:      j.ErrorMessage,
		Timestamp:  time.Now().UTC(),
	}
}

// Handler receives events for a subscribed strategy.
type Handler func(Event)

// Publisher is the notification sink for job state changes. Publishing is
// fire-and-forget; it never blocks or rolls back a state transition.
type Publisher interface {
	Publish(Event)
	RegisterWebhook(jobID string, cb *Callback)
	Subscribe(strategyID string, h Handler) func()
}
