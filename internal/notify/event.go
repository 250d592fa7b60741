// Package notify fans job state changes out to subscribers.
//
// It is the write side of the client notification channel: the dispatcher and
// the poller publish here after every durable state change, and anything that
// wants to observe a strategy's jobs (a WebSocket bridge, an SSE stream, a
// per-job webhook) subscribes. Publishing is fire-and-forget; a slow or
// broken subscriber can never roll back or block a job state transition.
package notify

import (
	"strconv"
	"time"

	"tradejobs/internal/job"
	"tradejobs/pkg/cloudevent"
)

// Event and Type come from the job package; the notifier adds delivery, not
// its own event vocabulary.
type (
	Event = job.Event
	Type  = job.EventType
)

const (
	TypeProgress = job.EventProgress
	TypeTerminal = job.EventTerminal
)

// Handler receives events for a subscribed strategy.
type Handler = job.Handler

// FromJob builds an event snapshot of a job's current state.
func FromJob(j *job.Job, typ Type) Event {
	return job.NewEvent(j, typ)
}

// CloudEvent types for webhook delivery.
const (
	webhookTypeProgress = "tradejobs.job.progress"
	webhookTypeTerminal = "tradejobs.job.terminal"
)

func toCloudEvent(e Event, source string, seq int64) *cloudevent.CloudEvent {
	typ := webhookTypeProgress
	if e.Type == TypeTerminal {
		typ = webhookTypeTerminal
	}
	data := map[string]any{
		"jobId":      e.JobID,
		"strategyId": e.StrategyID,
		"kind":       string(e.Kind),
		"status":     string(e.Status),
		"progress":   e.Progress,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	id := e.JobID + "-" + strconv.FormatInt(seq, 10)
	return cloudevent.New(typ, source, e.JobID, id, data)
}
