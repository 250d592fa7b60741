package notify

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"tradejobs/internal/job"
	"tradejobs/pkg/backoff"
	"tradejobs/pkg/circuitbreaker"
	"tradejobs/pkg/cloudevent"
)

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordEventPublished(ctx context.Context, terminal bool)
	RecordEventThrottled(ctx context.Context)
	RecordEventDropped(ctx context.Context)
	RecordWebhookDelivered(ctx context.Context, durationSeconds float64)
	RecordWebhookFailed(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Notifier is the in-memory Notification Publisher. Events are queued in a
// bounded channel and delivered by a worker pool to in-process subscribers
// and per-job webhooks.
//
// Throttling happens at publish time, per job: progress events pass only when
// progress moved by at least MinProgressDelta or MinInterval elapsed since
// the last published event for that job. Terminal events always pass, and the
// caller publishes them only after the corresponding store write committed,
// so a subscriber never sees a terminal state that is not durable.
type Notifier struct {
	cfg      Config
	queue    chan Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder

	mu      sync.RWMutex
	subs    map[string]map[int]Handler // strategy ID -> token -> handler
	nextSub int
	hooks   map[string]*job.Callback // job ID -> webhook

	tmu   sync.Mutex
	marks map[string]mark // job ID -> last published progress

	published atomic.Int64
	throttled atomic.Int64
	dropped   atomic.Int64
	seq       atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

type mark struct {
	progress float64
	at       time.Time
}

var _ job.Publisher = (*Notifier)(nil)

// New creates a notifier and starts its delivery workers.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		cfg:    cfg,
		queue:  make(chan Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.WebhookTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		subs:     make(map[string]map[int]Handler),
		hooks:    make(map[string]*job.Callback),
		marks:    make(map[string]mark),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// Subscribe registers a handler for all events of one strategy. The returned
// function unsubscribes; it is safe to call more than once.
func (n *Notifier) Subscribe(strategyID string, h Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	token := n.nextSub
	n.nextSub++
	if n.subs[strategyID] == nil {
		n.subs[strategyID] = make(map[int]Handler)
	}
	n.subs[strategyID][token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[strategyID], token)
			if len(n.subs[strategyID]) == 0 {
				delete(n.subs, strategyID)
			}
		})
	}
}

// RegisterWebhook attaches a webhook to a job. It is detached automatically
// after the terminal event is delivered.
func (n *Notifier) RegisterWebhook(jobID string, cb *job.Callback) {
	if cb == nil || cb.URL == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks[jobID] = cb
}

// Publish queues an event for async delivery. Progress events are throttled
// per job and dropped when the buffer is full; terminal events always pass
// the throttle and wait for buffer room, bounded by notifier shutdown.
func (n *Notifier) Publish(e Event) {
	if n.closed.Load() {
		return
	}

	if e.Type == TypeProgress && !n.admitProgress(e) {
		n.throttled.Add(1)
		if n.metrics != nil {
			n.metrics.RecordEventThrottled(context.Background())
		}
		return
	}

	if e.Type == TypeTerminal {
		n.forgetThrottle(e.JobID)
		select {
		case n.queue <- e:
			n.recordPublished(e)
		case <-n.shutdown:
			n.drop(e)
		}
		return
	}

	select {
	case n.queue <- e:
		n.recordPublished(e)
	default:
		n.drop(e)
	}
}

func (n *Notifier) recordPublished(e Event) {
	n.published.Add(1)
	if n.metrics != nil {
		n.metrics.RecordEventPublished(context.Background(), e.Type == TypeTerminal)
	}
}

func (n *Notifier) drop(e Event) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordEventDropped(context.Background())
	}
	n.logger.Warn("Event dropped, buffer full", "jobId", e.JobID, "type", e.Type)
}

// admitProgress applies per-job throttling and records the new mark when the
// event is admitted.
func (n *Notifier) admitProgress(e Event) bool {
	n.tmu.Lock()
	defer n.tmu.Unlock()

	m, seen := n.marks[e.JobID]
	if seen {
		movedEnough := e.Progress-m.progress >= n.cfg.MinProgressDelta
		waitedEnough := time.Since(m.at) >= n.cfg.MinInterval
		if !movedEnough && !waitedEnough {
			return false
		}
	}
	n.marks[e.JobID] = mark{progress: e.Progress, at: time.Now()}
	return true
}

func (n *Notifier) forgetThrottle(jobID string) {
	n.tmu.Lock()
	defer n.tmu.Unlock()
	delete(n.marks, jobID)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth int
	Published  int64
	Throttled  int64
	Dropped    int64
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth: len(n.queue),
		Published:  n.published.Load(),
		Throttled:  n.throttled.Load(),
		Dropped:    n.dropped.Load(),
	}
}

// Close gracefully shuts down, attempting to deliver queued events.
// The context deadline controls how long to wait for drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil // already closed
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"published", n.published.Load(),
			"throttled", n.throttled.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// worker processes events from the queue.
func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			// Drain remaining events before exiting
			for {
				select {
				case e := <-n.queue:
					n.deliver(e)
				default:
					return
				}
			}
		case e := <-n.queue:
			n.deliver(e)
		}
	}
}

// deliver fans one event out to in-process subscribers and the job's webhook.
func (n *Notifier) deliver(e Event) {
	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.subs[e.StrategyID]))
	for _, h := range n.subs[e.StrategyID] {
		handlers = append(handlers, h)
	}
	hook := n.hooks[e.JobID]
	n.mu.RUnlock()

	for _, h := range handlers {
		n.call(h, e)
	}

	if hook != nil && wantsEvent(hook, e.Type) {
		n.deliverWebhook(hook, e)
	}
	if hook != nil && e.Type == TypeTerminal {
		n.mu.Lock()
		delete(n.hooks, e.JobID)
		n.mu.Unlock()
	}
}

// call invokes a subscriber handler, isolating panics so one broken
// subscriber cannot take down a delivery worker.
func (n *Notifier) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Subscriber panicked", "jobId", e.JobID, "panic", r)
		}
	}()
	h(e)
}

// deliverWebhook sends the event as a CloudEvent with retry and a per-host
// circuit breaker. Failures are logged and counted, never propagated.
func (n *Notifier) deliverWebhook(cb *job.Callback, e Event) {
	host := extractHost(cb.URL)
	breaker := n.breakers.Get(host)
	if !breaker.Allow() {
		n.logger.Warn("Webhook skipped, circuit open", "destination", host, "jobId", e.JobID)
		if n.metrics != nil {
			n.metrics.RecordWebhookFailed(context.Background())
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	event := toCloudEvent(e, n.cfg.Source, n.seq.Add(1))

	start := time.Now()
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
			if lastErr != nil {
				break
			}
		}
		lastErr = n.sender.Send(ctx, cb.URL, event, cb.Key)
		if lastErr == nil {
			break
		}
		if cloudevent.IsClientError(lastErr) {
			break
		}
	}

	if lastErr != nil {
		breaker.RecordFailure()
		if n.metrics != nil {
			n.metrics.RecordWebhookFailed(ctx)
		}
		n.logger.Warn("Webhook delivery failed", "destination", host, "jobId", e.JobID, "error", lastErr)
		return
	}

	breaker.RecordSuccess()
	if n.metrics != nil {
		n.metrics.RecordWebhookDelivered(ctx, time.Since(start).Seconds())
	}
}

func wantsEvent(cb *job.Callback, typ Type) bool {
	if len(cb.Events) == 0 {
		return true
	}
	for _, e := range cb.Events {
		if e == string(typ) {
			return true
		}
	}
	return false
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
