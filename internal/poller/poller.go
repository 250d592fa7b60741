// Package poller reconciles tracked jobs against the external compute
// service. It owns the global polling capacity: running jobs occupy slots,
// pending jobs beyond the cap wait in a launch queue and are handed back to
// the dispatcher as slots free. The remote service is the source of truth for
// execution state; the poller folds its reports into the durable job record.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradejobs/internal/apperrors"
	"tradejobs/internal/compute"
	"tradejobs/internal/job"
	"tradejobs/internal/notify"
)

// Publisher receives job state change events.
type Publisher interface {
	Publish(notify.Event)
}

// MetricsRecorder is an optional interface for recording poller metrics.
type MetricsRecorder interface {
	RecordPoll(ctx context.Context, durationSeconds float64, outcome string)
	RecordJobTimedOut(ctx context.Context)
	RecordCapacity(ctx context.Context, tracked, queued int64)
}

// tracked is the poller's in-memory view of one running job.
type tracked struct {
	id         string
	strategyID string
	kind       job.Kind
	handle     string
	startedAt  time.Time

	// guarded by Poller.mu
	lastPoll time.Time
	streak   int // consecutive transient poll failures
	inflight bool
}

// Poller drives the reconciliation loop and implements job.Tracker.
type Poller struct {
	cfg       Config
	store     job.Store
	gateway   compute.Gateway
	publisher Publisher
	metrics   MetricsRecorder
	logger    *slog.Logger

	mu       sync.Mutex
	slots    map[string]struct{} // job IDs holding a capacity slot
	tracked  map[string]*tracked
	queue    []*job.Job // pending jobs waiting for a slot, FIFO
	launcher job.Launcher
	runCtx   context.Context

	work     chan *tracked
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

var _ job.Tracker = (*Poller)(nil)

// New creates a poller. Start must be called before it does any work.
func New(cfg Config, store job.Store, gateway compute.Gateway, publisher Publisher, metrics MetricsRecorder) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		metrics:   metrics,
		logger:    slog.With("component", "poller"),
		slots:     make(map[string]struct{}),
		tracked:   make(map[string]*tracked),
		work:      make(chan *tracked, cfg.MaxConcurrent),
		stop:      make(chan struct{}),
	}
}

// Start rebuilds the active set from the store and begins polling. Running
// jobs are re-tracked, pending jobs are re-queued for launch, so a process
// restart does not orphan work.
func (p *Poller) Start(ctx context.Context, launcher job.Launcher) error {
	p.mu.Lock()
	p.launcher = launcher
	p.runCtx = ctx
	p.mu.Unlock()

	if err := p.resync(ctx, true); err != nil {
		return fmt.Errorf("resync active jobs: %w", err)
	}

	p.wg.Add(p.cfg.Workers + 1)
	for range p.cfg.Workers {
		go p.worker(ctx)
	}
	go p.loop(ctx)

	p.pump()
	return nil
}

// Stop halts the loop and waits for in-flight polls to finish. The context
// passed to Start should be cancelled first to unblock gateway calls.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// resync folds the store's active jobs into the in-memory state. It runs at
// startup and again on a slow tick, so a pending job orphaned by a launch-time
// storage failure re-enters the launch queue instead of holding its strategy's
// single-active-job permit forever. On periodic runs, pending jobs younger
// than one poll interval are left alone: their submit is still on its way to
// Admit.
func (p *Poller) resync(ctx context.Context, initial bool) error {
	jobs, err := p.store.ListActive(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	queued := make(map[string]struct{}, len(p.queue))
	for _, q := range p.queue {
		queued[q.ID] = struct{}{}
	}
	requeued := 0
	for _, j := range jobs {
		switch j.Status {
		case job.StatusRunning:
			if _, ok := p.tracked[j.ID]; ok {
				continue
			}
			p.slots[j.ID] = struct{}{}
			p.tracked[j.ID] = newTracked(j)
		case job.StatusPending:
			if _, held := p.slots[j.ID]; held {
				continue // launch in flight
			}
			if _, ok := queued[j.ID]; ok {
				continue
			}
			if !initial && now.Sub(j.CreatedAt) < p.cfg.Interval {
				continue
			}
			p.queue = append(p.queue, j)
			requeued++
		}
	}
	if initial {
		if len(p.slots) > p.cfg.MaxConcurrent {
			p.logger.Warn("Resynced more running jobs than the configured cap",
				"running", len(p.slots), "cap", p.cfg.MaxConcurrent)
		}
		p.logger.Info("Resynced active jobs", "running", len(p.tracked), "queued", len(p.queue))
	} else if requeued > 0 {
		p.logger.Warn("Requeued orphaned pending jobs", "count", requeued)
	}
	return nil
}

func newTracked(j *job.Job) *tracked {
	startedAt := j.CreatedAt
	if j.StartedAt != nil {
		startedAt = *j.StartedAt
	}
	return &tracked{
		id:         j.ID,
		strategyID: j.StrategyID,
		kind:       j.Kind,
		handle:     j.ExternalHandle,
		startedAt:  startedAt,
	}
}

// Admit implements job.Tracker.
func (p *Poller) Admit(j *job.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.slots[j.ID]; held {
		return true
	}
	if len(p.slots) < p.cfg.MaxConcurrent {
		p.slots[j.ID] = struct{}{}
		return true
	}
	p.queue = append(p.queue, j.Clone())
	p.logger.Info("Job queued, at capacity", "jobId", j.ID, "queued", len(p.queue))
	return false
}

// Track implements job.Tracker.
func (p *Poller) Track(j *job.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[j.ID] = newTracked(j)
}

// Release implements job.Tracker. It is idempotent per job: a cancel racing
// an in-flight poll releases the same job from both writers, and the slot
// must be freed exactly once or the cap admits more work than configured.
func (p *Poller) Release(jobID string) {
	p.mu.Lock()
	delete(p.tracked, jobID)
	delete(p.slots, jobID)
	p.mu.Unlock()
	p.pump()
}

// pump hands queued pending jobs to the launcher while capacity allows.
func (p *Poller) pump() {
	for {
		p.mu.Lock()
		if p.launcher == nil || len(p.queue) == 0 || len(p.slots) >= p.cfg.MaxConcurrent {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.slots[next.ID] = struct{}{}
		launcher := p.launcher
		ctx := p.runCtx
		p.mu.Unlock()

		go func(j *job.Job) {
			if err := launcher.Launch(ctx, j.ID); err != nil {
				p.logger.Warn("Deferred launch failed", "jobId", j.ID, "error", err)
			}
		}(next)
	}
}

// Stats holds a snapshot of the poller's capacity state.
type Stats struct {
	Tracked int
	Queued  int
	Used    int
}

// Stats returns current capacity figures.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Tracked: len(p.tracked), Queued: len(p.queue), Used: len(p.slots)}
}

// resyncEvery is the number of scan ticks between store reconciliations.
const resyncEvery = 10

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.scan(ctx)
			ticks++
			if ticks >= resyncEvery {
				ticks = 0
				if err := p.resync(ctx, false); err != nil {
					p.logger.Warn("Periodic resync failed", "error", err)
					continue
				}
				p.pump()
			}
		}
	}
}

// scan dispatches due jobs to the workers and fails pending jobs that sat in
// the launch queue past the absolute timeout.
func (p *Poller) scan(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	due := make([]*tracked, 0, len(p.tracked))
	for _, t := range p.tracked {
		if t.inflight || now.Sub(t.lastPoll) < p.cfg.Interval {
			continue
		}
		t.inflight = true
		due = append(due, t)
	}

	var expired []*job.Job
	kept := p.queue[:0]
	for _, q := range p.queue {
		if now.Sub(q.CreatedAt) > p.cfg.JobTimeout {
			expired = append(expired, q)
		} else {
			kept = append(kept, q)
		}
	}
	p.queue = kept
	trackedN, queuedN := len(p.tracked), len(p.queue)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordCapacity(ctx, int64(trackedN), int64(queuedN))
	}

	for _, q := range expired {
		p.failExpiredPending(ctx, q)
	}
	for _, t := range due {
		select {
		case p.work <- t:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case t := <-p.work:
			p.pollOne(ctx, t)
		}
	}
}

// pollOne reconciles one running job against the remote service.
func (p *Poller) pollOne(ctx context.Context, t *tracked) {
	defer func() {
		p.mu.Lock()
		t.inflight = false
		t.lastPoll = time.Now()
		p.mu.Unlock()
	}()

	now := time.Now()
	if now.Sub(t.startedAt) > p.cfg.JobTimeout {
		if p.metrics != nil {
			p.metrics.RecordJobTimedOut(ctx)
		}
		msg := fmt.Sprintf("job exceeded absolute timeout of %s", p.cfg.JobTimeout)
		p.logger.Warn("Job timed out", "jobId", t.id, "startedAt", t.startedAt)
		p.finish(ctx, t, job.StatusFailed, nil, msg, nil)
		return
	}

	start := time.Now()
	report, err := p.gateway.Poll(ctx, t.handle)
	if err != nil {
		p.onPollError(ctx, t, err, time.Since(start))
		return
	}
	if p.metrics != nil {
		outcome := "ok"
		if report.Terminal {
			outcome = "terminal"
		}
		p.metrics.RecordPoll(ctx, time.Since(start).Seconds(), outcome)
	}

	p.mu.Lock()
	t.streak = 0
	p.mu.Unlock()

	if report.LogDelta != "" {
		if err := p.store.AppendLog(ctx, t.id, report.LogDelta); err != nil {
			p.logger.Warn("Failed to append remote logs", "jobId", t.id, "error", err)
		}
	}

	metricsDelta := marshalMetrics(report.MetricsDelta)

	if !report.Terminal {
		p.recordProgress(ctx, t, report, metricsDelta)
		return
	}

	next := job.StatusCompleted
	if report.Error != "" {
		next = job.StatusFailed
	}
	progress := report.Progress
	if next == job.StatusCompleted {
		progress = 100
	}
	p.finish(ctx, t, next, &progress, report.Error, metricsDelta)
}

func (p *Poller) onPollError(ctx context.Context, t *tracked, err error, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordPoll(ctx, elapsed.Seconds(), "error")
	}

	// The remote no longer knows the run. Reconcile rather than retry forever.
	if errors.Is(err, apperrors.ErrNotFound) {
		p.finish(ctx, t, job.StatusFailed, nil, "remote run no longer exists", nil)
		return
	}

	p.mu.Lock()
	t.streak++
	streak := t.streak
	p.mu.Unlock()

	if streak <= p.cfg.MaxPollFailures {
		p.logger.Debug("Transient poll failure", "jobId", t.id, "streak", streak, "error", err)
		return
	}

	msg := fmt.Sprintf("poll timeout: lost contact with compute service after %d consecutive poll failures: %v", streak, err)
	p.logger.Warn("Poll failure streak exhausted", "jobId", t.id, "streak", streak)
	p.finish(ctx, t, job.StatusFailed, nil, msg, nil)
}

// recordProgress persists a non-terminal report. The running->running CAS
// serializes against a concurrent cancel: if the job is no longer running the
// patch is discarded and tracking stops.
func (p *Poller) recordProgress(ctx context.Context, t *tracked, report *compute.StatusReport, metricsDelta json.RawMessage) {
	now := time.Now()
	patch := &job.Patch{
		Progress:     &report.Progress,
		LastPolledAt: &now,
		MetricsDelta: metricsDelta,
	}
	swapped, err := p.store.CompareAndSwapStatus(ctx, t.id, job.StatusRunning, job.StatusRunning, patch)
	if err != nil {
		p.logger.Warn("Failed to persist progress", "jobId", t.id, "error", err)
		return
	}
	if !swapped {
		p.logger.Info("Job no longer running, stopping tracking", "jobId", t.id)
		p.Release(t.id)
		return
	}

	p.publisher.Publish(notify.Event{
		Type:       notify.TypeProgress,
		JobID:      t.id,
		StrategyID: t.strategyID,
		Kind:       t.kind,
		Status:     job.StatusRunning,
		Progress:   report.Progress,
		Timestamp:  now.UTC(),
	})
}

// finish transitions a tracked job to a terminal status. The CAS makes the
// transition idempotent: losing the race to a concurrent cancel means the
// other writer already published the terminal event, so none is sent here.
// The slot is released either way.
func (p *Poller) finish(ctx context.Context, t *tracked, status job.Status, progress *float64, errMsg string, metricsDelta json.RawMessage) {
	now := time.Now()
	patch := &job.Patch{
		Progress:     progress,
		CompletedAt:  &now,
		LastPolledAt: &now,
		MetricsDelta: metricsDelta,
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}

	swapped, err := p.store.CompareAndSwapStatus(ctx, t.id, job.StatusRunning, status, patch)
	if err != nil {
		// Storage is down; keep tracking and retry on the next tick.
		p.logger.Error("Failed to persist terminal status", "jobId", t.id, "status", status, "error", err)
		return
	}

	if swapped {
		if next, ok := job.StrategyStatusAfter(status); ok {
			if err := p.store.SetStrategyStatus(ctx, t.strategyID, next); err != nil {
				p.logger.Warn("Failed to update strategy status", "strategyId", t.strategyID, "error", err)
			}
		}
		e := notify.Event{
			Type:       notify.TypeTerminal,
			JobID:      t.id,
			StrategyID: t.strategyID,
			Kind:       t.kind,
			Status:     status,
			Timestamp:  now.UTC(),
			Error:      errMsg,
		}
		if progress != nil {
			e.Progress = *progress
		}
		p.publisher.Publish(e)
		p.logger.Info("Job finished", "jobId", t.id, "status", status)
	}

	p.Release(t.id)
}

// failExpiredPending fails a pending job that waited in the launch queue past
// the absolute timeout. Queued jobs hold no slot, so nothing is released.
func (p *Poller) failExpiredPending(ctx context.Context, q *job.Job) {
	if p.metrics != nil {
		p.metrics.RecordJobTimedOut(ctx)
	}
	now := time.Now()
	msg := fmt.Sprintf("job exceeded absolute timeout of %s before launch", p.cfg.JobTimeout)
	swapped, err := p.store.CompareAndSwapStatus(ctx, q.ID, job.StatusPending, job.StatusFailed, &job.Patch{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		p.logger.Error("Failed to expire queued job", "jobId", q.ID, "error", err)
		return
	}
	if !swapped {
		return
	}

	if next, ok := job.StrategyStatusAfter(job.StatusFailed); ok {
		if err := p.store.SetStrategyStatus(ctx, q.StrategyID, next); err != nil {
			p.logger.Warn("Failed to update strategy status", "strategyId", q.StrategyID, "error", err)
		}
	}
	p.publisher.Publish(notify.Event{
		Type:       notify.TypeTerminal,
		JobID:      q.ID,
		StrategyID: q.StrategyID,
		Kind:       q.Kind,
		Status:     job.StatusFailed,
		Error:      msg,
		Timestamp:  now.UTC(),
	})
	p.logger.Warn("Queued job expired before launch", "jobId", q.ID)
}

func marshalMetrics(delta map[string]any) json.RawMessage {
	if len(delta) == 0 {
		return nil
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return nil
	}
	return raw
}
