// Package job holds the domain model and the dispatcher for remote compute
// jobs. The Service owns every submit-side state transition; the poller owns
// the remote-driven ones. All transitions go through the Store's
// compare-and-swap so the two writers never clobber each other.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tradejobs/internal/apperrors"
	"tradejobs/pkg/backoff"
)

// Gateway is the slice of the compute client the dispatcher needs.
type Gateway interface {
	Submit(ctx context.Context, config []byte) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, kind string)
	RecordJobLaunched(ctx context.Context, kind string, retries int)
	RecordJobTerminal(ctx context.Context, kind, status string)
}

// Service dispatches jobs to the external compute service and tracks their
// lifecycle in the store.
type Service struct {
	store      Store
	gateway    Gateway
	publisher  Publisher
	tracker    Tracker
	metrics    MetricsRecorder
	logger     *slog.Logger
	maxRetries int // default submit-time transient retry budget
}

var _ Launcher = (*Service)(nil)

// NewService creates a dispatcher. defaultMaxRetries bounds submit-time
// transient retries for requests that do not set their own budget.
func NewService(store Store, gateway Gateway, publisher Publisher, tracker Tracker, metrics MetricsRecorder, defaultMaxRetries int) *Service {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &Service{
		store:      store,
		gateway:    gateway,
		publisher:  publisher,
		tracker:    tracker,
		metrics:    metrics,
		logger:     slog.With("component", "dispatcher"),
		maxRetries: defaultMaxRetries,
	}
}

// Submit validates the request, durably creates a pending job (acquiring the
// strategy's single-active-job permit via the store's conditional insert) and
// launches it. When the global cap is reached the job stays pending and
// launches later; in that case the returned job is the pending record.
//
// Only validation, conflict, storage and immediate remote-rejection errors
// surface here. Transient launch failures are retried and, once exhausted,
// absorbed into the job record as a failed status.
func (s *Service) Submit(ctx context.Context, req *Request) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	strat, err := s.store.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return nil, err
	}
	if !strat.Launchable() {
		return nil, apperrors.Validation("strategyId", fmt.Sprintf("strategy %s is %s and cannot run jobs", strat.ID, strat.Status))
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}

	j := &Job{
		ID:         uuid.NewString(),
		StrategyID: req.StrategyID,
		OwnerID:    req.OwnerID,
		Kind:       req.Kind,
		Status:     StatusPending,
		Config:     req.Config,
		MaxRetries: maxRetries,
		Callback:   req.Callback,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("Job created", "jobId", j.ID, "strategyId", j.StrategyID, "kind", j.Kind)
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, string(j.Kind))
	}
	if j.Callback != nil {
		s.publisher.RegisterWebhook(j.ID, j.Callback)
	}

	if strat.Status != StrategyActive {
		if err := s.store.SetStrategyStatus(ctx, strat.ID, StrategyActive); err != nil {
			s.logger.Warn("Failed to mark strategy active", "strategyId", strat.ID, "error", err)
		}
	}

	if s.tracker.Admit(j) {
		if err := s.Launch(ctx, j.ID); err != nil {
			if errors.Is(err, apperrors.ErrRemoteRejected) {
				return nil, err
			}
			s.logger.Warn("Inline launch failed", "jobId", j.ID, "error", err)
		}
	}

	return s.store.Get(ctx, j.ID)
}

// Launch submits a pending job to the compute service. The caller (Submit or
// the poller's deferred-launch path) has already reserved a tracker slot; it
// is settled here: Track on success, Release on any other outcome.
func (s *Service) Launch(ctx context.Context, jobID string) error {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.tracker.Release(jobID)
		return err
	}
	if j.Status != StatusPending {
		// Cancelled or expired while queued.
		s.tracker.Release(jobID)
		return nil
	}

	// A queued job's strategy may have been stopped while it waited.
	if strat, err := s.store.GetStrategy(ctx, j.StrategyID); err == nil && !strat.Launchable() {
		s.logger.Info("Strategy stopped while job queued, cancelling", "jobId", j.ID, "strategyId", j.StrategyID)
		return s.abandon(ctx, j, StatusCancelled, "strategy was stopped before launch")
	}

	handle, attempt, lastErr := s.submitWithRetry(ctx, j)
	if lastErr != nil {
		msg := fmt.Sprintf("launch failed after %d attempts: %v", attempt+1, lastErr)
		if errors.Is(lastErr, apperrors.ErrRemoteRejected) {
			msg = fmt.Sprintf("compute service rejected the job: %v", lastErr)
		}
		if err := s.abandon(ctx, j, StatusFailed, msg); err != nil {
			return err
		}
		return lastErr
	}

	now := time.Now().UTC()
	swapped, err := s.store.CompareAndSwapStatus(ctx, j.ID, StatusPending, StatusRunning, &Patch{
		ExternalHandle: &handle,
		StartedAt:      &now,
	})
	if err != nil || !swapped {
		// The job was cancelled mid-launch or storage failed after the
		// remote accepted. Stop the remote run rather than leak it.
		if cerr := s.gateway.Cancel(ctx, handle); cerr != nil {
			s.logger.Warn("Failed to cancel orphaned remote run", "jobId", j.ID, "handle", handle, "error", cerr)
		}
		s.tracker.Release(j.ID)
		return err
	}

	running := j.Clone()
	running.Status = StatusRunning
	running.ExternalHandle = handle
	running.StartedAt = &now
	s.tracker.Track(running)

	s.logger.Info("Job launched", "jobId", j.ID, "handle", handle, "retries", attempt)
	if s.metrics != nil {
		s.metrics.RecordJobLaunched(ctx, string(j.Kind), attempt)
	}
	s.publisher.Publish(NewEvent(running, EventProgress))
	return nil
}

// submitWithRetry calls Gateway.Submit with exponential backoff on transient
// failures, up to the job's retry budget. RemoteRejected is never retried.
func (s *Service) submitWithRetry(ctx context.Context, j *Job) (handle string, attempt int, lastErr error) {
	for attempt = 0; ; attempt++ {
		handle, lastErr = s.gateway.Submit(ctx, j.Config)
		if lastErr == nil || errors.Is(lastErr, apperrors.ErrRemoteRejected) {
			return handle, attempt, lastErr
		}
		if attempt >= j.MaxRetries {
			return "", attempt, lastErr
		}

		rc := attempt + 1
		if _, err := s.store.CompareAndSwapStatus(ctx, j.ID, StatusPending, StatusPending, &Patch{RetryCount: &rc}); err != nil {
			s.logger.Warn("Failed to persist retry count", "jobId", j.ID, "error", err)
		}
		s.logger.Debug("Retrying launch", "jobId", j.ID, "attempt", rc, "error", lastErr)

		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(backoff.Exponential(rc, nil)):
		}
	}
}

// abandon moves a pending job straight to a terminal status and settles the
// tracker slot held for it.
func (s *Service) abandon(ctx context.Context, j *Job, status Status, msg string) error {
	now := time.Now().UTC()
	patch := &Patch{CompletedAt: &now}
	if status == StatusFailed {
		patch.ErrorMessage = &msg
	}

	swapped, err := s.store.CompareAndSwapStatus(ctx, j.ID, StatusPending, status, patch)
	if err != nil {
		s.tracker.Release(j.ID)
		return err
	}
	if swapped {
		s.settleStrategy(ctx, j.StrategyID, status)
		e := NewEvent(j, EventTerminal)
		e.Status = status
		e.Error = ""
		if status == StatusFailed {
			e.Error = msg
		}
		e.Timestamp = now
		s.publisher.Publish(e)
		if s.metrics != nil {
			s.metrics.RecordJobTerminal(ctx, string(j.Kind), string(status))
		}
		s.logger.Info("Job abandoned before launch", "jobId", j.ID, "status", status, "reason", msg)
	}
	s.tracker.Release(j.ID)
	return nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns the strategy's active jobs.
func (s *Service) List(ctx context.Context, strategyID string) ([]*Job, error) {
	if strategyID == "" {
		return nil, apperrors.Validation("strategyId", "is required")
	}
	return s.store.ListActiveByStrategy(ctx, strategyID)
}

// Cancel transitions a non-terminal job to cancelled. The remote cancel is
// best effort; the local transition always happens for non-terminal jobs,
// even while the compute service is unreachable.
func (s *Service) Cancel(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	for range 2 { // one reload on a lost transition race
		if j.Status.Terminal() {
			return apperrors.InvalidState(j.ID, string(j.Status), "cancel")
		}

		if j.ExternalHandle != "" {
			if err := s.gateway.Cancel(ctx, j.ExternalHandle); err != nil {
				s.logger.Warn("Remote cancel failed, proceeding locally", "jobId", j.ID, "error", err)
			}
		}

		now := time.Now().UTC()
		wasRunning := j.Status == StatusRunning
		swapped, err := s.store.CompareAndSwapStatus(ctx, j.ID, j.Status, StatusCancelled, &Patch{CompletedAt: &now})
		if err != nil {
			return err
		}
		if swapped {
			if wasRunning {
				s.tracker.Release(j.ID)
			}
			s.settleStrategy(ctx, j.StrategyID, StatusCancelled)
			e := NewEvent(j, EventTerminal)
			e.Status = StatusCancelled
			e.Timestamp = now
			s.publisher.Publish(e)
			if s.metrics != nil {
				s.metrics.RecordJobTerminal(ctx, string(j.Kind), string(StatusCancelled))
			}
			s.logger.Info("Job cancelled", "jobId", j.ID)
			return nil
		}

		// Someone transitioned the job under us; reload and re-check.
		j, err = s.store.Get(ctx, j.ID)
		if err != nil {
			return err
		}
	}
	return apperrors.InvalidState(j.ID, string(j.Status), "cancel")
}

// Subscribe registers a handler for all job events of one strategy.
func (s *Service) Subscribe(strategyID string, h Handler) func() {
	return s.publisher.Subscribe(strategyID, h)
}

func (s *Service) settleStrategy(ctx context.Context, strategyID string, terminal Status) {
	next, ok := StrategyStatusAfter(terminal)
	if !ok {
		return
	}
	if err := s.store.SetStrategyStatus(ctx, strategyID, next); err != nil {
		s.logger.Warn("Failed to update strategy status", "strategyId", strategyID, "error", err)
	}
}

func validateRequest(req *Request) error {
	if req == nil {
		return apperrors.Validation("request", "is required")
	}
	if req.StrategyID == "" {
		return apperrors.Validation("strategyId", "is required")
	}
	if req.OwnerID == "" {
		return apperrors.Validation("ownerId", "is required")
	}
	if !ValidKind(req.Kind) {
		return apperrors.Validation("kind", fmt.Sprintf("unknown kind %q", req.Kind))
	}
	if len(req.Config) == 0 {
		return apperrors.Validation("config", "is required")
	}
	if !json.Valid(req.Config) {
		return apperrors.Validation("config", "is not valid JSON")
	}
	if req.MaxRetries < 0 {
		return apperrors.Validation("maxRetries", "must not be negative")
	}
	if req.Callback != nil {
		u, err := url.Parse(req.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.Validation("callback.url", "must be an absolute http(s) URL")
		}
	}
	return nil
}
