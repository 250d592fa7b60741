// Package store provides Store implementations: PostgreSQL for production
// and an in-memory variant for tests and dev mode.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"tradejobs/internal/apperrors"
	"tradejobs/internal/job"
)

var errStoreDown = errors.New("store marked unavailable")

// Memory is an in-memory Store. It honors the same contract as the Postgres
// implementation, including the conditional insert and CAS semantics, so the
// orchestration logic can be exercised without a database.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*job.Job
	strategies  map[string]*job.Strategy
	unavailable bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*job.Job),
		strategies: make(map[string]*job.Strategy),
	}
}

// SetUnavailable toggles simulated storage unavailability. Test hook.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *Memory) check(op string) error {
	if m.unavailable {
		return apperrors.StorageUnavailable(op, errStoreDown)
	}
	return nil
}

// PutStrategy inserts or replaces a strategy.
func (m *Memory) PutStrategy(s *job.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.strategies[s.ID] = &cp
}

// Create inserts a new job, enforcing one active job per strategy.
func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.create"); err != nil {
		return err
	}
	for _, existing := range m.jobs {
		if existing.StrategyID == j.StrategyID && existing.Status.Active() {
			return apperrors.ConflictingJob(j.StrategyID)
		}
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the job.
func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.get"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// CompareAndSwapStatus transitions the job if its status matches expected.
func (m *Memory) CompareAndSwapStatus(ctx context.Context, id string, expected, next job.Status, patch *job.Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.cas"); err != nil {
		return false, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, apperrors.NotFound("job", id)
	}
	if j.Status != expected {
		return false, nil
	}

	j.Status = next
	if patch != nil {
		if patch.ExternalHandle != nil {
			j.ExternalHandle = *patch.ExternalHandle
		}
		if patch.Progress != nil {
			j.Progress = *patch.Progress
		}
		if patch.ErrorMessage != nil {
			j.ErrorMessage = *patch.ErrorMessage
		}
		if patch.RetryCount != nil {
			j.RetryCount = *patch.RetryCount
		}
		if len(patch.MetricsDelta) > 0 {
			j.Metrics = mergeJSON(j.Metrics, patch.MetricsDelta)
		}
		if patch.StartedAt != nil {
			t := *patch.StartedAt
			j.StartedAt = &t
		}
		if patch.CompletedAt != nil {
			t := *patch.CompletedAt
			j.CompletedAt = &t
		}
		if patch.LastPolledAt != nil {
			t := *patch.LastPolledAt
			j.LastPolledAt = &t
		}
	}
	return true, nil
}

// AppendLog appends text to the job's log.
func (m *Memory) AppendLog(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.appendLog"); err != nil {
		return err
	}
	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.Logs += text
	return nil
}

// ListActiveByStrategy returns the strategy's jobs in {pending, running}.
func (m *Memory) ListActiveByStrategy(ctx context.Context, strategyID string) ([]*job.Job, error) {
	return m.listActive(func(j *job.Job) bool { return j.StrategyID == strategyID })
}

// ListActive returns all non-terminal jobs, oldest first.
func (m *Memory) ListActive(ctx context.Context) ([]*job.Job, error) {
	return m.listActive(func(*job.Job) bool { return true })
}

func (m *Memory) listActive(match func(*job.Job) bool) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.listActive"); err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status.Active() && match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// GetStrategy returns a copy of the strategy.
func (m *Memory) GetStrategy(ctx context.Context, id string) (*job.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.getStrategy"); err != nil {
		return nil, err
	}
	s, ok := m.strategies[id]
	if !ok {
		return nil, apperrors.NotFound("strategy", id)
	}
	cp := *s
	return &cp, nil
}

// SetStrategyStatus updates a strategy's status.
func (m *Memory) SetStrategyStatus(ctx context.Context, id string, status job.StrategyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("store.setStrategyStatus"); err != nil {
		return err
	}
	s, ok := m.strategies[id]
	if !ok {
		return apperrors.NotFound("strategy", id)
	}
	s.Status = status
	return nil
}

// Ping reports simulated availability.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("store.ping")
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

// mergeJSON merges delta's top-level keys into base. Both must be JSON
// objects; a base that isn't one yet is replaced.
func mergeJSON(base, delta json.RawMessage) json.RawMessage {
	var merged map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			merged = nil
		}
	}
	if merged == nil {
		merged = make(map[string]any)
	}

	var d map[string]any
	if err := json.Unmarshal(delta, &d); err != nil {
		return base
	}
	for k, v := range d {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}

// Verify Memory implements job.Store
var _ job.Store = (*Memory)(nil)
