package job_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tradejobs/internal/apperrors"
	"tradejobs/internal/job"
	"tradejobs/internal/store"
)

// fakeGateway returns a scripted sequence of submit results.
type fakeGateway struct {
	mu        sync.Mutex
	results   []submitResult
	submits   int
	cancelled []string
}

type submitResult struct {
	handle string
	err    error
}

func (g *fakeGateway) Submit(ctx context.Context, config []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if len(g.results) == 0 {
		return "handle-1", nil
	}
	next := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:] // last result repeats
	}
	return next.handle, next.err
}

func (g *fakeGateway) Cancel(ctx context.Context, handle string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, handle)
	return nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

// fakeTracker admits up to cap jobs and records calls.
type fakeTracker struct {
	mu       sync.Mutex
	cap      int
	used     int
	queued   []string
	tracked  []string
	released []string
}

func (t *fakeTracker) Admit(j *job.Job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used < t.cap {
		t.used++
		return true
	}
	t.queued = append(t.queued, j.ID)
	return false
}

func (t *fakeTracker) Track(j *job.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, j.ID)
}

func (t *fakeTracker) Release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = append(t.released, jobID)
	if t.used > 0 {
		t.used--
	}
}

// fakePublisher records published events and registered webhooks.
type fakePublisher struct {
	mu       sync.Mutex
	events   []job.Event
	webhooks map[string]*job.Callback
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{webhooks: make(map[string]*job.Callback)}
}

func (p *fakePublisher) Publish(e job.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) RegisterWebhook(jobID string, cb *job.Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhooks[jobID] = cb
}

func (p *fakePublisher) Subscribe(strategyID string, h job.Handler) func() {
	return func() {}
}

func (p *fakePublisher) byType(typ job.EventType) []job.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []job.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store     *store.Memory
	gateway   *fakeGateway
	tracker   *fakeTracker
	publisher *fakePublisher
	svc       *job.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:     store.NewMemory(),
		gateway:   &fakeGateway{},
		tracker:   &fakeTracker{cap: 4},
		publisher: newFakePublisher(),
	}
	f.store.PutStrategy(&job.Strategy{ID: "strat-1", OwnerID: "owner-1", Status: job.StrategyPaused})
	f.svc = job.NewService(f.store, f.gateway, f.publisher, f.tracker, nil, 3)
	return f
}

func validRequest() *job.Request {
	return &job.Request{
		StrategyID: "strat-1",
		OwnerID:    "owner-1",
		Kind:       job.KindTrain,
		Config:     []byte(`{"epochs":10}`),
	}
}

func TestSubmit_LaunchesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if j.Status != job.StatusRunning {
		t.Errorf("expected running, got %s", j.Status)
	}
	if j.ExternalHandle != "handle-1" {
		t.Errorf("expected external handle recorded, got %q", j.ExternalHandle)
	}
	if j.StartedAt == nil {
		t.Error("expected StartedAt set")
	}

	if len(f.tracker.tracked) != 1 || f.tracker.tracked[0] != j.ID {
		t.Errorf("expected job tracked, got %v", f.tracker.tracked)
	}
	if got := f.publisher.byType(job.EventProgress); len(got) != 1 {
		t.Errorf("expected 1 progress event, got %d", len(got))
	}

	// Submitting marks the strategy active.
	s, err := f.store.GetStrategy(ctx, "strat-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != job.StrategyActive {
		t.Errorf("expected strategy active, got %s", s.Status)
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*job.Request)
	}{
		{"missing strategy", func(r *job.Request) { r.StrategyID = "" }},
		{"missing owner", func(r *job.Request) { r.OwnerID = "" }},
		{"unknown kind", func(r *job.Request) { r.Kind = "tune" }},
		{"missing config", func(r *job.Request) { r.Config = nil }},
		{"malformed config", func(r *job.Request) { r.Config = []byte(`{`) }},
		{"negative retries", func(r *job.Request) { r.MaxRetries = -1 }},
		{"relative callback url", func(r *job.Request) { r.Callback = &job.Callback{URL: "/hook"} }},
		{"bad callback scheme", func(r *job.Request) { r.Callback = &job.Callback{URL: "ftp://example.com"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			req := validRequest()
			tt.mutate(req)

			_, err := f.svc.Submit(context.Background(), req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if f.gateway.submitCount() != 0 {
				t.Error("expected no gateway call for invalid request")
			}
		})
	}
}

func TestSubmit_UnknownStrategy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := validRequest()
	req.StrategyID = "strat-missing"

	_, err := f.svc.Submit(context.Background(), req)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSubmit_StoppedStrategy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.PutStrategy(&job.Strategy{ID: "strat-stopped", Status: job.StrategyStopped})

	req := validRequest()
	req.StrategyID = "strat-stopped"

	_, err := f.svc.Submit(context.Background(), req)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for stopped strategy, got %v", err)
	}
}

func TestSubmit_ConflictingActiveJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, validRequest()); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	_, err := f.svc.Submit(ctx, validRequest())
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for second active job, got %v", err)
	}
}

func TestSubmit_RemoteRejectedSurfacesAndFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.results = []submitResult{{err: apperrors.RemoteRejected("submit", "unsupported config version")}}
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, validRequest())
	if !errors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("expected remote rejection to surface, got %v", err)
	}

	// The rejection is also durable: exactly one failed job exists.
	if f.gateway.submitCount() != 1 {
		t.Errorf("expected no retries on rejection, got %d submits", f.gateway.submitCount())
	}
	terminals := f.publisher.byType(job.EventTerminal)
	if len(terminals) != 1 {
		t.Fatalf("expected 1 terminal event, got %d", len(terminals))
	}
	failed, err := f.store.Get(ctx, terminals[0].JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != job.StatusFailed {
		t.Errorf("expected failed job, got %s", failed.Status)
	}
	if !strings.Contains(failed.ErrorMessage, "rejected") {
		t.Errorf("unexpected error message: %q", failed.ErrorMessage)
	}
	if len(f.tracker.released) != 1 {
		t.Errorf("expected slot released, got %v", f.tracker.released)
	}

	s, _ := f.store.GetStrategy(ctx, "strat-1")
	if s.Status != job.StrategyError {
		t.Errorf("expected strategy error after failed launch, got %s", s.Status)
	}
}

func TestSubmit_TransientRetriesThenSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.results = []submitResult{
		{err: apperrors.Transient("submit", errors.New("connection refused"))},
		{err: apperrors.Transient("submit", errors.New("connection refused"))},
		{handle: "handle-3"},
	}

	j, err := f.svc.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if j.Status != job.StatusRunning {
		t.Errorf("expected running after retries, got %s", j.Status)
	}
	if j.ExternalHandle != "handle-3" {
		t.Errorf("unexpected handle %q", j.ExternalHandle)
	}
	if j.RetryCount != 2 {
		t.Errorf("expected 2 recorded retries, got %d", j.RetryCount)
	}
}

func TestSubmit_RetriesExhaustedFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.results = []submitResult{{err: apperrors.Transient("submit", errors.New("connection refused"))}}

	req := validRequest()
	req.MaxRetries = 1

	j, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("exhausted retries must not surface as a submit error, got %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Errorf("expected failed job, got %s", j.Status)
	}
	if f.gateway.submitCount() != 2 {
		t.Errorf("expected initial attempt plus 1 retry, got %d submits", f.gateway.submitCount())
	}
	if terminals := f.publisher.byType(job.EventTerminal); len(terminals) != 1 {
		t.Errorf("expected 1 terminal event, got %d", len(terminals))
	}
}

func TestSubmit_AtCapacityStaysPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tracker.cap = 0

	j, err := f.svc.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if j.Status != job.StatusPending {
		t.Errorf("expected pending job at capacity, got %s", j.Status)
	}
	if f.gateway.submitCount() != 0 {
		t.Error("expected no gateway call while queued")
	}
	if len(f.tracker.queued) != 1 {
		t.Errorf("expected job queued, got %v", f.tracker.queued)
	}
}

func TestSubmit_RegistersWebhook(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := validRequest()
	req.Callback = &job.Callback{URL: "https://example.com/hook", Events: []string{"terminal"}}

	j, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if f.publisher.webhooks[j.ID] == nil {
		t.Error("expected webhook registered for job")
	}
}

func TestLaunch_QueuedJobOfStoppedStrategyIsCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tracker.cap = 0
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Strategy gets stopped while the job waits for a slot.
	if err := f.store.SetStrategyStatus(ctx, "strat-1", job.StrategyStopped); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Launch(ctx, j.ID); err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	got, err := f.store.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("expected auto-cancelled job, got %s", got.Status)
	}
	if f.gateway.submitCount() != 0 {
		t.Error("expected no remote submit for a dead strategy")
	}
	if terminals := f.publisher.byType(job.EventTerminal); len(terminals) != 1 {
		t.Errorf("expected 1 terminal event, got %d", len(terminals))
	}
}

func TestLaunch_CancelledWhileQueuedIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tracker.cap = 0
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := f.svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if err := f.svc.Launch(ctx, j.ID); err != nil {
		t.Fatalf("launch of cancelled job must be a no-op, got %v", err)
	}
	if f.gateway.submitCount() != 0 {
		t.Error("expected no remote submit for a cancelled job")
	}
	got, _ := f.store.Get(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("expected cancelled preserved, got %s", got.Status)
	}
}

func TestCancel_RunningJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if err := f.svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, err := f.store.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}

	// Remote cancel attempted, slot freed, strategy back to paused.
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != "handle-1" {
		t.Errorf("expected remote cancel of handle-1, got %v", f.gateway.cancelled)
	}
	if len(f.tracker.released) != 1 {
		t.Errorf("expected slot released, got %v", f.tracker.released)
	}
	s, _ := f.store.GetStrategy(ctx, "strat-1")
	if s.Status != job.StrategyPaused {
		t.Errorf("expected strategy paused after cancel, got %s", s.Status)
	}
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := f.svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}

	err = f.svc.Cancel(ctx, j.ID)
	if !errors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("expected invalid state for second cancel, got %v", err)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.svc.Cancel(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestGet_PassesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	got, err := f.svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != j.ID {
		t.Errorf("expected job %s, got %s", j.ID, got.ID)
	}

	if _, err := f.svc.Get(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestList_RequiresStrategyID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.List(context.Background(), ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
