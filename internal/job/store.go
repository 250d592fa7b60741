package job

import "context"

// Store is the durable source of truth for jobs and strategies.
//
// # Atomicity
//
// CompareAndSwapStatus is the ONLY mutation path for a job's status and it is
// a single transaction. Two pollers (or a poller racing a cancel request)
// can never double-transition the same job: one CAS wins, the other observes
// false and backs off. Everything else in the subsystem is built on top of
// this guarantee.
//
// # The concurrency permit
//
// Create enforces "at most one job in {pending, running} per strategy" inside
// the insert itself (a conditional insert, made durable by a partial unique
// index in the Postgres implementation). The permit is therefore derived from
// store contents, not held in memory, and survives process restarts. It is
// released implicitly when a CAS moves the job into a terminal state.
//
// # Failure mode
//
// On storage unavailability every operation fails with
// apperrors.ErrStorageUnavailable and nothing is partially applied.
type Store interface {
	// Create inserts a new job in its initial status. Returns
	// apperrors.ErrConflict if the strategy already has an active job.
	Create(ctx context.Context, j *Job) error

	// Get returns a job by ID, or apperrors.ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// CompareAndSwapStatus atomically transitions a job from expected to next,
	// applying patch in the same transaction. Returns false (and no error)
	// when the job's current status does not match expected.
	// expected == next is a valid no-op transition used to patch progress and
	// poll bookkeeping while still serializing against concurrent transitions.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, patch *Patch) (bool, error)

	// AppendLog appends text to the job's log. Append-only while running.
	AppendLog(ctx context.Context, id, text string) error

	// ListActiveByStrategy returns the strategy's jobs in {pending, running}.
	ListActiveByStrategy(ctx context.Context, strategyID string) ([]*Job, error)

	// ListActive returns all non-terminal jobs. Used to rebuild the polling
	// set on process start so a restart does not orphan jobs.
	ListActive(ctx context.Context) ([]*Job, error)

	// GetStrategy returns a strategy by ID, or apperrors.ErrNotFound.
	GetStrategy(ctx context.Context, id string) (*Strategy, error)

	// SetStrategyStatus updates a strategy's status in response to job
	// lifecycle events.
	SetStrategyStatus(ctx context.Context, id string, status StrategyStatus) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close()
}
