package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradejobs/internal/apperrors"
	"tradejobs/internal/job"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index when a second active job is inserted for the same strategy.
const uniqueViolation = "23505"

const jobColumns = `id, strategy_id, owner_id, kind, status, progress, config,
	metrics, logs, error_message, external_handle, retry_count, max_retries,
	callback, created_at, started_at, completed_at, last_polled_at`

// Postgres is the production Store backed by a pgx connection pool.
//
// The one-active-job-per-strategy invariant is durable: a partial unique
// index on jobs(strategy_id) WHERE status IN ('pending','running') makes the
// conditional insert a single atomic statement, and CompareAndSwapStatus is
// an UPDATE guarded by the expected status, so concurrent transitions cannot
// both win.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to the database, verifies the connection, and applies
// the schema migration.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		logger: slog.With("component", "store"),
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	p.logger.Info("Connected to PostgreSQL", "database", cfg.ConnConfig.Database, "host", cfg.ConnConfig.Host)
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id         text PRIMARY KEY,
	owner_id   text NOT NULL,
	name       text NOT NULL DEFAULT '',
	status     text NOT NULL DEFAULT 'draft',
	params     jsonb NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS jobs (
	id              text PRIMARY KEY,
	strategy_id     text NOT NULL REFERENCES strategies(id),
	owner_id        text NOT NULL,
	kind            text NOT NULL,
	status          text NOT NULL,
	progress        double precision NOT NULL DEFAULT 0,
	config          jsonb NOT NULL,
	metrics         jsonb NOT NULL DEFAULT '{}'::jsonb,
	logs            text NOT NULL DEFAULT '',
	error_message   text NOT NULL DEFAULT '',
	external_handle text NOT NULL DEFAULT '',
	retry_count     integer NOT NULL DEFAULT 0,
	max_retries     integer NOT NULL DEFAULT 3,
	callback        jsonb,
	created_at      timestamptz NOT NULL DEFAULT now(),
	started_at      timestamptz,
	completed_at    timestamptz,
	last_polled_at  timestamptz
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_strategy
	ON jobs (strategy_id)
	WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS jobs_active
	ON jobs (created_at)
	WHERE status IN ('pending', 'running');
`

// Create inserts a new job. The partial unique index turns a second active
// job for the same strategy into a unique violation, which is surfaced as
// apperrors.ErrConflict.
func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	const op = "store.create"

	metrics := j.Metrics
	if len(metrics) == 0 {
		metrics = []byte(`{}`)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		j.ID, j.StrategyID, j.OwnerID, j.Kind, j.Status, j.Progress, j.Config,
		metrics, j.Logs, j.ErrorMessage, j.ExternalHandle, j.RetryCount, j.MaxRetries,
		j.Callback, j.CreatedAt, j.StartedAt, j.CompletedAt, j.LastPolledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ConflictingJob(j.StrategyID)
		}
		return apperrors.StorageUnavailable(op, err)
	}
	return nil
}

// Get returns a job by ID.
func (p *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	const op = "store.get"

	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.StorageUnavailable(op, err)
	}
	return j, nil
}

// CompareAndSwapStatus transitions the job in a single guarded UPDATE.
func (p *Postgres) CompareAndSwapStatus(ctx context.Context, id string, expected, next job.Status, patch *job.Patch) (bool, error) {
	const op = "store.cas"

	set := []string{"status = $3"}
	args := []any{id, expected, next}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if patch != nil {
		if patch.ExternalHandle != nil {
			add("external_handle = $%d", *patch.ExternalHandle)
		}
		if patch.Progress != nil {
			add("progress = $%d", *patch.Progress)
		}
		if patch.ErrorMessage != nil {
			add("error_message = $%d", *patch.ErrorMessage)
		}
		if patch.RetryCount != nil {
			add("retry_count = $%d", *patch.RetryCount)
		}
		if len(patch.MetricsDelta) > 0 {
			add("metrics = metrics || $%d::jsonb", []byte(patch.MetricsDelta))
		}
		if patch.StartedAt != nil {
			add("started_at = $%d", *patch.StartedAt)
		}
		if patch.CompletedAt != nil {
			add("completed_at = $%d", *patch.CompletedAt)
		}
		if patch.LastPolledAt != nil {
			add("last_polled_at = $%d", *patch.LastPolledAt)
		}
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = $2`, strings.Join(set, ", "))
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, apperrors.StorageUnavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "wrong status" from "no such job".
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, apperrors.StorageUnavailable(op, err)
		}
		if !exists {
			return false, apperrors.NotFound("job", id)
		}
		return false, nil
	}
	return true, nil
}

// AppendLog appends text to the job's log column.
func (p *Postgres) AppendLog(ctx context.Context, id, text string) error {
	const op = "store.appendLog"

	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET logs = logs || $2 WHERE id = $1`, id, text)
	if err != nil {
		return apperrors.StorageUnavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

// ListActiveByStrategy returns the strategy's jobs in {pending, running}.
func (p *Postgres) ListActiveByStrategy(ctx context.Context, strategyID string) ([]*job.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE strategy_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at`, strategyID)
}

// ListActive returns all non-terminal jobs, oldest first.
func (p *Postgres) ListActive(ctx context.Context) ([]*job.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at`)
}

func (p *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	const op = "store.listActive"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StorageUnavailable(op, err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.StorageUnavailable(op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageUnavailable(op, err)
	}
	return jobs, nil
}

// GetStrategy returns a strategy by ID.
func (p *Postgres) GetStrategy(ctx context.Context, id string) (*job.Strategy, error) {
	const op = "store.getStrategy"

	var s job.Strategy
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, status, params FROM strategies WHERE id = $1`, id,
	).Scan(&s.ID, &s.OwnerID, &s.Name, &s.Status, &s.Params)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("strategy", id)
		}
		return nil, apperrors.StorageUnavailable(op, err)
	}
	return &s, nil
}

// SetStrategyStatus updates a strategy's status.
func (p *Postgres) SetStrategyStatus(ctx context.Context, id string, status job.StrategyStatus) error {
	const op = "store.setStrategyStatus"

	tag, err := p.pool.Exec(ctx, `UPDATE strategies SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return apperrors.StorageUnavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("strategy", id)
	}
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperrors.StorageUnavailable("store.ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	err := row.Scan(
		&j.ID, &j.StrategyID, &j.OwnerID, &j.Kind, &j.Status, &j.Progress, &j.Config,
		&j.Metrics, &j.Logs, &j.ErrorMessage, &j.ExternalHandle, &j.RetryCount, &j.MaxRetries,
		&j.Callback, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastPolledAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Verify Postgres implements job.Store
var _ job.Store = (*Postgres)(nil)
