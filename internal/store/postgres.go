package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/db"
	"github.com/shiftgig/petri-dish/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, retry resilience.RetryConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, retry)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close leaves the pool open.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS petri_runs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	experiment       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	subjects         INTEGER NOT NULL DEFAULT 0,
	filtered         INTEGER NOT NULL DEFAULT 0,
	assigned         INTEGER NOT NULL DEFAULT 0,
	score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	trials_run       INTEGER NOT NULL DEFAULT 0,
	trials_requested INTEGER NOT NULL DEFAULT 0,
	best_trial       INTEGER NOT NULL DEFAULT 0,
	seed             BIGINT NOT NULL DEFAULT 0,
	partial          BOOLEAN NOT NULL DEFAULT false,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_petri_runs_status ON petri_runs(status);
CREATE INDEX IF NOT EXISTS idx_petri_runs_experiment ON petri_runs(experiment, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, experiment string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO petri_runs (id, experiment, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, experiment, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:         id,
		Experiment: experiment,
		Status:     RunStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE petri_runs SET status = $1, subjects = $2, filtered = $3, assigned = $4, score = $5,
			trials_run = $6, trials_requested = $7, best_trial = $8, seed = $9, partial = $10, error = $11,
			updated_at = $12
		WHERE id = $13`,
		string(run.Status), run.Subjects, run.Filtered, run.Assigned, run.Score,
		run.TrialsRun, run.TrialsRequested, run.BestTrial, int64(run.Seed), run.Partial, run.Error, run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: finish run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM petri_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM petri_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Experiment != "" {
		query += fmt.Sprintf(` AND experiment = $%d`, argIdx)
		args = append(args, filter.Experiment)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOf(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
