package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/db"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := db.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	experiment       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'running',
	subjects         INTEGER NOT NULL DEFAULT 0,
	filtered         INTEGER NOT NULL DEFAULT 0,
	assigned         INTEGER NOT NULL DEFAULT 0,
	score            REAL NOT NULL DEFAULT 0,
	trials_run       INTEGER NOT NULL DEFAULT 0,
	trials_requested INTEGER NOT NULL DEFAULT 0,
	best_trial       INTEGER NOT NULL DEFAULT 0,
	seed             INTEGER NOT NULL DEFAULT 0,
	partial          INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment);
`

const runColumns = `id, experiment, status, subjects, filtered, assigned, score, trials_run, trials_requested, best_trial, seed, partial, error, created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, experiment string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, experiment, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{
		ID:         id,
		Experiment: experiment,
		Status:     RunStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, subjects = ?, filtered = ?, assigned = ?, score = ?,
			trials_run = ?, trials_requested = ?, best_trial = ?, seed = ?, partial = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), run.Subjects, run.Filtered, run.Assigned, run.Score,
		run.TrialsRun, run.TrialsRequested, run.BestTrial, int64(run.Seed), run.Partial, run.Error, run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Experiment != "" {
		query += ` AND experiment = ?`
		args = append(args, filter.Experiment)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOf(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanRun reads runColumns. Seeds are stored as the signed bit pattern of
// the uint64 so the full range round-trips through BIGINT columns.
func scanRun(row scannable) (*Run, error) {
	var (
		r    Run
		seed int64
	)
	err := row.Scan(&r.ID, &r.Experiment, &r.Status, &r.Subjects, &r.Filtered, &r.Assigned,
		&r.Score, &r.TrialsRun, &r.TrialsRequested, &r.BestTrial, &seed, &r.Partial, &r.Error,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	return &r, nil
}
