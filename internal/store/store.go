// Package store records the history of experiment runs.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/resilience"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = eris.New("store: run not found")

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one execution of an experiment pipeline.
type Run struct {
	ID              string    `json:"id" yaml:"id"`
	Experiment      string    `json:"experiment" yaml:"experiment"`
	Status          RunStatus `json:"status" yaml:"status"`
	Subjects        int       `json:"subjects" yaml:"subjects"`
	Filtered        int       `json:"filtered" yaml:"filtered"`
	Assigned        int       `json:"assigned" yaml:"assigned"`
	Score           float64   `json:"score" yaml:"score"`
	TrialsRun       int       `json:"trials_run" yaml:"trials_run"`
	TrialsRequested int       `json:"trials_requested" yaml:"trials_requested"`
	BestTrial       int       `json:"best_trial" yaml:"best_trial"`
	Seed            uint64    `json:"seed" yaml:"seed"`
	Partial         bool      `json:"partial" yaml:"partial"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Experiment string    `json:"experiment,omitempty"`
	Status     RunStatus `json:"status,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// DefaultListLimit caps ListRuns when the filter sets no limit.
const DefaultListLimit = 100

// Store defines the persistence interface for run history.
type Store interface {
	CreateRun(ctx context.Context, experiment string) (*Run, error)
	// FinishRun stores the outcome fields of run and stamps UpdatedAt.
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects the run history backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// Open connects the configured backend and migrates it. An empty driver
// disables run history and returns a nil Store.
func Open(ctx context.Context, cfg Config, retry resilience.RetryConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, retry)
	default:
		return nil, eris.Wrapf(model.ErrInvalidConfig, "store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func limitOf(f RunFilter) int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
