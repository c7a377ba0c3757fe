// Package monitoring watches recorded experiment runs and raises alerts
// when balancing degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/store"
)

// collectLimit bounds how many recent runs a snapshot inspects.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal    int     `json:"runs_total" yaml:"runs_total"`
	RunsComplete int     `json:"runs_complete" yaml:"runs_complete"`
	RunsFailed   int     `json:"runs_failed" yaml:"runs_failed"`
	RunsRunning  int     `json:"runs_running" yaml:"runs_running"`
	FailRate     float64 `json:"fail_rate" yaml:"fail_rate"`

	// Complete runs whose trial budget was cut short.
	PartialRuns int     `json:"partial_runs" yaml:"partial_runs"`
	PartialRate float64 `json:"partial_rate" yaml:"partial_rate"`

	// Balance scores of complete runs that assigned at least one subject.
	ScoredRuns       int     `json:"scored_runs" yaml:"scored_runs"`
	AvgScore         float64 `json:"avg_score" yaml:"avg_score"`
	LowestScore      float64 `json:"lowest_score" yaml:"lowest_score"`
	LowestScoreRunID string  `json:"lowest_score_run_id,omitempty" yaml:"lowest_score_run_id,omitempty"`

	SubjectsAssigned int `json:"subjects_assigned" yaml:"subjects_assigned"`

	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// RunLister is the slice of store.Store the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
}

// Collector gathers metrics from the run store.
type Collector struct {
	runs       RunLister
	experiment string
	now        func() time.Time
}

// NewCollector creates a metrics collector. A non-empty experiment limits
// the snapshot to that experiment's runs.
func NewCollector(runs RunLister, experiment string) *Collector {
	return &Collector{runs: runs, experiment: experiment, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		Experiment: c.experiment,
		Limit:      collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalScore float64
	for _, r := range runs {
		if lookbackHours > 0 && r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case store.RunStatusComplete:
			snap.RunsComplete++
		case store.RunStatusFailed:
			snap.RunsFailed++
			continue
		case store.RunStatusRunning:
			snap.RunsRunning++
			continue
		}

		snap.SubjectsAssigned += r.Assigned
		if r.Partial {
			snap.PartialRuns++
		}
		if r.Assigned == 0 {
			continue
		}
		if snap.ScoredRuns == 0 || r.Score < snap.LowestScore {
			snap.LowestScore = r.Score
			snap.LowestScoreRunID = r.ID
		}
		snap.ScoredRuns++
		totalScore += r.Score
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsComplete > 0 {
		snap.PartialRate = float64(snap.PartialRuns) / float64(snap.RunsComplete)
	}
	if snap.ScoredRuns > 0 {
		snap.AvgScore = totalScore / float64(snap.ScoredRuns)
	}

	return snap, nil
}
