package experiment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/store"
)

// RunSummary describes one pass of the pipeline.
type RunSummary struct {
	RunID           string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Experiment      string         `json:"experiment" yaml:"experiment"`
	Subjects        int            `json:"subjects" yaml:"subjects"`
	Filtered        int            `json:"filtered" yaml:"filtered"`
	Assigned        int            `json:"assigned" yaml:"assigned"`
	Finished        int            `json:"finished" yaml:"finished"`
	Score           float64        `json:"score" yaml:"score"`
	TrialsRun       int            `json:"trials_run" yaml:"trials_run"`
	TrialsRequested int            `json:"trials_requested" yaml:"trials_requested"`
	BestTrial       int            `json:"best_trial" yaml:"best_trial"`
	Seed            uint64         `json:"seed" yaml:"seed"`
	Partial         bool           `json:"partial" yaml:"partial"`
	Groups          map[string]int `json:"groups" yaml:"groups"`
	Stages          map[string]int `json:"stages" yaml:"stages"`
	Elapsed         time.Duration  `json:"elapsed" yaml:"elapsed"`
}

// Run merges, filters, stages and balances the subjects, then writes them to
// the sink. Subjects removed by a filter are not written back.
func (e *Experiment) Run(ctx context.Context) (sum *RunSummary, err error) {
	start := time.Now()
	sum = &RunSummary{Experiment: e.name}

	if e.store != nil {
		rec, cerr := e.store.CreateRun(ctx, e.name)
		if cerr != nil {
			return nil, eris.Wrap(cerr, "experiment: record run")
		}
		sum.RunID = rec.ID
		defer func() { e.finish(ctx, rec, sum, err) }()
	}

	subjects, err := e.GetAllSubjects(ctx)
	if err != nil {
		return sum, err
	}
	total := subjects.Len()
	subjects = Apply(subjects, e.filters...)
	sum.Filtered = total - subjects.Len()
	sum.Subjects = subjects.Len()

	if err := e.UpdateStages(subjects, e.now()); err != nil {
		return sum, err
	}

	if subjects.Len() > 0 {
		res, err := e.balancer.Assign(ctx, subjects)
		if err != nil {
			return sum, eris.Wrap(err, "experiment: balance")
		}
		subjects = res.Table
		sum.Assigned = res.Assigned
		sum.Score = res.Score
		sum.TrialsRun = res.TrialsRun
		sum.TrialsRequested = res.TrialsRequested
		sum.BestTrial = res.BestTrial
		sum.Seed = res.Seed
		sum.Partial = res.Partial
	}

	if err := e.sink.Write(ctx, subjects); err != nil {
		return sum, eris.Wrap(err, "experiment: write sink")
	}

	sum.Groups = make(map[string]int)
	sum.Stages = make(map[string]int)
	for _, r := range subjects.Rows {
		sum.Groups[r[GroupColumn]]++
		if r[StageColumn] == "" {
			sum.Finished++
			continue
		}
		sum.Stages[r[StageColumn]]++
	}
	sum.Elapsed = time.Since(start)

	e.log.Info("experiment: run complete",
		zap.Int("subjects", sum.Subjects),
		zap.Int("filtered", sum.Filtered),
		zap.Int("assigned", sum.Assigned),
		zap.Int("finished", sum.Finished),
		zap.Float64("score", sum.Score),
		zap.Uint64("seed", sum.Seed),
		zap.Bool("partial", sum.Partial),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (e *Experiment) finish(ctx context.Context, rec *store.Run, sum *RunSummary, runErr error) {
	rec.Status = store.RunStatusComplete
	if runErr != nil {
		rec.Status = store.RunStatusFailed
		rec.Error = runErr.Error()
	}
	rec.Subjects = sum.Subjects
	rec.Filtered = sum.Filtered
	rec.Assigned = sum.Assigned
	rec.Score = sum.Score
	rec.TrialsRun = sum.TrialsRun
	rec.TrialsRequested = sum.TrialsRequested
	rec.BestTrial = sum.BestTrial
	rec.Seed = sum.Seed
	rec.Partial = sum.Partial

	if err := e.store.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		e.log.Error("experiment: record run outcome", zap.String("run_id", rec.ID), zap.Error(err))
	}
}
