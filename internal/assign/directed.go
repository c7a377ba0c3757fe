package assign

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shiftgig/petri-dish/internal/balance"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/scorer"
)

// Distributor assigns treatments to the unassigned subjects of a table.
type Distributor interface {
	Assign(ctx context.Context, subjects *model.Table) (*Result, error)
}

// Result is the best candidate found by a distributor.
type Result struct {
	Table           *model.Table   `json:"-"`
	Score           float64        `json:"score"`
	BestTrial       int            `json:"best_trial"`
	TrialsRun       int            `json:"trials_run"`
	TrialsRequested int            `json:"trials_requested"`
	Assigned        int            `json:"assigned"`
	Seed            uint64         `json:"seed"`
	Partial         bool           `json:"partial"`
	Elapsed         time.Duration  `json:"elapsed"`
	Balance         *balance.Table `json:"-"`
	Report          *scorer.Report `json:"report"`
}

// Option configures a Directed distributor.
type Option func(*Directed)

// WithLogger sets the logger. The global zap logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directed) { d.log = l }
}

// Directed runs best-of-N trials of directed balancing. Each trial fills the
// open rows block by block, always choosing among the least-assigned
// treatments, and is scored by an independence scorer. The highest score
// wins; ties go to the lowest trial index.
type Directed struct {
	cfg    Config
	scorer *scorer.Independence
	log    *zap.Logger
}

var _ Distributor = (*Directed)(nil)

// NewDirected validates cfg and returns a Directed distributor.
func NewDirected(cfg Config, opts ...Option) (*Directed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := scorer.New(cfg.Scorer())
	if err != nil {
		return nil, err
	}
	d := &Directed{cfg: cfg, scorer: sc}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = zap.L()
	}
	return d, nil
}

// Config returns the distributor's config.
func (d *Directed) Config() Config {
	return d.cfg
}

type candidate struct {
	trial      int
	score      float64
	assignment []string
	balance    *balance.Table
}

// better orders candidates by score, then by lower trial index.
func (c *candidate) better(o *candidate) bool {
	if o == nil {
		return true
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.trial < o.trial
}

// Assign runs the configured trials over subjects and returns the best one.
// subjects is not modified.
//
// When ctx ends (or the configured timeout passes) the remaining trials are
// skipped and the best of those that ran is returned with Partial set. Trial
// 0 always runs.
func (d *Directed) Assign(ctx context.Context, subjects *model.Table) (*Result, error) {
	start := time.Now()
	if err := d.cfg.CheckTable(subjects); err != nil {
		return nil, err
	}

	initial, err := balance.Build(subjects, d.cfg.BalancingFeatures, d.cfg.TreatmentColumn, d.cfg.TreatmentIDs)
	if err != nil {
		return nil, err
	}
	cov, err := d.scorer.Prepare(subjects)
	if err != nil {
		return nil, err
	}
	p := newPlan(subjects, d.cfg, initial)

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	limit := d.cfg.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		best *candidate
		ran  atomic.Int64
	)
	g.SetLimit(limit)

	for i := 0; i < d.cfg.Trials; i++ {
		if i > 0 && ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if i > 0 && ctx.Err() != nil {
				return nil
			}
			bt := initial.Clone()
			assignment := p.fill(bt, trialRand(d.cfg.Seed, i))
			c := &candidate{
				trial:      i,
				score:      d.scorer.ScoreAssignments(cov, assignment),
				assignment: assignment,
				balance:    bt,
			}
			ran.Add(1)

			mu.Lock()
			if c.better(best) {
				best = c
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "assign: trials")
	}

	res := &Result{
		Table:           p.apply(subjects, d.cfg.TreatmentColumn, best.assignment),
		Score:           best.score,
		BestTrial:       best.trial,
		TrialsRun:       int(ran.Load()),
		TrialsRequested: d.cfg.Trials,
		Assigned:        len(p.open),
		Seed:            d.cfg.Seed,
		Balance:         best.balance,
		Report:          d.scorer.Report(cov, best.assignment),
	}
	res.Partial = res.TrialsRun < res.TrialsRequested
	res.Elapsed = time.Since(start)

	d.log.Debug("assign: trials complete",
		zap.Int("subjects", subjects.Len()),
		zap.Int("assigned", res.Assigned),
		zap.Int("trials_run", res.TrialsRun),
		zap.Int("trials_requested", res.TrialsRequested),
		zap.Int("best_trial", res.BestTrial),
		zap.Float64("score", res.Score),
		zap.Bool("partial", res.Partial),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// Assign runs a Directed distributor with the given columns and trial count
// and returns the assigned table and its score.
func Assign(ctx context.Context, subjects *model.Table, treatmentIDs []string, treatmentCol string,
	balancing, discrete, continuous []string, trials int) (*model.Table, float64, error) {
	d, err := NewDirected(Config{
		TreatmentColumn:    treatmentCol,
		TreatmentIDs:       treatmentIDs,
		BalancingFeatures:  balancing,
		DiscreteFeatures:   discrete,
		ContinuousFeatures: continuous,
		Trials:             trials,
	})
	if err != nil {
		return nil, 0, err
	}
	res, err := d.Assign(ctx, subjects)
	if err != nil {
		return nil, 0, err
	}
	return res.Table, res.Score, nil
}
