package scorer

import (
	"errors"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/balance"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/stats"
)

// TestKind names the hypothesis test behind a TestResult.
type TestKind string

const (
	TestChiSquared TestKind = "chi_squared"
	TestWelchT     TestKind = "welch_t"
)

// Feature roles.
const (
	RoleBalancing  = "balancing"
	RoleDiscrete   = "discrete"
	RoleContinuous = "continuous"
)

// TestResult is the outcome of one test against the assignment column.
type TestResult struct {
	Kind             TestKind `json:"kind"`
	Feature          string   `json:"feature"`
	Role             string   `json:"role"`
	Groups           []string `json:"groups,omitempty"`
	Statistic        float64  `json:"statistic"`
	DegreesOfFreedom float64  `json:"dof"`
	PValue           float64  `json:"p_value"`
	Skipped          bool     `json:"skipped,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// Report is the per-test breakdown behind a score.
type Report struct {
	Score   float64      `json:"score"`
	Ran     int          `json:"ran"`
	Skipped int          `json:"skipped"`
	Tests   []TestResult `json:"tests"`
}

// Weakest returns the test that set the score, or nil when no test ran.
func (r *Report) Weakest() *TestResult {
	var w *TestResult
	for i := range r.Tests {
		t := &r.Tests[i]
		if t.Skipped {
			continue
		}
		if w == nil || t.PValue < w.PValue {
			w = t
		}
	}
	return w
}

// Independence scores candidate assignments. It is stateless after
// construction and safe for concurrent use.
type Independence struct {
	cfg Config
	ids []string
}

// New creates an Independence scorer.
func New(cfg Config) (*Independence, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	ids := make([]string, len(cfg.TreatmentIDs))
	for i, id := range cfg.TreatmentIDs {
		ids[i] = model.Normalize(id)
	}
	return &Independence{cfg: cfg, ids: ids}, nil
}

type categorical struct {
	name   string
	role   string
	labels []string
}

type continuous struct {
	name   string
	values []float64
}

// Covariates caches the normalized feature columns of a subject table so
// that repeated trials over the same subjects only vary the assignment.
type Covariates struct {
	n           int
	categorical []categorical
	continuous  []continuous
}

// Len returns the number of subjects covered.
func (c *Covariates) Len() int {
	return c.n
}

// Prepare parses the feature columns of t. It fails when a column is missing
// or a continuous column holds text.
func (s *Independence) Prepare(t *model.Table) (*Covariates, error) {
	if missing := t.MissingColumns(s.cfg.Columns()...); len(missing) > 0 {
		return nil, eris.Wrapf(model.ErrInvalidConfig, "scorer: missing columns %s", strings.Join(missing, ", "))
	}

	cov := &Covariates{n: t.Len()}
	add := func(role string, features []string) {
		for _, f := range features {
			labels := make([]string, t.Len())
			for i, r := range t.Rows {
				labels[i] = model.Label(r[f])
			}
			cov.categorical = append(cov.categorical, categorical{name: f, role: role, labels: labels})
		}
	}
	add(RoleBalancing, s.cfg.BalancingFeatures)
	add(RoleDiscrete, s.cfg.DiscreteFeatures)

	for _, f := range s.cfg.ContinuousFeatures {
		vals, err := t.Floats(f)
		if err != nil {
			return nil, eris.Wrap(model.ErrInvalidConfig, err.Error())
		}
		cov.continuous = append(cov.continuous, continuous{name: f, values: vals})
	}
	return cov, nil
}

// Assignments resolves the treatment column of t onto configured ids. Null
// or unrecognized cells resolve to "" and are left out of every test.
func (s *Independence) Assignments(t *model.Table) []string {
	out := make([]string, t.Len())
	for i, r := range t.Rows {
		if id, ok := balance.ResolveTreatment(s.ids, r[s.cfg.TreatmentColumn]); ok {
			out[i] = id
		}
	}
	return out
}

// Score prepares t and returns its score.
func (s *Independence) Score(t *model.Table) (float64, error) {
	cov, err := s.Prepare(t)
	if err != nil {
		return 0, err
	}
	return s.ScoreAssignments(cov, s.Assignments(t)), nil
}

// Evaluate prepares t and returns the full report.
func (s *Independence) Evaluate(t *model.Table) (*Report, error) {
	cov, err := s.Prepare(t)
	if err != nil {
		return nil, err
	}
	return s.Report(cov, s.Assignments(t)), nil
}

// ScoreAssignments returns the minimum p-value across all applicable tests,
// or 1 when none applies. assignment[i] is the resolved id of subject i.
func (s *Independence) ScoreAssignments(cov *Covariates, assignment []string) float64 {
	score := 1.0
	s.run(cov, assignment, func(r TestResult) {
		if !r.Skipped && r.PValue < score {
			score = r.PValue
		}
	})
	return score
}

// Report is ScoreAssignments with the per-test breakdown kept.
func (s *Independence) Report(cov *Covariates, assignment []string) *Report {
	rep := &Report{Score: 1}
	s.run(cov, assignment, func(r TestResult) {
		rep.Tests = append(rep.Tests, r)
		if r.Skipped {
			rep.Skipped++
			return
		}
		rep.Ran++
		if r.PValue < rep.Score {
			rep.Score = r.PValue
		}
	})
	return rep
}

func (s *Independence) run(cov *Covariates, assignment []string, emit func(TestResult)) {
	for _, c := range cov.categorical {
		emit(chiSquared(c, assignment))
	}

	groups := make(map[string][]int, len(s.ids))
	for i, id := range assignment {
		if id != "" {
			groups[id] = append(groups[id], i)
		}
	}
	for _, c := range cov.continuous {
		for a := 0; a < len(s.ids); a++ {
			for b := a + 1; b < len(s.ids); b++ {
				emit(welch(c, s.ids[a], s.ids[b], groups))
			}
		}
	}
}

func chiSquared(c categorical, assignment []string) TestResult {
	res := TestResult{Kind: TestChiSquared, Feature: c.name, Role: c.role}

	var labels, assigned []string
	for i, id := range assignment {
		if id == "" {
			continue
		}
		labels = append(labels, c.labels[i])
		assigned = append(assigned, id)
	}

	ct, err := stats.Crosstab(labels, assigned)
	if err != nil {
		return skipped(res, err)
	}
	chi, err := stats.ChiSquaredIndependence(ct)
	if err != nil {
		return skipped(res, err)
	}
	res.Statistic = chi.Statistic
	res.DegreesOfFreedom = float64(chi.DegreesOfFreedom)
	res.PValue = chi.PValue
	return res
}

func welch(c continuous, a, b string, groups map[string][]int) TestResult {
	res := TestResult{Kind: TestWelchT, Feature: c.name, Role: RoleContinuous, Groups: []string{a, b}}

	pick := func(idx []int) []float64 {
		out := make([]float64, len(idx))
		for k, i := range idx {
			out[k] = c.values[i]
		}
		return out
	}

	tt, err := stats.WelchTTest(pick(groups[a]), pick(groups[b]))
	if err != nil {
		return skipped(res, err)
	}
	res.Statistic = finite(tt.TStatistic)
	res.DegreesOfFreedom = tt.DegreesOfFreedom
	res.PValue = tt.PValue
	return res
}

func skipped(res TestResult, err error) TestResult {
	res.Skipped = true
	res.PValue = 1
	switch {
	case errors.Is(err, stats.ErrInsufficientSamples):
		res.Reason = "fewer than two observations in a group"
	case errors.Is(err, stats.ErrZeroVariance):
		res.Reason = "both groups constant with equal means"
	default:
		res.Reason = err.Error()
	}
	return res
}

// finite keeps report statistics JSON-encodable.
func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.Copysign(math.MaxFloat64, v)
	}
	return v
}
