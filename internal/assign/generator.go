package assign

import (
	"math/rand/v2"

	"github.com/shiftgig/petri-dish/internal/balance"
	"github.com/shiftgig/petri-dish/internal/model"
)

// plan holds the per-subject data that every trial over the same subjects
// shares.
type plan struct {
	keys  []balance.BlockKey
	fixed []string // resolved pre-assignment, "" when open
	open  []int    // rows to fill, in row order
}

func newPlan(subjects *model.Table, cfg Config, bt *balance.Table) *plan {
	p := &plan{
		keys:  make([]balance.BlockKey, subjects.Len()),
		fixed: make([]string, subjects.Len()),
	}
	ids := bt.TreatmentIDs()
	for i, r := range subjects.Rows {
		p.keys[i] = bt.KeyFor(r)
		raw := r[cfg.TreatmentColumn]
		if model.IsNull(raw) {
			p.open = append(p.open, i)
			continue
		}
		p.fixed[i], _ = balance.ResolveTreatment(ids, raw)
	}
	return p
}

// fill assigns every open row in row order. Each row takes one of the
// treatments tied at the lowest count in its block, drawn uniformly with
// rng, and the count is bumped before the next row is read. bt is mutated.
func (p *plan) fill(bt *balance.Table, rng *rand.Rand) []string {
	out := make([]string, len(p.fixed))
	copy(out, p.fixed)
	for _, i := range p.open {
		tied := bt.LeastAssigned(p.keys[i])
		id := tied[rng.IntN(len(tied))]
		out[i] = id
		bt.Increment(p.keys[i], id)
	}
	return out
}

// apply writes the filled rows of assignment into a copy of subjects.
// Pre-assigned cells keep their original text.
func (p *plan) apply(subjects *model.Table, col string, assignment []string) *model.Table {
	out := subjects.Clone()
	for _, i := range p.open {
		out.Set(i, col, assignment[i])
	}
	return out
}

// Generate produces one candidate: a copy of subjects with every null
// assignment filled, and the balance table updated with those assignments.
// Neither subjects nor initial is modified.
//
// Rows are processed in their original order; the result depends on that
// order because each assignment updates the counts the next row sees.
func Generate(subjects *model.Table, cfg Config, initial *balance.Table, rng *rand.Rand) (*model.Table, *balance.Table) {
	p := newPlan(subjects, cfg, initial)
	bt := initial.Clone()
	assignment := p.fill(bt, rng)
	return p.apply(subjects, cfg.TreatmentColumn, assignment), bt
}

// trialRand returns the random source of one trial. Every trial draws from
// its own stream so results do not depend on scheduling.
func trialRand(seed uint64, trial int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(trial)))
}
