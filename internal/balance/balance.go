// Package balance builds the per-block, per-treatment count ledger that the
// directed assigner consults when it fills in missing assignments.
package balance

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Unassigned is the pseudo-treatment under which null assignments are
// counted when WithCountNulls is set.
const Unassigned = ""

const keySep = "\x1f"

// BlockKey identifies one cell of the partition defined by the balancing
// features: the tuple of a subject's balancing values.
type BlockKey string

// NewBlockKey encodes a tuple of balancing values.
func NewBlockKey(values ...string) BlockKey {
	return BlockKey(strings.Join(values, keySep))
}

// Values decodes the tuple. A key built from zero features decodes to nil.
func (k BlockKey) Values() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), keySep)
}

// String renders the tuple for logs and reports.
func (k BlockKey) String() string {
	return "(" + strings.Join(k.Values(), ", ") + ")"
}

// Option configures Build.
type Option func(*options)

type options struct {
	countNulls bool
}

// WithCountNulls makes Build count rows whose assignment is null under the
// Unassigned pseudo-treatment instead of skipping them.
func WithCountNulls(v bool) Option {
	return func(o *options) { o.countNulls = v }
}

// Table maps every (block, treatment) pair to a non-negative count. The key
// space is always complete: unobserved combinations hold zero.
type Table struct {
	features   []string
	treatments []string // configured ids, then Unassigned when counting nulls
	configured int
	pos        map[string]int
	blocks     []BlockKey
	counts     map[BlockKey][]int
}

// Entry is one (block, treatment, count) cell, used for reporting.
type Entry struct {
	Block     BlockKey `json:"-"`
	Values    []string `json:"block"`
	Treatment string   `json:"treatment"`
	Count     int      `json:"count"`
}

// Build counts assignments in t. The block space is the cross product of the
// distinct values of each balancing feature observed anywhere in t, whether
// or not the row is assigned.
func Build(t *model.Table, features []string, treatmentCol string, treatmentIDs []string, opts ...Option) (*Table, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(treatmentIDs) == 0 {
		return nil, eris.Wrap(model.ErrInvalidConfig, "balance: no treatment ids configured")
	}
	cols := append(append([]string{}, features...), treatmentCol)
	if missing := t.MissingColumns(cols...); len(missing) > 0 {
		return nil, eris.Wrapf(model.ErrInvalidConfig, "balance: missing columns %s", strings.Join(missing, ", "))
	}

	bt := newTable(features, treatmentIDs, o.countNulls)

	domains := make([][]string, len(features))
	for j, f := range features {
		seen := make(map[string]bool)
		for _, r := range t.Rows {
			v := model.Label(r[f])
			if !seen[v] {
				seen[v] = true
				domains[j] = append(domains[j], v)
			}
		}
		sortLabels(domains[j])
	}
	for _, key := range crossProduct(domains) {
		bt.addBlock(key)
	}

	for i, r := range t.Rows {
		raw := r[treatmentCol]
		var id string
		if model.IsNull(raw) {
			if !o.countNulls {
				continue
			}
			id = Unassigned
		} else {
			resolved, ok := ResolveTreatment(treatmentIDs, raw)
			if !ok {
				return nil, eris.Wrapf(model.ErrInvalidConfig,
					"balance: row %d: assignment %q is not a configured treatment id", i, raw)
			}
			id = resolved
		}
		bt.Increment(bt.KeyFor(r), id)
	}

	return bt, nil
}

func newTable(features, treatmentIDs []string, countNulls bool) *Table {
	bt := &Table{
		features:   append([]string{}, features...),
		configured: len(treatmentIDs),
		pos:        make(map[string]int),
		counts:     make(map[BlockKey][]int),
	}
	for _, id := range treatmentIDs {
		id = model.Normalize(id)
		bt.pos[id] = len(bt.treatments)
		bt.treatments = append(bt.treatments, id)
	}
	if countNulls {
		bt.pos[Unassigned] = len(bt.treatments)
		bt.treatments = append(bt.treatments, Unassigned)
	}
	return bt
}

func (bt *Table) addBlock(key BlockKey) []int {
	row, ok := bt.counts[key]
	if !ok {
		row = make([]int, len(bt.treatments))
		bt.counts[key] = row
		bt.blocks = append(bt.blocks, key)
	}
	return row
}

// ResolveTreatment maps a raw assignment cell onto a configured id. Cells
// match exactly after normalization, or numerically when both sides parse as
// numbers, so "0.0" read back from a spreadsheet resolves to id "0".
func ResolveTreatment(ids []string, raw string) (string, bool) {
	v := model.Normalize(raw)
	for _, id := range ids {
		if model.Normalize(id) == v {
			return model.Normalize(id), true
		}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return "", false
	}
	for _, id := range ids {
		g, err := strconv.ParseFloat(model.Normalize(id), 64)
		if err == nil && f == g {
			return model.Normalize(id), true
		}
	}
	return "", false
}

// KeyFor returns the block of a record.
func (bt *Table) KeyFor(r model.Record) BlockKey {
	vals := make([]string, len(bt.features))
	for j, f := range bt.features {
		vals[j] = model.Label(r[f])
	}
	return NewBlockKey(vals...)
}

// Count returns the count for a (block, treatment) pair; unknown pairs are 0.
func (bt *Table) Count(block BlockKey, treatment string) int {
	row, ok := bt.counts[block]
	if !ok {
		return 0
	}
	p, ok := bt.pos[treatment]
	if !ok {
		return 0
	}
	return row[p]
}

// Increment adds one to a (block, treatment) pair. A block outside the
// observed space is added with zero counts first.
func (bt *Table) Increment(block BlockKey, treatment string) {
	p, ok := bt.pos[treatment]
	if !ok {
		return
	}
	bt.addBlock(block)[p]++
}

// BlockTotal sums the counts of a block across all treatments.
func (bt *Table) BlockTotal(block BlockKey) int {
	var n int
	for _, c := range bt.counts[block] {
		n += c
	}
	return n
}

// Total sums every count in the table.
func (bt *Table) Total() int {
	var n int
	for _, b := range bt.blocks {
		n += bt.BlockTotal(b)
	}
	return n
}

// LeastAssigned returns every configured treatment id tied at the minimum
// count within a block, in configured order. The Unassigned pseudo-treatment
// never competes.
func (bt *Table) LeastAssigned(block BlockKey) []string {
	row := bt.counts[block]
	minCount := -1
	var out []string
	for p := 0; p < bt.configured; p++ {
		c := 0
		if row != nil {
			c = row[p]
		}
		switch {
		case minCount < 0 || c < minCount:
			minCount = c
			out = append(out[:0], bt.treatments[p])
		case c == minCount:
			out = append(out, bt.treatments[p])
		}
	}
	return out
}

// Spread returns the difference between the largest and smallest configured
// treatment counts within a block.
func (bt *Table) Spread(block BlockKey) int {
	row := bt.counts[block]
	if row == nil || bt.configured == 0 {
		return 0
	}
	lo, hi := row[0], row[0]
	for p := 1; p < bt.configured; p++ {
		lo = min(lo, row[p])
		hi = max(hi, row[p])
	}
	return hi - lo
}

// Blocks returns every block key in sorted order.
func (bt *Table) Blocks() []BlockKey {
	out := make([]BlockKey, len(bt.blocks))
	copy(out, bt.blocks)
	sort.Slice(out, func(i, j int) bool {
		return lessTuple(out[i].Values(), out[j].Values())
	})
	return out
}

// TreatmentIDs returns the configured treatment ids.
func (bt *Table) TreatmentIDs() []string {
	return append([]string{}, bt.treatments[:bt.configured]...)
}

// Features returns the balancing features that define blocks.
func (bt *Table) Features() []string {
	return append([]string{}, bt.features...)
}

// Entries flattens the table in block order, then treatment order.
func (bt *Table) Entries() []Entry {
	var out []Entry
	for _, b := range bt.Blocks() {
		row := bt.counts[b]
		for p, id := range bt.treatments {
			out = append(out, Entry{Block: b, Values: b.Values(), Treatment: id, Count: row[p]})
		}
	}
	return out
}

// Clone returns an independent copy; trials mutate clones, never the
// initial table.
func (bt *Table) Clone() *Table {
	c := &Table{
		features:   bt.features,
		treatments: bt.treatments,
		configured: bt.configured,
		pos:        bt.pos,
		blocks:     make([]BlockKey, len(bt.blocks)),
		counts:     make(map[BlockKey][]int, len(bt.counts)),
	}
	copy(c.blocks, bt.blocks)
	for k, row := range bt.counts {
		c.counts[k] = append([]int(nil), row...)
	}
	return c
}

// Equal reports whether two tables hold the same counts over the same key
// space.
func (bt *Table) Equal(o *Table) bool {
	if len(bt.counts) != len(o.counts) || len(bt.treatments) != len(o.treatments) {
		return false
	}
	for k, row := range bt.counts {
		for p, id := range bt.treatments {
			if o.Count(k, id) != row[p] {
				return false
			}
		}
		if _, ok := o.counts[k]; !ok {
			return false
		}
	}
	return true
}

func crossProduct(domains [][]string) []BlockKey {
	tuples := [][]string{{}}
	for _, d := range domains {
		next := make([][]string, 0, len(tuples)*len(d))
		for _, prefix := range tuples {
			for _, v := range d {
				tuple := append(append(make([]string, 0, len(prefix)+1), prefix...), v)
				next = append(next, tuple)
			}
		}
		tuples = next
	}
	keys := make([]BlockKey, len(tuples))
	for i, tuple := range tuples {
		keys[i] = NewBlockKey(tuple...)
	}
	return keys
}

// sortLabels orders labels numerically when both parse as numbers, lexically
// otherwise, so market ids 2 and 10 sort as numbers.
func sortLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool { return lessLabel(labels[i], labels[j]) })
}

func lessLabel(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil && fa != fb:
		return fa < fb
	case errA == nil && errB != nil:
		return true
	case errA != nil && errB == nil:
		return false
	}
	return a < b
}

func lessTuple(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return lessLabel(a[i], b[i])
		}
	}
	return len(a) < len(b)
}
