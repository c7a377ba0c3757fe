package experiment

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Filter keeps a subject when it returns true.
type Filter func(model.Record) bool

// Rule operators.
const (
	OpEq      = "eq"
	OpNe      = "ne"
	OpIn      = "in"
	OpNotIn   = "not_in"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpNull    = "null"
	OpNotNull = "not_null"
)

// Rule is a declarative filter on one column. Ordered comparisons are
// numeric when both sides parse as numbers and lexical otherwise, so
// RFC3339 timestamps compare correctly. Null cells never satisfy an
// ordered comparison.
type Rule struct {
	Column string   `json:"column" yaml:"column" mapstructure:"column"`
	Op     string   `json:"op" yaml:"op" mapstructure:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty" mapstructure:"value"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty" mapstructure:"values"`
}

// Compile validates the rule and returns its predicate.
func (r Rule) Compile() (Filter, error) {
	if r.Column == "" {
		return nil, eris.Wrap(model.ErrInvalidConfig, "experiment: rule has no column")
	}
	col := r.Column
	want := model.Normalize(r.Value)

	switch strings.ToLower(r.Op) {
	case OpEq:
		return func(rec model.Record) bool { return model.Normalize(rec[col]) == want }, nil
	case OpNe:
		return func(rec model.Record) bool { return model.Normalize(rec[col]) != want }, nil
	case OpIn, OpNotIn:
		if len(r.Values) == 0 {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: rule %s on %q needs values", r.Op, col)
		}
		set := make(map[string]bool, len(r.Values))
		for _, v := range r.Values {
			set[model.Normalize(v)] = true
		}
		in := strings.ToLower(r.Op) == OpIn
		return func(rec model.Record) bool { return set[model.Normalize(rec[col])] == in }, nil
	case OpGt, OpGte, OpLt, OpLte:
		if model.IsNull(r.Value) {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: rule %s on %q needs a value", r.Op, col)
		}
		op := strings.ToLower(r.Op)
		return func(rec model.Record) bool {
			v := rec[col]
			if model.IsNull(v) {
				return false
			}
			c := compare(model.Normalize(v), want)
			switch op {
			case OpGt:
				return c > 0
			case OpGte:
				return c >= 0
			case OpLt:
				return c < 0
			default:
				return c <= 0
			}
		}, nil
	case OpNull:
		return func(rec model.Record) bool { return model.IsNull(rec[col]) }, nil
	case OpNotNull:
		return func(rec model.Record) bool { return !model.IsNull(rec[col]) }, nil
	default:
		return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: unknown rule op %q", r.Op)
	}
}

// CompileRules compiles every rule in order.
func CompileRules(rules []Rule) ([]Filter, error) {
	out := make([]Filter, 0, len(rules))
	for _, r := range rules {
		f, err := r.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Apply returns the rows of t that pass every filter, in order.
func Apply(t *model.Table, filters ...Filter) *model.Table {
	return t.Select(func(r model.Record) bool {
		for _, f := range filters {
			if !f(r) {
				return false
			}
		}
		return true
	})
}
