package experiment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftgig/petri-dish/internal/model"
)

func TestRule_Compile(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		rec  model.Record
		want bool
	}{
		{"eq match", Rule{Column: "colour", Op: OpEq, Value: "Red"}, model.Record{"colour": " Red "}, true},
		{"eq miss", Rule{Column: "colour", Op: OpEq, Value: "Red"}, model.Record{"colour": "Blue"}, false},
		{"ne", Rule{Column: "colour", Op: "NE", Value: "Red"}, model.Record{"colour": "Blue"}, true},
		{"ne null", Rule{Column: "colour", Op: OpNe, Value: "Red"}, model.Record{}, true},
		{"in", Rule{Column: "colour", Op: OpIn, Values: []string{"Red", "Blue"}}, model.Record{"colour": "Blue"}, true},
		{"in miss", Rule{Column: "colour", Op: OpIn, Values: []string{"Red", "Blue"}}, model.Record{"colour": "Green"}, false},
		{"not in", Rule{Column: "colour", Op: OpNotIn, Values: []string{"Red"}}, model.Record{"colour": "Green"}, true},
		{"gt numeric", Rule{Column: "age", Op: OpGt, Value: "9"}, model.Record{"age": "10"}, true},
		{"gt lexical would differ", Rule{Column: "age", Op: OpLt, Value: "9"}, model.Record{"age": "10"}, false},
		{"gte equal", Rule{Column: "age", Op: OpGte, Value: "10"}, model.Record{"age": "10.0"}, true},
		{"lte", Rule{Column: "age", Op: OpLte, Value: "10"}, model.Record{"age": "11"}, false},
		{"gt null", Rule{Column: "age", Op: OpGt, Value: "1"}, model.Record{"age": "NA"}, false},
		{"time lexical", Rule{Column: JoinedColumn, Op: OpGte, Value: "2017-10-01T00:00:00Z"}, model.Record{JoinedColumn: "2017-10-16T00:00:00Z"}, true},
		{"null", Rule{Column: "x", Op: OpNull}, model.Record{"x": "None"}, true},
		{"not null", Rule{Column: "x", Op: OpNotNull}, model.Record{"x": "None"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := tt.rule.Compile()
			require.NoError(t, err)
			assert.Equal(t, tt.want, f(tt.rec))
		})
	}
}

func TestRule_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want string
	}{
		{"no column", Rule{Op: OpEq}, "no column"},
		{"unknown op", Rule{Column: "a", Op: "like"}, "unknown rule op"},
		{"in without values", Rule{Column: "a", Op: OpIn}, "needs values"},
		{"gt without value", Rule{Column: "a", Op: OpGt}, "needs a value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rule.Compile()
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := CompileRules([]Rule{{Column: "a", Op: OpNull}, {Column: "b", Op: "nope"}})
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	tbl, err := model.FromRows([]string{"id", "colour", "age"}, [][]string{
		{"1", "Red", "30"},
		{"2", "Blue", "40"},
		{"3", "Red", "50"},
	})
	require.NoError(t, err)
	filters, err := CompileRules([]Rule{
		{Column: "colour", Op: OpEq, Value: "Red"},
		{Column: "age", Op: OpGt, Value: "35"},
	})
	require.NoError(t, err)

	out := Apply(tbl, filters...)
	assert.Equal(t, []string{"3"}, out.Column("id"))
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, 3, Apply(tbl).Len())
}
