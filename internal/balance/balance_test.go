package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftgig/petri-dish/internal/model"
)

// marketSubjects mirrors the ten-subject market fixture: ids 1, 2, 5 and 7
// are pre-assigned.
func marketSubjects(t *testing.T) *model.Table {
	t.Helper()
	tbl, err := model.FromRows(
		[]string{"id", "market_id", "has_server_skill", "num_app_accessed", "treatment_group"},
		[][]string{
			{"1", "1", "true", "9", "-1"},
			{"2", "1", "true", "1", "0"},
			{"3", "2", "false", "3", ""},
			{"4", "3", "true", "2", ""},
			{"5", "2", "true", "6", "0"},
			{"6", "1", "true", "23", ""},
			{"7", "3", "false", "0", "0"},
			{"8", "2", "false", "3", ""},
			{"9", "1", "true", "9", ""},
			{"10", "2", "false", "2", ""},
		},
	)
	require.NoError(t, err)
	return tbl
}

var treatments = []string{"-1", "0"}

func TestBuild_MarketFixture(t *testing.T) {
	bt, err := Build(marketSubjects(t), []string{"market_id"}, "treatment_group", treatments)
	require.NoError(t, err)

	want := map[[2]string]int{
		{"1", "-1"}: 1,
		{"1", "0"}:  1,
		{"2", "-1"}: 0,
		{"2", "0"}:  1,
		{"3", "-1"}: 0,
		{"3", "0"}:  1,
	}
	require.Len(t, bt.Entries(), len(want))
	for k, n := range want {
		assert.Equal(t, n, bt.Count(NewBlockKey(k[0]), k[1]), "block %s treatment %s", k[0], k[1])
	}
	assert.Equal(t, 4, bt.Total())
}

func TestBuild_EntriesOrdered(t *testing.T) {
	bt, err := Build(marketSubjects(t), []string{"market_id"}, "treatment_group", treatments)
	require.NoError(t, err)

	var got [][]string
	for _, e := range bt.Entries() {
		got = append(got, append(e.Values, e.Treatment))
	}
	assert.Equal(t, [][]string{
		{"1", "-1"}, {"1", "0"},
		{"2", "-1"}, {"2", "0"},
		{"3", "-1"}, {"3", "0"},
	}, got)
}

func TestBuild_CrossProductIncludesUnobservedCombinations(t *testing.T) {
	tbl, err := model.FromRows([]string{"a", "b", "g"}, [][]string{
		{"x", "1", "T"},
		{"y", "2", ""},
	})
	require.NoError(t, err)

	bt, err := Build(tbl, []string{"a", "b"}, "g", []string{"T", "C"})
	require.NoError(t, err)

	assert.Len(t, bt.Blocks(), 4)
	assert.Equal(t, 1, bt.Count(NewBlockKey("x", "1"), "T"))
	assert.Equal(t, 0, bt.Count(NewBlockKey("x", "2"), "C"))
	assert.Equal(t, 0, bt.BlockTotal(NewBlockKey("y", "2")))
}

func TestBuild_CountNulls(t *testing.T) {
	bt, err := Build(marketSubjects(t), []string{"market_id"}, "treatment_group", treatments, WithCountNulls(true))
	require.NoError(t, err)

	assert.Equal(t, 10, bt.Total())
	assert.Equal(t, 2, bt.Count(NewBlockKey("1"), Unassigned))
	assert.Equal(t, 3, bt.Count(NewBlockKey("2"), Unassigned))
	assert.Equal(t, []string{"-1", "0"}, bt.TreatmentIDs())
}

func TestBuild_NoBalancingFeaturesIsOneBlock(t *testing.T) {
	bt, err := Build(marketSubjects(t), nil, "treatment_group", treatments)
	require.NoError(t, err)

	require.Len(t, bt.Blocks(), 1)
	assert.Equal(t, 1, bt.Count(NewBlockKey(), "-1"))
	assert.Equal(t, 3, bt.Count(NewBlockKey(), "0"))
}

func TestBuild_NullSpellingsShareOneBlock(t *testing.T) {
	tbl, err := model.FromRows([]string{"m", "g"}, [][]string{
		{"", "a"},
		{"NA", ""},
		{"nan", ""},
		{"None", ""},
		{"east", ""},
	})
	require.NoError(t, err)

	bt, err := Build(tbl, []string{"m"}, "g", []string{"a", "b"})
	require.NoError(t, err)

	require.Equal(t, []BlockKey{NewBlockKey(model.NullLabel), NewBlockKey("east")}, bt.Blocks())
	null := bt.KeyFor(model.Record{"m": "None"})
	assert.Equal(t, NewBlockKey(model.NullLabel), null)
	assert.Equal(t, []string{model.NullLabel}, null.Values())
	assert.Equal(t, 1, bt.Count(null, "a"))
	assert.Equal(t, []string{"b"}, bt.LeastAssigned(null))
}

func TestBuild_Errors(t *testing.T) {
	subjects := marketSubjects(t)

	_, err := Build(subjects, []string{"region"}, "treatment_group", treatments)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "region")

	_, err = Build(subjects, []string{"market_id"}, "treatment_group", nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = Build(subjects, []string{"market_id"}, "treatment_group", []string{"A", "B"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "not a configured treatment id")
}

func TestResolveTreatment(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"0", "0", true},
		{"0.0", "0", true},
		{" -1 ", "-1", true},
		{"-1.0", "-1", true},
		{"2", "", false},
		{"control", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ResolveTreatment(treatments, tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLeastAssignedAndSpread(t *testing.T) {
	bt, err := Build(marketSubjects(t), []string{"market_id"}, "treatment_group", treatments)
	require.NoError(t, err)

	assert.Equal(t, []string{"-1", "0"}, bt.LeastAssigned(NewBlockKey("1")))
	assert.Equal(t, []string{"-1"}, bt.LeastAssigned(NewBlockKey("2")))
	assert.Equal(t, 1, bt.Spread(NewBlockKey("3")))
	assert.Equal(t, 0, bt.Spread(NewBlockKey("1")))
}

func TestClone_IsIndependent(t *testing.T) {
	bt, err := Build(marketSubjects(t), []string{"market_id"}, "treatment_group", treatments)
	require.NoError(t, err)

	c := bt.Clone()
	c.Increment(NewBlockKey("2"), "-1")

	assert.Equal(t, 0, bt.Count(NewBlockKey("2"), "-1"))
	assert.Equal(t, 1, c.Count(NewBlockKey("2"), "-1"))
	assert.False(t, bt.Equal(c))
	assert.True(t, bt.Equal(bt.Clone()))
}

func TestSortLabels_NumericAware(t *testing.T) {
	labels := []string{"10", "b", "2", "a", "1"}
	sortLabels(labels)
	assert.Equal(t, []string{"1", "2", "10", "a", "b"}, labels)
}
