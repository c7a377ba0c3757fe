package experiment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/connector"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/store"
)

const day = 24 * time.Hour

var frozen = time.Date(2017, 10, 17, 17, 21, 0, 0, time.UTC)

func fixedNow() time.Time { return frozen }

func subjectsSource(t *testing.T) *connector.Memory {
	t.Helper()
	tbl, err := model.FromRows(
		[]string{"id", "name", "dob", "colour"},
		[][]string{
			{"1", "Alice", "1997-01-01", "Purple"},
			{"7", "Bob", "1990-01-01", "Red"},
			{"100", "Charlie", "2010-01-01", "Blue"},
			{"18", "Dave", "1985-01-01", "Green"},
		},
	)
	require.NoError(t, err)
	return connector.NewMemory(tbl)
}

func partialSource(t *testing.T) *connector.Memory {
	t.Helper()
	tbl, err := model.FromRows(
		[]string{"id", "name", "dob", "colour"},
		[][]string{
			{"1", "Alice", "1997-01-01", "Purple"},
			{"7", "Bob", "1990-01-01", "Red"},
		},
	)
	require.NoError(t, err)
	return connector.NewMemory(tbl)
}

func groupedSink(t *testing.T) *connector.Memory {
	t.Helper()
	tbl, err := model.FromRows(
		[]string{"id", "name", "dob", "colour", GroupColumn, StageColumn, JoinedColumn},
		[][]string{
			{"1", "Alice (old)", "1997-01-01", "Purple", "A", "stage1", "2017-09-30T12:30:00Z"},
			{"7", "Bob", "1990-01-01", "Red", "B", "stage3", "2017-10-01T00:00:00Z"},
		},
	)
	require.NoError(t, err)
	return connector.NewMemory(tbl)
}

func threeStages() []Stage {
	return []Stage{
		{Name: "stage3", Until: 28 * day},
		{Name: "stage1", Until: 7 * day},
		{Name: "stage2", Until: 14 * day},
	}
}

type stubBalancer struct {
	err error
}

func (s stubBalancer) Assign(_ context.Context, subjects *model.Table) (*assign.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &assign.Result{Table: subjects.Clone(), Score: 1}, nil
}

func newExperiment(t *testing.T, opts Options) *Experiment {
	t.Helper()
	if opts.Stages == nil {
		opts.Stages = threeStages()
	}
	if opts.Balancer == nil {
		opts.Balancer = stubBalancer{}
	}
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestNew_RequiresStage(t *testing.T) {
	_, err := New(Options{
		Source:   connector.NewMemory(nil),
		Sink:     connector.NewMemory(nil),
		Balancer: stubBalancer{},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "at least one stage")
}

func TestNew_InvalidStages(t *testing.T) {
	base := Options{Source: connector.NewMemory(nil), Sink: connector.NewMemory(nil), Balancer: stubBalancer{}}
	tests := []struct {
		name   string
		stages []Stage
		want   string
	}{
		{"unnamed", []Stage{{Until: day}}, "no name"},
		{"duplicate", []Stage{{Name: "a", Until: day}, {Name: "a", Until: 2 * day}}, "duplicate"},
		{"zero", []Stage{{Name: "a"}}, "longer than zero"},
		{"same end", []Stage{{Name: "a", Until: day}, {Name: "b", Until: day}}, "same time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			opts.Stages = tt.stages
			_, err := New(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_SortsStages(t *testing.T) {
	e := newExperiment(t, Options{Source: connector.NewMemory(nil), Sink: connector.NewMemory(nil)})
	var names []string
	for _, s := range e.Stages() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"stage1", "stage2", "stage3"}, names)
}

func TestGetAllSubjects_NewSubjectsOnly(t *testing.T) {
	e := newExperiment(t, Options{Source: subjectsSource(t), Sink: connector.NewMemory(nil)})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "7", "100", "18"}, subjects.Column("id"))
	assert.Equal(t, []string{"Alice", "Bob", "Charlie", "Dave"}, subjects.Column("name"))
	assert.Equal(t, []string{"", "", "", ""}, subjects.Column(GroupColumn))
	assert.Equal(t, []string{"", "", "", ""}, subjects.Column(StageColumn))
	now := frozen.Format(time.RFC3339)
	assert.Equal(t, []string{now, now, now, now}, subjects.Column(JoinedColumn))
	assert.True(t, subjects.HasColumn(GroupColumn))
	assert.True(t, subjects.HasColumn(StageColumn))
	assert.True(t, subjects.HasColumn(JoinedColumn))
}

func TestGetAllSubjects_EmptySink(t *testing.T) {
	e := newExperiment(t, Options{
		Source: subjectsSource(t),
		Sink:   connector.NewMemory(model.NewTable("id", "name", GroupColumn, StageColumn, JoinedColumn)),
	})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, subjects.Len())
	assert.Equal(t, []string{"", "", "", ""}, subjects.Column(GroupColumn))
}

func TestGetAllSubjects_GroupedSubjectsOnly(t *testing.T) {
	e := newExperiment(t, Options{Source: partialSource(t), Sink: groupedSink(t)})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "7"}, subjects.Column("id"))
	// Subject attributes come from the source, experiment state from the sink.
	assert.Equal(t, []string{"Alice", "Bob"}, subjects.Column("name"))
	assert.Equal(t, []string{"A", "B"}, subjects.Column(GroupColumn))
	assert.Equal(t, []string{"stage1", "stage3"}, subjects.Column(StageColumn))
	assert.Equal(t, []string{"2017-09-30T12:30:00Z", "2017-10-01T00:00:00Z"}, subjects.Column(JoinedColumn))
}

func TestGetAllSubjects_MixedSubjects(t *testing.T) {
	e := newExperiment(t, Options{Source: subjectsSource(t), Sink: groupedSink(t)})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)

	now := frozen.Format(time.RFC3339)
	assert.Equal(t, []string{"1", "7", "100", "18"}, subjects.Column("id"))
	assert.Equal(t, []string{"A", "B", "", ""}, subjects.Column(GroupColumn))
	assert.Equal(t, []string{"stage1", "stage3", "", ""}, subjects.Column(StageColumn))
	assert.Equal(t, []string{"2017-09-30T12:30:00Z", "2017-10-01T00:00:00Z", now, now}, subjects.Column(JoinedColumn))
}

func TestGetAllSubjects_DropsSinkOnlySubjects(t *testing.T) {
	src, err := model.FromRows([]string{"id", "colour"}, [][]string{{"7", "Red"}})
	require.NoError(t, err)
	e := newExperiment(t, Options{Source: connector.NewMemory(src), Sink: groupedSink(t)})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, subjects.Column("id"))
	assert.Equal(t, []string{"B"}, subjects.Column(GroupColumn))
}

func TestGetAllSubjects_DuplicateSourceRows(t *testing.T) {
	src, err := model.FromRows([]string{"id", "colour"}, [][]string{{"1", "Red"}, {"1", "Blue"}, {"2", "Red"}})
	require.NoError(t, err)
	e := newExperiment(t, Options{Source: connector.NewMemory(src), Sink: connector.NewMemory(nil)})

	subjects, err := e.GetAllSubjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, subjects.Column("id"))
	assert.Equal(t, []string{"Red", "Red"}, subjects.Column("colour"))
}

func TestGetAllSubjects_Errors(t *testing.T) {
	noIndex, err := model.FromRows([]string{"name"}, [][]string{{"Alice"}})
	require.NoError(t, err)
	nullIndex, err := model.FromRows([]string{"id", "name"}, [][]string{{"", "Alice"}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		source connector.Source
		sink   Sink
		want   string
	}{
		{"source without index", connector.NewMemory(noIndex), connector.NewMemory(nil), "source has no index"},
		{"sink without index", subjectsSource(t), connector.NewMemory(noIndex), "sink has no index"},
		{"null index", connector.NewMemory(nullIndex), connector.NewMemory(nil), "has no \"id\""},
		{"source missing", connector.NewMemory(nil), connector.NewMemory(nil), "read source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExperiment(t, Options{Source: tt.source, Sink: tt.sink})
			_, err := e.GetAllSubjects(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStageFor(t *testing.T) {
	e := newExperiment(t, Options{Source: connector.NewMemory(nil), Sink: connector.NewMemory(nil)})

	tests := []struct {
		joined time.Time
		want   string
	}{
		{frozen, "stage1"},
		{frozen.Add(time.Hour), "stage1"},
		{frozen.Add(-7 * day), "stage1"},
		{frozen.Add(-7*day - time.Second), "stage2"},
		{time.Date(2017, 9, 30, 12, 30, 0, 0, time.UTC), "stage3"},
		{time.Date(2017, 10, 1, 0, 0, 0, 0, time.UTC), "stage3"},
		{frozen.Add(-28 * day), "stage3"},
		{frozen.Add(-28*day - time.Second), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.StageFor(tt.joined, frozen), "joined %s", tt.joined)
	}
}

func TestUpdateStages(t *testing.T) {
	e := newExperiment(t, Options{Source: connector.NewMemory(nil), Sink: connector.NewMemory(nil)})
	tbl, err := model.FromRows([]string{"id", StageColumn, JoinedColumn}, [][]string{
		{"1", "", "2017-10-16T00:00:00Z"},
		{"2", "stage1", "2017-10-01 00:00:00+00:00"},
		{"3", "stage3", "2017-01-01"},
	})
	require.NoError(t, err)

	require.NoError(t, e.UpdateStages(tbl, frozen))
	assert.Equal(t, []string{"stage1", "stage3", ""}, tbl.Column(StageColumn))

	bad, err := model.FromRows([]string{"id", JoinedColumn}, [][]string{{"9", "yesterday"}})
	require.NoError(t, err)
	err = e.UpdateStages(bad, frozen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id=9")
}

func TestParseTime(t *testing.T) {
	want := time.Date(2017, 9, 30, 12, 30, 0, 0, time.UTC)
	for _, v := range []string{
		"2017-09-30T12:30:00Z",
		"2017-09-30T14:30:00+02:00",
		"2017-09-30 12:30:00+00:00",
		"2017-09-30 12:30:00",
		" 2017-09-30T12:30:00 ",
	} {
		got, err := ParseTime(v)
		require.NoError(t, err, v)
		assert.True(t, want.Equal(got), v)
	}

	_, err := ParseTime("")
	assert.Error(t, err)
}

func directedBalancer(t *testing.T) *assign.Directed {
	t.Helper()
	d, err := assign.NewDirected(assign.Config{
		TreatmentColumn:   GroupColumn,
		TreatmentIDs:      []string{"A", "B"},
		BalancingFeatures: []string{"colour"},
		Trials:            20,
		Seed:              42,
		Concurrency:       2,
	})
	require.NoError(t, err)
	return d
}

func TestRun_AssignsAndWritesSink(t *testing.T) {
	sink := groupedSink(t)
	e := newExperiment(t, Options{
		Name:     "onboarding",
		Source:   subjectsSource(t),
		Sink:     sink,
		Balancer: directedBalancer(t),
	})

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "onboarding", sum.Experiment)
	assert.Equal(t, 4, sum.Subjects)
	assert.Equal(t, 0, sum.Filtered)
	assert.Equal(t, 2, sum.Assigned)
	assert.Equal(t, 20, sum.TrialsRun)
	assert.Equal(t, uint64(42), sum.Seed)
	assert.Equal(t, 4, sum.Groups["A"]+sum.Groups["B"])
	assert.Equal(t, map[string]int{"stage1": 2, "stage3": 2}, sum.Stages)

	written, err := sink.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, written.Len())
	groups := written.Column(GroupColumn)
	assert.Equal(t, "A", groups[0])
	assert.Equal(t, "B", groups[1])
	assert.Contains(t, []string{"A", "B"}, groups[2])
	assert.Contains(t, []string{"A", "B"}, groups[3])
	assert.Equal(t, []string{"stage3", "stage3", "stage1", "stage1"}, written.Column(StageColumn))

	// A second pass finds everyone assigned and keeps the groups.
	again, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Assigned)
	rewritten, err := sink.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, groups, rewritten.Column(GroupColumn))
	assert.Equal(t, written.Column(JoinedColumn), rewritten.Column(JoinedColumn))
}

func TestRun_FiltersAreNotWritten(t *testing.T) {
	sink := connector.NewMemory(nil)
	filters, err := CompileRules([]Rule{{Column: "colour", Op: OpNe, Value: "Blue"}})
	require.NoError(t, err)
	e := newExperiment(t, Options{
		Source:   subjectsSource(t),
		Sink:     sink,
		Filters:  filters,
		Balancer: directedBalancer(t),
	})

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Filtered)
	assert.Equal(t, 3, sum.Subjects)
	assert.Equal(t, 3, sum.Assigned)

	written, err := sink.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "7", "18"}, written.Column("id"))
}

func TestRun_NothingLeftAfterFilters(t *testing.T) {
	sink := connector.NewMemory(nil)
	e := newExperiment(t, Options{
		Source:   subjectsSource(t),
		Sink:     sink,
		Filters:  []Filter{func(model.Record) bool { return false }},
		Balancer: stubBalancer{err: eris.New("should not be called")},
	})

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Subjects)
	written, err := sink.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, written.Len())
	assert.True(t, written.HasColumn(GroupColumn))
}

func TestRun_FinishedSubjects(t *testing.T) {
	src, err := model.FromRows([]string{"id", "colour"}, [][]string{{"1", "Red"}})
	require.NoError(t, err)
	sink, err := model.FromRows([]string{"id", GroupColumn, JoinedColumn}, [][]string{{"1", "A", "2017-01-01T00:00:00Z"}})
	require.NoError(t, err)

	e := newExperiment(t, Options{Source: connector.NewMemory(src), Sink: connector.NewMemory(sink)})
	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Finished)
	assert.Empty(t, sum.Stages)
}

func newRunStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestRun_RecordsHistory(t *testing.T) {
	st := newRunStore(t)
	e := newExperiment(t, Options{
		Name:     "onboarding",
		Source:   subjectsSource(t),
		Sink:     connector.NewMemory(nil),
		Balancer: directedBalancer(t),
		Store:    st,
	})

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sum.RunID)

	run, err := st.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusComplete, run.Status)
	assert.Equal(t, "onboarding", run.Experiment)
	assert.Equal(t, 4, run.Subjects)
	assert.Equal(t, 4, run.Assigned)
	assert.Equal(t, 20, run.TrialsRequested)
	assert.Equal(t, uint64(42), run.Seed)
	assert.InDelta(t, sum.Score, run.Score, 1e-12)
}

func TestRun_RecordsFailure(t *testing.T) {
	st := newRunStore(t)
	e := newExperiment(t, Options{
		Name:     "onboarding",
		Source:   subjectsSource(t),
		Sink:     connector.NewMemory(nil),
		Balancer: stubBalancer{err: assign.ErrNotImplemented},
		Store:    st,
	})

	sum, err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, assign.ErrNotImplemented))

	run, err := st.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "balance")
}
