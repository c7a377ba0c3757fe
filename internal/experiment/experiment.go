// Package experiment runs a staged assignment experiment: it merges new
// subjects from a source with the previous state held in a sink, filters
// them, advances their stages, balances the unassigned ones into groups and
// writes the result back.
package experiment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/assign"
	"github.com/shiftgig/petri-dish/internal/connector"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/store"
)

// Columns the experiment maintains on every subject.
const (
	GroupColumn  = "petri:group"
	StageColumn  = "petri:stage"
	JoinedColumn = "petri:joined"
)

// DefaultIndexColumn identifies subjects when Options.IndexColumn is empty.
const DefaultIndexColumn = "id"

// Sink holds the experiment state between runs.
type Sink interface {
	connector.Source
	connector.Sink
}

// Stage is a named phase a subject stays in until Until has elapsed since
// it joined.
type Stage struct {
	Name  string        `json:"name" yaml:"name"`
	Until time.Duration `json:"until" yaml:"until"`
}

// Options configures an Experiment.
type Options struct {
	Name        string
	Source      connector.Source
	Sink        Sink
	IndexColumn string
	Stages      []Stage
	Filters     []Filter

	// Balancer assigns petri:group. Its treatment column must be GroupColumn.
	Balancer assign.Distributor

	// Store records run history when set.
	Store store.Store

	Now    func() time.Time
	Logger *zap.Logger
}

// Experiment is a configured assignment pipeline.
type Experiment struct {
	name     string
	source   connector.Source
	sink     Sink
	index    string
	stages   []Stage
	filters  []Filter
	balancer assign.Distributor
	store    store.Store
	now      func() time.Time
	log      *zap.Logger
}

// New validates opts and builds an Experiment. Stages are ordered by Until.
func New(opts Options) (*Experiment, error) {
	if len(opts.Stages) == 0 {
		return nil, eris.Wrap(model.ErrInvalidConfig, "experiment: at least one stage is required")
	}
	if opts.Source == nil || opts.Sink == nil {
		return nil, eris.Wrap(model.ErrInvalidConfig, "experiment: source and sink are required")
	}
	if opts.Balancer == nil {
		return nil, eris.Wrap(model.ErrInvalidConfig, "experiment: balancer is required")
	}

	stages := make([]Stage, len(opts.Stages))
	copy(stages, opts.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Until < stages[j].Until })
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: stage %d has no name", i)
		}
		if seen[s.Name] {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Until <= 0 {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: stage %q must last longer than zero", s.Name)
		}
		if i > 0 && s.Until == stages[i-1].Until {
			return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: stages %q and %q end at the same time", stages[i-1].Name, s.Name)
		}
	}

	e := &Experiment{
		name:     opts.Name,
		source:   opts.Source,
		sink:     opts.Sink,
		index:    opts.IndexColumn,
		stages:   stages,
		filters:  opts.Filters,
		balancer: opts.Balancer,
		store:    opts.Store,
		now:      opts.Now,
		log:      opts.Logger,
	}
	if e.index == "" {
		e.index = DefaultIndexColumn
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = zap.L()
	}
	e.log = e.log.With(zap.String("experiment", e.name))
	return e, nil
}

// Stages returns the stages in order.
func (e *Experiment) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// GetAllSubjects merges the source with the sink's previous state. Every
// source row is kept in source order; its group, stage and joined time come
// from the sink when the sink holds the same index. Subjects seen for the
// first time join now.
func (e *Experiment) GetAllSubjects(ctx context.Context) (*model.Table, error) {
	fresh, err := e.source.Read(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "experiment: read source")
	}
	previous, err := e.sink.Read(ctx)
	if errors.Is(err, connector.ErrNotFound) {
		previous = model.NewTable()
	} else if err != nil {
		return nil, eris.Wrap(err, "experiment: read sink")
	}
	if previous.Len() > 0 && !previous.HasColumn(e.index) {
		return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: sink has no index column %q", e.index)
	}
	if fresh.Len() > 0 && !fresh.HasColumn(e.index) {
		return nil, eris.Wrapf(model.ErrInvalidConfig, "experiment: source has no index column %q", e.index)
	}

	state := make(map[string]model.Record, previous.Len())
	for _, r := range previous.Rows {
		key := strings.TrimSpace(r[e.index])
		if model.IsNull(key) {
			continue
		}
		if _, dup := state[key]; dup {
			continue
		}
		state[key] = r
	}

	out := model.NewTable(fresh.Columns...)
	if !out.HasColumn(e.index) {
		out.AddColumn(e.index)
	}
	for _, c := range []string{GroupColumn, StageColumn, JoinedColumn} {
		out.AddColumn(c)
	}

	joined := e.now().UTC().Format(time.RFC3339)
	seen := make(map[string]bool, fresh.Len())
	for i, r := range fresh.Rows {
		key := strings.TrimSpace(r[e.index])
		if model.IsNull(key) {
			return nil, eris.Errorf("experiment: source row %d has no %q", i, e.index)
		}
		if seen[key] {
			e.log.Warn("experiment: duplicate subject in source, keeping first", zap.String("index", key))
			continue
		}
		seen[key] = true

		rec := r.Clone()
		if prev, ok := state[key]; ok {
			for _, c := range []string{GroupColumn, StageColumn, JoinedColumn} {
				if !model.IsNull(prev[c]) {
					rec[c] = prev[c]
				}
			}
		}
		if model.IsNull(rec[JoinedColumn]) {
			rec[JoinedColumn] = joined
		}
		out.Append(rec)
	}
	return out, nil
}

// StageFor returns the stage a subject who joined at joined is in at now.
// A subject past the final stage has finished and gets "".
func (e *Experiment) StageFor(joined, now time.Time) string {
	elapsed := now.Sub(joined)
	for _, s := range e.stages {
		if elapsed <= s.Until {
			return s.Name
		}
	}
	return ""
}

// UpdateStages sets petri:stage on every row from its joined time.
func (e *Experiment) UpdateStages(subjects *model.Table, now time.Time) error {
	for i, r := range subjects.Rows {
		joined, err := ParseTime(r[JoinedColumn])
		if err != nil {
			return eris.Wrapf(err, "experiment: row %d (%s=%s)", i, e.index, r[e.index])
		}
		subjects.Set(i, StageColumn, e.StageFor(joined, now))
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a joined timestamp. Values without a zone are UTC.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("experiment: cannot parse time %q", v)
}
