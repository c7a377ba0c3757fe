package connector

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// Column types understood by CastTypes.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeTime   = "time"
)

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// CastTypes returns a copy of t whose typed columns are checked and written
// in canonical form: ints without a fraction, floats in shortest form, bools
// as true/false, times as RFC 3339 UTC. Null cells stay null.
func CastTypes(t *model.Table, types map[string]string) (*model.Table, error) {
	cols := make([]string, 0, len(types))
	for c := range types {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	if missing := t.MissingColumns(cols...); len(missing) > 0 {
		return nil, eris.Wrapf(model.ErrInvalidConfig, "connector: typed columns missing: %s", strings.Join(missing, ", "))
	}

	out := t.Clone()
	for _, col := range cols {
		kind := strings.ToLower(types[col])
		for i, r := range out.Rows {
			v := r[col]
			if model.IsNull(v) {
				r[col] = ""
				continue
			}
			cast, err := castValue(kind, strings.TrimSpace(v))
			if err != nil {
				return nil, eris.Wrapf(err, "connector: column %q row %d", col, i)
			}
			r[col] = cast
		}
	}
	return out, nil
}

// maxExactInt is the largest magnitude below which every integer has an
// exact float64 representation.
const maxExactInt = 1 << 53

func castValue(kind, v string) (string, error) {
	switch kind {
	case TypeString:
		return model.Normalize(v), nil
	case TypeInt:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		// Spreadsheets hand back whole numbers as "3.0"; accept them only
		// while the float is exact.
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.Abs(f) > maxExactInt || f != math.Trunc(f) {
			return "", eris.Errorf("cannot cast %q to int", v)
		}
		return strconv.FormatInt(int64(f), 10), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", eris.Errorf("cannot cast %q to float", v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return "", eris.Errorf("cannot cast %q to bool", v)
		}
		return strconv.FormatBool(b), nil
	case TypeTime:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC().Format(time.RFC3339), nil
			}
		}
		return "", eris.Errorf("cannot cast %q to time", v)
	default:
		return "", eris.Wrapf(model.ErrInvalidConfig, "unknown column type %q", kind)
	}
}

// Typed applies CastTypes to every table the wrapped connector reads.
type Typed struct {
	Connector
	Types map[string]string
}

// Read reads from the wrapped connector and casts the typed columns.
func (t *Typed) Read(ctx context.Context) (*model.Table, error) {
	tbl, err := t.Connector.Read(ctx)
	if err != nil {
		return nil, err
	}
	return CastTypes(tbl, t.Types)
}
