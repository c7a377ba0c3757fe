package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shiftgig/petri-dish/internal/db"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/resilience"
)

const undefinedTable = "42P01"

// Postgres reads subjects with a query and upserts assignments back into a
// table keyed on the index column. Written columns are created as text when
// missing.
type Postgres struct {
	Pool  db.Pool
	Table string
	Query string // defaults to SELECT * FROM Table
	Args  []any
	Index string
	Retry resilience.RetryConfig

	owned bool
}

// Read runs the query and returns every cell as text. NULL reads as "".
func (p *Postgres) Read(ctx context.Context) (*model.Table, error) {
	query := p.Query
	if query == "" {
		query = "SELECT * FROM " + db.QuoteTable(p.Table)
	}

	retry := p.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("postgres", "read")
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.Table, error) {
		rows, err := p.Pool.Query(ctx, query, p.Args...)
		if isUndefinedTable(err) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: %s", p.Table)
		}
		if err != nil {
			return nil, eris.Wrap(err, "postgres: query subjects")
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		cols := make([]string, len(fields))
		for i, fd := range fields {
			cols[i] = fd.Name
		}
		t := model.NewTable(cols...)

		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return nil, eris.Wrap(err, "postgres: scan row")
			}
			rec := make(model.Record, len(cols))
			for i, c := range cols {
				rec[c] = cellString(vals[i])
			}
			t.Append(rec)
		}
		if err := rows.Err(); err != nil {
			if isUndefinedTable(err) {
				return nil, eris.Wrapf(ErrNotFound, "postgres: %s", p.Table)
			}
			return nil, eris.Wrap(err, "postgres: iterate rows")
		}
		return t, nil
	})
}

// Write upserts every row of t into Table on the index column and deletes
// rows whose index is not in t, so the table mirrors t like the file and
// SQLite sinks do.
func (p *Postgres) Write(ctx context.Context, t *model.Table) error {
	if p.Table == "" || p.Index == "" {
		return eris.Wrap(model.ErrInvalidConfig, "postgres: write requires table and index")
	}
	if !t.HasColumn(p.Index) {
		return eris.Wrapf(model.ErrInvalidConfig, "postgres: index column %q not in table", p.Index)
	}

	if err := db.EnsureTextColumns(ctx, p.Pool, p.Table, t.Columns); err != nil {
		return err
	}

	rows := make([][]any, t.Len())
	for i := range t.Rows {
		vals := t.Values(i)
		row := make([]any, len(vals))
		for j, v := range vals {
			if model.IsNull(v) {
				continue
			}
			row[j] = v
		}
		rows[i] = row
	}

	n, err := db.BulkUpsert(ctx, p.Pool, db.UpsertConfig{
		Table:        p.Table,
		Columns:      t.Columns,
		ConflictKeys: []string{p.Index},
		Prune:        true,
	}, rows)
	if err != nil {
		return err
	}
	zap.L().Debug("postgres: subjects written", zap.String("table", p.Table), zap.Int64("rows", n))
	return nil
}

// Close closes the pool when the connector opened it.
func (p *Postgres) Close() error {
	if p.owned {
		p.Pool.Close()
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return ""
		}
		return strconv.FormatFloat(f.Float64, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

