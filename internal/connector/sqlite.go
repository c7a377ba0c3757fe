package connector

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/model"
)

// SQLite reads subjects from a table or query and replaces the table on
// write. Written columns are TEXT.
type SQLite struct {
	DB    *sql.DB
	Table string
	Query string // defaults to SELECT * FROM Table

	owned bool
}

// Read runs the query and returns every cell as text. NULL reads as "".
func (s *SQLite) Read(ctx context.Context) (*model.Table, error) {
	query := s.Query
	if query == "" {
		query = "SELECT * FROM " + quoteIdent(s.Table)
	}

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: %s", s.Table)
		}
		return nil, eris.Wrap(err, "sqlite: query subjects")
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: columns")
	}
	t := model.NewTable(cols...)

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		rec := make(model.Record, len(cols))
		for i, c := range cols {
			rec[c] = cellString(vals[i])
		}
		t.Append(rec)
	}
	return t, eris.Wrap(rows.Err(), "sqlite: iterate rows")
}

// Write drops and recreates Table with the columns of t, then inserts every
// row, in one transaction.
func (s *SQLite) Write(ctx context.Context, t *model.Table) error {
	if s.Table == "" {
		return eris.Wrap(model.ErrInvalidConfig, "sqlite: write requires table")
	}
	if len(t.Columns) == 0 {
		return eris.Wrap(model.ErrInvalidConfig, "sqlite: table has no columns")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	table := quoteIdent(s.Table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return eris.Wrapf(err, "sqlite: drop %s", s.Table)
	}

	defs := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = quoteIdent(c) + " TEXT"
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+table+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return eris.Wrapf(err, "sqlite: create %s", s.Table)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" VALUES ("+strings.Join(marks, ", ")+")")
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	args := make([]any, len(t.Columns))
	for i := range t.Rows {
		for j, v := range t.Values(i) {
			if model.IsNull(v) {
				args[j] = nil
			} else {
				args[j] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert row %d", i)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Close closes the database when the connector opened it.
func (s *SQLite) Close() error {
	if s.owned {
		return s.DB.Close()
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
