package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// copier is implemented by both Pool and pgx.Tx.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// CopyFrom bulk-inserts rows into a possibly schema-qualified table using
// the PostgreSQL COPY protocol.
func CopyFrom(ctx context.Context, c copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := c.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}

	return n, nil
}

// ReplaceAll deletes every row of table and copies rows in, in one
// transaction.
func ReplaceAll(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM "+QuoteTable(table)); err != nil {
		return 0, eris.Wrapf(err, "db: replace: clear %s", table)
	}

	n, err := CopyFrom(ctx, tx, table, columns, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	return n, nil
}

// EnsureTextColumns adds any of columns missing from table as nullable text.
func EnsureTextColumns(ctx context.Context, pool Pool, table string, columns []string) error {
	for _, col := range columns {
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s text",
			QuoteTable(table), pgx.Identifier{col}.Sanitize())
		if _, err := pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "db: add column %s to %s", col, table)
		}
	}
	return nil
}

func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}
