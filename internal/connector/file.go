package connector

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/fetcher"
	"github.com/shiftgig/petri-dish/internal/model"
)

// CSV reads and writes a CSV file with a header row.
type CSV struct {
	Path string
	Opts fetcher.CSVOptions
}

// NewCSV returns a CSV connector for path.
func NewCSV(path string) *CSV {
	return &CSV{Path: path}
}

// Read parses the file. A missing file is ErrNotFound.
func (c *CSV) Read(ctx context.Context) (*model.Table, error) {
	f, err := os.Open(c.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "csv: %s", c.Path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	header, rows, err := fetcher.ReadCSV(ctx, f, c.Opts)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return model.NewTable(), nil
	}
	return model.FromRows(header, rows)
}

// Write replaces the file with t.
func (c *CSV) Write(_ context.Context, t *model.Table) error {
	f, err := os.Create(c.Path)
	if err != nil {
		return eris.Wrap(err, "csv: create file")
	}
	rows := toRows(t)
	if err := fetcher.WriteCSV(f, rows[0], rows[1:]); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrap(f.Close(), "csv: close file")
}

// Close is a no-op.
func (c *CSV) Close() error { return nil }

// XLSX reads and writes one sheet of a workbook; the first row is the header.
type XLSX struct {
	Path string
	Opts fetcher.XLSXOptions
}

// NewXLSX returns an XLSX connector for path.
func NewXLSX(path string, opts fetcher.XLSXOptions) *XLSX {
	return &XLSX{Path: path, Opts: opts}
}

// Read parses the configured sheet. A missing file is ErrNotFound.
func (x *XLSX) Read(_ context.Context) (*model.Table, error) {
	if _, err := os.Stat(x.Path); errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "xlsx: %s", x.Path)
	}
	rows, err := fetcher.ReadXLSX(x.Path, x.Opts)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Write replaces the workbook with a single sheet holding t. The sheet takes
// the configured name so a later Read finds it.
func (x *XLSX) Write(_ context.Context, t *model.Table) error {
	return fetcher.WriteXLSX(x.Path, x.Opts.SheetName, toRows(t))
}

// Close is a no-op.
func (x *XLSX) Close() error { return nil }
