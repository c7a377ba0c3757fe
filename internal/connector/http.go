package connector

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/fetcher"
	"github.com/shiftgig/petri-dish/internal/model"
)

// HTTP reads a CSV export served over HTTP, such as a published sheet.
type HTTP struct {
	URL     string
	Fetcher fetcher.Fetcher
	Opts    fetcher.CSVOptions
}

// NewHTTP returns an HTTP connector for url.
func NewHTTP(url string, f fetcher.Fetcher) *HTTP {
	return &HTTP{URL: url, Fetcher: f}
}

// Read downloads and parses the export.
func (h *HTTP) Read(ctx context.Context) (*model.Table, error) {
	body, err := h.Fetcher.Download(ctx, h.URL)
	if err != nil {
		return nil, eris.Wrap(err, "connector: http read")
	}
	defer body.Close() //nolint:errcheck

	header, rows, err := fetcher.ReadCSV(ctx, body, h.Opts)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return model.NewTable(), nil
	}
	return model.FromRows(header, rows)
}

// Write always fails with ErrReadOnly.
func (h *HTTP) Write(_ context.Context, _ *model.Table) error {
	return eris.Wrapf(ErrReadOnly, "connector: http %s", h.URL)
}

// Close is a no-op.
func (h *HTTP) Close() error { return nil }
