// Package fetcher reads and writes the raw rows behind subject tables: CSV
// streams, XLSX workbooks, and CSV exports served over HTTP.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
