// Package connector reads subject tables from, and writes assignments back
// to, spreadsheets, CSV files, HTTP exports and SQL databases.
package connector

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shiftgig/petri-dish/internal/db"
	"github.com/shiftgig/petri-dish/internal/fetcher"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/resilience"
)

var (
	// ErrNotFound is returned by Read when the backing file or table does
	// not exist yet. A sink that has never been written reads as not found.
	ErrNotFound = eris.New("connector: data not found")

	// ErrReadOnly is returned by Write on sources that cannot be written.
	ErrReadOnly = eris.New("connector: read-only")
)

// Source reads a subject table.
type Source interface {
	Read(ctx context.Context) (*model.Table, error)
}

// Sink persists a subject table.
type Sink interface {
	Write(ctx context.Context, t *model.Table) error
}

// Connector is a Source and Sink over the same backing store.
type Connector interface {
	Source
	Sink
	io.Closer
}

// Drivers.
const (
	DriverMemory   = "memory"
	DriverCSV      = "csv"
	DriverXLSX     = "xlsx"
	DriverHTTP     = "http"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures a connector.
type Config struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	Path        string            `yaml:"path" mapstructure:"path"`
	Sheet       string            `yaml:"sheet" mapstructure:"sheet"`
	SheetIndex  int               `yaml:"sheet_index" mapstructure:"sheet_index"`
	URL         string            `yaml:"url" mapstructure:"url"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Query       string            `yaml:"query" mapstructure:"query"`
	Table       string            `yaml:"table" mapstructure:"table"`
	Index       string            `yaml:"index" mapstructure:"index"`
	DataTypes   map[string]string `yaml:"data_types" mapstructure:"data_types"`
}

// Open builds the connector described by cfg. Database connectors hold a
// connection until Close.
func Open(ctx context.Context, cfg Config, retry resilience.RetryConfig) (Connector, error) {
	var (
		c   Connector
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case DriverMemory:
		c = NewMemory(nil)
	case DriverCSV:
		if cfg.Path == "" {
			return nil, eris.Wrap(model.ErrInvalidConfig, "connector: csv requires path")
		}
		c = NewCSV(cfg.Path)
	case DriverXLSX:
		if cfg.Path == "" {
			return nil, eris.Wrap(model.ErrInvalidConfig, "connector: xlsx requires path")
		}
		c = NewXLSX(cfg.Path, fetcher.XLSXOptions{SheetName: cfg.Sheet, SheetIndex: cfg.SheetIndex})
	case DriverHTTP:
		if cfg.URL == "" {
			return nil, eris.Wrap(model.ErrInvalidConfig, "connector: http requires url")
		}
		c = NewHTTP(cfg.URL, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Retry: retry}))
	case DriverPostgres:
		c, err = openPostgres(ctx, cfg, retry)
	case DriverSQLite:
		c, err = openSQLite(cfg)
	default:
		return nil, eris.Wrapf(model.ErrInvalidConfig, "connector: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.DataTypes) > 0 {
		c = &Typed{Connector: c, Types: cfg.DataTypes}
	}
	return c, nil
}

func openPostgres(ctx context.Context, cfg Config, retry resilience.RetryConfig) (Connector, error) {
	if cfg.DatabaseURL == "" || (cfg.Table == "" && cfg.Query == "") {
		return nil, eris.Wrap(model.ErrInvalidConfig, "connector: postgres requires database_url and table or query")
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, retry)
	if err != nil {
		return nil, err
	}
	return &Postgres{Pool: pool, Table: cfg.Table, Query: cfg.Query, Index: cfg.Index, Retry: retry, owned: true}, nil
}

func openSQLite(cfg Config) (Connector, error) {
	if cfg.Path == "" || (cfg.Table == "" && cfg.Query == "") {
		return nil, eris.Wrap(model.ErrInvalidConfig, "connector: sqlite requires path and table or query")
	}
	sqlDB, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &SQLite{DB: sqlDB, Table: cfg.Table, Query: cfg.Query, owned: true}, nil
}

// fromRows turns a header row plus data rows into a table.
func fromRows(rows [][]string) (*model.Table, error) {
	if len(rows) == 0 {
		return model.NewTable(), nil
	}
	return model.FromRows(rows[0], rows[1:])
}

// toRows flattens a table into a header row plus data rows.
func toRows(t *model.Table) [][]string {
	out := make([][]string, 0, t.Len()+1)
	out = append(out, append([]string{}, t.Columns...))
	for i := range t.Rows {
		out = append(out, t.Values(i))
	}
	return out
}
