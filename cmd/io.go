package main

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/shiftgig/petri-dish/internal/connector"
	"github.com/shiftgig/petri-dish/internal/fetcher"
	"github.com/shiftgig/petri-dish/internal/model"
	"github.com/shiftgig/petri-dish/internal/store"
)

// Output formats.
const (
	formatCSV  = "csv"
	formatJSON = "json"
	formatYAML = "yaml"
)

// connectorFor returns a file connector config for path, picking the driver
// from its extension. An empty path returns fallback unchanged.
func connectorFor(path string, fallback connector.Config) connector.Config {
	if path == "" {
		return fallback
	}
	c := connector.Config{Path: path, DataTypes: fallback.DataTypes}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		c.Driver = connector.DriverXLSX
		c.Sheet = fallback.Sheet
	case ".db", ".sqlite", ".sqlite3":
		c.Driver = connector.DriverSQLite
		c.Table = fallback.Table
	default:
		c.Driver = connector.DriverCSV
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		c = connector.Config{Driver: connector.DriverHTTP, URL: path, DataTypes: fallback.DataTypes}
	}
	return c
}

func openConnector(ctx context.Context, c connector.Config) (connector.Connector, error) {
	return connector.Open(ctx, c, cfg.Retry.Resilience())
}

// readTable opens c, reads it and closes it.
func readTable(ctx context.Context, c connector.Config) (*model.Table, error) {
	conn, err := openConnector(ctx, c)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck
	return conn.Read(ctx)
}

// writeTableTo opens c, writes t and closes it.
func writeTableTo(ctx context.Context, c connector.Config, t *model.Table) error {
	conn, err := openConnector(ctx, c)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck
	return conn.Write(ctx, t)
}

// writeTable renders t to w. YAML output keeps column order.
func writeTable(w io.Writer, format string, t *model.Table) error {
	switch format {
	case formatCSV, "":
		rows := make([][]string, t.Len())
		for i := range t.Rows {
			rows[i] = t.Values(i)
		}
		return fetcher.WriteCSV(w, t.Columns, rows)
	case formatJSON:
		return encode(w, format, t)
	case formatYAML:
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for i := range t.Rows {
			m := &yaml.Node{Kind: yaml.MappingNode}
			for j, v := range t.Values(i) {
				m.Content = append(m.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: t.Columns[j]},
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v},
				)
			}
			seq.Content = append(seq.Content, m)
		}
		return encode(w, format, seq)
	default:
		return eris.Errorf("unknown format %q", format)
	}
}

// encode writes v as indented JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case formatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	default:
		return eris.Errorf("unknown format %q", format)
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store, cfg.Retry.Resilience())
}
