package transfer

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/metrics"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/shared/sqltext"
)

// ExportOptions control a query result export.
type ExportOptions struct {
	// Compress gzips the artifact.
	Compress bool
	// Table names the target table in SQL format INSERT statements.
	// Required for SQL exports, ignored otherwise.
	Table string
	// Delimiter is the CSV field separator; comma when zero.
	Delimiter rune
	// NoHeader suppresses the CSV header record.
	NoHeader bool
}

// ExportCSV runs a statement and writes its rows as a CSV artifact,
// returning the artifact path.
func (p *Pipeline) ExportCSV(ctx context.Context, connectionID, statement string, opts ExportOptions) (string, error) {
	return p.export(ctx, connectionID, statement, "csv", opts, func(w io.Writer, columns []string, rows []map[string]any) error {
		cw := csv.NewWriter(w)
		if opts.Delimiter != 0 {
			cw.Comma = opts.Delimiter
		}
		if !opts.NoHeader {
			if err := cw.Write(columns); err != nil {
				return err
			}
		}
		record := make([]string, len(columns))
		for _, row := range rows {
			for i, col := range columns {
				record[i] = renderCSVValue(row[col])
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ExportJSON runs a statement and writes its rows as a JSON array
// artifact, returning the artifact path.
func (p *Pipeline) ExportJSON(ctx context.Context, connectionID, statement string, opts ExportOptions) (string, error) {
	return p.export(ctx, connectionID, statement, "json", opts, func(w io.Writer, columns []string, rows []map[string]any) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []map[string]any{}
		}
		return enc.Encode(rows)
	})
}

// ExportSQL runs a statement and writes its rows as INSERT statements
// against opts.Table, returning the artifact path.
func (p *Pipeline) ExportSQL(ctx context.Context, connectionID, statement string, opts ExportOptions) (string, error) {
	if opts.Table == "" {
		return "", apperrors.NewValidation("SQL export requires a target table name", nil)
	}
	return p.export(ctx, connectionID, statement, "sql", opts, func(w io.Writer, columns []string, rows []map[string]any) error {
		quoted := make([]string, len(columns))
		for i, col := range columns {
			quoted[i] = sqltext.QuoteIdent(col)
		}
		header := fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
			sqltext.QuoteIdent(opts.Table), strings.Join(quoted, ", "))

		for _, row := range rows {
			literals := make([]string, len(columns))
			for i, col := range columns {
				literals[i] = sqltext.QuoteLiteral(row[col])
			}
			if _, err := fmt.Fprintf(w, "%s(%s);\n", header, strings.Join(literals, ", ")); err != nil {
				return err
			}
		}
		return nil
	})
}

type renderFunc func(w io.Writer, columns []string, rows []map[string]any) error

func (p *Pipeline) export(ctx context.Context, connectionID, statement, format string, opts ExportOptions, render renderFunc) (string, error) {
	adapter, err := p.registry.Adapter(connectionID)
	if err != nil {
		return "", err
	}

	result, err := adapter.ExecuteQuery(ctx, statement)
	if err != nil {
		return "", err
	}
	columns := resultColumns(result)

	// uuid suffix keeps artifacts from the same second apart
	name := fmt.Sprintf("%s-%s-%s.%s",
		connectionID, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8], format)
	if opts.Compress {
		name += ".gz"
	}
	if err := os.MkdirAll(p.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(p.exportDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export artifact: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if opts.Compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := render(w, columns, result.Rows); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("render export artifact: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("finalize export artifact: %w", err)
		}
	}

	metrics.AddTransferRows(connectionID, "export", int64(len(result.Rows)), 0)
	p.log.Infof("exported %d rows to %s", len(result.Rows), path)
	return path, nil
}

// resultColumns derives a stable column order from the union of row
// keys, sorted.
func resultColumns(result *adapters.Result) []string {
	seen := make(map[string]struct{})
	for _, row := range result.Rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func renderCSVValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", value)
	}
}
