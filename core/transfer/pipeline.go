// Package transfer moves bulk data in and out of connections: streaming
// CSV and JSON imports batched through parameterized inserts, and query
// result exports to CSV, JSON and SQL artifacts.
package transfer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dbridge-io/dbridge/core/logger"
	"github.com/dbridge-io/dbridge/core/metrics"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// DefaultBatchSize is the number of rows flushed per insert when the
// caller does not choose one.
const DefaultBatchSize = 500

// ImportOptions control a bulk import.
type ImportOptions struct {
	// ColumnMapping renames source columns to target columns. Unmapped
	// columns keep their source name.
	ColumnMapping map[string]string
	// BatchSize is rows per insert; DefaultBatchSize when zero.
	BatchSize int
	// SkipErrors records failing rows and continues instead of aborting
	// on the first failure.
	SkipErrors bool
	// Delimiter is the CSV field separator; comma when zero.
	Delimiter rune
	// NoHeader marks CSV input without a header record; Columns must
	// then name the target columns in field order.
	NoHeader bool
	Columns  []string
}

// RowError names one failing source row. Row numbers are 1-indexed and
// exclude the CSV header.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Result summarizes a bulk import.
type Result struct {
	RowsProcessed int64         `json:"rowsProcessed"`
	RowsImported  int64         `json:"rowsImported"`
	Errors        []RowError    `json:"errors,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Pipeline executes bulk imports and exports against registered
// connections.
type Pipeline struct {
	registry  *registry.Registry
	exportDir string
	batchSize int
	log       *logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBatchSize sets the batch size used by imports that do not choose
// their own.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// New creates a transfer pipeline writing export artifacts under
// exportDir.
func New(reg *registry.Registry, exportDir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:  reg,
		exportDir: exportDir,
		batchSize: DefaultBatchSize,
		log:       logger.New("transfer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// batch accumulates rows until flushed through one parameterized insert.
type batch struct {
	columns  []string
	rows     [][]any
	firstRow int // 1-indexed source row of rows[0]
}

// ImportCSV streams CSV from r into a table. The first record is the
// header; remaining records become rows, flushed in batches.
func (p *Pipeline) ImportCSV(ctx context.Context, connectionID, table string, r io.Reader, opts ImportOptions) (*Result, error) {
	adapter, err := p.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = p.batchSize
	}

	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}

	var columns []string
	if opts.NoHeader {
		if len(opts.Columns) == 0 {
			return nil, apperrors.NewValidation("headerless CSV import requires explicit columns", nil)
		}
		columns = opts.Columns
	} else {
		header, err := reader.Read()
		if err == io.EOF {
			return nil, apperrors.NewValidation("CSV input is empty", nil)
		}
		if err != nil {
			return nil, apperrors.NewValidation("reading CSV header", err)
		}
		columns = make([]string, len(header))
		for i, h := range header {
			columns[i] = mapColumn(h, opts.ColumnMapping)
		}
	}

	start := time.Now()
	result := &Result{}
	b := &batch{columns: columns, firstRow: 1}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		result.RowsProcessed++
		rowNum := int(result.RowsProcessed)

		if err != nil {
			if !opts.SkipErrors {
				return nil, apperrors.NewValidation(fmt.Sprintf("CSV row %d is malformed", rowNum), err)
			}
			result.Errors = append(result.Errors, RowError{Row: rowNum, Err: err.Error()})
			continue
		}

		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
		}
		if fatal := p.push(ctx, adapter.InsertRows, table, b, row, rowNum, opts, result); fatal != nil {
			return nil, fatal
		}
	}

	if fatal := p.flush(ctx, adapter.InsertRows, table, b, opts, result); fatal != nil {
		return nil, fatal
	}

	result.Duration = time.Since(start)
	p.finish(connectionID, table, result)
	return result, partialErr(result)
}

// ImportJSON streams a JSON array of objects from r into a table. Column
// order comes from the sorted keys of the first object.
func (p *Pipeline) ImportJSON(ctx context.Context, connectionID, table string, r io.Reader, opts ImportOptions) (*Result, error) {
	adapter, err := p.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = p.batchSize
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	if tok, err := dec.Token(); err != nil || tok != json.Delim('[') {
		return nil, apperrors.NewValidation("JSON input must be an array of objects", err)
	}

	start := time.Now()
	result := &Result{}
	var b *batch

	for dec.More() {
		result.RowsProcessed++
		rowNum := int(result.RowsProcessed)

		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if !opts.SkipErrors {
				return nil, apperrors.NewValidation(fmt.Sprintf("JSON element %d is malformed", rowNum), err)
			}
			result.Errors = append(result.Errors, RowError{Row: rowNum, Err: err.Error()})
			continue
		}

		if b == nil {
			b = &batch{columns: objectColumns(obj, opts.ColumnMapping), firstRow: rowNum}
		}

		row := make([]any, len(b.columns))
		for i, col := range b.columns {
			row[i] = normalizeJSONValue(obj[sourceColumn(col, opts.ColumnMapping)])
		}
		if fatal := p.push(ctx, adapter.InsertRows, table, b, row, rowNum, opts, result); fatal != nil {
			return nil, fatal
		}
	}

	if b != nil {
		if fatal := p.flush(ctx, adapter.InsertRows, table, b, opts, result); fatal != nil {
			return nil, fatal
		}
	}

	result.Duration = time.Since(start)
	p.finish(connectionID, table, result)
	return result, partialErr(result)
}

// partialErr summarizes collected row failures; nil when every row
// landed.
func partialErr(result *Result) error {
	if len(result.Errors) == 0 {
		return nil
	}
	return apperrors.NewPartialFailure("import", len(result.Errors), int(result.RowsProcessed))
}

type insertFunc func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

// push queues one row, flushing when the batch fills.
func (p *Pipeline) push(ctx context.Context, insert insertFunc, table string, b *batch, row []any, rowNum int, opts ImportOptions, result *Result) error {
	if len(b.rows) == 0 {
		b.firstRow = rowNum
	}
	b.rows = append(b.rows, row)
	if len(b.rows) >= opts.BatchSize {
		return p.flush(ctx, insert, table, b, opts, result)
	}
	return nil
}

// flush writes the queued batch. On failure with SkipErrors the rows are
// retried one at a time to isolate the failing ones; without it the
// import aborts.
func (p *Pipeline) flush(ctx context.Context, insert insertFunc, table string, b *batch, opts ImportOptions, result *Result) error {
	if len(b.rows) == 0 {
		return nil
	}
	rows, firstRow := b.rows, b.firstRow
	b.rows = nil

	n, err := insert(ctx, table, b.columns, rows)
	if err == nil {
		result.RowsImported += n
		return nil
	}
	if !opts.SkipErrors {
		return apperrors.NewExecution(fmt.Sprintf("inserting rows %d-%d into %s", firstRow, firstRow+len(rows)-1, table), err)
	}

	for i, row := range rows {
		if _, rowErr := insert(ctx, table, b.columns, [][]any{row}); rowErr != nil {
			result.Errors = append(result.Errors, RowError{Row: firstRow + i, Err: rowErr.Error()})
			continue
		}
		result.RowsImported++
	}
	return nil
}

func (p *Pipeline) finish(connectionID, table string, result *Result) {
	metrics.AddTransferRows(connectionID, "import", result.RowsImported, int64(len(result.Errors)))
	p.log.Infof("import into %s: %d/%d rows in %s (%d errors)",
		table, result.RowsImported, result.RowsProcessed, result.Duration, len(result.Errors))
}

func mapColumn(name string, mapping map[string]string) string {
	if mapped, ok := mapping[name]; ok {
		return mapped
	}
	return name
}

// sourceColumn inverts the mapping so mapped target columns can be read
// back out of source objects.
func sourceColumn(target string, mapping map[string]string) string {
	for src, dst := range mapping {
		if dst == target {
			return src
		}
	}
	return target
}

func objectColumns(obj map[string]any, mapping map[string]string) []string {
	cols := make([]string, 0, len(obj))
	for k := range obj {
		cols = append(cols, mapColumn(k, mapping))
	}
	sort.Strings(cols)
	return cols
}

// normalizeJSONValue turns json.Number into int64 where exact, float64
// otherwise, so drivers see real numerics instead of strings.
func normalizeJSONValue(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}
