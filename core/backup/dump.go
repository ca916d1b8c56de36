package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/shared/sqltext"
)

// tableDump is one table's slice of a JSON format artifact.
type tableDump struct {
	Schema *adapters.TableSchema `json:"schema,omitempty"`
	Rows   []map[string]any      `json:"rows,omitempty"`
}

// tableFetcher is implemented by adapters whose generic statement path
// cannot stream a whole table (mongodb's find command returns only the
// cursor's first batch). Dumps prefer it so large tables are not
// truncated.
type tableFetcher interface {
	FetchTableRows(ctx context.Context, table string) ([]map[string]any, error)
}

// fetchRows reads every row of a table, via the adapter's full-scan
// path when it has one, otherwise in the statement dialect the backend
// understands.
func fetchRows(ctx context.Context, adapter adapters.Adapter, table string) ([]map[string]any, error) {
	if tf, ok := adapter.(tableFetcher); ok {
		return tf.FetchTableRows(ctx, table)
	}

	var statement string
	switch adapter.Kind() {
	case adapters.KindMySQL:
		statement = "SELECT * FROM `" + strings.ReplaceAll(table, "`", "``") + "`"
	default:
		statement = "SELECT * FROM " + sqltext.QuoteIdent(table)
	}
	result, err := adapter.ExecuteQuery(ctx, statement)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// sqlDump renders a connection's tables as a SQL script: CREATE TABLE
// statements built from the reported schema, then one INSERT per row.
func sqlDump(ctx context.Context, adapter adapters.Adapter, schemaOnly, dataOnly bool) ([]byte, error) {
	tables, err := adapter.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, table := range tables {
		schema, err := adapter.TableSchema(ctx, table)
		if err != nil {
			return nil, err
		}

		if !dataOnly {
			writeCreateTable(&sb, schema)
		}
		if schemaOnly {
			continue
		}

		rows, err := fetchRows(ctx, adapter, table)
		if err != nil {
			return nil, err
		}
		writeInserts(&sb, schema, rows)
	}
	return []byte(sb.String()), nil
}

func writeCreateTable(sb *strings.Builder, schema *adapters.TableSchema) {
	fmt.Fprintf(sb, "CREATE TABLE IF NOT EXISTS %s (\n", sqltext.QuoteIdent(schema.Table))
	for i, col := range schema.Columns {
		fmt.Fprintf(sb, "  %s %s", sqltext.QuoteIdent(col.Name), col.Type)
		if !col.Nullable {
			sb.WriteString(" NOT NULL")
		}
		if i < len(schema.Columns)-1 || len(schema.PrimaryKey) > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	if len(schema.PrimaryKey) > 0 {
		quoted := make([]string, len(schema.PrimaryKey))
		for i, pk := range schema.PrimaryKey {
			quoted[i] = sqltext.QuoteIdent(pk)
		}
		fmt.Fprintf(sb, "  PRIMARY KEY (%s)\n", strings.Join(quoted, ", "))
	}
	sb.WriteString(");\n\n")
}

func writeInserts(sb *strings.Builder, schema *adapters.TableSchema, rows []map[string]any) {
	if len(rows) == 0 {
		return
	}

	columns := make([]string, len(schema.Columns))
	quoted := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		columns[i] = col.Name
		quoted[i] = sqltext.QuoteIdent(col.Name)
	}
	header := fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		sqltext.QuoteIdent(schema.Table), strings.Join(quoted, ", "))

	for _, row := range rows {
		literals := make([]string, len(columns))
		for i, col := range columns {
			literals[i] = sqltext.QuoteLiteral(row[col])
		}
		fmt.Fprintf(sb, "%s(%s);\n", header, strings.Join(literals, ", "))
	}
	sb.WriteString("\n")
}

// jsonDump renders a connection's tables as a table -> {schema, rows}
// document. Works for any backend that can list tables.
func jsonDump(ctx context.Context, adapter adapters.Adapter, schemaOnly, dataOnly bool) ([]byte, error) {
	tables, err := adapter.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	dump := make(map[string]*tableDump, len(tables))
	for _, table := range tables {
		td := &tableDump{}
		if !dataOnly {
			schema, err := adapter.TableSchema(ctx, table)
			if err != nil {
				return nil, err
			}
			td.Schema = schema
		}
		if !schemaOnly {
			rows, err := fetchRows(ctx, adapter, table)
			if err != nil {
				return nil, err
			}
			td.Rows = rows
		}
		dump[table] = td
	}

	return json.MarshalIndent(dump, "", "  ")
}
