// Package sqltext holds the small amount of SQL text handling the gateway
// does itself: splitting scripts into discrete statements and rendering
// literals for dump artifacts.
package sqltext

import (
	"fmt"
	"strings"
	"time"
)

// SplitStatements splits a script on semicolons, respecting single and
// double quoted regions and line comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		statements []string
		sb         strings.Builder
		inSingle   bool
		inDouble   bool
		inComment  bool
	)

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if inComment {
			sb.WriteRune(c)
			if c == '\n' {
				inComment = false
			}
			continue
		}

		switch {
		case c == '\'' && !inDouble:
			// Doubled quotes inside a literal stay inside it
			if inSingle && i+1 < len(runes) && runes[i+1] == '\'' {
				sb.WriteRune(c)
				sb.WriteRune(runes[i+1])
				i++
				continue
			}
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '-' && !inSingle && !inDouble:
			if i+1 < len(runes) && runes[i+1] == '-' {
				inComment = true
			}
		case c == ';' && !inSingle && !inDouble:
			if stmt := strings.TrimSpace(sb.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			sb.Reset()
			continue
		}

		sb.WriteRune(c)
	}

	if stmt := strings.TrimSpace(sb.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// QuoteLiteral renders a value as a SQL literal for dump artifacts. The
// data paths (restore, bulk import) stay parameterized; this is only for
// writing INSERT statements into backup files.
func QuoteLiteral(v any) string {
	switch value := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", value)
	case float32, float64:
		return fmt.Sprintf("%v", value)
	case time.Time:
		return "'" + value.UTC().Format("2006-01-02 15:04:05.999999") + "'"
	case []byte:
		return quoteString(string(value))
	case string:
		return quoteString(value)
	default:
		return quoteString(fmt.Sprintf("%v", value))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent renders a double-quoted identifier for dump artifacts.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
