package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/tordrt/llmquery"
	"github.com/tordrt/llmquery/internal/cache"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/dispatcher"
	"github.com/tordrt/llmquery/internal/formatter"
	"github.com/tordrt/llmquery/internal/schema"
)

// printResult renders res to w. A failed result is returned as its error,
// after the envelope when rendering JSON.
func printResult(w io.Writer, res llmquery.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return res.Err()
	}
	if err := res.Err(); err != nil {
		if res.Query != "" {
			_, _ = fmt.Fprintf(w, "Query: %s\n", res.Query)
		}
		return err
	}

	switch data := res.Data.(type) {
	case *connector.ResultSet:
		if res.Operation == dispatcher.OpQuery {
			_, _ = fmt.Fprintf(w, "Query: %s\n\n", res.Query)
		}
		renderRows(w, data)
	case *schema.Schema:
		return formatter.NewTextFormatter(w).Format(data)
	case *cache.Summary:
		renderSummary(w, data)
	case dispatcher.TableList:
		if !data.Cached {
			_, _ = fmt.Fprintln(w, "No cached schema. Run `llmquery rebuild` or `llmquery schema` first.")
			return nil
		}
		for _, name := range data.Tables {
			_, _ = fmt.Fprintln(w, name)
		}
	default:
		_, _ = fmt.Fprintf(w, "%v\n", data)
	}
	return nil
}

func renderRows(w io.Writer, rs *connector.ResultSet) {
	if len(rs.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return
	}

	cols := rs.Columns
	if len(cols) == 0 {
		cols = rowKeys(rs.Rows)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(cols))
	for i, col := range cols {
		header[i] = col
	}
	t.AppendHeader(header)

	for _, r := range rs.Rows {
		row := make(table.Row, len(cols))
		for i, col := range cols {
			row[i] = formatValue(r[col])
		}
		t.AppendRow(row)
	}

	t.Render()
	if rs.Truncated {
		_, _ = fmt.Fprintf(w, "(%d rows, truncated)\n", len(rs.Rows))
		return
	}
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rs.Rows))
}

// rowKeys collects the union of keys across rows, sorted
func rowKeys(rows []connector.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func renderSummary(w io.Writer, s *cache.Summary) {
	_, _ = fmt.Fprintln(w, s.Message)
	for _, name := range s.TableNames {
		_, _ = fmt.Fprintf(w, "  - %s\n", name)
	}
	if len(s.Warnings) > 0 {
		_, _ = fmt.Fprintln(w, "Warnings:")
		for _, warning := range s.Warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
}
