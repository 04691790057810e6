package formatter

import (
	"fmt"
	"io"
	"strings"

	"github.com/tordrt/llmquery/internal/schema"
)

// MarkdownFormatter formats schema as markdown
type MarkdownFormatter struct {
	writer io.Writer
}

// NewMarkdownFormatter creates a new markdown formatter
func NewMarkdownFormatter(w io.Writer) *MarkdownFormatter {
	return &MarkdownFormatter{writer: w}
}

// Format writes the schema in markdown format
func (f *MarkdownFormatter) Format(s *schema.Schema) error {
	_, _ = fmt.Fprintln(f.writer, "# Database Schema")
	_, _ = fmt.Fprintln(f.writer)
	_, _ = fmt.Fprintf(f.writer, "Source: %s, generated %s\n\n", s.Source, s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	for _, name := range s.TableNames() {
		f.FormatTable(s.Tables[name])
	}

	f.formatWarnings(s.Warnings)
	return nil
}

// FormatTable formats a single table (exported for use by multifile formatter)
func (f *MarkdownFormatter) FormatTable(table schema.Table) {
	_, _ = fmt.Fprintf(f.writer, "## %s\n\n", table.Name)
	if table.Kind != "" && table.Kind != "table" {
		_, _ = fmt.Fprintf(f.writer, "Kind: %s\n\n", table.Kind)
	}
	if table.RowEstimate != nil {
		_, _ = fmt.Fprintf(f.writer, "Estimated rows: %d\n\n", *table.RowEstimate)
	}

	_, _ = fmt.Fprintln(f.writer, "### Columns")
	_, _ = fmt.Fprintln(f.writer)

	for _, name := range table.ColumnNames() {
		col := table.Columns[name]
		constraintStr := formatConstraints(col)
		if constraintStr != "" {
			_, _ = fmt.Fprintf(f.writer, "- **%s:** %s, %s\n", col.Name, typeLabel(col), constraintStr)
		} else {
			_, _ = fmt.Fprintf(f.writer, "- **%s:** %s\n", col.Name, typeLabel(col))
		}
	}
	_, _ = fmt.Fprintln(f.writer)

	if fks := table.ForeignKeys(); len(fks) > 0 {
		_, _ = fmt.Fprintln(f.writer, "### References")
		_, _ = fmt.Fprintln(f.writer)
		for _, col := range fks {
			_, _ = fmt.Fprintf(f.writer, "- %s → %s\n", col.Name, col.References)
		}
		_, _ = fmt.Fprintln(f.writer)
	}
}

func (f *MarkdownFormatter) formatWarnings(warnings []string) {
	if len(warnings) == 0 {
		return
	}
	_, _ = fmt.Fprintln(f.writer, "## Discovery warnings")
	_, _ = fmt.Fprintln(f.writer)
	for _, w := range warnings {
		_, _ = fmt.Fprintf(f.writer, "- %s\n", w)
	}
	_, _ = fmt.Fprintln(f.writer)
}

func formatConstraints(col schema.Column) string {
	var constraints []string

	if col.IsPrimaryKey {
		constraints = append(constraints, "PK")
	}
	if col.IsForeignKey && col.References != nil {
		constraints = append(constraints, "FK")
	}
	if !col.Nullable {
		constraints = append(constraints, "NOT NULL")
	}
	if col.Comment != "" {
		constraints = append(constraints, fmt.Sprintf("_%s_", col.Comment))
	}

	return strings.Join(constraints, ", ")
}
