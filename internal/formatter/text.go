// Package formatter renders a schema as compact text or markdown, either to a
// single writer or as one file per table.
package formatter

import (
	"fmt"
	"io"
	"strings"

	"github.com/tordrt/llmquery/internal/schema"
)

// Formatter writes a schema somewhere
type Formatter interface {
	Format(s *schema.Schema) error
}

// TextFormatter formats schema as compact text
type TextFormatter struct {
	writer io.Writer
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{writer: w}
}

// Format writes the schema in compact text format
func (f *TextFormatter) Format(s *schema.Schema) error {
	for i, name := range s.TableNames() {
		if i > 0 {
			_, _ = fmt.Fprintln(f.writer) // Blank line between tables
		}
		f.FormatTable(s.Tables[name])
	}
	return nil
}

// FormatTable writes a single table
func (f *TextFormatter) FormatTable(table schema.Table) {
	header := fmt.Sprintf("%s %s", kindLabel(table), table.Name)
	if pk := table.PrimaryKey(); len(pk) > 0 {
		header += fmt.Sprintf(" (PK: %s)", strings.Join(pk, ", "))
	}
	if table.RowEstimate != nil {
		header += fmt.Sprintf(" ~%d rows", *table.RowEstimate)
	}
	_, _ = fmt.Fprintln(f.writer, header)

	for _, name := range table.ColumnNames() {
		_, _ = fmt.Fprintf(f.writer, "  %s\n", formatTextColumn(table.Columns[name]))
	}

	if fks := table.ForeignKeys(); len(fks) > 0 {
		_, _ = fmt.Fprintln(f.writer)
		_, _ = fmt.Fprintln(f.writer, "  RELATIONS:")
		for _, col := range fks {
			_, _ = fmt.Fprintf(f.writer, "    %s → %s\n", col.Name, col.References)
		}
	}
}

func formatTextColumn(col schema.Column) string {
	parts := []string{col.Name + ":", typeLabel(col)}

	if !col.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if col.Comment != "" {
		parts = append(parts, "-- "+col.Comment)
	}

	return strings.Join(parts, " ")
}

// typeLabel prefers the native type and adds the normalized one when they differ
func typeLabel(col schema.Column) string {
	switch {
	case col.NativeType == "":
		return string(col.Type)
	case strings.EqualFold(col.NativeType, string(col.Type)):
		return col.NativeType
	default:
		return fmt.Sprintf("%s [%s]", col.NativeType, col.Type)
	}
}

func kindLabel(table schema.Table) string {
	if table.Kind == "" {
		return "TABLE"
	}
	return strings.ToUpper(table.Kind)
}
