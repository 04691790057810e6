package formatter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tordrt/llmquery/internal/schema"
)

// Output formats
const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// MultiFileFormatter writes schema to multiple files in a directory
type MultiFileFormatter struct {
	OutputDir    string
	OutputFormat string // "text" or "markdown"
}

// NewMultiFileFormatter creates a new multi-file formatter
func NewMultiFileFormatter(outputDir, format string) *MultiFileFormatter {
	return &MultiFileFormatter{
		OutputDir:    outputDir,
		OutputFormat: format,
	}
}

// New returns a single-writer formatter for the named format
func New(format string, w io.Writer) (Formatter, error) {
	switch format {
	case FormatText, "":
		return NewTextFormatter(w), nil
	case FormatMarkdown:
		return NewMarkdownFormatter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q (use %s or %s)", format, FormatText, FormatMarkdown)
	}
}

// Format writes the schema to multiple files
func (f *MultiFileFormatter) Format(s *schema.Schema) error {
	if err := os.MkdirAll(f.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := f.writeOverview(s); err != nil {
		return fmt.Errorf("failed to write overview: %w", err)
	}

	for _, name := range s.TableNames() {
		if err := f.writeTableFile(s.Tables[name], s); err != nil {
			return fmt.Errorf("failed to write table file for %s: %w", name, err)
		}
	}

	return nil
}

// writeOverview writes the overview file
func (f *MultiFileFormatter) writeOverview(s *schema.Schema) error {
	filename := filepath.Join(f.OutputDir, "_overview"+f.getFileExtension())

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if f.OutputFormat == FormatMarkdown {
		f.writeMarkdownOverview(file, s)
	} else {
		f.writeTextOverview(file, s)
	}
	return file.Close()
}

func (f *MultiFileFormatter) writeMarkdownOverview(w io.Writer, s *schema.Schema) {
	_, _ = fmt.Fprintf(w, "# Schema Overview\n\n")
	_, _ = fmt.Fprintf(w, "Source: %s\n\n", s.Source)
	_, _ = fmt.Fprintf(w, "Each table has a corresponding file: `<table_name>%s`\n\n", f.getFileExtension())
	_, _ = fmt.Fprintf(w, "## Tables\n\n")

	for _, name := range s.TableNames() {
		_, _ = fmt.Fprintf(w, "- **%s**", name)
		if targets := referencedTables(s.Tables[name]); len(targets) > 0 {
			_, _ = fmt.Fprintf(w, " (references: %s)", strings.Join(targets, ", "))
		}
		_, _ = fmt.Fprintf(w, "\n")
	}
	_, _ = fmt.Fprintln(w)

	NewMarkdownFormatter(w).formatWarnings(s.Warnings)
}

func (f *MultiFileFormatter) writeTextOverview(w io.Writer, s *schema.Schema) {
	_, _ = fmt.Fprintf(w, "SCHEMA OVERVIEW (%s)\n", s.Source)
	_, _ = fmt.Fprintf(w, "Each table has a file: <table_name>%s\n\n", f.getFileExtension())

	for _, name := range s.TableNames() {
		_, _ = fmt.Fprintf(w, "%s", name)
		if targets := referencedTables(s.Tables[name]); len(targets) > 0 {
			_, _ = fmt.Fprintf(w, " (references: %s)", strings.Join(targets, ","))
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	if len(s.Warnings) > 0 {
		_, _ = fmt.Fprintf(w, "\nWARNINGS:\n")
		for _, warning := range s.Warnings {
			_, _ = fmt.Fprintf(w, "  %s\n", warning)
		}
	}
}

// writeTableFile writes a single table to its own file
func (f *MultiFileFormatter) writeTableFile(table schema.Table, s *schema.Schema) error {
	filename := filepath.Join(f.OutputDir, fileName(table.Name)+f.getFileExtension())

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	incoming := findIncomingRelations(table.Name, s)

	if f.OutputFormat == FormatMarkdown {
		NewMarkdownFormatter(file).FormatTable(table)
		if len(incoming) > 0 {
			_, _ = fmt.Fprintf(file, "### Referenced by\n\n")
			for _, rel := range incoming {
				_, _ = fmt.Fprintf(file, "- %s.%s → %s\n", rel.SourceTable, rel.SourceColumn, rel.TargetColumn)
			}
			_, _ = fmt.Fprintln(file)
		}
	} else {
		NewTextFormatter(file).FormatTable(table)
		if len(incoming) > 0 {
			_, _ = fmt.Fprintln(file)
			_, _ = fmt.Fprintln(file, "  REFERENCED BY:")
			for _, rel := range incoming {
				_, _ = fmt.Fprintf(file, "    %s.%s → %s\n", rel.SourceTable, rel.SourceColumn, rel.TargetColumn)
			}
		}
	}

	return file.Close()
}

// IncomingRelation represents a relationship pointing to this table
type IncomingRelation struct {
	SourceTable  string
	SourceColumn string
	TargetColumn string
}

// findIncomingRelations finds all foreign keys pointing to this table
func findIncomingRelations(tableName string, s *schema.Schema) []IncomingRelation {
	var incoming []IncomingRelation

	for _, name := range s.TableNames() {
		for _, col := range s.Tables[name].ForeignKeys() {
			if col.References.Table == tableName {
				incoming = append(incoming, IncomingRelation{
					SourceTable:  name,
					SourceColumn: col.Name,
					TargetColumn: col.References.Column,
				})
			}
		}
	}

	return incoming
}

// referencedTables lists the distinct tables a table points at, in column order
func referencedTables(table schema.Table) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, col := range table.ForeignKeys() {
		if !seen[col.References.Table] {
			seen[col.References.Table] = true
			targets = append(targets, col.References.Table)
		}
	}
	return targets
}

// fileName keeps table names such as "logs-2024.01" or "sales/eu" inside the output directory
func fileName(table string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, table)
	if name == "" || name == "." || name == ".." {
		return "_" + name
	}
	return name
}

func (f *MultiFileFormatter) getFileExtension() string {
	if f.OutputFormat == FormatMarkdown {
		return ".md"
	}
	return ".txt"
}
