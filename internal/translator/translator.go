// Package translator turns a natural-language question into a query for the
// active backend, given its schema.
package translator

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tordrt/llmquery/internal/formatter"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

// Request is one translation
type Request struct {
	Prompt  string
	Dialect validator.Dialect
	Schema  *schema.Schema
}

// Translator produces a query string for a request
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Translator
type Func func(ctx context.Context, req Request) (string, error)

// Translate implements Translator
func (f Func) Translate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var dialectNames = map[validator.Dialect]string{
	validator.DialectPostgres: "PostgreSQL",
	validator.DialectMySQL:    "MySQL",
	validator.DialectMSSQL:    "Microsoft SQL Server (T-SQL)",
	validator.DialectSQLite:   "SQLite",
	validator.DialectMDX:      "SQL Server Analysis Services (MDX)",
	validator.DialectInfluxQL: "InfluxDB 1.x (InfluxQL)",
	validator.DialectESSQL:    "Elasticsearch SQL",
	validator.DialectMongo:    "MongoDB",
}

var dialectRules = map[validator.Dialect][]string{
	validator.DialectMSSQL: {
		"Use TOP instead of LIMIT to restrict the number of rows",
		"Quote identifiers with square brackets when needed",
	},
	validator.DialectMySQL: {
		"Quote identifiers with backticks when needed",
	},
	validator.DialectMDX: {
		"Write a single MDX SELECT statement against one cube",
		"Put measures on COLUMNS and dimension members on ROWS",
		"Reference members by their unique names as listed in the schema",
	},
	validator.DialectInfluxQL: {
		"Write a single InfluxQL SELECT statement",
		"Quote measurement, field and tag names with double quotes",
		"Restrict time with WHERE time > now() - <duration> when a period is implied",
		"Use GROUP BY time(<interval>) for aggregations over time",
	},
	validator.DialectESSQL: {
		"Write a single Elasticsearch SQL SELECT statement",
		"Indices are tables; quote index names containing dashes or dots with double quotes",
		"Address nested object fields with dot notation",
	},
	validator.DialectMongo: {
		"Write exactly one query of the form collection.operation(arguments)",
		"Allowed operations: find(filter, projection), find_one(filter, projection), count_documents(filter), aggregate([stages]), distinct(\"field\", filter)",
		"Arguments are MongoDB extended JSON with double-quoted keys",
		"Never use $out, $merge or any operation that modifies data",
	},
}

var sqlRules = []string{
	"Use proper JOIN clauses when querying multiple tables",
	"Include appropriate WHERE clauses for filtering",
	"Use ORDER BY when sorting is implied",
	"Limit results when appropriate",
	"Use table aliases for clarity",
}

func isSQL(d validator.Dialect) bool {
	switch d {
	case validator.DialectPostgres, validator.DialectMySQL, validator.DialectMSSQL, validator.DialectSQLite:
		return true
	}
	return false
}

// Instructions builds the system message: the dialect rules followed by the
// schema in compact text form.
func Instructions(d validator.Dialect, s *schema.Schema) string {
	name, ok := dialectNames[d]
	if !ok {
		name = string(d)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a query generator for a %s database.\n\n", name)
	b.WriteString("Given the following database schema, generate an appropriate read-only query for the user's natural language request.\n\n")
	b.WriteString("IMPORTANT: Return ONLY the query without any markdown formatting, explanations, or additional text.\n\n")

	b.WriteString("Available tables and columns:\n")
	if s != nil {
		var buf bytes.Buffer
		_ = formatter.NewTextFormatter(&buf).Format(s)
		b.Write(buf.Bytes())
	}

	b.WriteString("\nRules:\n")
	fmt.Fprintf(&b, "- Generate valid %s syntax\n", name)
	b.WriteString("- Only read data; never modify it\n")
	if isSQL(d) {
		for _, r := range sqlRules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	for _, r := range dialectRules[d] {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}

var fenceLanguages = []string{
	"sql", "tsql", "mysql", "postgresql", "postgres", "sqlite", "mdx", "influxql", "json", "javascript", "js", "mongodb",
}

// CleanQuery strips surrounding whitespace and markdown code fences from a
// model reply.
func CleanQuery(reply string) string {
	q := strings.TrimSpace(reply)
	if rest, ok := strings.CutPrefix(q, "```"); ok {
		q = trimFenceLanguage(rest)
	}
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, "```")
	return strings.TrimSpace(q)
}

// trimFenceLanguage drops the info string of an opening fence, e.g. ```sql
func trimFenceLanguage(q string) string {
	for _, lang := range fenceLanguages {
		if len(q) <= len(lang) || !strings.EqualFold(q[:len(lang)], lang) {
			continue
		}
		if next := q[len(lang)]; next == '\n' || next == ' ' || next == '\t' || next == '\r' {
			return q[len(lang):]
		}
	}
	return q
}
