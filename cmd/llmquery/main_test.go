package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/llmquery"
	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/cache"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/dispatcher"
	"github.com/tordrt/llmquery/internal/schema"
)

func testSchema() *schema.Schema {
	s := schema.New(schema.FamilySQLite)
	users := schema.NewTable("users", "table")
	users.AddColumn(schema.Column{Name: "id", Type: schema.TypeInteger, NativeType: "INTEGER", IsPrimaryKey: true})
	users.AddColumn(schema.Column{Name: "name", Type: schema.TypeText, NativeType: "TEXT"})
	posts := schema.NewTable("posts", "table")
	posts.AddColumn(schema.Column{Name: "id", Type: schema.TypeInteger, NativeType: "INTEGER", IsPrimaryKey: true})
	comments := schema.NewTable("comments", "table")
	comments.AddColumn(schema.Column{Name: "id", Type: schema.TypeInteger, NativeType: "INTEGER", IsPrimaryKey: true})
	_ = s.AddTable(users)
	_ = s.AddTable(posts)
	_ = s.AddTable(comments)
	return s
}

// fakeClient answers every call with canned results and records what it was asked
type fakeClient struct {
	asked []string
	raw   []string
	s     *schema.Schema
}

func (f *fakeClient) Ask(_ context.Context, prompt string) llmquery.Result {
	f.asked = append(f.asked, prompt)
	return llmquery.Result{
		Success:   true,
		Operation: dispatcher.OpQuery,
		Query:     "SELECT count(*) AS n FROM users",
		Data:      &connector.ResultSet{Columns: []string{"n"}, Rows: []connector.Row{{"n": int64(2)}}},
	}
}

func (f *fakeClient) Raw(_ context.Context, query string) llmquery.Result {
	f.raw = append(f.raw, query)
	return llmquery.Result{
		Operation: dispatcher.OpRawQuery,
		Query:     query,
		Error:     "DELETE statements are not read-only",
		ErrorKind: apperr.KindValidationRejection,
	}
}

func (f *fakeClient) Schema(context.Context) llmquery.Result {
	return llmquery.Result{Success: true, Operation: dispatcher.OpSchema, Data: f.s}
}

func (f *fakeClient) Rebuild(context.Context) llmquery.Result {
	return llmquery.Result{Success: true, Operation: dispatcher.OpRebuild, Data: &cache.Summary{
		Message:    "Successfully loaded schema for 3 tables",
		TableCount: 3,
		TableNames: f.s.TableNames(),
	}}
}

func (f *fakeClient) Tables(context.Context) llmquery.Result {
	return llmquery.Result{Success: true, Operation: dispatcher.OpTables, Data: dispatcher.TableList{
		Tables: f.s.TableNames(), Cached: true,
	}}
}

func TestParseTableList(t *testing.T) {
	tests := []struct {
		name       string
		tablesStr  string
		wantTables []string
	}{
		{
			name:       "single table",
			tablesStr:  "users",
			wantTables: []string{"users"},
		},
		{
			name:       "multiple tables",
			tablesStr:  "users,posts,comments",
			wantTables: []string{"users", "posts", "comments"},
		},
		{
			name:       "tables with spaces",
			tablesStr:  "users, posts, comments",
			wantTables: []string{"users", "posts", "comments"},
		},
		{
			name:       "empty string",
			tablesStr:  "",
			wantTables: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTables, parseTableList(tt.tablesStr))
		})
	}
}

func TestExportSchema(t *testing.T) {
	res := llmquery.Result{Success: true, Operation: dispatcher.OpSchema, Data: testSchema()}

	tests := []struct {
		name        string
		opts        exportOptions
		wantContain []string
		wantMissing []string
	}{
		{
			name:        "all tables as text",
			opts:        exportOptions{format: "text"},
			wantContain: []string{"TABLE users (PK: id)", "TABLE posts", "TABLE comments"},
		},
		{
			name:        "exclude tables",
			opts:        exportOptions{format: "text", exclude: []string{"posts", "comments"}},
			wantContain: []string{"TABLE users"},
			wantMissing: []string{"TABLE posts", "TABLE comments"},
		},
		{
			name:        "specific tables as markdown",
			opts:        exportOptions{format: "markdown", tables: []string{"posts"}},
			wantContain: []string{"## posts"},
			wantMissing: []string{"## users"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, exportSchema(&buf, res, tt.opts))
			for _, want := range tt.wantContain {
				assert.Contains(t, buf.String(), want)
			}
			for _, missing := range tt.wantMissing {
				assert.NotContains(t, buf.String(), missing)
			}
		})
	}

	t.Run("output file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schema.txt")
		var buf bytes.Buffer
		require.NoError(t, exportSchema(&buf, res, exportOptions{format: "text", outputFile: path}))
		assert.Empty(t, buf.String())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "TABLE users")
	})

	t.Run("output dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "docs")
		require.NoError(t, exportSchema(&bytes.Buffer{}, res, exportOptions{format: "text", outputDir: dir}))
		assert.FileExists(t, filepath.Join(dir, "_overview.txt"))
		assert.FileExists(t, filepath.Join(dir, "users.txt"))
	})

	t.Run("failed result", func(t *testing.T) {
		failed := llmquery.Result{Operation: dispatcher.OpSchema, Error: "connection refused", ErrorKind: apperr.KindConnection}
		err := exportSchema(&bytes.Buffer{}, failed, exportOptions{})
		require.Error(t, err)
		assert.Equal(t, apperr.KindConnection, apperr.KindOf(err))
	})
}

func TestPrintResult_Rows(t *testing.T) {
	var buf bytes.Buffer
	res := llmquery.Result{
		Success:   true,
		Operation: dispatcher.OpRawQuery,
		Data: &connector.ResultSet{
			Columns:   []string{"id", "name", "tags"},
			Rows:      []connector.Row{{"id": int64(1), "name": nil, "tags": []any{"a", "b"}}},
			Truncated: true,
		},
	}
	require.NoError(t, printResult(&buf, res, false))

	out := buf.String()
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, `["a","b"]`)
	assert.Contains(t, out, "(1 rows, truncated)")
}

func TestPrintResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	res := llmquery.Result{
		Operation: dispatcher.OpRawQuery,
		Query:     "DROP TABLE users",
		Error:     "DROP statements are not read-only",
		ErrorKind: apperr.KindValidationRejection,
	}
	err := printResult(&buf, res, true)
	require.Error(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, string(apperr.KindValidationRejection), decoded["error_kind"])
}

func TestPrintResult_Tables(t *testing.T) {
	var buf bytes.Buffer
	res := llmquery.Result{Success: true, Operation: dispatcher.OpTables, Data: dispatcher.TableList{Tables: []string{}}}
	require.NoError(t, printResult(&buf, res, false))
	assert.Contains(t, buf.String(), "No cached schema")
}

func TestShellHandle(t *testing.T) {
	fc := &fakeClient{s: testSchema()}
	var out, errOut bytes.Buffer
	sh := &shell{client: fc, out: &out, errOut: &errOut}
	ctx := context.Background()

	assert.False(t, sh.handle(ctx, "how many users are there?"))
	assert.Equal(t, []string{"how many users are there?"}, fc.asked)
	assert.Contains(t, out.String(), "Query: SELECT count(*) AS n FROM users")

	assert.False(t, sh.handle(ctx, ".raw DELETE FROM users"))
	assert.Equal(t, []string{"DELETE FROM users"}, fc.raw)
	assert.Contains(t, errOut.String(), "not read-only")

	out.Reset()
	assert.False(t, sh.handle(ctx, ".tables"))
	assert.Equal(t, "comments\nposts\nusers\n\n", out.String())

	out.Reset()
	assert.False(t, sh.handle(ctx, ".schema users"))
	assert.Contains(t, out.String(), "TABLE users")
	assert.NotContains(t, out.String(), "TABLE posts")

	errOut.Reset()
	assert.False(t, sh.handle(ctx, ".schema missing"))
	assert.Contains(t, errOut.String(), `table "missing" not found`)

	out.Reset()
	assert.False(t, sh.handle(ctx, ".rebuild"))
	assert.Contains(t, out.String(), "Successfully loaded schema for 3 tables")

	errOut.Reset()
	assert.False(t, sh.handle(ctx, ".raw"))
	assert.Contains(t, errOut.String(), "Usage: .raw")

	assert.False(t, sh.handle(ctx, ".bogus"))
	assert.Contains(t, errOut.String(), "Unknown command: .bogus")

	assert.False(t, sh.handle(ctx, "   "))
	assert.Len(t, fc.asked, 1, "blank lines are ignored")

	assert.True(t, sh.handle(ctx, ".quit"))
	assert.True(t, sh.handle(ctx, ".EXIT"))
}
