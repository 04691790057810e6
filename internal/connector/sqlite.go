package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

func init() {
	Register(schema.FamilySQLite, NewSQLite)
}

// NewSQLite creates a connector for a SQLite database file. The file path is
// taken from the descriptor's Database field.
func NewSQLite(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &sqlConnector{
		desc:    d,
		opts:    opts,
		logger:  opts.Logger.With("connector", "sqlite"),
		driver:  "sqlite3",
		dialect: validator.DialectSQLite,
		dsn:     sqliteDSN,
		setup:   []string{"PRAGMA query_only = ON"},
		catalog: sqliteCatalog{},
		open:    sql.Open,
	}
}

// sqliteDSN opens the file read-only
func sqliteDSN(d Descriptor) (string, error) {
	path := d.Database
	if path == "" {
		return "", fmt.Errorf("sqlite database path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	q := url.Values{}
	q.Set("mode", d.Option("mode", "ro"))
	return "file:" + path + "?" + q.Encode(), nil
}

type sqliteCatalog struct{}

func (sqliteCatalog) tableNames(ctx context.Context, q queryer) ([]string, error) {
	query := `
		SELECT name
		FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`
	return collectStrings(ctx, q, query)
}

func (c sqliteCatalog) describeTable(ctx context.Context, q queryer, tableName string) (schema.Table, error) {
	var kind string
	if err := q.QueryRowContext(ctx, `SELECT type FROM sqlite_master WHERE name = ?`, tableName).Scan(&kind); err != nil {
		return schema.Table{}, fmt.Errorf("failed to look up table: %w", err)
	}
	table := schema.NewTable(tableName, kind)

	if err := c.extractColumns(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract columns: %w", err)
	}
	if len(table.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table has no columns")
	}

	if err := c.extractRelations(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract relations: %w", err)
	}

	table.RowEstimate = rowEstimate(ctx, q, "SELECT COUNT(*) FROM "+quoteIdent(tableName))
	return table, nil
}

// extractColumns reads PRAGMA table_info
func (sqliteCatalog) extractColumns(ctx context.Context, q queryer, table *schema.Table) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table.Name)))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}

		table.AddColumn(schema.Column{
			Name:       name,
			Type:       schema.NormalizeSQLType(colType),
			NativeType: colType,
			// SQLite lets primary keys hold NULL unless declared NOT NULL; INTEGER PRIMARY KEY never does
			Nullable:     notNull == 0 && !(pk > 0 && strings.EqualFold(colType, "integer")),
			IsPrimaryKey: pk > 0,
		})
	}
	return rows.Err()
}

// extractRelations reads PRAGMA foreign_key_list. A reference without a
// target column points at the target table's primary key.
func (c sqliteCatalog) extractRelations(ctx context.Context, q queryer, table *schema.Table) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table.Name)))
	if err != nil {
		return err
	}

	type fk struct{ from, target, to string }
	var fks []fk
	for rows.Next() {
		var id, seq int
		var targetTable, fromCol string
		var toCol sql.NullString
		var onUpdate, onDelete, match string

		if err := rows.Scan(&id, &seq, &targetTable, &fromCol, &toCol, &onUpdate, &onDelete, &match); err != nil {
			_ = rows.Close()
			return err
		}
		fks = append(fks, fk{from: fromCol, target: targetTable, to: toCol.String})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, f := range fks {
		to := f.to
		if to == "" {
			to = c.primaryKeyOf(ctx, q, f.target)
		}
		markForeignKey(table, f.from, f.target, to)
	}
	return nil
}

// primaryKeyOf returns the first primary key column of a table, or "rowid"
func (sqliteCatalog) primaryKeyOf(ctx context.Context, q queryer, tableName string) string {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(tableName)))
	if err != nil {
		return "rowid"
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return "rowid"
		}
		if pk == 1 {
			return name
		}
	}
	return "rowid"
}
