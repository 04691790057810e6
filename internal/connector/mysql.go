package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const mysqlDefaultPort = 3306

func init() {
	Register(schema.FamilyMySQL, NewMySQL)
}

// NewMySQL creates a connector for MySQL and MariaDB
func NewMySQL(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &sqlConnector{
		desc:    d,
		opts:    opts,
		logger:  opts.Logger.With("connector", "mysql"),
		driver:  "mysql",
		dialect: validator.DialectMySQL,
		dsn:     mysqlDSN,
		setup:   []string{"SET SESSION TRANSACTION READ ONLY"},
		catalog: mysqlCatalog{schemaName: d.Database},
		open:    sql.Open,
	}
}

func mysqlDSN(d Descriptor) (string, error) {
	if d.Database == "" {
		return "", fmt.Errorf("mysql database name is required")
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = d.Address(mysqlDefaultPort)
	if socket := d.Option("socket", ""); socket != "" {
		cfg.Net = "unix"
		cfg.Addr = socket
	}
	cfg.DBName = d.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	if tls := d.Option("tls", ""); tls != "" {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN(), nil
}

type mysqlCatalog struct {
	schemaName string
}

func (c mysqlCatalog) tableNames(ctx context.Context, q queryer) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name
	`
	return collectStrings(ctx, q, query, c.schemaName)
}

func (c mysqlCatalog) describeTable(ctx context.Context, q queryer, tableName string) (schema.Table, error) {
	var tableType string
	var rowCount sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT table_type, table_rows
		FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?
	`, c.schemaName, tableName).Scan(&tableType, &rowCount)
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to look up table: %w", err)
	}

	kind := "table"
	if tableType == "VIEW" {
		kind = "view"
	}
	table := schema.NewTable(tableName, kind)
	if rowCount.Valid {
		n := rowCount.Int64
		table.RowEstimate = &n
	}

	if err := c.extractColumns(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract columns: %w", err)
	}
	if len(table.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table has no columns")
	}

	if err := c.extractRelations(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract relations: %w", err)
	}
	return table, nil
}

// extractColumns reads information_schema.columns; column_key carries the primary key flag
func (c mysqlCatalog) extractColumns(ctx context.Context, q queryer, table *schema.Table) error {
	query := `
		SELECT
			c.column_name,
			c.column_type,
			c.is_nullable,
			c.column_key,
			c.column_comment
		FROM information_schema.columns c
		WHERE c.table_schema = ? AND c.table_name = ?
		ORDER BY c.ordinal_position
	`

	rows, err := q.QueryContext(ctx, query, c.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, columnType, nullable, columnKey string
		var comment sql.NullString

		if err := rows.Scan(&name, &columnType, &nullable, &columnKey, &comment); err != nil {
			return err
		}

		table.AddColumn(schema.Column{
			Name:         name,
			Type:         schema.NormalizeSQLType(columnType),
			NativeType:   columnType,
			Nullable:     nullable == "YES",
			IsPrimaryKey: columnKey == "PRI",
			Comment:      comment.String,
		})
	}
	return rows.Err()
}

// extractRelations reads foreign keys from key_column_usage
func (c mysqlCatalog) extractRelations(ctx context.Context, q queryer, table *schema.Table) error {
	query := `
		SELECT
			kcu.column_name,
			kcu.referenced_table_name,
			kcu.referenced_column_name
		FROM information_schema.key_column_usage kcu
		WHERE kcu.table_schema = ?
			AND kcu.table_name = ?
			AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.ordinal_position
	`

	rows, err := q.QueryContext(ctx, query, c.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var source, targetTable, targetColumn string
		if err := rows.Scan(&source, &targetTable, &targetColumn); err != nil {
			return err
		}
		markForeignKey(table, source, targetTable, targetColumn)
	}
	return rows.Err()
}

// markForeignKey flags a column as referencing target.column
func markForeignKey(table *schema.Table, column, targetTable, targetColumn string) {
	col, ok := table.Columns[column]
	if !ok {
		return
	}
	col.IsForeignKey = true
	col.References = &schema.ColumnRef{Table: targetTable, Column: targetColumn}
	table.Columns[column] = col
}
