package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const mssqlDefaultPort = 1433

func init() {
	Register(schema.FamilyMSSQL, NewMSSQL)
}

// NewMSSQL creates a connector for Microsoft SQL Server. Tables are read
// from the schema named by the "schema" option, dbo by default.
//
// SQL Server has no per-session read-only mode, so nothing is set on connect.
// Use a login that only holds db_datareader.
func NewMSSQL(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &sqlConnector{
		desc:    d,
		opts:    opts,
		logger:  opts.Logger.With("connector", "mssql"),
		driver:  "sqlserver",
		dialect: validator.DialectMSSQL,
		dsn:     mssqlDSN,
		catalog: mssqlCatalog{schemaName: d.Option("schema", "dbo")},
		open:    sql.Open,
	}
}

func mssqlDSN(d Descriptor) (string, error) {
	if d.Database == "" {
		return "", fmt.Errorf("sql server database name is required")
	}
	q := url.Values{}
	q.Set("database", d.Database)
	q.Set("app name", "llmquery")
	q.Set("ApplicationIntent", "ReadOnly")
	for k, v := range d.Options {
		if k == "schema" {
			continue
		}
		q.Set(k, v)
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     d.Address(mssqlDefaultPort),
		RawQuery: q.Encode(),
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String(), nil
}

type mssqlCatalog struct {
	schemaName string
}

func (c mssqlCatalog) tableNames(ctx context.Context, q queryer) ([]string, error) {
	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
		ORDER BY TABLE_NAME
	`
	return collectStrings(ctx, q, query, c.schemaName)
}

func (c mssqlCatalog) describeTable(ctx context.Context, q queryer, tableName string) (schema.Table, error) {
	var tableType string
	err := q.QueryRowContext(ctx, `
		SELECT TABLE_TYPE
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
	`, c.schemaName, tableName).Scan(&tableType)
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to look up table: %w", err)
	}

	kind := "table"
	if tableType == "VIEW" {
		kind = "view"
	}
	table := schema.NewTable(tableName, kind)

	if err := c.extractColumns(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract columns: %w", err)
	}
	if len(table.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table has no columns")
	}

	if err := c.extractPrimaryKey(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract primary key: %w", err)
	}

	if err := c.extractRelations(ctx, q, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract relations: %w", err)
	}

	table.RowEstimate = rowEstimate(ctx, q, `
		SELECT SUM(p.rows)
		FROM sys.partitions p
		JOIN sys.tables t ON t.object_id = p.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1 AND t.name = @p2 AND p.index_id IN (0, 1)
	`, c.schemaName, tableName)
	return table, nil
}

func (c mssqlCatalog) extractColumns(ctx context.Context, q queryer, table *schema.Table) error {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, CHARACTER_MAXIMUM_LENGTH
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION
	`

	rows, err := q.QueryContext(ctx, query, c.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, dataType, nullable string
		var maxLength sql.NullInt64

		if err := rows.Scan(&name, &dataType, &nullable, &maxLength); err != nil {
			return err
		}

		native := dataType
		if maxLength.Valid {
			if maxLength.Int64 < 0 {
				native = fmt.Sprintf("%s(max)", dataType)
			} else {
				native = fmt.Sprintf("%s(%d)", dataType, maxLength.Int64)
			}
		}

		table.AddColumn(schema.Column{
			Name:       name,
			Type:       mssqlType(dataType),
			NativeType: native,
			Nullable:   nullable == "YES",
		})
	}
	return rows.Err()
}

func (c mssqlCatalog) extractPrimaryKey(ctx context.Context, q queryer, table *schema.Table) error {
	query := `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
			AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @p1
			AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION
	`

	pk, err := collectStrings(ctx, q, query, c.schemaName, table.Name)
	if err != nil {
		return err
	}
	for _, name := range pk {
		if col, ok := table.Columns[name]; ok {
			col.IsPrimaryKey = true
			col.Nullable = false
			table.Columns[name] = col
		}
	}
	return nil
}

func (c mssqlCatalog) extractRelations(ctx context.Context, q queryer, table *schema.Table) error {
	query := `
		SELECT
			COL_NAME(fkc.parent_object_id, fkc.parent_column_id),
			OBJECT_NAME(fkc.referenced_object_id),
			COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id)
		FROM sys.foreign_key_columns fkc
		JOIN sys.tables t ON t.object_id = fkc.parent_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1 AND t.name = @p2
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

// mssqlType maps SQL Server types the generic normalizer does not know
func mssqlType(dataType string) schema.DataType {
	switch strings.ToLower(dataType) {
	case "sql_variant", "hierarchyid":
		return schema.TypeOther
	case "timestamp":
		// SQL Server's timestamp is a row version, not a point in time
		return schema.TypeBinary
	default:
		return schema.NormalizeSQLType(dataType)
	}
}
