package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const (
	postgresDefaultPort = 5432
	varcharType         = "varchar"
)

func init() {
	Register(schema.FamilyPostgres, NewPostgres)
}

// Postgres is the PostgreSQL connector. It holds a single pgx connection whose
// session is switched to read-only transactions on connect.
type Postgres struct {
	desc       Descriptor
	opts       Options
	logger     *slog.Logger
	schemaName string

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPostgres creates a PostgreSQL connector. Tables are read from the schema
// named by the "schema" option, public by default.
func NewPostgres(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &Postgres{
		desc:       d,
		opts:       opts,
		logger:     opts.Logger.With("connector", "postgres"),
		schemaName: d.Option("schema", "public"),
	}
}

// Descriptor implements Connector
func (p *Postgres) Descriptor() Descriptor { return p.desc }

// Dialect implements Connector
func (p *Postgres) Dialect() validator.Dialect { return validator.DialectPostgres }

// Connect implements Connector
func (p *Postgres) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}

	p.logger.Debug("connecting", slog.String("target", p.desc.String()))

	conn, err := pgx.Connect(ctx, postgresDSN(p.desc))
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to connect to database: %w", err))
	}

	// Test the connection
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"); err != nil {
		_ = conn.Close(ctx)
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to prepare read-only session: %w", err))
	}

	p.conn = conn
	return nil
}

// Disconnect implements Connector
func (p *Postgres) Disconnect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	// The caller's context may already be expired after a timeout
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.conn.Close(closeCtx); err != nil {
		p.logger.Warn("failed to close connection", slog.Any("error", err))
	}
	p.conn = nil
}

func (p *Postgres) session(op string) (*pgx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, notConnected(op)
	}
	return p.conn, nil
}

// DiscoverSchema implements Connector
func (p *Postgres) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	conn, err := p.session("discover schema")
	if err != nil {
		return nil, err
	}

	names, err := p.getTableNames(ctx, conn)
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to get table names: %w", err))
	}

	s := schema.New(schema.FamilyPostgres)
	err = discoverTables(ctx, p.logger, s, names, func(ctx context.Context, name string) (schema.Table, error) {
		return p.extractTable(ctx, conn, name)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ExecuteQuery implements Connector
func (p *Postgres) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	conn, err := p.session("execute")
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	result := newResultSet(cols)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, apperr.New(apperr.KindExecution, "execute", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = pgValue(values[i])
		}
		if !result.add(row, p.opts.MaxRows) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	return result, nil
}

// pgValue converts pgx values without a natural JSON form
func pgValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		d := time.Duration(val.Microseconds) * time.Microsecond
		return time.Time{}.Add(d).Format("15:04:05.999999")
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		d := time.Duration(val.Microseconds) * time.Microsecond
		return fmt.Sprintf("%d mons %d days %s", val.Months, val.Days, d)
	default:
		return v
	}
}

func postgresDSN(d Descriptor) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   d.Address(postgresDefaultPort),
		Path:   "/" + d.Database,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	q.Set("sslmode", d.Option("sslmode", "prefer"))
	q.Set("application_name", "llmquery")
	if t := d.Option("connect_timeout", ""); t != "" {
		if _, err := strconv.Atoi(t); err == nil {
			q.Set("connect_timeout", t)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// getTableNames returns the tables and views of the configured schema
func (p *Postgres) getTableNames(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name
	`

	rows, err := conn.Query(ctx, query, p.schemaName)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// extractTable extracts all information for a single table
func (p *Postgres) extractTable(ctx context.Context, conn *pgx.Conn, tableName string) (schema.Table, error) {
	var tableType string
	var estimate *float32
	err := conn.QueryRow(ctx, `
		SELECT t.table_type, c.reltuples
		FROM information_schema.tables t
		LEFT JOIN pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_class c ON c.relnamespace = n.oid AND c.relname = t.table_name
		WHERE t.table_schema = $1 AND t.table_name = $2
	`, p.schemaName, tableName).Scan(&tableType, &estimate)
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to look up table: %w", err)
	}

	kind := "table"
	if tableType == "VIEW" {
		kind = "view"
	}
	table := schema.NewTable(tableName, kind)
	// reltuples is -1 for tables that were never analyzed
	if estimate != nil && *estimate >= 0 {
		n := int64(*estimate)
		table.RowEstimate = &n
	}

	if err := p.extractColumns(ctx, conn, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract columns: %w", err)
	}
	if len(table.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table has no columns")
	}

	if err := p.extractPrimaryKey(ctx, conn, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract primary key: %w", err)
	}

	if err := p.extractRelations(ctx, conn, &table); err != nil {
		return schema.Table{}, fmt.Errorf("failed to extract relations: %w", err)
	}
	return table, nil
}

// extractColumns extracts column information for a table
func (p *Postgres) extractColumns(ctx context.Context, conn *pgx.Conn, table *schema.Table) error {
	query := `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable,
			c.udt_name,
			c.character_maximum_length,
			col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position)
		FROM information_schema.columns c
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := conn.Query(ctx, query, p.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, dataType, nullable, udtName string
		var charMaxLength *int
		var comment *string

		if err := rows.Scan(&name, &dataType, &nullable, &udtName, &charMaxLength, &comment); err != nil {
			return err
		}

		native := normalizePostgresType(dataType, udtName, charMaxLength)
		col := schema.Column{
			Name:       name,
			Type:       schema.NormalizeSQLType(native),
			NativeType: native,
			Nullable:   nullable == "YES",
		}
		if dataType == "USER-DEFINED" {
			// enums and domains are exposed as text to clients
			col.Type = schema.TypeText
		}
		if comment != nil {
			col.Comment = *comment
		}
		table.AddColumn(col)
	}
	return rows.Err()
}

// normalizePostgresType maps verbose SQL type names to commonly-used PostgreSQL equivalents
func normalizePostgresType(dataType, udtName string, charMaxLength *int) string {
	switch dataType {
	case "timestamp with time zone":
		return "timestamptz"
	case "timestamp without time zone":
		return "timestamp"
	case "time with time zone":
		return "timetz"
	case "time without time zone":
		return "time"
	case "character varying":
		if charMaxLength != nil {
			return fmt.Sprintf("varchar(%d)", *charMaxLength)
		}
		return varcharType
	case "character":
		if charMaxLength != nil {
			return fmt.Sprintf("char(%d)", *charMaxLength)
		}
		return "char"
	case "ARRAY":
		// udt_name has underscore prefix for arrays (e.g., "_text" for text[])
		if len(udtName) > 0 && udtName[0] == '_' {
			return normalizeUdtName(udtName[1:]) + "[]"
		}
		return "array"
	case "USER-DEFINED":
		return udtName
	default:
		return dataType
	}
}

// normalizeUdtName converts PostgreSQL internal type names to more readable forms
func normalizeUdtName(udtName string) string {
	switch udtName {
	case "int4":
		return "integer"
	case "int8":
		return "bigint"
	case "int2":
		return "smallint"
	case "float4":
		return "real"
	case "float8":
		return "double precision"
	case "bool":
		return "boolean"
	default:
		return udtName
	}
}

// extractPrimaryKey marks primary key columns
func (p *Postgres) extractPrimaryKey(ctx context.Context, conn *pgx.Conn, table *schema.Table) error {
	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1
			AND tc.table_name = $2
			AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`

	rows, err := conn.Query(ctx, query, p.schemaName, table.Name)
	if err != nil {
		return err
	}
	pk, err := pgx.CollectRows(rows, pgx.RowTo[string])
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

// extractRelations extracts foreign key relationships
func (p *Postgres) extractRelations(ctx context.Context, conn *pgx.Conn, table *schema.Table) error {
	query := `
		SELECT
			kcu.column_name,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`

	rows, err := conn.Query(ctx, query, p.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var source, targetTable, targetColumn string
		if err := rows.Scan(&source, &targetTable, &targetColumn); err != nil {
			return err
		}
		markForeignKey(table, source, targetTable, targetColumn)
	}
	return rows.Err()
}
