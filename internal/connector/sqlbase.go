package connector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlCatalog reads relational metadata for one SQL engine
type sqlCatalog interface {
	tableNames(ctx context.Context, q queryer) ([]string, error)
	describeTable(ctx context.Context, q queryer, name string) (schema.Table, error)
}

// sqlConnector is the database/sql based connector shared by MySQL, SQL Server and SQLite.
// It pins one *sql.Conn so session settings hold for every statement.
type sqlConnector struct {
	desc    Descriptor
	opts    Options
	logger  *slog.Logger
	driver  string
	dialect validator.Dialect
	dsn     func(Descriptor) (string, error)
	setup   []string
	catalog sqlCatalog
	open    func(driver, dsn string) (*sql.DB, error)

	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn
}

// Descriptor implements Connector
func (c *sqlConnector) Descriptor() Descriptor { return c.desc }

// Dialect implements Connector
func (c *sqlConnector) Dialect() validator.Dialect { return c.dialect }

// Connect implements Connector
func (c *sqlConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dsn, err := c.dsn(c.desc)
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", err)
	}

	c.logger.Debug("connecting", slog.String("driver", c.driver), slog.String("target", c.desc.String()))

	db, err := c.open(c.driver, dsn)
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to open database: %w", err))
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to connect to database: %w", err))
	}

	// Test the connection
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to ping database: %w", err))
	}

	for _, stmt := range c.setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to prepare read-only session: %w", err))
		}
	}

	c.db = db
	c.conn = conn
	return nil
}

// Disconnect implements Connector
func (c *sqlConnector) Disconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close connection", slog.Any("error", err))
		}
		c.conn = nil
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("failed to close database", slog.Any("error", err))
		}
		c.db = nil
	}
}

func (c *sqlConnector) session(op string) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, notConnected(op)
	}
	return c.conn, nil
}

// DiscoverSchema implements Connector
func (c *sqlConnector) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	conn, err := c.session("discover schema")
	if err != nil {
		return nil, err
	}

	started := time.Now()
	names, err := c.catalog.tableNames(ctx, conn)
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to get table names: %w", err))
	}

	s := schema.New(c.desc.Family)
	err = discoverTables(ctx, c.logger, s, names, func(ctx context.Context, name string) (schema.Table, error) {
		return c.catalog.describeTable(ctx, conn, name)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("schema discovered",
		slog.Int("tables", len(s.Tables)),
		slog.Int("warnings", len(s.Warnings)),
		slog.Duration("elapsed", time.Since(started)))
	return s, nil
}

// ExecuteQuery implements Connector
func (c *sqlConnector) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	conn, err := c.session("execute")
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRows(rows, c.opts.MaxRows)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	return result, nil
}

// scanRows reads every row into column-keyed maps, stopping at maxRows
func scanRows(rows *sql.Rows, maxRows int) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := newResultSet(cols)
	for rows.Next() {
		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			val := values[i]
			// Convert []byte to string for readability
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[col] = val
		}
		if !result.add(row, maxRows) {
			break
		}
	}

	return result, rows.Err()
}

// collectStrings reads a single string column
func collectStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// rowEstimate runs a single-value count query; failures yield nil
func rowEstimate(ctx context.Context, q queryer, query string, args ...any) *int64 {
	var n sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil || !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// quoteIdent double-quotes an identifier for SQLite and PostgreSQL
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
