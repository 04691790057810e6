package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	influx "github.com/influxdata/influxdb1-client/v2"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const influxDefaultPort = 8086

func init() {
	Register(schema.FamilyInfluxDB, NewInfluxDB)
}

// InfluxDB is the time-series connector. Measurements become tables with a
// synthetic time column, one column per field key and one text column per tag key.
type InfluxDB struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	client influx.Client
}

// NewInfluxDB creates an InfluxDB 1.x connector
func NewInfluxDB(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &InfluxDB{
		desc:   d,
		opts:   opts,
		logger: opts.Logger.With("connector", "influxdb"),
	}
}

// Descriptor implements Connector
func (c *InfluxDB) Descriptor() Descriptor { return c.desc }

// Dialect implements Connector
func (c *InfluxDB) Dialect() validator.Dialect { return validator.DialectInfluxQL }

func influxAddr(d Descriptor) string {
	scheme := "http"
	if d.Option("ssl", "") == "true" {
		scheme = "https"
	}
	return scheme + "://" + d.Address(influxDefaultPort)
}

// Connect implements Connector
func (c *InfluxDB) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	if c.desc.Database == "" {
		return apperr.Errorf(apperr.KindConnection, "connect", "influxdb database name is required")
	}

	c.logger.Debug("connecting", slog.String("target", c.desc.String()))

	cli, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:      influxAddr(c.desc),
		Username:  c.desc.User,
		Password:  c.desc.Password,
		UserAgent: "llmquery",
	})
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to create client: %w", err))
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if _, _, err := cli.Ping(timeout); err != nil {
		_ = cli.Close()
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to ping database: %w", err))
	}

	c.client = cli
	return nil
}

// Disconnect implements Connector
func (c *InfluxDB) Disconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Warn("failed to close client", slog.Any("error", err))
	}
	c.client = nil
}

func (c *InfluxDB) session(op string) (influx.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, notConnected(op)
	}
	return c.client, nil
}

// query runs one InfluxQL statement and returns its first result
func (c *InfluxDB) query(ctx context.Context, cli influx.Client, q string) (influx.Result, error) {
	resp, err := cli.QueryCtx(ctx, influx.NewQuery(q, c.desc.Database, "rfc3339"))
	if err != nil {
		return influx.Result{}, err
	}
	if err := resp.Error(); err != nil {
		return influx.Result{}, err
	}
	if len(resp.Results) == 0 {
		return influx.Result{}, nil
	}
	return resp.Results[0], nil
}

// firstColumn collects the first value of every row of every series
func firstColumn(res influx.Result) []string {
	var out []string
	for _, series := range res.Series {
		for _, row := range series.Values {
			if len(row) == 0 {
				continue
			}
			if s, ok := row[0].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// DiscoverSchema implements Connector
func (c *InfluxDB) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	cli, err := c.session("discover schema")
	if err != nil {
		return nil, err
	}

	res, err := c.query(ctx, cli, "SHOW MEASUREMENTS")
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to list measurements: %w", err))
	}

	s := schema.New(schema.FamilyInfluxDB)
	err = discoverTables(ctx, c.logger, s, firstColumn(res), func(ctx context.Context, name string) (schema.Table, error) {
		return c.describeMeasurement(ctx, cli, name)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *InfluxDB) describeMeasurement(ctx context.Context, cli influx.Client, name string) (schema.Table, error) {
	table := schema.NewTable(name, "measurement")
	table.AddColumn(schema.Column{Name: "time", Type: schema.TypeDatetime, NativeType: "timestamp"})

	fields, err := c.query(ctx, cli, "SHOW FIELD KEYS FROM "+quoteInflux(name))
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to read field keys: %w", err)
	}
	for _, series := range fields.Series {
		for _, row := range series.Values {
			if len(row) < 2 {
				continue
			}
			key, _ := row[0].(string)
			fieldType, _ := row[1].(string)
			table.AddColumn(schema.Column{
				Name:       key,
				Type:       influxFieldType(fieldType),
				NativeType: fieldType,
				Nullable:   true,
			})
		}
	}

	tags, err := c.query(ctx, cli, "SHOW TAG KEYS FROM "+quoteInflux(name))
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to read tag keys: %w", err)
	}
	for _, key := range firstColumn(tags) {
		table.AddColumn(schema.Column{
			Name:       key,
			Type:       schema.TypeText,
			NativeType: "tag",
			Nullable:   true,
		})
	}
	return table, nil
}

func influxFieldType(t string) schema.DataType {
	switch t {
	case "float":
		return schema.TypeFloat
	case "integer", "unsigned":
		return schema.TypeInteger
	case "string":
		return schema.TypeText
	case "boolean":
		return schema.TypeBoolean
	default:
		return schema.TypeOther
	}
}

func quoteInflux(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}

// ExecuteQuery implements Connector. Rows carry the series name as
// _measurement along with the series tags.
func (c *InfluxDB) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	cli, err := c.session("execute")
	if err != nil {
		return nil, err
	}

	resp, err := cli.QueryCtx(ctx, influx.NewQuery(query, c.desc.Database, "rfc3339"))
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	if err := resp.Error(); err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}

	result := newResultSet(nil)
	for _, res := range resp.Results {
		for _, series := range res.Series {
			tagKeys := make([]string, 0, len(series.Tags))
			for k := range series.Tags {
				tagKeys = append(tagKeys, k)
			}
			sort.Strings(tagKeys)

			for _, values := range series.Values {
				row := make(Row, len(series.Columns)+len(series.Tags)+1)
				if series.Name != "" {
					result.addColumn("_measurement")
					row["_measurement"] = series.Name
				}
				for _, k := range tagKeys {
					result.addColumn(k)
					row[k] = series.Tags[k]
				}
				for i, col := range series.Columns {
					if i >= len(values) {
						break
					}
					result.addColumn(col)
					row[col] = influxValue(values[i])
				}
				if !result.add(row, c.opts.MaxRows) {
					return result, nil
				}
			}
		}
	}
	return result, nil
}

// influxValue resolves json.Number into int64 or float64
func influxValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
