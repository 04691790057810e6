package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const (
	elasticDefaultPort = 9200
	elasticMaxFetch    = 10000
)

func init() {
	Register(schema.FamilyElasticsearch, NewElasticsearch)
}

// Elasticsearch is the search-engine connector. Indices become tables whose
// columns come from the index mapping; queries run through the SQL API.
type Elasticsearch struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	client *elasticsearch.Client
}

// NewElasticsearch creates an Elasticsearch connector. The descriptor's
// Database field is an optional index pattern, "*" by default.
func NewElasticsearch(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &Elasticsearch{
		desc:   d,
		opts:   opts,
		logger: opts.Logger.With("connector", "elasticsearch"),
	}
}

// Descriptor implements Connector
func (e *Elasticsearch) Descriptor() Descriptor { return e.desc }

// Dialect implements Connector
func (e *Elasticsearch) Dialect() validator.Dialect { return validator.DialectESSQL }

func (e *Elasticsearch) indexPattern() string {
	if e.desc.Database == "" {
		return "*"
	}
	return e.desc.Database
}

func elasticAddr(d Descriptor) string {
	scheme := "http"
	if d.Option("ssl", "") == "true" {
		scheme = "https"
	}
	return scheme + "://" + d.Address(elasticDefaultPort)
}

// Connect implements Connector
func (e *Elasticsearch) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}

	e.logger.Debug("connecting", slog.String("target", e.desc.String()))

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{elasticAddr(e.desc)},
		Username:  e.desc.User,
		Password:  e.desc.Password,
		APIKey:    e.desc.Option("api_key", ""),
		Transport: e.opts.HTTPClient.Transport,
	})
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to create client: %w", err))
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to reach cluster: %w", err))
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return apperr.New(apperr.KindConnection, "connect", responseError(res))
	}

	e.client = client
	return nil
}

// Disconnect implements Connector. The client holds no session, so only the
// reference is dropped.
func (e *Elasticsearch) Disconnect(context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = nil
}

func (e *Elasticsearch) session(op string) (*elasticsearch.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, notConnected(op)
	}
	return e.client, nil
}

// responseError turns an error response into an error carrying the reason
func responseError(res *esapi.Response) error {
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Reason != "" {
		return fmt.Errorf("%s: %s: %s", res.Status(), body.Error.Type, body.Error.Reason)
	}
	return fmt.Errorf("%s: %s", res.Status(), strings.TrimSpace(string(raw)))
}

type esMapping struct {
	Mappings struct {
		Properties map[string]esProperty `json:"properties"`
	} `json:"mappings"`
}

type esProperty struct {
	Type       string                `json:"type"`
	Properties map[string]esProperty `json:"properties"`
}

// DiscoverSchema implements Connector
func (e *Elasticsearch) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	client, err := e.session("discover schema")
	if err != nil {
		return nil, err
	}

	res, err := client.Indices.GetMapping(
		client.Indices.GetMapping.WithContext(ctx),
		client.Indices.GetMapping.WithIndex(e.indexPattern()),
	)
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to read mappings: %w", err))
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return nil, listFailed(responseError(res))
	}

	var mappings map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&mappings); err != nil {
		return nil, listFailed(fmt.Errorf("failed to decode mappings: %w", err))
	}

	names := make([]string, 0, len(mappings))
	for name := range mappings {
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	s := schema.New(schema.FamilyElasticsearch)
	err = discoverTables(ctx, e.logger, s, names, func(ctx context.Context, name string) (schema.Table, error) {
		var m esMapping
		if err := json.Unmarshal(mappings[name], &m); err != nil {
			return schema.Table{}, fmt.Errorf("invalid mapping: %w", err)
		}
		table := schema.NewTable(name, "index")
		flattenProperties(&table, "", m.Mappings.Properties)
		table.RowEstimate = e.count(ctx, client, name)
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// flattenProperties adds one column per leaf field; nested object fields are joined with dots
func flattenProperties(table *schema.Table, prefix string, props map[string]esProperty) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := props[k]
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if len(p.Properties) > 0 && p.Type != "nested" {
			flattenProperties(table, name, p.Properties)
			continue
		}
		native := p.Type
		if native == "" {
			native = "object"
		}
		table.AddColumn(schema.Column{
			Name:       name,
			Type:       elasticType(native),
			NativeType: native,
			Nullable:   true,
		})
	}
}

func elasticType(t string) schema.DataType {
	switch t {
	case "long", "integer", "short", "byte", "unsigned_long":
		return schema.TypeInteger
	case "double", "float", "half_float", "scaled_float":
		return schema.TypeFloat
	case "text", "keyword", "constant_keyword", "wildcard", "match_only_text", "ip", "version":
		return schema.TypeText
	case "boolean":
		return schema.TypeBoolean
	case "date", "date_nanos":
		return schema.TypeDatetime
	case "binary":
		return schema.TypeBinary
	default:
		return schema.TypeOther
	}
}

func (e *Elasticsearch) count(ctx context.Context, client *elasticsearch.Client, index string) *int64 {
	res, err := client.Count(client.Count.WithContext(ctx), client.Count.WithIndex(index))
	if err != nil {
		return nil
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return nil
	}
	var body struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil
	}
	return &body.Count
}

type esSQLResponse struct {
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Rows   [][]any `json:"rows"`
	Cursor string  `json:"cursor"`
}

// ExecuteQuery implements Connector
func (e *Elasticsearch) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	client, err := e.session("execute")
	if err != nil {
		return nil, err
	}

	fetch := e.opts.MaxRows + 1
	if fetch > elasticMaxFetch {
		fetch = elasticMaxFetch
	}
	body, err := json.Marshal(map[string]any{
		"query":      strings.TrimSuffix(strings.TrimSpace(query), ";"),
		"fetch_size": fetch,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}

	res, err := client.SQL.Query(bytes.NewReader(body),
		client.SQL.Query.WithContext(ctx),
		client.SQL.Query.WithFormat("json"),
	)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return nil, apperr.New(apperr.KindExecution, "execute", responseError(res))
	}

	var out esSQLResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", fmt.Errorf("failed to decode response: %w", err))
	}

	cols := make([]string, len(out.Columns))
	for i, c := range out.Columns {
		cols[i] = c.Name
	}
	result := newResultSet(cols)
	for _, values := range out.Rows {
		row := make(Row, len(cols))
		for i, col := range cols {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		if !result.add(row, e.opts.MaxRows) {
			break
		}
	}

	if out.Cursor != "" {
		result.Truncated = true
		e.clearCursor(ctx, client, out.Cursor)
	}
	return result, nil
}

func (e *Elasticsearch) clearCursor(ctx context.Context, client *elasticsearch.Client, cursor string) {
	body, _ := json.Marshal(map[string]string{"cursor": cursor})
	res, err := client.SQL.ClearCursor(bytes.NewReader(body), client.SQL.ClearCursor.WithContext(ctx))
	if err != nil {
		e.logger.Debug("failed to clear cursor", slog.Any("error", err))
		return
	}
	_ = res.Body.Close()
}
