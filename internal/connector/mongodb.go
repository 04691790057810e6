package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/docquery"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

const mongoDefaultPort = 27017

func init() {
	Register(schema.FamilyMongoDB, NewMongoDB)
}

// MongoDB is the document-store connector. Collections become tables whose
// columns are inferred from a bounded sample of top-level document fields.
type MongoDB struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDB creates a MongoDB connector
func NewMongoDB(d Descriptor, opts Options) Connector {
	opts = opts.withDefaults()
	return &MongoDB{
		desc:   d,
		opts:   opts,
		logger: opts.Logger.With("connector", "mongodb"),
	}
}

// Descriptor implements Connector
func (m *MongoDB) Descriptor() Descriptor { return m.desc }

// Dialect implements Connector
func (m *MongoDB) Dialect() validator.Dialect { return validator.DialectMongo }

func mongoURI(d Descriptor) string {
	u := &url.URL{
		Scheme: "mongodb",
		Host:   d.Address(mongoDefaultPort),
		Path:   "/",
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	for k, v := range d.Options {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect implements Connector
func (m *MongoDB) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}
	if m.desc.Database == "" {
		return apperr.Errorf(apperr.KindConnection, "connect", "mongodb database name is required")
	}

	m.logger.Debug("connecting", slog.String("target", m.desc.String()))

	clientOpts := options.Client().
		ApplyURI(mongoURI(m.desc)).
		SetAppName("llmquery").
		SetReadPreference(readpref.SecondaryPreferred())
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to connect to database: %w", err))
	}

	// Test the connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return apperr.New(apperr.KindConnection, "connect", fmt.Errorf("failed to ping database: %w", err))
	}

	m.client = client
	m.db = client.Database(m.desc.Database)
	return nil
}

// Disconnect implements Connector
func (m *MongoDB) Disconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.client.Disconnect(closeCtx); err != nil {
		m.logger.Warn("failed to close connection", slog.Any("error", err))
	}
	m.client = nil
	m.db = nil
}

func (m *MongoDB) database(op string) (*mongo.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, notConnected(op)
	}
	return m.db, nil
}

// DiscoverSchema implements Connector
func (m *MongoDB) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	db, err := m.database("discover schema")
	if err != nil {
		return nil, err
	}

	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, listFailed(fmt.Errorf("failed to list collections: %w", err))
	}
	filtered := names[:0]
	for _, n := range names {
		if !strings.HasPrefix(n, "system.") {
			filtered = append(filtered, n)
		}
	}
	sort.Strings(filtered)

	s := schema.New(schema.FamilyMongoDB)
	err = discoverTables(ctx, m.logger, s, filtered, func(ctx context.Context, name string) (schema.Table, error) {
		return m.describeCollection(ctx, db.Collection(name))
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *MongoDB) describeCollection(ctx context.Context, coll *mongo.Collection) (schema.Table, error) {
	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(int64(m.opts.SampleSize)))
	if err != nil {
		return schema.Table{}, fmt.Errorf("failed to sample documents: %w", err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return schema.Table{}, fmt.Errorf("failed to read sample: %w", err)
	}

	table := inferCollection(coll.Name(), docs, m.opts.Inference)
	if n, err := coll.EstimatedDocumentCount(ctx); err == nil {
		table.RowEstimate = &n
	}
	return table, nil
}

// inferCollection derives columns from sampled documents. A field missing from
// any sampled document, or holding null, is nullable.
func inferCollection(name string, docs []bson.M, mode Inference) schema.Table {
	table := schema.NewTable(name, "collection")

	seen := make(map[string]map[schema.DataType]int)
	nulls := make(map[string]bool)
	present := make(map[string]int)
	natives := make(map[string]string)
	for _, doc := range docs {
		for field, v := range doc {
			present[field]++
			t, native := bsonType(v)
			if t == "" {
				nulls[field] = true
				continue
			}
			if seen[field] == nil {
				seen[field] = make(map[schema.DataType]int)
			}
			seen[field][t]++
			if _, ok := natives[field]; !ok {
				natives[field] = native
			}
		}
	}

	for field, count := range present {
		col := schema.Column{
			Name:       field,
			Type:       pickType(seen[field], mode),
			NativeType: natives[field],
			Nullable:   nulls[field] || count < len(docs),
		}
		if field == "_id" {
			col.IsPrimaryKey = true
			col.Nullable = false
		}
		table.AddColumn(col)
	}
	return table
}

// pickType chooses the column type from observed value types
func pickType(counts map[schema.DataType]int, mode Inference) schema.DataType {
	if len(counts) == 0 {
		return schema.TypeOther
	}
	if mode == InferenceStrict {
		if len(counts) == 1 {
			for t := range counts {
				return t
			}
		}
		return schema.TypeOther
	}

	best, bestN, tie := schema.TypeOther, 0, false
	for t, n := range counts {
		switch {
		case n > bestN:
			best, bestN, tie = t, n, false
		case n == bestN:
			tie = true
		}
	}
	if tie {
		return schema.TypeOther
	}
	return best
}

// bsonType maps a decoded BSON value to a column type and native type name.
// Null yields an empty type.
func bsonType(v any) (schema.DataType, string) {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return "", "null"
	case int32, int64, int:
		return schema.TypeInteger, "int"
	case float64, primitive.Decimal128:
		return schema.TypeFloat, "double"
	case string, primitive.Symbol:
		return schema.TypeText, "string"
	case bool:
		return schema.TypeBoolean, "bool"
	case primitive.DateTime, primitive.Timestamp, time.Time:
		return schema.TypeDatetime, "date"
	case primitive.Binary:
		return schema.TypeBinary, "binData"
	case primitive.ObjectID:
		return schema.TypeText, "objectId"
	case bson.M, bson.D, map[string]any:
		return schema.TypeOther, "object"
	case bson.A, []any:
		return schema.TypeOther, "array"
	default:
		return schema.TypeOther, fmt.Sprintf("%T", v)
	}
}

// ExecuteQuery implements Connector. The query is `collection.operation(args)`.
func (m *MongoDB) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	db, err := m.database("execute")
	if err != nil {
		return nil, err
	}

	cmd, err := docquery.Parse(query)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	coll := db.Collection(cmd.Collection)

	result, err := m.run(ctx, coll, cmd)
	if err != nil {
		return nil, apperr.New(apperr.KindExecution, "execute", err)
	}
	return result, nil
}

func (m *MongoDB) run(ctx context.Context, coll *mongo.Collection, cmd *docquery.Command) (*ResultSet, error) {
	switch cmd.Operation {
	case docquery.OpFind:
		filter, err := cmd.Document(0)
		if err != nil {
			return nil, err
		}
		projection, err := cmd.Document(1)
		if err != nil {
			return nil, err
		}
		findOpts := options.Find().SetLimit(int64(m.opts.MaxRows) + 1)
		if len(projection) > 0 {
			findOpts.SetProjection(projection)
		}
		cursor, err := coll.Find(ctx, filter, findOpts)
		if err != nil {
			return nil, err
		}
		return m.collect(ctx, cursor)

	case docquery.OpFindOne:
		filter, err := cmd.Document(0)
		if err != nil {
			return nil, err
		}
		projection, err := cmd.Document(1)
		if err != nil {
			return nil, err
		}
		findOpts := options.FindOne()
		if len(projection) > 0 {
			findOpts.SetProjection(projection)
		}
		var doc bson.D
		err = coll.FindOne(ctx, filter, findOpts).Decode(&doc)
		result := newResultSet(nil)
		if err == mongo.ErrNoDocuments {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result.add(documentRow(result, doc), 0)
		return result, nil

	case docquery.OpCountDocuments:
		filter, err := cmd.Document(0)
		if err != nil {
			return nil, err
		}
		n, err := coll.CountDocuments(ctx, filter)
		if err != nil {
			return nil, err
		}
		result := newResultSet([]string{"count"})
		result.add(Row{"count": n}, 0)
		return result, nil

	case docquery.OpAggregate:
		pipeline, err := cmd.Pipeline(0)
		if err != nil {
			return nil, err
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		return m.collect(ctx, cursor)

	case docquery.OpDistinct:
		field, ok := cmd.Arg(0).(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("distinct requires a field name")
		}
		filter, err := cmd.Document(1)
		if err != nil {
			return nil, err
		}
		values, err := coll.Distinct(ctx, field, filter)
		if err != nil {
			return nil, err
		}
		result := newResultSet([]string{field})
		for _, v := range values {
			if !result.add(Row{field: bsonValue(v)}, m.opts.MaxRows) {
				break
			}
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", cmd.Operation)
	}
}

func (m *MongoDB) collect(ctx context.Context, cursor *mongo.Cursor) (*ResultSet, error) {
	defer func() { _ = cursor.Close(ctx) }()

	result := newResultSet(nil)
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		if !result.add(documentRow(result, doc), m.opts.MaxRows) {
			break
		}
	}
	return result, cursor.Err()
}

// documentRow converts a document into a row, registering new columns in field order
func documentRow(result *ResultSet, doc bson.D) Row {
	row := make(Row, len(doc))
	for _, e := range doc {
		result.addColumn(e.Key)
		row[e.Key] = bsonValue(e.Value)
	}
	return row
}

// bsonValue converts BSON-specific values into plain JSON-friendly values
func bsonValue(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return val.Data
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC()
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = bsonValue(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = bsonValue(e)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = bsonValue(e)
		}
		return out
	default:
		return v
	}
}
