// Package connector implements one Connector per backend family behind a
// uniform contract: connect, discover the schema, execute a read query and
// disconnect.
package connector

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/validator"
)

// Connector is a live session with one data source
type Connector interface {
	// Descriptor returns the configuration the connector was built from
	Descriptor() Descriptor

	// Dialect returns the query language the backend accepts
	Dialect() validator.Dialect

	// Connect establishes the session. Calling it while connected is a no-op.
	Connect(ctx context.Context) error

	// DiscoverSchema reads the backend's metadata. Tables that cannot be
	// described are skipped and recorded as schema warnings.
	DiscoverSchema(ctx context.Context) (*schema.Schema, error)

	// ExecuteQuery runs exactly the given query. It never retries.
	ExecuteQuery(ctx context.Context, query string) (*ResultSet, error)

	// Disconnect releases the session. It is idempotent and never fails.
	Disconnect(ctx context.Context)
}

// Inference selects how document-store column types are derived from samples
type Inference string

// Inference modes
const (
	// InferenceStrict types a column only when every sampled value agrees
	InferenceStrict Inference = "strict"
	// InferenceLenient types a column by the majority of sampled values
	InferenceLenient Inference = "lenient"
)

// Default option values
const (
	DefaultMaxRows    = 10000
	DefaultSampleSize = 100
)

// Options tunes connector behaviour
type Options struct {
	Logger     *slog.Logger
	MaxRows    int
	SampleSize int
	Inference  Inference
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Inference == "" {
		o.Inference = InferenceLenient
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}

// Row is one result row keyed by column name
type Row map[string]any

// ResultSet is the ordered outcome of a query
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

func newResultSet(columns []string) *ResultSet {
	if columns == nil {
		columns = []string{}
	}
	return &ResultSet{Columns: columns, Rows: []Row{}}
}

// add appends a row unless maxRows is reached, in which case the result is
// marked truncated and false is returned.
func (r *ResultSet) add(row Row, maxRows int) bool {
	if maxRows > 0 && len(r.Rows) >= maxRows {
		r.Truncated = true
		return false
	}
	r.Rows = append(r.Rows, row)
	return true
}

// addColumn records a column name the first time it is seen
func (r *ResultSet) addColumn(name string) {
	for _, c := range r.Columns {
		if c == name {
			return
		}
	}
	r.Columns = append(r.Columns, name)
}
