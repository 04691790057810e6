package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
)

const esMappings = `{
  ".kibana": {"mappings": {"properties": {"x": {"type": "keyword"}}}},
  "orders": {"mappings": {"properties": {
    "id": {"type": "long"},
    "total": {"type": "scaled_float"},
    "placed_at": {"type": "date"},
    "customer": {"properties": {
      "name": {"type": "text"},
      "vip": {"type": "boolean"}
    }},
    "lines": {"type": "nested", "properties": {"sku": {"type": "keyword"}}}
  }}}
}`

func newElasticServer(t *testing.T, sqlHandler http.HandlerFunc) *Elasticsearch {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`{"version":{"number":"8.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`))
		case "/*/_mapping":
			_, _ = w.Write([]byte(esMappings))
		case "/orders/_count":
			_, _ = w.Write([]byte(`{"count": 17}`))
		case "/_sql":
			if sqlHandler == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			sqlHandler(w, r)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)

	host, port := hostPort(t, srv.URL)
	c := NewElasticsearch(Descriptor{Family: schema.FamilyElasticsearch, Host: host, Port: port}, Options{MaxRows: 2}).(*Elasticsearch)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestElasticsearch_DiscoverSchema(t *testing.T) {
	c := newElasticServer(t, nil)

	s, err := c.DiscoverSchema(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, s.TableNames(), "hidden indices are skipped")

	orders := s.Tables["orders"]
	assert.Equal(t, "index", orders.Kind)
	assert.Equal(t, schema.TypeInteger, orders.Columns["id"].Type)
	assert.Equal(t, schema.TypeFloat, orders.Columns["total"].Type)
	assert.Equal(t, schema.TypeDatetime, orders.Columns["placed_at"].Type)
	assert.Equal(t, schema.TypeText, orders.Columns["customer.name"].Type)
	assert.Equal(t, schema.TypeBoolean, orders.Columns["customer.vip"].Type)
	assert.Equal(t, schema.TypeOther, orders.Columns["lines"].Type)
	assert.Equal(t, "nested", orders.Columns["lines"].NativeType)
	require.NotNil(t, orders.RowEstimate)
	assert.Equal(t, int64(17), *orders.RowEstimate)
}

func TestElasticsearch_ExecuteQuery(t *testing.T) {
	var got map[string]any
	c := newElasticServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"columns": [{"name": "id", "type": "long"}, {"name": "total", "type": "float"}],
			"rows": [[1, 9.5], [2, 3.25], [3, 1]],
			"cursor": "abc"
		}`))
	})

	res, err := c.ExecuteQuery(context.Background(), "SELECT id, total FROM orders;")
	require.NoError(t, err)

	assert.Equal(t, "SELECT id, total FROM orders", got["query"])
	assert.Equal(t, float64(3), got["fetch_size"])
	assert.Equal(t, []string{"id", "total"}, res.Columns)
	assert.Len(t, res.Rows, 2)
	assert.Equal(t, 9.5, res.Rows[0]["total"])
	assert.True(t, res.Truncated)
}

func TestElasticsearch_ExecuteQueryError(t *testing.T) {
	c := newElasticServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"verification_exception","reason":"Unknown index [nope]"}}`))
	})

	_, err := c.ExecuteQuery(context.Background(), "SELECT * FROM nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "Unknown index"), err.Error())
}

func TestElasticType(t *testing.T) {
	assert.Equal(t, schema.TypeText, elasticType("keyword"))
	assert.Equal(t, schema.TypeText, elasticType("ip"))
	assert.Equal(t, schema.TypeBinary, elasticType("binary"))
	assert.Equal(t, schema.TypeOther, elasticType("geo_point"))
}
