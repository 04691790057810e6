package dispatcher

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/schema"
)

const shopDDL = `
CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);
CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	user_id INTEGER REFERENCES users(id),
	total REAL
);
INSERT INTO users (id, email) VALUES (1, 'ada@example.com'), (2, 'alan@example.com');
INSERT INTO orders (id, user_id, total) VALUES (1, 1, 9.5);
`

// newShopDB writes a small SQLite database and returns its path
func newShopDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	if _, err := db.Exec(shopDDL); err != nil {
		t.Skipf("sqlite3 driver unavailable: %v", err)
	}
	return path
}

func TestSQLiteEndToEnd(t *testing.T) {
	path := newShopDB(t)
	conn, err := connector.New(connector.Descriptor{Family: schema.FamilySQLite, Database: path}, connector.Options{})
	require.NoError(t, err)
	d := newTestDispatcher(t, conn, Options{})
	ctx := context.Background()

	env := d.RawQuery(ctx, "SELECT 1")
	require.True(t, env.Success, env.Error)
	rs := env.Data.(*connector.ResultSet)
	assert.Equal(t, []connector.Row{{"1": int64(1)}}, rs.Rows)

	env = d.Schema(ctx)
	require.True(t, env.Success, env.Error)
	s, _ := SchemaOf(env)
	assert.Equal(t, []string{"orders", "users"}, s.TableNames())
	ref := s.Tables["orders"].Columns["user_id"].References
	require.NotNil(t, ref)
	assert.Equal(t, "users.id", ref.String())

	env = d.RawQuery(ctx, "SELECT email FROM users ORDER BY id")
	require.True(t, env.Success, env.Error)
	rs = env.Data.(*connector.ResultSet)
	assert.Equal(t, []string{"email"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "ada@example.com", rs.Rows[0]["email"])

	env = d.RawQuery(ctx, "DROP TABLE users")
	assert.Equal(t, apperr.KindValidationRejection, env.ErrorKind)

	env = d.RawQuery(ctx, "SELECT count(*) AS n FROM users")
	require.True(t, env.Success, env.Error)
	assert.Equal(t, int64(2), env.Data.(*connector.ResultSet).Rows[0]["n"], "the table survived")
}
