package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/logging"
	"github.com/tordrt/llmquery/internal/schema"
)

type fakeSource struct {
	desc    connector.Descriptor
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}

	// set when discovery observed a cancelled context
	sawCancel atomic.Bool

	mu     sync.Mutex
	tables []string
	err    error
}

func newFakeSource(tables ...string) *fakeSource {
	return &fakeSource{
		desc: connector.Descriptor{
			Family:   schema.FamilyPostgres,
			Host:     "db.internal",
			Database: "shop",
		},
		tables: tables,
	}
}

func (f *fakeSource) Descriptor() connector.Descriptor {
	return f.desc
}

func (f *fakeSource) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		f.sawCancel.Store(true)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	s := schema.New(f.desc.Family)
	for _, name := range f.tables {
		t := schema.NewTable(name, "table")
		t.AddColumn(schema.Column{Name: "id", Type: schema.TypeInteger, NativeType: "integer", IsPrimaryKey: true})
		if name == "orders" {
			t.AddColumn(schema.Column{
				Name:         "user_id",
				Type:         schema.TypeInteger,
				Nullable:     true,
				IsForeignKey: true,
				References:   &schema.ColumnRef{Table: "users", Column: "id"},
			})
		}
		estimate := int64(len(name))
		t.RowEstimate = &estimate
		if err := s.AddTable(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestCache(t *testing.T) (*Cache, *FileStore) {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "schema_cache"))
	return New(store, Options{Logger: logging.NewTest(t)}), store
}

func TestCache_GetBuildsOnce(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users", "orders")

	s, err := c.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, s.TableNames())

	again, err := c.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCache_RebuildSummary(t *testing.T) {
	c, store := newTestCache(t)
	src := newFakeSource("users", "orders")

	summary, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, "Successfully loaded schema for 2 tables", summary.Message)
	assert.Equal(t, 2, summary.TableCount)
	assert.Equal(t, []string{"orders", "users"}, summary.TableNames)
	assert.Equal(t, src.desc.Fingerprint(), summary.Fingerprint)

	fingerprints, err := store.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, []string{src.desc.Fingerprint()}, fingerprints)
}

func TestCache_RoundTrip(t *testing.T) {
	c, store := newTestCache(t)
	src := newFakeSource("users", "orders")

	_, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)
	built, err := c.Get(context.Background(), src)
	require.NoError(t, err)

	encoded, err := schema.Marshal(built)
	require.NoError(t, err)
	decoded, err := schema.Unmarshal(encoded)
	require.NoError(t, err)
	assert.Equal(t, built, decoded)

	// a fresh cache on the same directory reads the persisted entry
	restarted := New(store, Options{})
	loaded, err := restarted.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, built, loaded)
	assert.Equal(t, int32(1), src.calls.Load())

	ref := loaded.Tables["orders"].Columns["user_id"].References
	require.NotNil(t, ref)
	assert.Equal(t, "users.id", ref.String())
}

func TestCache_ConcurrentRebuildSharesDiscovery(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users")
	src.started = make(chan struct{}, 1)
	src.release = make(chan struct{})

	const callers = 8
	summaries := make([]*Summary, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		summaries[0], errs[0] = c.Rebuild(context.Background(), src)
	}()
	<-src.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], errs[i] = c.Rebuild(context.Background(), src)
		}(i)
	}

	// let the late callers reach the in-flight discovery
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, summaries[0], summaries[i])
	}
}

func TestCache_CancelledCallerDoesNotFailJoinedRebuild(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users")
	src.started = make(chan struct{}, 1)
	src.release = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Rebuild(firstCtx, src)
		firstErr <- err
	}()
	<-src.started

	secondErr := make(chan error, 1)
	var second *Summary
	go func() {
		var err error
		second, err = c.Rebuild(context.Background(), src)
		secondErr <- err
	}()

	// let the second caller join the in-flight discovery
	time.Sleep(50 * time.Millisecond)
	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, second.TableCount)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.False(t, src.sawCancel.Load())
}

func TestCache_RebuildKeepsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	dctx, dcancel := detach(ctx)
	defer dcancel()
	want, _ := ctx.Deadline()
	got, ok := dctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, want, got)

	cancel()
	assert.NoError(t, dctx.Err())
}

func TestCache_FailedRebuildKeepsPreviousEntry(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users")

	_, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)

	src.fail(errors.New("permission denied for relation pg_class"))
	_, err = c.Rebuild(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSchemaDiscovery, apperr.KindOf(err))

	s, err := c.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, s.TableNames())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCache_RebuildKeepsConnectorErrorKind(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users")
	src.fail(apperr.New(apperr.KindConnection, "connect", errors.New("connection refused")))

	_, err := c.Rebuild(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.KindOf(err))
}

func TestCache_ListDoesNotRebuild(t *testing.T) {
	c, _ := newTestCache(t)
	src := newFakeSource("users", "orders")

	names, ok := c.List(src.desc)
	assert.False(t, ok)
	assert.Empty(t, names)
	assert.Equal(t, int32(0), src.calls.Load())

	_, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)

	names, ok = c.List(src.desc)
	assert.True(t, ok)
	assert.Equal(t, []string{"orders", "users"}, names)
}

func TestCache_Delete(t *testing.T) {
	c, store := newTestCache(t)
	src := newFakeSource("users")

	_, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, c.Delete(src.desc))

	_, ok := c.List(src.desc)
	assert.False(t, ok)
	_, err = store.Load(src.desc.Fingerprint())
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	require.NoError(t, c.Delete(src.desc))
}

func TestCache_FingerprintsAreIndependent(t *testing.T) {
	c, _ := newTestCache(t)
	shop := newFakeSource("users")
	billing := newFakeSource("invoices")
	billing.desc.Database = "billing"

	_, err := c.Rebuild(context.Background(), shop)
	require.NoError(t, err)
	_, err = c.Rebuild(context.Background(), billing)
	require.NoError(t, err)

	require.NoError(t, c.Delete(shop.desc))

	_, ok := c.List(shop.desc)
	assert.False(t, ok)
	names, ok := c.List(billing.desc)
	assert.True(t, ok)
	assert.Equal(t, []string{"invoices"}, names)
}

func TestCache_UnpersistableRebuildStillServes(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	c := New(NewFileStore(blocker), Options{})
	src := newFakeSource("users")

	summary, err := c.Rebuild(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, summary.Warnings, 1)
	assert.Contains(t, summary.Warnings[0], "not persisted")

	names, ok := c.List(src.desc)
	assert.True(t, ok)
	assert.Equal(t, []string{"users"}, names)
}

func TestFileStore_CorruptEntryIsIgnored(t *testing.T) {
	c, store := newTestCache(t)
	src := newFakeSource("users")

	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	path := filepath.Join(store.Dir(), src.desc.Fingerprint()+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := c.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, s.TableNames())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestFileStore_NoTemporaryFilesLeft(t *testing.T) {
	c, store := newTestCache(t)
	src := newFakeSource("users")

	for i := 0; i < 3; i++ {
		_, err := c.Rebuild(context.Background(), src)
		require.NoError(t, err)
	}

	files, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, src.desc.Fingerprint()+".json", files[0].Name())
}
