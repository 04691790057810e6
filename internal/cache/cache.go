// Package cache serves discovered schemas. Entries are persisted per data
// source fingerprint, kept in a bounded in-memory layer, and replaced only by
// an explicit rebuild.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/schema"
)

// DefaultMemoryEntries bounds the in-memory layer when Options leaves it unset
const DefaultMemoryEntries = 16

// Source is something whose schema can be discovered, typically a connector
type Source interface {
	Descriptor() connector.Descriptor
	DiscoverSchema(ctx context.Context) (*schema.Schema, error)
}

// Options configures a Cache
type Options struct {
	Logger        *slog.Logger
	MemoryEntries int
}

// Summary describes the outcome of a rebuild
type Summary struct {
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	TableCount  int       `json:"table_count"`
	TableNames  []string  `json:"table_names"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Cache serves schemas from memory, then the store, then discovery.
// Schemas it returns are shared between callers and must not be modified.
type Cache struct {
	store  Store
	memory *expirable.LRU[string, *Entry]
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a cache on top of store
func New(store Store, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = DefaultMemoryEntries
	}
	return &Cache{
		store: store,
		// entries never expire; only a rebuild replaces them
		memory: expirable.NewLRU[string, *Entry](opts.MemoryEntries, nil, 0),
		logger: opts.Logger,
	}
}

// Get returns the cached schema for src regardless of its age. When nothing
// is cached it rebuilds synchronously.
func (c *Cache) Get(ctx context.Context, src Source) (*schema.Schema, error) {
	fingerprint := src.Descriptor().Fingerprint()
	if e, ok := c.lookup(fingerprint); ok {
		return e.Schema, nil
	}

	c.logger.Debug("schema not cached, building", slog.String("fingerprint", fingerprint))
	res, err := c.rebuild(ctx, src)
	if err != nil {
		return nil, err
	}
	return res.entry.Schema, nil
}

// Rebuild discovers the schema of src and replaces the cached entry.
// Concurrent rebuilds of the same data source share one discovery. When
// discovery fails the previous entry is left in place.
func (c *Cache) Rebuild(ctx context.Context, src Source) (*Summary, error) {
	res, err := c.rebuild(ctx, src)
	if err != nil {
		return nil, err
	}
	summary := summarize(res.entry)
	if res.persistErr != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("schema was not persisted: %v", res.persistErr))
	}
	return summary, nil
}

// List returns the cached table names for the descriptor without rebuilding.
// The boolean reports whether anything is cached.
func (c *Cache) List(d connector.Descriptor) ([]string, bool) {
	e, ok := c.lookup(d.Fingerprint())
	if !ok {
		return []string{}, false
	}
	return e.Schema.TableNames(), true
}

// Delete drops the entry for the descriptor from memory and the store
func (c *Cache) Delete(d connector.Descriptor) error {
	fingerprint := d.Fingerprint()
	c.memory.Remove(fingerprint)
	return c.store.Delete(fingerprint)
}

func (c *Cache) lookup(fingerprint string) (*Entry, bool) {
	if e, ok := c.memory.Get(fingerprint); ok {
		return e, true
	}

	e, err := c.store.Load(fingerprint)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, false
	case err != nil:
		c.logger.Warn("ignoring unreadable schema cache entry",
			slog.String("fingerprint", fingerprint), slog.Any("error", err))
		return nil, false
	}

	c.memory.Add(fingerprint, e)
	return e, true
}

type rebuildResult struct {
	entry      *Entry
	persistErr error
}

func (c *Cache) rebuild(ctx context.Context, src Source) (rebuildResult, error) {
	d := src.Descriptor()
	fingerprint := d.Fingerprint()

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		// joined callers share this discovery, so one caller's cancellation
		// must not fail the others; the deadline still applies
		dctx, cancel := detach(ctx)
		defer cancel()

		start := time.Now()
		s, err := src.DiscoverSchema(dctx)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				err = apperr.New(apperr.KindSchemaDiscovery, "rebuild", err)
			}
			return nil, err
		}
		s.ResolveReferences()

		e := &Entry{
			Fingerprint: fingerprint,
			Source:      d.String(),
			GeneratedAt: s.GeneratedAt,
			Schema:      s,
		}

		// persistence is not tied to the caller's context
		persistErr := c.store.Save(e)
		if persistErr != nil {
			c.logger.Warn("failed to persist schema", slog.String("fingerprint", fingerprint), slog.Any("error", persistErr))
		}
		c.memory.Add(fingerprint, e)

		c.logger.Info("schema rebuilt",
			slog.String("source", e.Source),
			slog.Int("tables", len(s.Tables)),
			slog.Int("warnings", len(s.Warnings)),
			slog.Duration("duration", time.Since(start)))
		return rebuildResult{entry: e, persistErr: persistErr}, nil
	})

	select {
	case <-ctx.Done():
		return rebuildResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return rebuildResult{}, res.Err
		}
		if res.Shared {
			c.logger.Debug("joined in-flight schema rebuild", slog.String("fingerprint", fingerprint))
		}
		return res.Val.(rebuildResult), nil
	}
}

// detach returns a context that ignores cancellation of ctx but keeps its deadline
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

func summarize(e *Entry) *Summary {
	names := e.Schema.TableNames()
	return &Summary{
		Fingerprint: e.Fingerprint,
		Message:     fmt.Sprintf("Successfully loaded schema for %d tables", len(names)),
		TableCount:  len(names),
		TableNames:  names,
		Warnings:    append([]string(nil), e.Schema.Warnings...),
		GeneratedAt: e.GeneratedAt,
	}
}
