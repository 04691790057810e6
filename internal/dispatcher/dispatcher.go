// Package dispatcher is the entry point used by the command line and the
// library facade. It owns the single active connector, gates every query
// through the safety validator and turns all outcomes into an Envelope.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/cache"
	"github.com/tordrt/llmquery/internal/connector"
	"github.com/tordrt/llmquery/internal/schema"
	"github.com/tordrt/llmquery/internal/translator"
	"github.com/tordrt/llmquery/internal/validator"
)

// DefaultTimeout bounds query execution and schema discovery
const DefaultTimeout = 30 * time.Second

// Operation names used in envelopes, logs and metrics
const (
	OpQuery    = "query"
	OpRawQuery = "raw_query"
	OpSchema   = "schema"
	OpRebuild  = "rebuild"
	OpTables   = "tables"
)

// disconnectTimeout bounds the release of a discarded session
const disconnectTimeout = 5 * time.Second

// Options configures a Dispatcher
type Options struct {
	Logger *slog.Logger
	// Timeout wraps each execution and discovery; zero means DefaultTimeout
	Timeout time.Duration
	// Translator is needed only for natural-language queries
	Translator translator.Translator
	Validator  *validator.Validator
	Metrics    *Metrics
}

// Dispatcher serializes work against one connector. Create it at startup and
// Close it at shutdown.
type Dispatcher struct {
	conn       connector.Connector
	cache      *cache.Cache
	validator  *validator.Validator
	translator translator.Translator
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *Metrics

	mu        sync.Mutex
	connected bool
	closed    bool
}

// New creates a dispatcher for conn. The connection is opened lazily.
func New(conn connector.Connector, c *cache.Cache, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		conn:       conn,
		cache:      c,
		validator:  opts.Validator,
		translator: opts.Translator,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Descriptor returns the descriptor of the active connector
func (d *Dispatcher) Descriptor() connector.Descriptor {
	return d.conn.Descriptor()
}

// Dialect returns the query language of the active connector
func (d *Dispatcher) Dialect() validator.Dialect {
	return d.conn.Dialect()
}

// Metrics returns the dispatcher metrics
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Query translates a natural-language prompt into a query using the cached
// schema, validates it and runs it.
func (d *Dispatcher) Query(ctx context.Context, prompt string) Envelope {
	return d.run(ctx, OpQuery, func(ctx context.Context, env *Envelope) error {
		if d.translator == nil {
			return apperr.Errorf(apperr.KindConfig, OpQuery, "natural language queries need an LLM API key")
		}
		if strings.TrimSpace(prompt) == "" {
			return apperr.Errorf(apperr.KindTranslation, OpQuery, "empty prompt")
		}

		s, err := d.cache.Get(ctx, d.source())
		if err != nil {
			return err
		}

		q, err := d.translator.Translate(ctx, translator.Request{
			Prompt:  prompt,
			Dialect: d.conn.Dialect(),
			Schema:  s,
		})
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				err = apperr.New(apperr.KindTranslation, OpQuery, err)
			}
			return err
		}
		q = translator.CleanQuery(q)
		if q == "" {
			return apperr.Errorf(apperr.KindTranslation, OpQuery, "translator returned an empty query")
		}

		env.Query = q
		return d.execute(ctx, env, q)
	})
}

// RawQuery validates and runs a query as given
func (d *Dispatcher) RawQuery(ctx context.Context, query string) Envelope {
	return d.run(ctx, OpRawQuery, func(ctx context.Context, env *Envelope) error {
		env.Query = query
		return d.execute(ctx, env, query)
	})
}

// Schema returns the cached schema, building it on first use
func (d *Dispatcher) Schema(ctx context.Context) Envelope {
	return d.run(ctx, OpSchema, func(ctx context.Context, env *Envelope) error {
		s, err := d.cache.Get(ctx, d.source())
		if err != nil {
			return err
		}
		env.Data = s
		return nil
	})
}

// Rebuild rediscovers the schema and replaces the cached entry
func (d *Dispatcher) Rebuild(ctx context.Context) Envelope {
	return d.run(ctx, OpRebuild, func(ctx context.Context, env *Envelope) error {
		summary, err := d.cache.Rebuild(ctx, d.source())
		if err != nil {
			return err
		}
		env.Data = summary
		return nil
	})
}

// Tables lists the cached table names without rebuilding
func (d *Dispatcher) Tables(ctx context.Context) Envelope {
	return d.run(ctx, OpTables, func(ctx context.Context, env *Envelope) error {
		names, cached := d.cache.List(d.conn.Descriptor())
		env.Data = TableList{Tables: names, Cached: cached}
		return nil
	})
}

// SchemaOf returns the schema payload of a successful Schema envelope
func SchemaOf(env Envelope) (*schema.Schema, bool) {
	s, ok := env.Data.(*schema.Schema)
	return s, ok
}

// Close releases the connector. Later operations fail with a connection error.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.disconnect(ctx)
	d.logger.Debug("dispatcher closed", slog.String("source", d.conn.Descriptor().String()))
}

func (d *Dispatcher) execute(ctx context.Context, env *Envelope, query string) error {
	dialect := d.conn.Dialect()
	if err := d.validator.Check(dialect, query); err != nil {
		d.metrics.rejections.WithLabelValues(string(dialect)).Inc()
		return err
	}

	var rs *connector.ResultSet
	err := d.withSession(ctx, "execute", func(ctx context.Context) error {
		var err error
		rs, err = d.conn.ExecuteQuery(ctx, query)
		return err
	})
	if err != nil {
		return err
	}

	env.Data = rs
	env.Truncated = rs.Truncated
	return nil
}

// withSession runs fn against the live session under the dispatcher lock,
// connecting first when needed. A timeout or connection failure discards the
// session so the next call reconnects.
func (d *Dispatcher) withSession(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return apperr.Errorf(apperr.KindConnection, op, "dispatcher is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if !d.connected {
		if err := d.conn.Connect(ctx); err != nil {
			err = classify(ctx, op, err, apperr.KindConnection)
			d.discard(ctx, err)
			return err
		}
		d.connected = true
		d.logger.Debug("session opened", slog.String("source", d.conn.Descriptor().String()))
	}

	if err := fn(ctx); err != nil {
		err = classify(ctx, op, err, apperr.KindExecution)
		switch apperr.KindOf(err) {
		case apperr.KindTimeout, apperr.KindConnection:
			d.discard(ctx, err)
		}
		return err
	}
	return nil
}

// classify makes sure err carries a kind. An expired deadline always wins,
// since some drivers report cancellation with their own error values.
func classify(ctx context.Context, op string, err error, fallback apperr.Kind) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTimeout) {
		return apperr.New(apperr.KindTimeout, op, fmt.Errorf("no response within deadline: %w", err))
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		return apperr.New(fallback, op, err)
	}
	return err
}

func (d *Dispatcher) discard(ctx context.Context, cause error) {
	d.metrics.discards.Inc()
	d.logger.Warn("discarding backend session",
		slog.String("source", d.conn.Descriptor().String()),
		slog.Any("error", cause))
	d.disconnect(ctx)
}

// disconnect must be called with d.mu held
func (d *Dispatcher) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	d.conn.Disconnect(ctx)
	d.connected = false
}

// run wraps one operation: request id, panic recovery, logging and metrics
func (d *Dispatcher) run(ctx context.Context, op string, fn func(ctx context.Context, env *Envelope) error) (env Envelope) {
	env = Envelope{Operation: op, RequestID: uuid.NewString()}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operation panicked",
				slog.String("request_id", env.RequestID),
				slog.String("operation", op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			env.Data = nil
			env.fail(apperr.Errorf(apperr.KindInternal, op, "internal error: %v", r))
		}

		outcome := "success"
		if !env.Success {
			outcome = string(env.ErrorKind)
		}
		elapsed := time.Since(start)
		d.metrics.observe(op, outcome, elapsed)

		attrs := []any{
			slog.String("request_id", env.RequestID),
			slog.String("operation", op),
			slog.String("outcome", outcome),
			slog.Duration("duration", elapsed),
		}
		if env.Query != "" {
			attrs = append(attrs, slog.String("query", env.Query))
		}
		if env.Success {
			d.logger.Info("operation completed", attrs...)
		} else {
			d.logger.Info("operation failed", append(attrs, slog.String("error", env.Error))...)
		}
	}()

	if err := fn(ctx, &env); err != nil {
		env.Data = nil
		env.Truncated = false
		env.fail(err)
		return env
	}
	env.Success = true
	return env
}

func (e *Envelope) fail(err error) {
	e.Success = false
	e.ErrorKind = apperr.KindOf(err)
	e.Error = err.Error()
}

// source adapts the connector for the cache, running discovery through the
// session lock and timeout
func (d *Dispatcher) source() cache.Source {
	return sessionSource{d: d}
}

type sessionSource struct {
	d *Dispatcher
}

func (s sessionSource) Descriptor() connector.Descriptor {
	return s.d.conn.Descriptor()
}

func (s sessionSource) DiscoverSchema(ctx context.Context) (*schema.Schema, error) {
	var out *schema.Schema
	err := s.d.withSession(ctx, "discover", func(ctx context.Context) error {
		var err error
		out, err = s.d.conn.DiscoverSchema(ctx)
		if err != nil && apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindSchemaDiscovery, "discover", err)
		}
		return err
	})
	return out, err
}
