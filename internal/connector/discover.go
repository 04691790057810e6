package connector

import (
	"context"
	"log/slog"

	"github.com/tordrt/llmquery/internal/apperr"
	"github.com/tordrt/llmquery/internal/schema"
)

// describeFunc describes one table of a data source
type describeFunc func(ctx context.Context, name string) (schema.Table, error)

// discoverTables describes every named table into s. A table that fails is
// skipped with a warning; a context deadline aborts the whole discovery.
func discoverTables(ctx context.Context, logger *slog.Logger, s *schema.Schema, names []string, describe describeFunc) error {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return apperr.New(apperr.KindSchemaDiscovery, "discover schema", err)
		}

		table, err := describe(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return apperr.New(apperr.KindSchemaDiscovery, "discover schema", ctx.Err())
			}
			logger.Warn("skipping table", slog.String("table", name), slog.Any("error", err))
			s.Warnf("%s: failed to extract table: %v", name, err)
			continue
		}
		if table.Name == "" {
			table.Name = name
		}
		if err := s.AddTable(table); err != nil {
			s.Warnf("%s: %v", name, err)
		}
	}

	s.ResolveReferences()
	return nil
}

// listFailed classifies a failure to enumerate tables
func listFailed(err error) error {
	return apperr.New(apperr.KindSchemaDiscovery, "discover schema", err)
}

func notConnected(op string) error {
	return apperr.Errorf(apperr.KindConnection, op, "database connection not established")
}
