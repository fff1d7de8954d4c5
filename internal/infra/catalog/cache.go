package catalog

import (
	"context"

	"webinteract/internal/domain"
)

// Cache stores the last fetched catalog for each normalized origin.
// Get returns entries regardless of age; freshness is decided by the Fetcher.
// Implementations must hand out copies so callers cannot mutate stored tools.
type Cache interface {
	Get(ctx context.Context, origin string) (domain.CatalogEntry, bool, error)
	Set(ctx context.Context, entry domain.CatalogEntry) error
	Delete(ctx context.Context, origin string) error
	Close() error
}

func cloneEntry(entry domain.CatalogEntry) domain.CatalogEntry {
	return domain.CatalogEntry{
		Origin:    entry.Origin,
		Tools:     domain.CloneToolDescriptors(entry.Tools),
		FetchedAt: entry.FetchedAt,
	}
}
