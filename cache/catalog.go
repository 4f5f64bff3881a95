package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/maiproxy/maiproxy/store"
)

const catalogKey = "catalog"

// Catalog serves the chart catalog snapshot. Within the refresh interval the
// stored snapshot is returned as-is; past it a refetch is attempted, and on
// failure the stale snapshot keeps being served. Only a cold store with an
// unreachable origin is reported as unavailable.
type Catalog struct {
	store    *Store
	fetch    FetchFunc
	interval time.Duration
	group    singleflight.Group
	log      zerolog.Logger
	now      func() time.Time
}

func NewCatalog(s *Store, fetch FetchFunc, interval time.Duration, log zerolog.Logger) *Catalog {
	return &Catalog{
		store:    s,
		fetch:    fetch,
		interval: interval,
		log:      log.With().Str("cache", catalogKey).Logger(),
		now:      time.Now,
	}
}

// Get returns the catalog snapshot, refreshing it when it has aged past the
// refresh interval. Concurrent refreshes are collapsed into one origin call.
func (c *Catalog) Get(ctx context.Context) (Entry, error) {
	stored, err := c.store.Get(catalogKey)
	haveSnapshot := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, err
	}
	if haveSnapshot && stored.Fresh(c.now()) {
		return stored, nil
	}

	fresh, err, _ := c.group.Do(catalogKey, func() (interface{}, error) {
		result, err := c.fetch(ctx)
		if err != nil {
			return Entry{}, err
		}
		entry := Entry{
			Key:         catalogKey,
			Body:        result.Body,
			ContentType: result.ContentType,
			StoredAt:    c.now(),
			TTL:         c.interval,
		}
		if err := c.store.Put(entry); err != nil {
			return Entry{}, err
		}
		return entry, nil
	})
	if err == nil {
		return fresh.(Entry), nil
	}
	if haveSnapshot {
		// availability over freshness
		c.log.Warn().Err(err).Msg("Refresh failed, serving stale snapshot")
		return stored, nil
	}
	return Entry{}, errors.Join(ErrNoSnapshot, err)
}
