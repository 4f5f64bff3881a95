package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/maiproxy/maiproxy/store"
)

const rootKey = "root"

// RootPage is a fixed-TTL read-through cache for the origin's front page.
// Unlike the catalog there is no stale-serving: an expired entry is a miss.
type RootPage struct {
	store *Store
	fetch FetchFunc
	ttl   time.Duration
	group singleflight.Group
	log   zerolog.Logger
	now   func() time.Time
}

func NewRootPage(s *Store, fetch FetchFunc, ttl time.Duration, log zerolog.Logger) *RootPage {
	return &RootPage{
		store: s,
		fetch: fetch,
		ttl:   ttl,
		log:   log.With().Str("cache", rootKey).Logger(),
		now:   time.Now,
	}
}

// Get returns the cached front page, fetching and storing it on a miss.
func (r *RootPage) Get(ctx context.Context) (Entry, error) {
	stored, err := r.store.Get(rootKey)
	if err == nil && stored.Fresh(r.now()) {
		return stored, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Entry{}, err
	}

	fresh, err, _ := r.group.Do(rootKey, func() (interface{}, error) {
		result, err := r.fetch(ctx)
		if err != nil {
			return Entry{}, err
		}
		entry := Entry{
			Key:         rootKey,
			Body:        result.Body,
			ContentType: result.ContentType,
			StoredAt:    r.now(),
			TTL:         r.ttl,
		}
		if err := r.store.Put(entry); err != nil {
			return Entry{}, err
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return fresh.(Entry), nil
}
