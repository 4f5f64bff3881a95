package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maiproxy/maiproxy/store"
)

var testDBCounter int

func newTestStore(t *testing.T) *Store {
	t.Helper()
	testDBCounter++
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	kv, err := store.NewSQLite(fmt.Sprintf("file:%s%d?mode=memory&cache=shared", name, testDBCounter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv)
}

func fetchReturning(body string, calls *int) FetchFunc {
	return func(ctx context.Context) (FetchResult, error) {
		if calls != nil {
			*calls++
		}
		return FetchResult{Body: []byte(body), ContentType: "application/json"}, nil
	}
}

func fetchFailing() FetchFunc {
	return func(ctx context.Context) (FetchResult, error) {
		return FetchResult{}, errors.New("connection refused")
	}
}

func TestCatalogColdStoreFetchesAndStores(t *testing.T) {
	s := newTestStore(t)
	var calls int
	c := NewCatalog(s, fetchReturning(`["chart"]`, &calls), 24*time.Hour, zerolog.Nop())

	entry, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, `["chart"]`, string(entry.Body))
	require.Equal(t, 1, calls)

	stored, err := s.Get("catalog")
	require.NoError(t, err)
	require.Equal(t, entry.Body, stored.Body)
}

func TestCatalogFreshReadsAreIdentical(t *testing.T) {
	s := newTestStore(t)
	var calls int
	c := NewCatalog(s, fetchReturning("v1", &calls), 24*time.Hour, zerolog.Nop())

	first, err := c.Get(context.Background())
	require.NoError(t, err)
	second, err := c.Get(context.Background())
	require.NoError(t, err)

	require.Equal(t, first.Body, second.Body)
	require.Equal(t, first.StoredAt.Unix(), second.StoredAt.Unix())
	require.Equal(t, 1, calls, "fresh reads must not refetch")
}

func TestCatalogRefreshReplacesBodyAndTimestampTogether(t *testing.T) {
	s := newTestStore(t)
	old := Entry{
		Key:         "catalog",
		Body:        []byte("old"),
		ContentType: "application/json",
		StoredAt:    time.Now().Add(-48 * time.Hour),
		TTL:         24 * time.Hour,
	}
	require.NoError(t, s.Put(old))

	c := NewCatalog(s, fetchReturning("new", nil), 24*time.Hour, zerolog.Nop())
	entry, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new", string(entry.Body))
	require.True(t, entry.StoredAt.After(old.StoredAt))

	stored, err := s.Get("catalog")
	require.NoError(t, err)
	require.Equal(t, "new", string(stored.Body))
	require.Equal(t, entry.StoredAt.Unix(), stored.StoredAt.Unix())
}

func TestCatalogServesStaleOnRefreshFailure(t *testing.T) {
	s := newTestStore(t)
	stale := Entry{
		Key:      "catalog",
		Body:     []byte("stale snapshot"),
		StoredAt: time.Now().Add(-48 * time.Hour),
		TTL:      24 * time.Hour,
	}
	require.NoError(t, s.Put(stale))

	c := NewCatalog(s, fetchFailing(), 24*time.Hour, zerolog.Nop())
	entry, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stale snapshot", string(entry.Body))
}

func TestCatalogUnavailableWithoutSnapshot(t *testing.T) {
	s := newTestStore(t)
	c := NewCatalog(s, fetchFailing(), 24*time.Hour, zerolog.Nop())

	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRootPageReadThrough(t *testing.T) {
	s := newTestStore(t)
	var calls int
	r := NewRootPage(s, fetchReturning("<html>", &calls), time.Hour, zerolog.Nop())

	first, err := r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "<html>", string(first.Body))

	second, err := r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Body, second.Body)
	require.Equal(t, 1, calls)
}

func TestRootPageExpiredIsAMiss(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(Entry{
		Key:      "root",
		Body:     []byte("old"),
		StoredAt: time.Now().Add(-2 * time.Hour),
		TTL:      time.Hour,
	}))

	var calls int
	r := NewRootPage(s, fetchReturning("new", &calls), time.Hour, zerolog.Nop())
	entry, err := r.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "new", string(entry.Body))
	require.Equal(t, 1, calls)
}

func TestRootPageMissWithUnreachableOrigin(t *testing.T) {
	s := newTestStore(t)
	r := NewRootPage(s, fetchFailing(), time.Hour, zerolog.Nop())

	_, err := r.Get(context.Background())
	require.Error(t, err)
}
