// Package cache implements the TTL response cache shared by the catalog
// snapshot and the root page. Entries are stored whole: body, content type
// and stored-at timestamp are replaced together in a single write, never
// mutated piecemeal.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maiproxy/maiproxy/store"
)

const keyPrefix = "cache:"

// ErrNoSnapshot is returned when a resource has never been cached and the
// origin cannot be reached.
var ErrNoSnapshot = errors.New("cache: no snapshot available")

// Entry is one cached response.
type Entry struct {
	Key         string        `json:"key"`
	Body        []byte        `json:"body"`
	ContentType string        `json:"contentType"`
	StoredAt    time.Time     `json:"storedAt"`
	TTL         time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Store reads and writes entries in the durable store.
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Get(key string) (Entry, error) {
	value, err := s.kv.Get(keyPrefix + key)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return Entry{}, fmt.Errorf("cache: decoding entry %q: %w", key, err)
	}
	return entry, nil
}

// Put replaces the entry wholesale. Entries carry their own TTL; the store
// record itself does not expire, so stale bodies remain available for
// stale-serving.
func (s *Store) Put(entry Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.kv.Put(keyPrefix+entry.Key, value, 0)
}

// FetchResult is a successful origin fetch.
type FetchResult struct {
	Body        []byte
	ContentType string
}

// FetchFunc retrieves a resource from the origin. It must honor the context
// deadline and return an error for any non-200 response.
type FetchFunc func(ctx context.Context) (FetchResult, error)

// Fetch builds a FetchFunc that GETs the given URL with the headers the
// origin expects from a proxy.
func Fetch(client *http.Client, url, originHost string) FetchFunc {
	return func(ctx context.Context) (FetchResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return FetchResult{}, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; maiproxy)")
		req.Header.Set("Accept", "*/*")
		if originHost != "" {
			req.Host = originHost
		}
		res, err := client.Do(req)
		if err != nil {
			return FetchResult{}, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return FetchResult{}, fmt.Errorf("cache: origin returned %d for %s", res.StatusCode, url)
		}
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{
			Body:        body,
			ContentType: res.Header.Get("Content-Type"),
		}, nil
	}
}
