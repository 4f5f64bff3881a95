// Package store implements the durable key-value store backing the proxy:
// offline credentials, session mappings, the pending-mutation queue and the
// response cache all live in a single sqlite database and are addressed by
// namespaced keys.
package store

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Record is a raw stored value together with its key.
type Record struct {
	Key      string
	Value    []byte
	StoredAt time.Time
}

// KV is the durable store used by all namespaces.
//
// Implementations must be safe for concurrent use. A ttl of zero means the
// record never expires. Delete of an absent key is a no-op.
type KV interface {
	Put(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// All returns every live record whose key has the given prefix,
	// ordered by key.
	All(prefix string) ([]Record, error)
}

type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite opens (and if needed initializes) the store at the given sqlite
// DSN. An empty filename opens a shared in-memory database.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		expires INTEGER,
		stored_at INTEGER,
		value BLOB
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS records_expires_idx ON records (expires)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Put(key string, value []byte, ttl time.Duration) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var expires int64
	if ttl != 0 {
		expires = time.Now().Add(ttl).Unix()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO records
		(key, expires, stored_at, value) VALUES (?, ?, ?, ?)`,
		key, expires, time.Now().Unix(), value)
	return err
}

func (s *SQLite) Get(key string) ([]byte, error) {
	var expires int64
	var value []byte
	err := s.db.QueryRow("SELECT expires, value FROM records WHERE key = ?", key).
		Scan(&expires, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires != 0 && time.Now().After(time.Unix(expires, 0)) {
		// expired rows read as absent, and are purged on sight
		_ = s.Delete(key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLite) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM records WHERE key = ?", key)
	return err
}

// escapeLike neutralizes LIKE wildcards in a key prefix so that user-supplied
// key parts (usernames can contain % or _) match literally.
func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func (s *SQLite) All(prefix string) ([]Record, error) {
	records := make([]Record, 0)
	rows, err := s.db.Query(`SELECT key, expires, stored_at, value
		FROM records WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return records, err
	}
	defer rows.Close()
	now := time.Now()
	for rows.Next() {
		var rec Record
		var expires, storedAt int64
		if err := rows.Scan(&rec.Key, &expires, &storedAt, &rec.Value); err != nil {
			return records, err
		}
		if expires != 0 && now.After(time.Unix(expires, 0)) {
			continue
		}
		rec.StoredAt = time.Unix(storedAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
