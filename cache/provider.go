package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is an interface for a named-cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped into named caches. Each cache generation (e.g. a versioned
// application-shell cache) is one named cache.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the stored bytes for the given key in the named cache,
	// along with a boolean indicating whether the entry exists.
	Get(cache, key string) ([]byte, bool, error)
	// Put stores the given bytes in the named cache under the given key,
	// replacing any previous entry.
	Put(cache, key string, bytes []byte) error
	// Delete removes the entry for the given key from the named cache.
	// Deleting a missing entry is not an error.
	Delete(cache, key string) error
	// DeleteCache removes the named cache and every entry in it.
	DeleteCache(cache string) error
	// CacheNames returns the names of all caches that hold at least one entry.
	CacheNames() ([]string, error)
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]memEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]memEntry),
	}
}

func (m MemCache) Get(cache, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[cache]
	if !ok {
		return nil, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(cache, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[cache]
	if !ok {
		entries = make(map[string]memEntry)
		m.db[cache] = entries
	}
	entries[key] = memEntry{time.Now(), bytes}
	return nil
}

func (m MemCache) Delete(cache, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if entries, ok := m.db[cache]; ok {
		delete(entries, key)
	}
	return nil
}

func (m MemCache) DeleteCache(cache string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, cache)
	return nil
}

func (m MemCache) CacheNames() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name, entries := range m.db {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	return names, nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteCache(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec(
		"CREATE TABLE IF NOT EXISTS entries (cache TEXT NOT NULL, key TEXT NOT NULL, bytes BLOB, stored_at INTEGER, PRIMARY KEY (cache, key))"); err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS cache_idx ON entries (cache)"); err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return SQLiteCache{}, err
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(cache, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE cache = ? AND key = ?", cache, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(cache, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries (cache, key, bytes, stored_at) VALUES (?, ?, ?, ?)",
		cache, key, bytes, time.Now().Unix())
	return err
}

func (s SQLiteCache) Delete(cache, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE cache = ? AND key = ?", cache, key)
	return err
}

func (s SQLiteCache) DeleteCache(cache string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE cache = ?", cache)
	return err
}

func (s SQLiteCache) CacheNames() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT cache FROM entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
