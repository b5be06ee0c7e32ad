package cache

import (
	"database/sql"
	"encoding/json"
	"os"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps cache entries in a single SQLite database file.
// It is the default store.
type SQLiteStore struct {
	db   *sql.DB
	path string
	// SQLite supports only one concurrent writer
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens the database at filename, creating it if needed.
// If filename is empty, a shared in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return SQLiteStore{}, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_key TEXT UNIQUE NOT NULL,
		response_body BLOB,
		status_code INTEGER,
		headers TEXT,
		etag TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return SQLiteStore{}, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_resource_key ON api_cache (resource_key)"); err != nil {
		return SQLiteStore{}, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_expires_at ON api_cache (expires_at)"); err != nil {
		return SQLiteStore{}, err
	}
	return SQLiteStore{
		db:         db,
		path:       filename,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(key string) (*Entry, bool, error) {
	return s.get(key, false)
}

func (s SQLiteStore) GetStale(key string) (*Entry, bool, error) {
	return s.get(key, true)
}

func (s SQLiteStore) get(key string, allowStale bool) (*Entry, bool, error) {
	row := s.db.QueryRow(`SELECT
		resource_key, response_body, status_code, headers, etag, created_at, updated_at, expires_at
		FROM api_cache WHERE resource_key = ?`, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if !allowStale && !entry.Fresh(time.Now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var entry Entry
	var headers, etag sql.NullString
	var created, updated, expires int64
	err := row.Scan(&entry.Key, &entry.Body, &entry.StatusCode, &headers, &etag,
		&created, &updated, &expires)
	if err != nil {
		return nil, err
	}
	if headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &entry.Headers); err != nil {
			return nil, err
		}
	}
	entry.ETag = etag.String
	entry.CreatedAt = time.UnixMilli(created)
	entry.UpdatedAt = time.UnixMilli(updated)
	if expires > 0 {
		entry.ExpiresAt = time.UnixMilli(expires)
	}
	return &entry, nil
}

func (s SQLiteStore) Put(key string, rec Record, ttl time.Duration) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(`INSERT INTO api_cache
		(resource_key, response_body, status_code, headers, etag, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			response_body = excluded.response_body,
			status_code = excluded.status_code,
			headers = excluded.headers,
			etag = excluded.etag,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		key, rec.Body, rec.StatusCode, string(headers), rec.ETag,
		now.UnixMilli(), now.UnixMilli(), expiry(now, ttl).UnixMilli())
	return err
}

func (s SQLiteStore) Invalidate(key string) (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.Exec("DELETE FROM api_cache WHERE resource_key = ?", key)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s SQLiteStore) InvalidateAll() (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.Exec("DELETE FROM api_cache")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s SQLiteStore) SweepExpired() (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	res, err := s.db.Exec("DELETE FROM api_cache WHERE expires_at > 0 AND expires_at <= ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s SQLiteStore) Stats() (Stats, error) {
	stats := Stats{Path: s.path}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM api_cache").Scan(&stats.TotalEntries); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM api_cache WHERE expires_at > 0 AND expires_at <= ?",
		time.Now().UnixMilli()).Scan(&stats.ExpiredEntries); err != nil {
		return stats, err
	}
	stats.ValidEntries = stats.TotalEntries - stats.ExpiredEntries
	if fi, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	return stats, nil
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
