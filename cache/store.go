// Package cache persists upstream API responses so they can be served
// again later, including after they have expired. Entries are never
// deleted on expiry by the stores themselves: an expired entry stays
// around as a fallback until it is overwritten or swept.
package cache

import "time"

// DefaultTTL is the freshness lifetime used when a put does not specify one.
const DefaultTTL = 5 * time.Minute

// Record is the upstream response payload stored for a resource key.
type Record struct {
	Body       []byte            `json:"body"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	ETag       string            `json:"etag,omitempty"`
}

// Entry is a stored Record together with its bookkeeping times.
type Entry struct {
	Key string `json:"key"`
	Record
	// CreatedAt is when the key was first stored. Overwrites keep it.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the entry was last written.
	UpdatedAt time.Time `json:"updated_at"`
	// ExpiresAt is when the entry stops being fresh.
	// The zero time means the entry never expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the entry may be served without revalidation.
func (e *Entry) Fresh(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Stats summarizes the contents of a store.
type Stats struct {
	TotalEntries   int64  `json:"total_entries"`
	ExpiredEntries int64  `json:"expired_entries"`
	ValidEntries   int64  `json:"valid_entries"`
	SizeBytes      int64  `json:"db_size_bytes"`
	Path           string `json:"db_path"`
}

// Store is an interface for a cache backend.
// It stores and retrieves response records keyed by resource key,
// and it keeps track of expiration times of cache entries.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the cache entry has expired, the boolean is false.
	// (The entry is kept in the store so GetStale can still find it.)
	Get(key string) (*Entry, bool, error)
	// GetStale returns the entry for the given key regardless of expiry.
	GetStale(key string) (*Entry, bool, error)
	// Put stores the given record in the cache under the given key,
	// replacing any previous record while keeping its original creation
	// time. A ttl of zero or less means DefaultTTL.
	Put(key string, rec Record, ttl time.Duration) error
	// Invalidate removes the cache entry for the given key.
	// It returns the number of entries removed (zero or one).
	Invalidate(key string) (int64, error)
	// InvalidateAll removes every cache entry and returns the number removed.
	InvalidateAll() (int64, error)
	// SweepExpired removes entries whose expiry time has passed and
	// returns the number removed. Entries that never expire are kept.
	SweepExpired() (int64, error)
	// Stats returns entry counts and on-disk size for monitoring.
	Stats() (Stats, error)
	// Close releases the underlying database handles.
	Close() error
}

// expiry resolves a ttl into an absolute expiration time.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Add(ttl)
}
