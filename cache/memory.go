package cache

import (
	"sync"
	"time"
)

// MemoryStore keeps cache entries in process memory. Contents are lost
// on restart, so it is mostly useful for tests and throwaway setups.
type MemoryStore struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemoryStore() MemoryStore {
	return MemoryStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemoryStore) Get(key string) (*Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.Fresh(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (m MemoryStore) GetStale(key string) (*Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (m MemoryStore) Put(key string, rec Record, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := time.Now()
	entry := Entry{
		Key:       key,
		Record:    rec,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiry(now, ttl),
	}
	if prev, ok := m.db[key]; ok {
		entry.CreatedAt = prev.CreatedAt
	}
	m.db[key] = entry
	return nil
}

func (m MemoryStore) Invalidate(key string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[key]; !ok {
		return 0, nil
	}
	delete(m.db, key)
	return 1, nil
}

func (m MemoryStore) InvalidateAll() (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	removed := int64(len(m.db))
	for key := range m.db {
		delete(m.db, key)
	}
	return removed, nil
}

func (m MemoryStore) SweepExpired() (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := time.Now()
	var removed int64
	for key, entry := range m.db {
		if !entry.Fresh(now) {
			delete(m.db, key)
			removed++
		}
	}
	return removed, nil
}

func (m MemoryStore) Stats() (Stats, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	stats := Stats{Path: ":memory:"}
	now := time.Now()
	for _, entry := range m.db {
		stats.TotalEntries++
		if entry.Fresh(now) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
		stats.SizeBytes += int64(len(entry.Body))
	}
	return stats, nil
}

func (m MemoryStore) Close() error {
	return nil
}
