package cache

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore keeps cache entries in a LevelDB directory. Unlike
// SQLite it has no single-writer lock, which helps when many resources
// are refreshed at once.
type LevelDBStore struct {
	db   *leveldb.DB
	path string
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db, path: path}, nil
}

func (l *LevelDBStore) Get(key string) (*Entry, bool, error) {
	entry, ok, err := l.GetStale(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !entry.Fresh(time.Now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func (l *LevelDBStore) GetStale(key string) (*Entry, bool, error) {
	value, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (l *LevelDBStore) Put(key string, rec Record, ttl time.Duration) error {
	now := time.Now()
	entry := Entry{
		Key:       key,
		Record:    rec,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiry(now, ttl),
	}
	if prev, ok, err := l.GetStale(key); err == nil && ok {
		entry.CreatedAt = prev.CreatedAt
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}
	return l.db.Put([]byte(key), buf.Bytes(), nil)
}

func (l *LevelDBStore) Invalidate(key string) (int64, error) {
	ok, err := l.db.Has([]byte(key), nil)
	if err != nil || !ok {
		return 0, err
	}
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return 0, err
	}
	return 1, nil
}

func (l *LevelDBStore) InvalidateAll() (int64, error) {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return int64(batch.Len()), nil
}

func (l *LevelDBStore) SweepExpired() (int64, error) {
	now := time.Now()
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		var entry Entry
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&entry); err != nil {
			continue
		}
		if !entry.Fresh(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return int64(batch.Len()), nil
}

func (l *LevelDBStore) Stats() (Stats, error) {
	stats := Stats{Path: l.path}
	now := time.Now()
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		stats.TotalEntries++
		var entry Entry
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&entry); err != nil {
			continue
		}
		if entry.Fresh(now) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return stats, err
	}
	stats.SizeBytes = dirSize(l.path)
	return stats, nil
}

// dirSize sums file sizes under path. LevelDB spreads the database over
// several files, so the directory total is the honest figure.
func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
