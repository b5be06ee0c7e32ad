package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisPrefix namespaces cache keys so the store can share a Redis db
// with other applications.
const redisPrefix = "apicache:"

// RedisStore keeps cache entries in Redis as JSON values. Entries are
// written without a Redis TTL on purpose: expiry lives inside the entry
// so an expired body is still there to serve as a fallback until swept.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(key string) (*Entry, bool, error) {
	entry, ok, err := r.GetStale(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !entry.Fresh(time.Now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func (r *RedisStore) GetStale(key string) (*Entry, bool, error) {
	value, err := r.client.Get(context.Background(), redisPrefix+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (r *RedisStore) Put(key string, rec Record, ttl time.Duration) error {
	now := time.Now()
	entry := Entry{
		Key:       key,
		Record:    rec,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiry(now, ttl),
	}
	if prev, ok, err := r.GetStale(key); err == nil && ok {
		entry.CreatedAt = prev.CreatedAt
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(context.Background(), redisPrefix+key, value, 0).Err()
}

func (r *RedisStore) Invalidate(key string) (int64, error) {
	return r.client.Del(context.Background(), redisPrefix+key).Result()
}

func (r *RedisStore) InvalidateAll() (int64, error) {
	ctx := context.Background()
	var removed int64
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, iter.Err()
}

func (r *RedisStore) SweepExpired() (int64, error) {
	ctx := context.Background()
	now := time.Now()
	var removed int64
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		value, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return removed, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		if !entry.Fresh(now) {
			n, err := r.client.Del(ctx, iter.Val()).Result()
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, iter.Err()
}

func (r *RedisStore) Stats() (Stats, error) {
	ctx := context.Background()
	now := time.Now()
	stats := Stats{Path: r.client.Options().Addr}
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		value, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return stats, err
		}
		stats.TotalEntries++
		stats.SizeBytes += int64(len(value))
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		if entry.Fresh(now) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
	}
	return stats, iter.Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
