package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager stores fetched profile records in Redis as JSON entries. Redis
// expires keys on its own; the Expires field guards against clock skew
// between writer and reader.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get returns the entry stored under key, or ErrCacheMiss. Undecodable
// entries are evicted.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			lookups.WithLabelValues("miss").Inc()
			return nil, ErrCacheMiss
		}
		opErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		opErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, err
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		lookups.WithLabelValues("expired").Inc()
		return nil, ErrCacheMiss
	}

	lookups.WithLabelValues("hit").Inc()
	return entry, nil
}

// GetRecord returns the cached record for key. Entries whose row no longer
// fits the record schema are evicted and reported as ErrInvalidEntry.
func (m *Manager) GetRecord(ctx context.Context, key Key) (record.Record, error) {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return record.Record{}, err
	}
	r, err := entry.Record()
	if err != nil {
		opErrors.WithLabelValues("decode").Inc()
		_ = m.Delete(ctx, key)
		return record.Record{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return r, nil
}

// PutRecord caches r under key for ttl.
func (m *Manager) PutRecord(ctx context.Context, key Key, r record.Record, ttl time.Duration) error {
	return m.Set(ctx, key, NewEntry(r, ttl))
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if len(entry.Row) != record.NumFields {
		return nil, fmt.Errorf("%w: row has %d cells", ErrInvalidEntry, len(entry.Row))
	}
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// Entries that are already expired are not stored.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		opErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		opErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	writtenBytes.Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		opErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// UpdateTTL moves the expiry of an existing entry.
func (m *Manager) UpdateTTL(ctx context.Context, key Key, newExpires time.Time) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.Expires = newExpires
	return m.Set(ctx, key, entry)
}
