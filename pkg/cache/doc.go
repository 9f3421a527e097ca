// Package cache stores fetched profile records in Redis so a rerun, or a
// second worker process, does not hit the remote source for a handle it
// already resolved.
//
// Entries carry the record row in schema order plus an expiry. Redis expires
// the key at the same instant, so a stale entry is never served.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Source: "http", ID: "alice"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the remote source, then
//		_ = manager.Set(ctx, key, cache.NewEntry(rec, 24*time.Hour))
//	}
//
// # Metrics
//
//   - harvest_cache_lookups_total{result}
//   - harvest_cache_written_bytes_total
//   - harvest_cache_errors_total{operation}
package cache
