package cache

import (
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/record"
)

// Entry represents a cached profile record.
type Entry struct {
	// Row is the record rendered in schema order.
	Row []string `json:"row"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the record was stored.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry wraps r with an expiry ttl from now.
func NewEntry(r record.Record, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Row:      r.Row(),
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// Record rebuilds the cached record.
func (e *Entry) Record() (record.Record, error) {
	return record.FromRow(e.Row)
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
