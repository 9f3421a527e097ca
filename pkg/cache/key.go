package cache

import (
	"strings"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "harvest:profile"

// Key identifies a cached record.
type Key struct {
	// Source names the provider that produced the record (e.g. "http", "page").
	// Records from different sources are cached separately.
	Source string

	// ID is the normalized handle.
	ID identifier.ID
}

// String generates the Redis key.
// Format: harvest:profile:<source>:<id>
//
// Example:
//
//	harvest:profile:http:alice
func (k Key) String() string {
	parts := []string{KeyPrefix}
	if s := strings.TrimSpace(k.Source); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, string(k.ID))
	return strings.Join(parts, ":")
}
