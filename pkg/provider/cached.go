package provider

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/cache"
	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/rs/zerolog"
)

// Cached serves records from the profile cache and falls back to the
// wrapped provider on a miss. Cache errors never fail a fetch.
type Cached struct {
	next   Provider
	cache  *cache.Manager
	source string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCached wraps next. source keeps records of different providers apart.
func NewCached(next Provider, manager *cache.Manager, source string, ttl time.Duration, logger zerolog.Logger) *Cached {
	return &Cached{
		next:   next,
		cache:  manager,
		source: source,
		ttl:    ttl,
		logger: logger.With().Str("component", "provider").Str("provider", "cached").Logger(),
	}
}

// Fetch implements Provider.
func (c *Cached) Fetch(ctx context.Context, id identifier.ID) (record.Record, error) {
	key := cache.Key{Source: c.source, ID: id}

	cached, err := c.cache.GetRecord(ctx, key)
	switch {
	case err == nil:
		c.logger.Debug().Str("identifier", string(id)).Msg("Cache hit")
		return cached, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		c.logger.Warn().Err(err).Str("identifier", string(id)).Msg("Cache get error")
	}

	r, err := c.next.Fetch(ctx, id)
	if err != nil {
		return record.Record{}, err
	}

	if err := c.cache.PutRecord(ctx, key, r, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("identifier", string(id)).Msg("Failed to cache profile")
	}
	return r, nil
}
