package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_lookups_total",
			Help: "Profile cache lookups by result",
		},
		[]string{"result"}, // hit, miss, expired
	)

	writtenBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_cache_written_bytes_total",
			Help: "Bytes of profile entries written to the cache",
		},
	)

	opErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_errors_total",
			Help: "Cache operation errors",
		},
		[]string{"operation"},
	)
)
