package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Sternrassler/profile-harvester/pkg/identifier"
	"github.com/Sternrassler/profile-harvester/pkg/record"
	"github.com/Sternrassler/profile-harvester/pkg/retry"
)

// MockConfig controls the offline provider.
type MockConfig struct {
	// Failures makes the listed identifiers always fail with the given class.
	Failures map[identifier.ID]retry.Class

	// Transient makes the listed identifiers fail with a server error that
	// many times before succeeding.
	Transient map[identifier.ID]int

	// Latency is added to every fetch.
	Latency time.Duration
}

// Mock is a deterministic offline provider. Field values are derived from
// a hash of the identifier, so repeated runs produce identical tables.
type Mock struct {
	config MockConfig

	mu    sync.Mutex
	calls map[identifier.ID]int
}

// NewMock creates an offline provider.
func NewMock(cfg MockConfig) *Mock {
	return &Mock{
		config: cfg,
		calls:  make(map[identifier.ID]int),
	}
}

// Fetch implements Provider.
func (m *Mock) Fetch(ctx context.Context, id identifier.ID) (record.Record, error) {
	m.mu.Lock()
	m.calls[id]++
	n := m.calls[id]
	m.mu.Unlock()

	if m.config.Latency > 0 {
		t := time.NewTimer(m.config.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return record.Record{}, retry.NewError(retry.ClassTimeout, "mock fetch", ctx.Err())
		case <-t.C:
		}
	}

	if class, ok := m.config.Failures[id]; ok {
		return record.Record{}, retry.NewError(class, fmt.Sprintf("mock failure for %s", id), nil)
	}
	if n <= m.config.Transient[id] {
		return record.Record{}, &retry.Error{Class: retry.ClassServer, StatusCode: 503, Message: "mock transient failure"}
	}

	return MockRecord(id), nil
}

// Calls returns how many times id was fetched.
func (m *Mock) Calls(id identifier.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// TotalCalls returns the number of fetches across all identifiers.
func (m *Mock) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// MockRecord returns the deterministic record for id.
func MockRecord(id identifier.ID) record.Record {
	h := fnv.New64a()
	h.Write([]byte(id))
	sum := h.Sum64()

	created := time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sum%(15*365*24)) * time.Hour)

	r, _ := record.New(map[record.Field]record.Value{
		record.FieldID:              record.String(fmt.Sprintf("VXNlcjo%d", sum%1e12)),
		record.FieldRestID:          record.String(fmt.Sprintf("%d", sum%1e12)),
		record.FieldVerified:        record.Bool(sum%7 == 0),
		record.FieldCreatedAt:       record.String(created.Format(time.RubyDate)),
		record.FieldBio:             record.String("Profile of " + string(id)),
		record.FieldFavouritesCount: record.Int(int64(sum % 50_000)),
		record.FieldFollowers:       record.Int(int64(sum % 1_000_000)),
		record.FieldFollowing:       record.Int(int64((sum >> 20) % 5_000)),
		record.FieldUsersAddedHim:   record.Int(int64((sum >> 8) % 1_000)),
		record.FieldMediaCount:      record.Int(int64((sum >> 12) % 2_000)),
		record.FieldName:            record.String(string(id)),
		record.FieldUserName:        record.String(string(id)),
		record.FieldPosts:           record.Int(int64((sum >> 16) % 100_000)),
		record.FieldURL:             record.String(ProfileURL(id)),
	})
	return r
}
