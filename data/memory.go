package data

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
)

const MemoryConnectorId = "memory"

// MemoryConnector is the local cache variant: a capacity-bounded in-process
// store with per-entry TTLs.
type MemoryConnector struct {
	logger *zerolog.Logger
	cache  *ristretto.Cache[string, []byte]
}

func NewMemoryConnector(logger *zerolog.Logger, capacity int64) (*MemoryConnector, error) {
	lg := logger.With().Str("connector", MemoryConnectorId).Logger()
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Admission counters want ~10x the max entries to stay accurate.
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		// Count only the cost passed to Set, not ristretto's per-item overhead.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryConnector{
		logger: &lg,
		cache:  cache,
	}, nil
}

func (m *MemoryConnector) Id() string {
	return MemoryConnectorId
}

func (m *MemoryConnector) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, found := m.cache.Get(key)
	return value, found, nil
}

func (m *MemoryConnector) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	// Each entry costs 1 so capacity bounds the entry count, matching the
	// configured `cache.capacity` semantics.
	m.cache.SetWithTTL(key, value, 1, ttl)
	return nil
}

// Wait flushes pending writes; only tests need this level of determinism.
func (m *MemoryConnector) Wait() {
	m.cache.Wait()
}

func (m *MemoryConnector) Close() {
	m.cache.Close()
}
