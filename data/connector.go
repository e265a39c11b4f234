package data

import (
	"context"
	"time"
)

// Connector is a pluggable key-value store behind the cache. Caches are
// advisory: a connector may miss for any key at any time, and a Get error
// is treated as a miss by the layer above.
type Connector interface {
	Id() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
