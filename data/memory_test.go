package data

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryConnector(t *testing.T) *MemoryConnector {
	t.Helper()
	logger := zerolog.Nop()
	conn, err := NewMemoryConnector(&logger, 1000)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestMemoryConnectorRoundTrip(t *testing.T) {
	conn := newTestMemoryConnector(t)
	ctx := context.Background()

	require.NoError(t, conn.Set(ctx, "evm:1:eth_chainId:abc", []byte(`"0x1"`), time.Minute))
	conn.Wait()

	value, found, err := conn.Get(ctx, "evm:1:eth_chainId:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `"0x1"`, string(value))
}

func TestMemoryConnectorMiss(t *testing.T) {
	conn := newTestMemoryConnector(t)

	_, found, err := conn.Get(context.Background(), "evm:1:eth_chainId:missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryConnectorTTLExpiry(t *testing.T) {
	conn := newTestMemoryConnector(t)
	ctx := context.Background()

	require.NoError(t, conn.Set(ctx, "short-lived", []byte("v"), 50*time.Millisecond))
	conn.Wait()

	_, found, _ := conn.Get(ctx, "short-lived")
	assert.True(t, found)

	assert.Eventually(t, func() bool {
		_, found, _ := conn.Get(ctx, "short-lived")
		return !found
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCacheDisabledVariant(t *testing.T) {
	logger := zerolog.Nop()
	cache := NewCache(&logger, 1, nil, NewPolicy(blockTime, nil))

	_, cacheable := cache.TTL("eth_chainId", nil)
	assert.False(t, cacheable, "disabled cache reports nothing as cacheable")

	_, found := cache.Get(context.Background(), "evm:1:any:key", "eth_chainId")
	assert.False(t, found)

	// Set on a disabled cache is a no-op, not a panic.
	cache.Set(context.Background(), "evm:1:any:key", "eth_chainId", []byte("{}"), time.Minute)
}

func TestCacheReadThrough(t *testing.T) {
	logger := zerolog.Nop()
	conn := newTestMemoryConnector(t)
	cache := NewCache(&logger, 1, conn, NewPolicy(blockTime, nil))

	ttl, cacheable := cache.TTL("eth_getBlockByHash", []byte(`["0xabc",false]`))
	require.True(t, cacheable)

	cache.Set(context.Background(), "evm:1:eth_getBlockByHash:k", "eth_getBlockByHash", []byte(`{"hash":"0xabc"}`), ttl)
	conn.Wait()

	value, found := cache.Get(context.Background(), "evm:1:eth_getBlockByHash:k", "eth_getBlockByHash")
	require.True(t, found)
	assert.JSONEq(t, `{"hash":"0xabc"}`, string(value))
}
