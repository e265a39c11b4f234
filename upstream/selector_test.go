package upstream

import (
	"testing"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, urls ...string) *Pool {
	t.Helper()
	logger := zerolog.Nop()
	cfgs := make([]*common.UpstreamConfig, 0, len(urls))
	for _, url := range urls {
		cfgs = append(cfgs, &common.UpstreamConfig{
			URL:     url,
			Timeout: common.Duration(time.Second),
			Weight:  1,
		})
	}
	pool := NewPool(&logger, 1, cfgs)
	pool.MarkAllHealthy()
	return pool
}

func TestPrimaryOnlySelector(t *testing.T) {
	pool := newTestPool(t, "http://a.localhost:1", "http://b.localhost:1")
	sel, err := NewSelector(pool, common.StrategyPrimaryOnly)
	require.NoError(t, err)

	first, err := sel.Select(pool.Snapshot(), nil)
	require.NoError(t, err)
	assert.Equal(t, pool.All()[0], first)

	// Repeated requests stay on the primary.
	again, err := sel.Select(pool.Snapshot(), nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// A retry must not reuse the failed upstream while another is healthy.
	next, err := sel.Select(pool.Snapshot(), first)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestRoundRobinSelectorFairness(t *testing.T) {
	pool := newTestPool(t, "http://a.localhost:1", "http://b.localhost:1", "http://c.localhost:1")
	sel, err := NewSelector(pool, common.StrategyRoundRobin)
	require.NoError(t, err)

	const rounds = 3000
	counts := map[*Upstream]int{}
	for i := 0; i < rounds; i++ {
		u, err := sel.Select(pool.Snapshot(), nil)
		require.NoError(t, err)
		counts[u]++
	}

	require.Len(t, counts, 3)
	for _, c := range counts {
		assert.Equal(t, rounds/3, c)
	}
}

func TestRoundRobinRetryAdvancesWithoutConsumingCounter(t *testing.T) {
	pool := newTestPool(t, "http://a.localhost:1", "http://b.localhost:1", "http://c.localhost:1")
	sel, err := NewSelector(pool, common.StrategyRoundRobin)
	require.NoError(t, err)

	first, err := sel.Select(pool.Snapshot(), nil)
	require.NoError(t, err)

	// Retries within one request walk the ring deterministically.
	second, err := sel.Select(pool.Snapshot(), first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	third, err := sel.Select(pool.Snapshot(), second)
	require.NoError(t, err)
	assert.NotEqual(t, second, third)

	// The next fresh request continues from where the counter left off:
	// exactly one increment for the previous request despite its retries.
	fresh, err := sel.Select(pool.Snapshot(), nil)
	require.NoError(t, err)
	idx := indexOf(pool.Snapshot(), fresh)
	firstIdx := indexOf(pool.Snapshot(), first)
	assert.Equal(t, (firstIdx+1)%3, idx)
}

func indexOf(snap *Snapshot, target *Upstream) int {
	for i, u := range snap.Upstreams {
		if u == target {
			return i
		}
	}
	return -1
}

func TestWeightedSelectorDistribution(t *testing.T) {
	logger := zerolog.Nop()
	pool := NewPool(&logger, 1, []*common.UpstreamConfig{
		{URL: "http://a.localhost:1", Timeout: common.Duration(time.Second), Weight: 9},
		{URL: "http://b.localhost:1", Timeout: common.Duration(time.Second), Weight: 1},
	})
	pool.MarkAllHealthy()
	sel, err := NewSelector(pool, common.StrategyWeighted)
	require.NoError(t, err)

	const rounds = 5000
	heavy := 0
	for i := 0; i < rounds; i++ {
		u, err := sel.Select(pool.Snapshot(), nil)
		require.NoError(t, err)
		if u == pool.All()[0] {
			heavy++
		}
	}

	// Expect ~90%, leave generous slack for randomness.
	assert.Greater(t, heavy, rounds*8/10)
	assert.Less(t, heavy, rounds*97/100)
}

func TestWeightedSelectorAvoidsPreviousOnRetry(t *testing.T) {
	pool := newTestPool(t, "http://a.localhost:1", "http://b.localhost:1")
	sel, err := NewSelector(pool, common.StrategyWeighted)
	require.NoError(t, err)

	prev := pool.All()[0]
	for i := 0; i < 100; i++ {
		u, err := sel.Select(pool.Snapshot(), prev)
		require.NoError(t, err)
		assert.NotEqual(t, prev, u)
	}
}

func TestSelectorsFailWithEmptyHealthyView(t *testing.T) {
	logger := zerolog.Nop()
	pool := NewPool(&logger, 1, []*common.UpstreamConfig{
		{URL: "http://a.localhost:1", Timeout: common.Duration(time.Second), Weight: 1},
	})
	// No probe round ran: healthy view is empty.

	for _, strategy := range []string{common.StrategyPrimaryOnly, common.StrategyRoundRobin, common.StrategyWeighted} {
		sel, err := NewSelector(pool, strategy)
		require.NoError(t, err)
		_, err = sel.Select(pool.Snapshot(), nil)
		require.Error(t, err, strategy)
		var noHealthy *common.ErrNoHealthyUpstream
		assert.ErrorAs(t, err, &noHealthy)
	}
}

func TestNewSelectorRejectsUnknownStrategy(t *testing.T) {
	pool := newTestPool(t, "http://a.localhost:1")
	_, err := NewSelector(pool, "fastest_first")
	assert.Error(t, err)
}
