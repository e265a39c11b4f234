package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/rs/zerolog"
)

// Checker drives the health probe protocol for one pool: every interval it
// probes all non-terminated upstreams concurrently with eth_chainId, updates
// their states, and publishes a new healthy view in a single swap.
type Checker struct {
	pool     *Pool
	logger   *zerolog.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewChecker(logger *zerolog.Logger, pool *Pool, cfg *common.HealthChecksConfig) *Checker {
	lg := logger.With().Str("component", "healthChecker").Uint64("chainId", pool.ChainId()).Logger()
	return &Checker{
		pool:     pool,
		logger:   &lg,
		interval: cfg.Interval.Duration(),
		timeout:  cfg.Timeout.Duration(),
	}
}

// Start runs the initial synchronous probe round, then probes periodically
// until the context is cancelled.
func (c *Checker) Start(ctx context.Context) {
	c.RunRound(ctx)

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunRound(ctx)
			case <-ctx.Done():
				c.logger.Debug().Msg("health checker stopping")
				return
			}
		}
	}()
}

// RunRound probes every non-terminated upstream concurrently and publishes
// the resulting healthy view exactly once.
func (c *Checker) RunRound(ctx context.Context) {
	var wg sync.WaitGroup
	for _, u := range c.pool.All() {
		if u.State() == StateTerminated {
			continue
		}
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			c.probe(ctx, u)
		}(u)
	}
	wg.Wait()

	c.pool.publish()
}

func (c *Checker) probe(ctx context.Context, u *Upstream) {
	chainLabel := fmt.Sprintf("%d", c.pool.ChainId())
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	chainId, err := u.ProbeChainId(probeCtx)
	telemetry.MetricHealthCheckDuration.WithLabelValues(chainLabel, u.Label()).Observe(time.Since(start).Seconds())

	if err != nil {
		// Probe failures are routine; the next round gets another chance.
		c.logger.Warn().Err(err).Str("upstream", u.Label()).Msg("health probe failed")
		telemetry.MetricHealthCheckErrorsTotal.WithLabelValues(chainLabel, u.Label(), "probe_failed").Inc()
		u.setState(StateUnhealthy)
		return
	}

	if chainId != c.pool.ChainId() {
		c.logger.Error().
			Str("upstream", u.Label()).
			Uint64("expected", c.pool.ChainId()).
			Uint64("received", chainId).
			Msg("upstream serves a different chain, terminating it permanently")
		telemetry.MetricHealthCheckErrorsTotal.WithLabelValues(chainLabel, u.Label(), "chain_id_mismatch").Inc()
		u.setState(StateTerminated)
		return
	}

	u.setState(StateHealthy)
}
