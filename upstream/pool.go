package upstream

import (
	"fmt"
	"sync/atomic"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of the upstreams currently eligible for
// selection, in configured order with configured weights. Readers hold it
// for the duration of one selector call; writers publish a fresh one.
type Snapshot struct {
	Upstreams []*Upstream
}

// Pool holds the ordered upstreams of one chain and publishes the healthy
// view through an atomically swapped snapshot: readers never block writers
// and never observe a torn view.
type Pool struct {
	chainId   uint64
	logger    *zerolog.Logger
	upstreams []*Upstream
	healthy   atomic.Pointer[Snapshot]

	// Round-robin cursor, incremented once per request.
	rrCounter atomic.Uint64
}

func NewPool(logger *zerolog.Logger, chainId uint64, cfgs []*common.UpstreamConfig) *Pool {
	lg := logger.With().Uint64("chainId", chainId).Logger()
	p := &Pool{
		chainId: chainId,
		logger:  &lg,
	}
	for _, cfg := range cfgs {
		p.upstreams = append(p.upstreams, NewUpstream(&lg, chainId, cfg))
	}
	p.healthy.Store(&Snapshot{})
	return p
}

func (p *Pool) ChainId() uint64 {
	return p.chainId
}

// All returns the configured upstreams regardless of health.
func (p *Pool) All() []*Upstream {
	return p.upstreams
}

// Snapshot returns the current healthy view without blocking.
func (p *Pool) Snapshot() *Snapshot {
	return p.healthy.Load()
}

// publish rebuilds the healthy view from current states and swaps it in.
// Called by the single writer (the health checker) once per probe round.
func (p *Pool) publish() {
	chainLabel := fmt.Sprintf("%d", p.chainId)
	healthy := make([]*Upstream, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		if u.State() == StateHealthy {
			healthy = append(healthy, u)
			telemetry.MetricUpstreamHealth.WithLabelValues(chainLabel, u.Label()).Set(1)
		} else {
			telemetry.MetricUpstreamHealth.WithLabelValues(chainLabel, u.Label()).Set(0)
		}
	}
	p.healthy.Store(&Snapshot{Upstreams: healthy})
	p.logger.Debug().
		Int("healthy", len(healthy)).
		Int("configured", len(p.upstreams)).
		Msg("published healthy view")
}

// MarkAllHealthy force-publishes every non-terminated upstream as healthy.
// Used when health checks are disabled: selection still needs a view.
func (p *Pool) MarkAllHealthy() {
	for _, u := range p.upstreams {
		if u.State() != StateTerminated {
			u.setState(StateHealthy)
		}
	}
	p.publish()
}

// Ready reports readiness of this pool. In strict mode every upstream must
// have settled (Healthy or Terminated); otherwise one healthy is enough.
func (p *Pool) Ready(strict bool) bool {
	healthyCount := 0
	for _, u := range p.upstreams {
		switch u.State() {
		case StateHealthy:
			healthyCount++
		case StateTerminated:
		default:
			if strict {
				return false
			}
		}
	}
	return healthyCount > 0
}
