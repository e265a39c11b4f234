package upstream

import (
	"fmt"
	"math/rand"

	"github.com/evmgate/evmgate/common"
)

// Selector picks an upstream from a healthy view. prev is the upstream used
// by the previous attempt of the same request (nil on the first attempt);
// when more than one healthy upstream exists the selector never returns
// prev again, so retries spread across the pool.
type Selector interface {
	Select(snap *Snapshot, prev *Upstream) (*Upstream, error)
}

func NewSelector(pool *Pool, strategy string) (Selector, error) {
	switch strategy {
	case common.StrategyPrimaryOnly:
		return &primaryOnlySelector{pool: pool}, nil
	case common.StrategyRoundRobin:
		return &roundRobinSelector{pool: pool}, nil
	case common.StrategyWeighted:
		return &weightedSelector{pool: pool}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}
}

// nextAfter returns the healthy upstream following prev in configured order.
func nextAfter(snap *Snapshot, prev *Upstream) *Upstream {
	for i, u := range snap.Upstreams {
		if u == prev {
			return snap.Upstreams[(i+1)%len(snap.Upstreams)]
		}
	}
	// prev fell out of the healthy view between attempts.
	return snap.Upstreams[0]
}

type primaryOnlySelector struct {
	pool *Pool
}

func (s *primaryOnlySelector) Select(snap *Snapshot, prev *Upstream) (*Upstream, error) {
	if len(snap.Upstreams) == 0 {
		return nil, common.NewErrNoHealthyUpstream(s.pool.ChainId())
	}
	if prev != nil && len(snap.Upstreams) > 1 && snap.Upstreams[0] == prev {
		return nextAfter(snap, prev), nil
	}
	return snap.Upstreams[0], nil
}

type roundRobinSelector struct {
	pool *Pool
}

func (s *roundRobinSelector) Select(snap *Snapshot, prev *Upstream) (*Upstream, error) {
	if len(snap.Upstreams) == 0 {
		return nil, common.NewErrNoHealthyUpstream(s.pool.ChainId())
	}
	if prev != nil {
		// Retries advance deterministically instead of consuming the
		// counter, which ticks once per request.
		if len(snap.Upstreams) > 1 {
			return nextAfter(snap, prev), nil
		}
		return snap.Upstreams[0], nil
	}
	idx := s.pool.rrCounter.Add(1) - 1
	return snap.Upstreams[idx%uint64(len(snap.Upstreams))], nil
}

type weightedSelector struct {
	pool *Pool
}

func (s *weightedSelector) Select(snap *Snapshot, prev *Upstream) (*Upstream, error) {
	candidates := snap.Upstreams
	if len(candidates) == 0 {
		return nil, common.NewErrNoHealthyUpstream(s.pool.ChainId())
	}
	if prev != nil && len(candidates) > 1 {
		filtered := make([]*Upstream, 0, len(candidates)-1)
		for _, u := range candidates {
			if u != prev {
				filtered = append(filtered, u)
			}
		}
		candidates = filtered
	}

	total := 0
	for _, u := range candidates {
		total += u.Weight()
	}
	pick := rand.Intn(total)
	for _, u := range candidates {
		pick -= u.Weight()
		if pick < 0 {
			return u, nil
		}
	}
	return candidates[len(candidates)-1], nil
}
