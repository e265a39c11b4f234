package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/rs/zerolog"
)

// Coalescer collapses concurrent identical requests into one in-flight call.
// The first arrival for a key becomes the leader and executes the factory;
// later arrivals attach as waiters and observe the leader's exact result.
//
// Waiters detach independently on cancellation or after the coalesce
// timeout without disturbing the in-flight call; the call itself is only
// aborted when every participant has left.
type Coalescer struct {
	logger       *zerolog.Logger
	slots        sync.Map // common.CacheKey -> *coalesceSlot
	timeout      time.Duration
	methodFilter []string
	enabled      bool
	chainLabel   string
}

type coalesceSlot struct {
	resp *common.JsonRpcResponse
	err  error
	done chan struct{}

	// Number of participants (leader + waiters) still interested in the
	// outcome. When it reaches zero before completion the flight aborts.
	refs      atomic.Int64
	abort     chan struct{}
	abortOnce sync.Once
}

// leave detaches one participant; the last one out aborts the flight.
func (s *coalesceSlot) leave() {
	if s.refs.Add(-1) == 0 {
		s.abortOnce.Do(func() { close(s.abort) })
	}
}

func NewCoalescer(logger *zerolog.Logger, chainId uint64, cfg *common.CoalescingConfig) *Coalescer {
	lg := logger.With().Str("component", "coalescer").Uint64("chainId", chainId).Logger()
	return &Coalescer{
		logger:       &lg,
		timeout:      cfg.Timeout.Duration(),
		methodFilter: cfg.MethodFilter,
		enabled:      cfg.IsEnabled(),
		chainLabel:   fmt.Sprintf("%d", chainId),
	}
}

func (c *Coalescer) methodEligible(method string) bool {
	if len(c.methodFilter) == 0 {
		return true
	}
	for _, pattern := range c.methodFilter {
		if wildcard.Match(pattern, method) {
			return true
		}
	}
	return false
}

// Run executes factory under single-flight semantics for key. The returned
// coalesced flag reports whether this caller attached to another caller's
// flight rather than running the factory itself.
func (c *Coalescer) Run(
	ctx context.Context,
	key common.CacheKey,
	method string,
	factory func(ctx context.Context) (*common.JsonRpcResponse, error),
) (*common.JsonRpcResponse, error, bool) {
	if !c.enabled || !c.methodEligible(method) {
		resp, err := factory(ctx)
		return resp, err, false
	}

	newSlot := &coalesceSlot{done: make(chan struct{}), abort: make(chan struct{})}
	newSlot.refs.Store(1) // the would-be leader
	existing, loaded := c.slots.LoadOrStore(key, newSlot)
	slot := existing.(*coalesceSlot)

	if loaded {
		return c.wait(ctx, key, method, slot)
	}
	return c.lead(ctx, key, slot, factory)
}

func (c *Coalescer) lead(
	ctx context.Context,
	key common.CacheKey,
	slot *coalesceSlot,
	factory func(ctx context.Context) (*common.JsonRpcResponse, error),
) (*common.JsonRpcResponse, error, bool) {
	telemetry.MetricCoalescerInflight.WithLabelValues(c.chainLabel).Inc()
	defer telemetry.MetricCoalescerInflight.WithLabelValues(c.chainLabel).Dec()

	// The factory outlives the leader's own request: a leader whose client
	// disconnects keeps the flight alive for its waiters. Only when the
	// last participant leaves is the flight aborted.
	factoryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	leaderDone := make(chan struct{})
	defer close(leaderDone)
	go func() {
		select {
		case <-ctx.Done():
			slot.leave()
		case <-leaderDone:
			return
		}
		select {
		case <-slot.abort:
			cancel()
		case <-leaderDone:
		}
	}()

	// After the coalesce window the slot stops accepting new waiters so a
	// late arrival starts a fresh attempt instead of inheriting a stall.
	expel := time.AfterFunc(c.timeout, func() {
		c.slots.Delete(key)
	})
	defer expel.Stop()

	resp, err := factory(factoryCtx)

	slot.resp = resp
	slot.err = err
	// Remove before broadcasting so no waiter can join a completed slot. Only
	// this flight's slot is removed: after the coalesce window a newer flight
	// may already own the key.
	c.slots.CompareAndDelete(key, slot)
	close(slot.done)

	return resp, err, false
}

func (c *Coalescer) wait(
	ctx context.Context,
	key common.CacheKey,
	method string,
	slot *coalesceSlot,
) (*common.JsonRpcResponse, error, bool) {
	slot.refs.Add(1)
	telemetry.MetricCoalescedWaitersTotal.WithLabelValues(c.chainLabel, method).Inc()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-slot.done:
		slot.refs.Add(-1)
		return slot.resp, slot.err, true
	case <-ctx.Done():
		slot.leave()
		return nil, ctx.Err(), true
	case <-timer.C:
		slot.leave()
		c.logger.Debug().Str("key", key.String()).Msg("gave up waiting for in-flight call")
		return nil, common.NewErrCoalesceTimeout(key.String()), true
	}
}
