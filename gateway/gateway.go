package gateway

import (
	"context"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/data"
	"github.com/evmgate/evmgate/upstream"
	"github.com/rs/zerolog"
)

// Gateway owns one chain handler per configured chain plus the health
// checkers driving their pools.
type Gateway struct {
	logger   *zerolog.Logger
	config   *common.Config
	handlers map[uint64]*ChainHandler
	checkers map[uint64]*upstream.Checker
}

func NewGateway(ctx context.Context, logger *zerolog.Logger, cfg *common.Config) (*Gateway, error) {
	lg := logger.With().Str("component", "gateway").Logger()

	// One connector shared across chains; keys embed the chain id.
	connector, err := data.NewConnector(ctx, &lg, &cfg.Cache)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		logger:   &lg,
		config:   cfg,
		handlers: make(map[uint64]*ChainHandler),
		checkers: make(map[uint64]*upstream.Checker),
	}

	for chainId, chainCfg := range cfg.Chains {
		pool := upstream.NewPool(&lg, chainId, chainCfg.Upstreams)

		selector, err := upstream.NewSelector(pool, cfg.LoadBalancing.Strategy)
		if err != nil {
			return nil, err
		}
		forwarder := upstream.NewForwarder(&lg, pool, selector, &cfg.ErrorHandling)

		policy := data.NewPolicy(chainCfg.BlockTime.Duration(), cfg.Cache.TTLOverrides)
		cache := data.NewCache(&lg, chainId, connector, policy)

		coalescer := NewCoalescer(&lg, chainId, &cfg.Coalescing)

		g.handlers[chainId] = NewChainHandler(&lg, chainId, pool, forwarder, cache, coalescer, &cfg.CannedResponse)
		g.checkers[chainId] = upstream.NewChecker(&lg, pool, &cfg.HealthChecks)
	}

	return g, nil
}

// Handler returns the chain handler for chainId.
func (g *Gateway) Handler(chainId uint64) (*ChainHandler, error) {
	h, ok := g.handlers[chainId]
	if !ok {
		return nil, common.NewErrChainNotFound(chainId)
	}
	return h, nil
}

// StartHealthChecks runs the initial synchronous probe round for every
// chain and starts the periodic checkers. With health checks disabled,
// every upstream is published as healthy so selection still has a view.
func (g *Gateway) StartHealthChecks(ctx context.Context) {
	if !g.config.HealthChecks.IsEnabled() {
		g.logger.Warn().Msg("upstream health checks are disabled, assuming all upstreams are healthy")
		for _, h := range g.handlers {
			h.Pool().MarkAllHealthy()
		}
		return
	}
	for _, checker := range g.checkers {
		checker.Start(ctx)
	}
}

// Ready reports overall readiness: every chain must satisfy its pool-level
// readiness rule (strict or not).
func (g *Gateway) Ready() bool {
	strict := g.config.HealthChecks.StrictReadiness
	for _, h := range g.handlers {
		if !h.Pool().Ready(strict) {
			return false
		}
	}
	return true
}
