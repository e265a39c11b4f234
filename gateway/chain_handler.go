package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/data"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/evmgate/evmgate/upstream"
	"github.com/evmgate/evmgate/util"
	"github.com/rs/zerolog"
)

// Response sources for logs and metrics.
const (
	sourceUpstream  = "upstream"
	sourceCache     = "cache"
	sourceCoalesced = "coalesced"
	sourceCanned    = "canned"
	sourceError     = "pre_upstream_error"
)

// ChainHandler owns the request pipeline of one chain: coalescer wrapping
// cache wrapping the retried select+forward loop.
type ChainHandler struct {
	logger    *zerolog.Logger
	chainId   uint64
	pool      *upstream.Pool
	forwarder *upstream.Forwarder
	cache     *data.Cache
	coalescer *Coalescer
	canned    *common.CannedResponseConfig
}

func NewChainHandler(
	logger *zerolog.Logger,
	chainId uint64,
	pool *upstream.Pool,
	forwarder *upstream.Forwarder,
	cache *data.Cache,
	coalescer *Coalescer,
	canned *common.CannedResponseConfig,
) *ChainHandler {
	lg := logger.With().Str("component", "chainHandler").Uint64("chainId", chainId).Logger()
	return &ChainHandler{
		logger:    &lg,
		chainId:   chainId,
		pool:      pool,
		forwarder: forwarder,
		cache:     cache,
		coalescer: coalescer,
		canned:    canned,
	}
}

func (h *ChainHandler) Pool() *upstream.Pool {
	return h.pool
}

// Handle runs one JSON-RPC call through the pipeline and returns the
// envelope for the client, with the client's id echoed on every path.
func (h *ChainHandler) Handle(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	start := time.Now()
	clientId := req.ID

	resp, source, err := h.handle(ctx, req)

	chainLabel := fmt.Sprintf("%d", h.chainId)
	success := "true"
	if err != nil || (resp != nil && resp.Error != nil) {
		success = "false"
	}
	telemetry.MetricRequestTotal.WithLabelValues(chainLabel, req.Method, source, success).Inc()
	telemetry.MetricRequestDuration.WithLabelValues(chainLabel, req.Method, source).Observe(time.Since(start).Seconds())

	h.logger.Debug().
		Str("method", req.Method).
		Str("source", source).
		Str("success", success).
		Dur("elapsed", time.Since(start)).
		Msg("rpc response ready")

	if err != nil {
		return nil, err
	}
	return resp.WithID(clientId), nil
}

func (h *ChainHandler) handle(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, string, error) {
	if resp := h.tryCannedResponse(req); resp != nil {
		return resp, sourceCanned, nil
	}

	key, err := common.NewCacheKey(h.chainId, req)
	if err != nil {
		return nil, sourceError, err
	}

	// The cache read sits inside the coalesced section so that a waiter
	// arriving just after the winner's cache write still benefits from it.
	var leaderSource string
	resp, err, coalesced := h.coalescer.Run(ctx, key, req.Method, func(ctx context.Context) (*common.JsonRpcResponse, error) {
		return h.cacheThenUpstream(ctx, key, req, &leaderSource)
	})

	source := leaderSource
	if coalesced {
		source = sourceCoalesced
	}
	if err != nil {
		if envelope, ok := common.AsPermanentResponse(err); ok {
			// Method errors belong to the client, not the gateway; forward
			// the upstream's envelope verbatim.
			return envelope, source, nil
		}
		if source == "" {
			source = sourceError
		}
		return nil, source, err
	}
	return resp, source, nil
}

func (h *ChainHandler) cacheThenUpstream(
	ctx context.Context,
	key common.CacheKey,
	req *common.JsonRpcRequest,
	source *string,
) (*common.JsonRpcResponse, error) {
	*source = sourceError

	ttl, cacheable := h.cache.TTL(req.Method, req.Params)
	if cacheable {
		if result, ok := h.cache.Get(ctx, key, req.Method); ok {
			*source = sourceCache
			return common.NewJsonRpcResult(req.ID, result), nil
		}
	}

	resp, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		return nil, err
	}
	*source = sourceUpstream

	h.observeTip(req, resp)

	if cacheable && resp.Error == nil {
		// Fire and forget: the response must not wait on the cache, and a
		// failed write is invisible to the client.
		go h.cache.Set(context.WithoutCancel(ctx), key, req.Method, resp.Result, ttl)
	}

	return resp, nil
}

// observeTip feeds the cache policy's view of the chain head from responses
// that happen to carry it.
func (h *ChainHandler) observeTip(req *common.JsonRpcRequest, resp *common.JsonRpcResponse) {
	if req.Method != "eth_blockNumber" || resp.Error != nil {
		return
	}
	var hex string
	if err := json.Unmarshal(resp.Result, &hex); err != nil {
		return
	}
	if block, err := util.ParseHexUint64(hex); err == nil {
		h.cache.ObserveTip(block)
	}
}

func (h *ChainHandler) tryCannedResponse(req *common.JsonRpcRequest) *common.JsonRpcResponse {
	if !h.canned.Enabled {
		return nil
	}
	switch req.Method {
	case "eth_chainId":
		if h.canned.Methods.EthChainId {
			return common.NewJsonRpcResult(req.ID, json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("0x%x", h.chainId))))
		}
	case "web3_clientVersion":
		if h.canned.Methods.Web3ClientVersion {
			return common.NewJsonRpcResult(req.ID, json.RawMessage(fmt.Sprintf("%q", "evmgate/"+common.Version)))
		}
	}
	return nil
}
