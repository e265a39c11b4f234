package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/telemetry"
	"github.com/evmgate/evmgate/util"
	"github.com/rs/zerolog"
)

// HealthState is the lifecycle state of an upstream. Only Healthy upstreams
// are eligible for selection. Terminated is permanent: a chain-id mismatch
// means the operator pointed the gateway at the wrong node, and no amount of
// probing can fix that.
type HealthState int32

const (
	StateUnknown HealthState = iota
	StateHealthy
	StateUnhealthy
	StateTerminated
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Upstream is a single backend RPC node. It sends one JSON-RPC call per
// Forward invocation and classifies the result; retrying is the caller's job.
type Upstream struct {
	config  *common.UpstreamConfig
	chainId uint64
	label   string
	logger  *zerolog.Logger
	client  *http.Client
	state   atomic.Int32
}

func NewUpstream(logger *zerolog.Logger, chainId uint64, cfg *common.UpstreamConfig) *Upstream {
	label := util.RedactEndpoint(cfg.URL)
	lg := logger.With().Str("upstream", label).Logger()
	return &Upstream{
		config:  cfg,
		chainId: chainId,
		label:   label,
		logger:  &lg,
		client: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
	}
}

// Label is the redacted endpoint used in logs and metric labels.
func (u *Upstream) Label() string {
	return u.label
}

func (u *Upstream) Weight() int {
	return u.config.Weight
}

func (u *Upstream) State() HealthState {
	return HealthState(u.state.Load())
}

func (u *Upstream) setState(s HealthState) {
	u.state.Store(int32(s))
}

// Forward sends a single JSON-RPC request to this upstream and classifies
// the outcome. It never retries.
func (u *Upstream) Forward(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, common.NewErrUpstreamPermanent(err, u.label, nil)
	}

	chainLabel := fmt.Sprintf("%d", u.chainId)
	telemetry.MetricUpstreamRequestTotal.WithLabelValues(chainLabel, u.label, req.Method).Inc()

	start := time.Now()
	resp, err := u.post(ctx, body)
	telemetry.MetricUpstreamDuration.WithLabelValues(chainLabel, u.label).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.MetricUpstreamErrorTotal.WithLabelValues(chainLabel, u.label, req.Method, classify(err)).Inc()
	}
	return resp, err
}

func (u *Upstream) post(ctx context.Context, body []byte) (*common.JsonRpcResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, u.config.Timeout.Duration())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, common.NewErrUpstreamPermanent(err, u.label, nil)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		// Transport errors and timeouts are worth retrying elsewhere.
		return nil, common.NewErrUpstreamTransient(err, u.label)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, common.NewErrUpstreamRateLimited(u.label)
	case httpResp.StatusCode >= 500:
		return nil, common.NewErrUpstreamTransient(
			fmt.Errorf("upstream returned HTTP %d", httpResp.StatusCode), u.label)
	case httpResp.StatusCode >= 400:
		return nil, common.NewErrUpstreamPermanent(
			fmt.Errorf("upstream returned HTTP %d", httpResp.StatusCode), u.label, nil)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, common.NewErrUpstreamTransient(err, u.label)
	}

	rpcResp := &common.JsonRpcResponse{}
	if err := json.Unmarshal(raw, rpcResp); err != nil {
		// A 2xx with an unparseable body usually means a proxy or LB in
		// front of the node misbehaved; another upstream may do better.
		return nil, common.NewErrUpstreamTransient(
			fmt.Errorf("failed to parse upstream response: %w", err), u.label)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.IsServerSideError() {
			return nil, common.NewErrUpstreamTransient(rpcResp.Error, u.label)
		}
		// Method errors (not found, invalid params, reverts) belong to the
		// client; they are forwarded verbatim and never retried.
		return nil, common.NewErrUpstreamPermanent(rpcResp.Error, u.label, rpcResp)
	}

	return rpcResp, nil
}

var probeId atomic.Int64

// ProbeChainId issues eth_chainId and returns the parsed chain id.
func (u *Upstream) ProbeChainId(ctx context.Context) (uint64, error) {
	req := &common.JsonRpcRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", probeId.Add(1))),
		Method:  "eth_chainId",
		Params:  json.RawMessage("[]"),
	}
	resp, err := u.post(ctx, mustMarshal(req))
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(resp.Result, &hex); err != nil {
		return 0, fmt.Errorf("unexpected eth_chainId result: %w", err)
	}
	return util.ParseHexUint64(hex)
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func classify(err error) string {
	if _, ok := common.AsPermanentResponse(err); ok {
		return "rpc_error"
	}
	if common.IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}
