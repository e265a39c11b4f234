package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/data"
	"github.com/evmgate/evmgate/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	handler *ChainHandler
	conn    *data.MemoryConnector
}

type fixtureOptions struct {
	strategy   string
	maxRetries int
	withCache  bool
	coalescing *common.CoalescingConfig
	canned     *common.CannedResponseConfig
}

func newHandlerFixture(t *testing.T, opts fixtureOptions, upstreamURLs ...string) *handlerFixture {
	t.Helper()
	logger := zerolog.Nop()

	if opts.strategy == "" {
		opts.strategy = common.StrategyRoundRobin
	}
	if opts.maxRetries == 0 {
		opts.maxRetries = 2
	}
	if opts.coalescing == nil {
		opts.coalescing = &common.CoalescingConfig{Timeout: common.Duration(2 * time.Second)}
	}
	if opts.canned == nil {
		opts.canned = &common.CannedResponseConfig{}
	}

	cfgs := make([]*common.UpstreamConfig, 0, len(upstreamURLs))
	for _, url := range upstreamURLs {
		cfgs = append(cfgs, &common.UpstreamConfig{
			URL:     url,
			Timeout: common.Duration(2 * time.Second),
			Weight:  1,
		})
	}

	pool := upstream.NewPool(&logger, 1, cfgs)
	pool.MarkAllHealthy()

	sel, err := upstream.NewSelector(pool, opts.strategy)
	require.NoError(t, err)

	jitter := false
	fwd := upstream.NewForwarder(&logger, pool, sel, &common.ErrorHandlingConfig{
		Type:       common.ErrorHandlingRetry,
		MaxRetries: opts.maxRetries,
		RetryDelay: common.Duration(10 * time.Millisecond),
		Jitter:     &jitter,
	})

	var conn *data.MemoryConnector
	var connector data.Connector
	if opts.withCache {
		conn, err = data.NewMemoryConnector(&logger, 1000)
		require.NoError(t, err)
		t.Cleanup(conn.Close)
		connector = conn
	}
	cache := data.NewCache(&logger, 1, connector, data.NewPolicy(12*time.Second, nil))

	coalescer := NewCoalescer(&logger, 1, opts.coalescing)

	return &handlerFixture{
		handler: NewChainHandler(&logger, 1, pool, fwd, cache, coalescer, opts.canned),
		conn:    conn,
	}
}

func rpcServer(t *testing.T, calls *atomic.Int64, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func resultHandler(result string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":42,"result":%s}`, result)
	}
}

func parseRequest(t *testing.T, body string) *common.JsonRpcRequest {
	t.Helper()
	req, err := common.ParseJsonRpcRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestChainHandlerHappyPath(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, resultHandler(`"0x10"`))

	fx := newHandlerFixture(t, fixtureOptions{}, ts.URL)

	resp, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":7}`))
	require.NoError(t, err)

	// The upstream echoed id 42; the client must still see its own id.
	assert.Equal(t, json.RawMessage("7"), resp.ID)
	assert.Equal(t, `"0x10"`, string(resp.Result))
	assert.Nil(t, resp.Error)
	assert.Equal(t, int64(1), calls.Load())
}

func TestChainHandlerCacheHit(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, resultHandler(`{"hash":"0xabc","number":"0x1"}`))

	fx := newHandlerFixture(t, fixtureOptions{withCache: true}, ts.URL)

	first, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_getBlockByHash","params":["0xabc",false],"id":1}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// The write is fire-and-forget; wait for it to land.
	require.Eventually(t, func() bool {
		fx.conn.Wait()
		_, found, _ := fx.conn.Get(context.Background(), probeKey(t))
		return found
	}, 2*time.Second, 10*time.Millisecond)

	// Identical request with a different id is served from cache.
	second, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_getBlockByHash","params":["0xabc",false],"id":"two"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load(), "second request must not reach the upstream")
	assert.Equal(t, json.RawMessage(`"two"`), second.ID)
	assert.JSONEq(t, string(first.Result), string(second.Result))
}

func probeKey(t *testing.T) string {
	t.Helper()
	req, err := common.ParseJsonRpcRequest([]byte(`{"jsonrpc":"2.0","method":"eth_getBlockByHash","params":["0xabc",false],"id":99}`))
	require.NoError(t, err)
	key, err := common.NewCacheKey(1, req)
	require.NoError(t, err)
	return key.String()
}

func TestChainHandlerCoalescesConcurrentRequests(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		// Hold the response so all clients pile onto one flight.
		time.Sleep(200 * time.Millisecond)
		resultHandler(`{"transactionHash":"0xfeed","status":"0x1"}`)(w, r)
	})

	fx := newHandlerFixture(t, fixtureOptions{withCache: true}, ts.URL)

	const clients = 100
	var wg sync.WaitGroup
	results := make([]*common.JsonRpcResponse, clients)
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_getTransactionReceipt","params":["0xfeed"],"id":%d}`, i)
			results[i], errs[i] = fx.handler.Handle(context.Background(), parseRequest(t, body))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "one upstream POST for all concurrent identical requests")
	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"transactionHash":"0xfeed","status":"0x1"}`, string(results[i].Result))
		assert.Equal(t, json.RawMessage(fmt.Sprintf("%d", i)), results[i].ID, "each client keeps its own id")
	}
}

func TestChainHandlerRetriesAcrossUpstreams(t *testing.T) {
	var badCalls, goodCalls atomic.Int64
	bad := rpcServer(t, &badCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	good := rpcServer(t, &goodCalls, resultHandler(`"0x1"`))

	fx := newHandlerFixture(t, fixtureOptions{strategy: common.StrategyRoundRobin, maxRetries: 2}, bad.URL, good.URL)

	resp, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	require.NoError(t, err)

	assert.Equal(t, `"0x1"`, string(resp.Result))
	assert.Equal(t, int64(1), badCalls.Load())
	assert.Equal(t, int64(1), goodCalls.Load())
}

func TestChainHandlerForwardsPermanentErrorEnvelope(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	})

	fx := newHandlerFixture(t, fixtureOptions{maxRetries: 3}, ts.URL)

	resp, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_fancyMethod","params":[],"id":7}`))
	require.NoError(t, err, "method errors are responses, not gateway failures")

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, "method not found", resp.Error.Message)
	assert.Equal(t, json.RawMessage("7"), resp.ID, "id rewritten to the client's")
	assert.Equal(t, int64(1), calls.Load(), "no retry on permanent errors")
}

func TestChainHandlerDoesNotCacheErrorResponses(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`))
	})

	fx := newHandlerFixture(t, fixtureOptions{withCache: true}, ts.URL)

	body := `{"jsonrpc":"2.0","method":"eth_getBlockByHash","params":["0xabc",false],"id":1}`
	_, err := fx.handler.Handle(context.Background(), parseRequest(t, body))
	require.NoError(t, err)

	// Give any (incorrect) async write a chance to land.
	time.Sleep(50 * time.Millisecond)
	fx.conn.Wait()

	_, err = fx.handler.Handle(context.Background(), parseRequest(t, body))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "error envelopes must not be served from cache")
}

func TestChainHandlerCannedResponses(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, resultHandler(`"0x10"`))

	fx := newHandlerFixture(t, fixtureOptions{
		canned: &common.CannedResponseConfig{
			Enabled: true,
			Methods: common.CannedResponseMethodsConfig{EthChainId: true, Web3ClientVersion: true},
		},
	}, ts.URL)

	resp, err := fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":5}`))
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(resp.Result))
	assert.Equal(t, json.RawMessage("5"), resp.ID)
	assert.Equal(t, int64(0), calls.Load(), "canned responses never reach the upstream")

	resp, err = fx.handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"web3_clientVersion","params":[],"id":6}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp.Result), "evmgate/")
}

func TestChainHandlerObservesTip(t *testing.T) {
	var calls atomic.Int64
	ts := rpcServer(t, &calls, resultHandler(`"0x3e8"`)) // block 1000

	logger := zerolog.Nop()
	policy := data.NewPolicy(12*time.Second, nil)
	conn, err := data.NewMemoryConnector(&logger, 100)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	pool := upstream.NewPool(&logger, 1, []*common.UpstreamConfig{
		{URL: ts.URL, Timeout: common.Duration(time.Second), Weight: 1},
	})
	pool.MarkAllHealthy()
	sel, err := upstream.NewSelector(pool, common.StrategyPrimaryOnly)
	require.NoError(t, err)
	fwd := upstream.NewForwarder(&logger, pool, sel, &common.ErrorHandlingConfig{Type: common.ErrorHandlingFailFast})
	cache := data.NewCache(&logger, 1, conn, policy)
	coalescer := NewCoalescer(&logger, 1, &common.CoalescingConfig{Timeout: common.Duration(time.Second)})
	handler := NewChainHandler(&logger, 1, pool, fwd, cache, coalescer, &common.CannedResponseConfig{})

	_, err = handler.Handle(context.Background(),
		parseRequest(t, `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), policy.LatestBlock())
}
