package data

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/stretchr/testify/assert"
)

const blockTime = 12 * time.Second

func TestPolicyBuiltinTable(t *testing.T) {
	p := NewPolicy(blockTime, nil)

	cases := []struct {
		name      string
		method    string
		params    string
		wantTTL   time.Duration
		cacheable bool
	}{
		{"ChainId", "eth_chainId", `[]`, ttlPermanent, true},
		{"NetVersion", "net_version", `[]`, ttlPermanent, true},
		{"BlockByHash", "eth_getBlockByHash", `["0xabc",false]`, ttlPermanent, true},
		{"TxByHash", "eth_getTransactionByHash", `["0xabc"]`, ttlPermanent, true},
		{"Receipt", "eth_getTransactionReceipt", `["0xabc"]`, blockTime, true},
		{"BlockByNumberExplicit", "eth_getBlockByNumber", `["0x10",false]`, blockTime, true},
		{"BlockByNumberLatest", "eth_getBlockByNumber", `["latest",false]`, blockTime, true},
		{"BlockByNumberPending", "eth_getBlockByNumber", `["pending",false]`, 0, false},
		{"BlockByNumberFinalized", "eth_getBlockByNumber", `["finalized",false]`, ttlPermanent, true},
		{"BalanceExplicit", "eth_getBalance", `["0x1","0x10"]`, blockTime, true},
		{"BalanceLatest", "eth_getBalance", `["0x1","latest"]`, 0, false},
		{"BalanceNoBlock", "eth_getBalance", `["0x1"]`, 0, false},
		{"CallExplicit", "eth_call", `[{"to":"0x1"},"0x10"]`, blockTime, true},
		{"CallLatest", "eth_call", `[{"to":"0x1"},"latest"]`, 0, false},
		{"StorageExplicit", "eth_getStorageAt", `["0x1","0x0","0x10"]`, blockTime, true},
		{"LogsByBlockHash", "eth_getLogs", `[{"blockHash":"0xabc"}]`, ttlPermanent, true},
		{"LogsExplicitRange", "eth_getLogs", `[{"fromBlock":"0x1","toBlock":"0x10"}]`, blockTime, true},
		{"LogsLatestRange", "eth_getLogs", `[{"fromBlock":"0x1","toBlock":"latest"}]`, 0, false},
		{"BlockNumber", "eth_blockNumber", `[]`, 0, false},
		{"GasPrice", "eth_gasPrice", `[]`, 0, false},
		{"SendRawTx", "eth_sendRawTransaction", `["0xdead"]`, 0, false},
		{"Subscribe", "eth_subscribe", `["newHeads"]`, 0, false},
		{"TxPool", "txpool_content", `[]`, 0, false},
		{"Unknown", "debug_traceTransaction", `["0xabc"]`, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ttl, ok := p.TTL(tc.method, json.RawMessage(tc.params))
			assert.Equal(t, tc.cacheable, ok)
			if tc.cacheable {
				assert.Equal(t, tc.wantTTL, ttl)
			}
		})
	}
}

func TestPolicyDeepHistoryHeuristic(t *testing.T) {
	p := NewPolicy(blockTime, nil)

	// Tip unknown: explicit numbers get the conservative TTL.
	ttl, ok := p.TTL("eth_getBlockByNumber", json.RawMessage(`["0x10",false]`))
	assert.True(t, ok)
	assert.Equal(t, blockTime, ttl)

	p.ObserveTip(1000)

	ttl, ok = p.TTL("eth_getBlockByNumber", json.RawMessage(`["0x10",false]`))
	assert.True(t, ok)
	assert.Equal(t, ttlPermanent, ttl)

	// Near the tip the data may still reorg.
	ttl, ok = p.TTL("eth_getBlockByNumber", json.RawMessage(`["0x3e0",false]`)) // 992
	assert.True(t, ok)
	assert.Equal(t, blockTime, ttl)
}

func TestPolicyObserveTipIsMonotonic(t *testing.T) {
	p := NewPolicy(blockTime, nil)
	p.ObserveTip(500)
	p.ObserveTip(400)
	assert.Equal(t, uint64(500), p.LatestBlock())
	p.ObserveTip(600)
	assert.Equal(t, uint64(600), p.LatestBlock())
}

func TestPolicyOverrides(t *testing.T) {
	p := NewPolicy(blockTime, map[string]common.Duration{
		"eth_blockNumber": common.Duration(3 * time.Second),
		"eth_get*":        common.Duration(0),
	})

	ttl, ok := p.TTL("eth_blockNumber", json.RawMessage(`[]`))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, ttl)

	// Wildcard disables a whole family, overriding the built-in table.
	_, ok = p.TTL("eth_getBlockByHash", json.RawMessage(`["0xabc",false]`))
	assert.False(t, ok)

	// Untouched methods keep built-in behavior.
	ttl, ok = p.TTL("eth_chainId", json.RawMessage(`[]`))
	assert.True(t, ok)
	assert.Equal(t, ttlPermanent, ttl)
}
