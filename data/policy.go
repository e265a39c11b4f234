package data

import (
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/util"
)

// ttlPermanent is the TTL for immutable answers (hash lookups, deep
// historical state, chain identity).
const ttlPermanent = 365 * 24 * time.Hour

// tipDistanceForPermanent is how many blocks behind the observed tip an
// explicit block number must be before its data is considered reorg-proof.
const tipDistanceForPermanent = 50

type ttlOverride struct {
	pattern string
	ttl     time.Duration
}

// Policy decides whether a method+params pair is cacheable and for how
// long. It is a pure function of its inputs plus two chain parameters: the
// block time and the latest observed block number (zero until first seen).
type Policy struct {
	blockTime time.Duration
	overrides []ttlOverride
	latest    atomic.Uint64
}

// NewPolicy builds the policy for one chain. Overrides map method patterns
// (wildcards allowed) to a TTL; a zero TTL disables caching for the match.
// An exact-method override takes precedence over a wildcard one.
func NewPolicy(blockTime time.Duration, overrides map[string]common.Duration) *Policy {
	p := &Policy{blockTime: blockTime}
	for pattern, ttl := range overrides {
		p.overrides = append(p.overrides, ttlOverride{pattern: pattern, ttl: ttl.Duration()})
	}
	sort.Slice(p.overrides, func(i, j int) bool {
		a, b := p.overrides[i], p.overrides[j]
		aExact := !strings.ContainsAny(a.pattern, "*?")
		bExact := !strings.ContainsAny(b.pattern, "*?")
		if aExact != bExact {
			// Exact patterns sort last; TTL scans in reverse.
			return bExact
		}
		return a.pattern < b.pattern
	})
	return p
}

// ObserveTip records a newer chain head, feeding the deep-history heuristic.
func (p *Policy) ObserveTip(block uint64) {
	for {
		cur := p.latest.Load()
		if block <= cur {
			return
		}
		if p.latest.CompareAndSwap(cur, block) {
			return
		}
	}
}

func (p *Policy) LatestBlock() uint64 {
	return p.latest.Load()
}

// TTL returns the cache TTL for a request, and whether it is cacheable at
// all. Overrides win over the built-in table.
func (p *Policy) TTL(method string, params json.RawMessage) (time.Duration, bool) {
	for i := len(p.overrides) - 1; i >= 0; i-- {
		if wildcard.Match(p.overrides[i].pattern, method) {
			if p.overrides[i].ttl <= 0 {
				return 0, false
			}
			return p.overrides[i].ttl, true
		}
	}
	return p.builtinTTL(method, params)
}

func (p *Policy) builtinTTL(method string, params json.RawMessage) (time.Duration, bool) {
	switch method {
	// Chain identity never changes.
	case "eth_chainId", "net_version":
		return ttlPermanent, true

	// Hash lookups are immutable once they resolve.
	case "eth_getBlockByHash",
		"eth_getTransactionByHash",
		"eth_getRawTransactionByHash",
		"eth_getTransactionByBlockHashAndIndex",
		"eth_getUncleByBlockHashAndIndex",
		"eth_getBlockTransactionCountByHash",
		"eth_getUncleCountByBlockHash":
		return ttlPermanent, true

	// Receipts only exist after inclusion; one block of reorg margin.
	case "eth_getTransactionReceipt":
		return p.blockTime, true
	case "eth_getBlockReceipts":
		return p.ttlFromBlockRef(paramAt(params, 0))

	// Explicit-number reads follow the block reference in position 0.
	case "eth_getBlockByNumber",
		"eth_getBlockTransactionCountByNumber",
		"eth_getUncleCountByBlockNumber",
		"eth_getTransactionByBlockNumberAndIndex",
		"eth_getUncleByBlockNumberAndIndex":
		return p.ttlFromBlockRef(paramAt(params, 0))

	// State reads carry the block reference after their subject.
	case "eth_getBalance", "eth_getTransactionCount", "eth_getCode", "eth_call":
		return p.ttlFromExplicitBlockRef(paramAt(params, 1))
	case "eth_getStorageAt", "eth_getProof":
		return p.ttlFromExplicitBlockRef(paramAt(params, 2))

	case "eth_getLogs":
		return p.ttlFromLogFilter(paramAt(params, 0))
	}

	// Everything else is non-cacheable by default: tip queries
	// (eth_blockNumber), gas/fee queries, submissions, subscriptions,
	// filters, mempool inspection, and unknown methods.
	return 0, false
}

// ttlFromBlockRef handles positions where a block tag is expected and
// a tag-at-tip answer is still a deterministic lookup (e.g. block bodies).
func (p *Policy) ttlFromBlockRef(ref interface{}) (time.Duration, bool) {
	switch rv := ref.(type) {
	case nil:
		return 0, false
	case string:
		return p.ttlFromBlockTagOrNumber(rv, true)
	case map[string]interface{}:
		return p.ttlFromBlockIdObject(rv, true)
	}
	return 0, false
}

// ttlFromExplicitBlockRef handles state reads, where only an explicit
// (non-tip) reference is deterministic; "latest" and absent refs are not
// cacheable.
func (p *Policy) ttlFromExplicitBlockRef(ref interface{}) (time.Duration, bool) {
	switch rv := ref.(type) {
	case nil:
		return 0, false
	case string:
		return p.ttlFromBlockTagOrNumber(rv, false)
	case map[string]interface{}:
		return p.ttlFromBlockIdObject(rv, false)
	}
	return 0, false
}

func (p *Policy) ttlFromBlockTagOrNumber(ref string, tagsCacheable bool) (time.Duration, bool) {
	switch ref {
	case "pending":
		return 0, false
	case "earliest", "finalized":
		return ttlPermanent, true
	case "latest", "safe":
		if tagsCacheable {
			return p.blockTime, true
		}
		return 0, false
	}
	num, err := util.ParseHexUint64(ref)
	if err != nil {
		return 0, false
	}
	return p.ttlFromBlockNumber(num), true
}

func (p *Policy) ttlFromBlockIdObject(ref map[string]interface{}, tagsCacheable bool) (time.Duration, bool) {
	if _, ok := ref["blockHash"]; ok {
		return ttlPermanent, true
	}
	if bn, ok := ref["blockNumber"].(string); ok {
		return p.ttlFromBlockTagOrNumber(bn, tagsCacheable)
	}
	return 0, false
}

func (p *Policy) ttlFromBlockNumber(num uint64) time.Duration {
	latest := p.latest.Load()
	if latest > 0 && num < latest && latest-num > tipDistanceForPermanent {
		return ttlPermanent
	}
	return p.blockTime
}

// ttlFromLogFilter caches log queries only when their range is pinned:
// by block hash permanently, by explicit toBlock for one block time.
func (p *Policy) ttlFromLogFilter(ref interface{}) (time.Duration, bool) {
	filter, ok := ref.(map[string]interface{})
	if !ok {
		return 0, false
	}
	if _, ok := filter["blockHash"]; ok {
		return ttlPermanent, true
	}
	toBlock, ok := filter["toBlock"].(string)
	if !ok || !strings.HasPrefix(toBlock, "0x") {
		return 0, false
	}
	if _, err := util.ParseHexUint64(toBlock); err != nil {
		return 0, false
	}
	return p.blockTime, true
}

// paramAt decodes params lazily and returns the positional argument, or nil.
func paramAt(params json.RawMessage, idx int) interface{} {
	if len(params) == 0 {
		return nil
	}
	var decoded []interface{}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil
	}
	if idx >= len(decoded) {
		return nil
	}
	return decoded[idx]
}
