package common

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// CacheKey is a deterministic fingerprint of (chain id, method, params).
// The jsonrpc and id members never participate, so requests differing only
// in id produce equal keys.
type CacheKey string

// NewCacheKey fingerprints a request for cache and coalescer lookups.
// Params are canonicalized (sorted object keys, compact form) before hashing
// so formatting differences do not fragment the key space.
func NewCacheKey(chainId uint64, req *JsonRpcRequest) (CacheKey, error) {
	canonical, err := CanonicalParams(req.Params)
	if err != nil {
		return "", NewErrMalformedRequest(err)
	}
	h := xxhash.New()
	_, _ = h.WriteString(req.Method)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return CacheKey(fmt.Sprintf("evm:%d:%s:%016x", chainId, req.Method, h.Sum64())), nil
}

func (k CacheKey) String() string {
	return string(k)
}
