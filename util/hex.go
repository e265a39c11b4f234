package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHexUint64 parses a 0x-prefixed hex quantity as returned by EVM nodes.
func ParseHexUint64(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity %q", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return v, nil
}
