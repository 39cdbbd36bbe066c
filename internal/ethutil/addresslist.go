package ethutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress parses a single hex address. Case is not significant; the
// returned value compares equal for any casing of the same address.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", raw)
	}
	return common.HexToAddress(s), nil
}

// Lower returns the lowercase 0x-prefixed form of addr, used as a stable map
// key in persisted documents and logs.
func Lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// IsZero reports whether addr is the zero address.
func IsZero(addr common.Address) bool {
	return addr == (common.Address{})
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
}

// ParseAddressMap parses "key=value" address pairs, e.g. a token to
// fallback-pool mapping: "0xToken=0xPool,0xOther=0xPool2". A repeated key
// is an error.
//
// Returns (nil, nil) if raw is empty/whitespace.
func ParseAddressMap(raw string) (map[common.Address]common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	out := make(map[common.Address]common.Address)
	for _, part := range splitList(trimmed) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q in %q: want key=value", part, raw)
		}
		key, err := ParseAddress(k)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		val, err := ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate key %s in %q", key.Hex(), raw)
		}
		out[key] = val
	}
	return out, nil
}

// SortedKeys returns the keys of m ordered by their lowercase hex form.
func SortedKeys[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return Lower(out[i]) < Lower(out[j])
	})
	return out
}
