package utils

import "bytes"

// IncrementPrefix returns the exclusive upper bound for a binary prefix
// range query: the first byte sequence that does not start with prefix.
// Returns nil if the prefix is all 0xFF bytes (no upper bound needed).
func IncrementPrefix(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// InPrefixRange reports whether key falls inside the range covered by
// prefix, i.e. key starts with prefix.
func InPrefixRange(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}

// KeyAfter reports whether a sorts strictly after b in byte order.
func KeyAfter(a, b []byte) bool {
	return bytes.Compare(a, b) > 0
}

// MinNonEmpty returns the byte-order minimum of the given keys, ignoring
// nil entries. Returns nil when every entry is nil.
func MinNonEmpty(keys ...[]byte) []byte {
	var min []byte
	for _, k := range keys {
		if k == nil {
			continue
		}
		if min == nil || bytes.Compare(k, min) < 0 {
			min = k
		}
	}
	return min
}
