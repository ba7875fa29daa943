package utils

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexEncode renders b as a 0x-prefixed lowercase hex string.
func HexEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexDecode parses a hex string with or without a 0x prefix.
func HexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}
