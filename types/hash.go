package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the length of a block hash in bytes.
const HashSize = 32

// Hash is an opaque fixed-length block hash.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as "unset".
var ZeroHash = Hash{}

// HashFromBytes builds a Hash from a raw byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a hash from a hex string, with or without 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	return HashFromBytes(raw)
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Hex returns the 0x-prefixed hex representation.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Short returns a truncated form for log output.
func (h Hash) Short() string {
	full := hex.EncodeToString(h[:])
	return "0x" + full[:8]
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return h.Hex()
}

// Equal reports whether two hashes are the same.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// MarshalJSON renders the hash as a 0x-prefixed hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.Hex() + `"`), nil
}

// UnmarshalJSON parses a hash from a JSON hex string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
