package fork

import (
	"strings"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
)

// DevBalancePrefix namespaces the balance entries the dev executor's
// funding operation writes.
const DevBalancePrefix = "balance:"

// DefaultFundAmount is granted when a funding request gives no amount
var DefaultFundAmount = uint256.NewInt(1_000_000_000_000)

// DevAccountStorageKey maps an account to its balance storage key. A
// base58-encoded address of at least 32 bytes is used raw; anything
// else is treated as a case-insensitive dev account name.
func DevAccountStorageKey(name string) []byte {
	if raw, err := base58.Decode(name); err == nil && len(raw) >= 32 {
		return append([]byte(DevBalancePrefix), raw...)
	}
	return []byte(DevBalancePrefix + strings.ToLower(name))
}

// EncodeBalance renders a balance as a fixed 32-byte big-endian value
func EncodeBalance(amount *uint256.Int) []byte {
	encoded := amount.Bytes32()
	return encoded[:]
}

// DecodeBalance parses a balance written by EncodeBalance. Unknown or
// malformed values decode as zero.
func DecodeBalance(raw []byte) *uint256.Int {
	if len(raw) == 0 || len(raw) > 32 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).SetBytes(raw)
}
