package fork

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
)

func TestDevAccountStorageKeyNames(t *testing.T) {
	assert.Equal(t, []byte("balance:alice"), DevAccountStorageKey("alice"))
	assert.Equal(t, []byte("balance:alice"), DevAccountStorageKey("Alice"))
	assert.NotEqual(t, DevAccountStorageKey("alice"), DevAccountStorageKey("bob"))
}

func TestDevAccountStorageKeyBase58Address(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	address := base58.Encode(raw)

	key := DevAccountStorageKey(address)
	assert.Equal(t, append([]byte(DevBalancePrefix), raw...), key)
}

func TestBalanceRoundTrip(t *testing.T) {
	amount := uint256.NewInt(123456789)
	assert.Equal(t, amount, DecodeBalance(EncodeBalance(amount)))

	assert.True(t, DecodeBalance(nil).IsZero())
	assert.True(t, DecodeBalance(make([]byte, 40)).IsZero())
}
