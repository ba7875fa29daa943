package store

import (
	"popfork/types"
	"popfork/utils"
)

// Database key prefixes. Every record in the backing provider belongs to
// exactly one of these namespaces.
const (
	// PrefixStorage namespaces cached remote storage entries, keyed by
	// block hash then raw storage key
	PrefixStorage = "storage:"

	// PrefixBlock namespaces locally produced blocks by hash
	PrefixBlock = "blk:"

	// PrefixBlockNum maps local block numbers to block hashes
	PrefixBlockNum = "blk_num:"

	// PrefixBlockMeta namespaces ledger metadata such as the tip pointer
	PrefixBlockMeta = "blk_meta:"

	// PrefixRemoteBlock namespaces cached remote block headers by hash
	PrefixRemoteBlock = "rblk:"

	// PrefixRemoteBlockNum maps remote block numbers to remote hashes
	PrefixRemoteBlockNum = "rblk_num:"

	// PrefixScan namespaces prefix-scan progress records
	PrefixScan = "scan:"

	// PrefixOverlayValue namespaces overlay entries, keyed by storage key
	// then validity start
	PrefixOverlayValue = "ovlv:"

	// PrefixOverlayOpen maps a storage key to the start of its currently
	// open overlay window, if any
	PrefixOverlayOpen = "ovlo:"
)

// KeyTip is the ledger metadata key holding the current tip block number
const KeyTip = "tip"

func storageKey(blockHash types.Hash, key []byte) []byte {
	out := make([]byte, 0, len(PrefixStorage)+types.HashSize+len(key))
	out = append(out, PrefixStorage...)
	out = append(out, blockHash.Bytes()...)
	return append(out, key...)
}

func storagePrefix(blockHash types.Hash, prefix []byte) []byte {
	out := make([]byte, 0, len(PrefixStorage)+types.HashSize+len(prefix))
	out = append(out, PrefixStorage...)
	out = append(out, blockHash.Bytes()...)
	return append(out, prefix...)
}

func blockKey(hash types.Hash) []byte {
	return append([]byte(PrefixBlock), hash.Bytes()...)
}

func blockNumKey(number uint64) []byte {
	return append([]byte(PrefixBlockNum), utils.Uint64ToBytes(number)...)
}

func blockMetaKey(name string) []byte {
	return append([]byte(PrefixBlockMeta), name...)
}

func remoteBlockKey(hash types.Hash) []byte {
	return append([]byte(PrefixRemoteBlock), hash.Bytes()...)
}

func remoteBlockNumKey(number uint64) []byte {
	return append([]byte(PrefixRemoteBlockNum), utils.Uint64ToBytes(number)...)
}

func scanKey(blockHash types.Hash, prefix []byte) []byte {
	out := make([]byte, 0, len(PrefixScan)+types.HashSize+len(prefix))
	out = append(out, PrefixScan...)
	out = append(out, blockHash.Bytes()...)
	return append(out, prefix...)
}

// overlayValueKey encodes PrefixOverlayValue + key + validFrom(8, big
// endian) + len(key)(2, big endian). The trailing length lets readers
// split arbitrary binary keys back out of the composite while keeping
// entries for one key adjacent and ordered by validity start.
func overlayValueKey(key []byte, validFrom uint64) []byte {
	out := make([]byte, 0, len(PrefixOverlayValue)+len(key)+10)
	out = append(out, PrefixOverlayValue...)
	out = append(out, key...)
	out = append(out, utils.Uint64ToBytes(validFrom)...)
	return append(out, utils.Uint16ToBytes(uint16(len(key)))...)
}

// splitOverlayValueKey recovers the storage key and validity start from
// a composite produced by overlayValueKey. Returns false for records
// that do not parse.
func splitOverlayValueKey(composite []byte) (key []byte, validFrom uint64, ok bool) {
	body := composite[len(PrefixOverlayValue):]
	if len(body) < 10 {
		return nil, 0, false
	}
	keyLen := int(utils.BytesToUint16(body[len(body)-2:]))
	if keyLen != len(body)-10 {
		return nil, 0, false
	}
	return body[:keyLen], utils.BytesToUint64(body[keyLen : keyLen+8]), true
}

func overlayOpenKey(key []byte) []byte {
	return append([]byte(PrefixOverlayOpen), key...)
}
