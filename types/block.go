package types

// Block is one entry of the fork's block ledger: either the fork-point
// block or a locally produced block stacked on top of it.
type Block struct {
	Hash       Hash   `json:"hash"`
	Number     uint64 `json:"number"`
	ParentHash Hash   `json:"parent_hash"`
	// Header is the serialized header as produced by the runtime
	// executor (or fetched from the remote chain for the fork point).
	// The engine treats it as opaque bytes.
	Header []byte `json:"header"`
}

// StorageValue is a cached remote storage read. IsEmpty distinguishes
// "confirmed absent upstream" from "present with an empty value".
type StorageValue struct {
	Value   []byte `json:"value"`
	IsEmpty bool   `json:"is_empty"`
}

// Data returns the value, or nil when the entry marks confirmed absence.
func (v *StorageValue) Data() []byte {
	if v == nil || v.IsEmpty {
		return nil
	}
	return v.Value
}

// StorageDelta is one storage mutation emitted by block execution.
// Deleted=true records a tombstone (the key is absent from that block on).
type StorageDelta struct {
	Key     []byte
	Value   []byte
	Deleted bool
}
