package runtime

import (
	"context"

	"popfork/types"
)

// StateReader is the resolved state view an executor builds on: local
// overlay first, then the cached remote state at the fork point.
type StateReader interface {
	// Get returns the value of key, nil when the key has no value
	Get(ctx context.Context, key []byte) ([]byte, error)
}

// Result is a fully built block: the sealed header plus the state
// deltas it commits.
type Result struct {
	Block  types.Block
	Deltas []types.StorageDelta
}

// Executor seals blocks. The engine hands it the parent block and a
// set of opaque extrinsics; the executor interprets them against the
// state view and returns the header, the hash and the storage deltas
// the block commits. Real chain runtimes plug in here, the built-in
// dev executor covers local development.
type Executor interface {
	BuildBlock(ctx context.Context, parent types.Block, extrinsics [][]byte, reader StateReader) (*Result, error)
}
