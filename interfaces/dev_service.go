package interfaces

import (
	"context"

	"github.com/holiman/uint256"

	"popfork/types"
)

// DevService mutates the fork: every mutation seals a new local block
type DevService interface {
	ProduceBlock(ctx context.Context, extrinsics [][]byte) (*types.Block, error)
	SetStorage(ctx context.Context, deltas []types.StorageDelta) (*types.Block, error)
	Fund(ctx context.Context, account string, amount *uint256.Int) (*types.Block, error)
}
