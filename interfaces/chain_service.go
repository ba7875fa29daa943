package interfaces

import (
	"context"

	"popfork/types"
)

// ChainService answers block-level queries about the forked chain
type ChainService interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	BlockByHash(hash types.Hash) (*types.Block, error)
	Tip() (*types.Block, error)
	ForkPoint() types.Block
	Status() string
	Events() *types.EventBus
}
