package interfaces

import (
	"context"

	"popfork/types"
)

// StateService resolves forked storage: local overlay first, then the
// cached remote state at the fork point. A nil `at` means the tip.
type StateService interface {
	GetStorage(ctx context.Context, key []byte, at *types.Hash) ([]byte, error)
	GetStorageBatch(ctx context.Context, keys [][]byte, at *types.Hash) (map[string][]byte, error)
	NextKey(ctx context.Context, key []byte, at *types.Hash) ([]byte, error)
	KeysByPrefix(ctx context.Context, prefix []byte, at *types.Hash) ([][]byte, error)
}
