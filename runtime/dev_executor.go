package runtime

import (
	"context"
	"crypto/sha256"

	"popfork/errors"
	"popfork/jsonx"
	"popfork/types"
	"popfork/utils"
)

// devSealDomain separates dev block hashes from any other sha256 use
const devSealDomain = "popfork/dev-block/v1"

// DevExecutor seals blocks without running a chain runtime. The block
// hash commits to the parent, the number and every delta, so two builds
// of the same content agree and any content change is visible.
type DevExecutor struct{}

// NewDevExecutor creates the development executor
func NewDevExecutor() *DevExecutor {
	return &DevExecutor{}
}

type devHeader struct {
	ParentHash types.Hash `json:"parentHash"`
	Number     string     `json:"number"`
}

// DevExtrinsic is the dev executor's wire format: one JSON-encoded
// storage change. Chain runtimes carry SCALE-encoded calls instead,
// the boundary treats both as opaque bytes.
type DevExtrinsic struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// EncodeDevExtrinsics renders storage deltas as dev extrinsics
func EncodeDevExtrinsics(deltas []types.StorageDelta) ([][]byte, error) {
	extrinsics := make([][]byte, 0, len(deltas))
	for _, delta := range deltas {
		raw, err := jsonx.Marshal(DevExtrinsic{
			Key:     delta.Key,
			Value:   delta.Value,
			Deleted: delta.Deleted,
		})
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, "runtime.extrinsic", err)
		}
		extrinsics = append(extrinsics, raw)
	}
	return extrinsics, nil
}

func decodeDevExtrinsics(extrinsics [][]byte) ([]types.StorageDelta, error) {
	deltas := make([]types.StorageDelta, 0, len(extrinsics))
	for i, raw := range extrinsics {
		var ext DevExtrinsic
		if err := jsonx.Unmarshal(raw, &ext); err != nil {
			return nil, errors.Newf(errors.KindInvariantViolation, "runtime.extrinsic",
				"extrinsic %d is not a dev extrinsic: %v", i, err)
		}
		if len(ext.Key) == 0 {
			return nil, errors.Newf(errors.KindInvariantViolation, "runtime.extrinsic",
				"extrinsic %d has an empty key", i)
		}
		deltas = append(deltas, types.StorageDelta{
			Key:     ext.Key,
			Value:   ext.Value,
			Deleted: ext.Deleted,
		})
	}
	return deltas, nil
}

// BuildBlock decodes the extrinsics into deltas and seals parent's
// successor committing them. Duplicate delta keys are rejected: one
// block writes a key once.
func (e *DevExecutor) BuildBlock(ctx context.Context, parent types.Block, extrinsics [][]byte, reader StateReader) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindClosed, "runtime.build", err)
	}

	deltas, err := decodeDevExtrinsics(extrinsics)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(deltas))
	for _, delta := range deltas {
		if seen[string(delta.Key)] {
			return nil, errors.Newf(errors.KindInvariantViolation, "runtime.build",
				"duplicate delta key %q in one block", delta.Key)
		}
		seen[string(delta.Key)] = true
	}

	number := parent.Number + 1

	digest := sha256.New()
	digest.Write([]byte(devSealDomain))
	digest.Write(parent.Hash.Bytes())
	digest.Write(utils.Uint64ToBytes(number))
	for _, delta := range deltas {
		digest.Write(utils.Uint64ToBytes(uint64(len(delta.Key))))
		digest.Write(delta.Key)
		if delta.Deleted {
			digest.Write([]byte{0x01})
			continue
		}
		digest.Write([]byte{0x00})
		digest.Write(utils.Uint64ToBytes(uint64(len(delta.Value))))
		digest.Write(delta.Value)
	}

	hash, err := types.HashFromBytes(digest.Sum(nil))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "runtime.build", err)
	}

	header, err := jsonx.Marshal(devHeader{
		ParentHash: parent.Hash,
		Number:     utils.HexEncode(utils.Uint64ToBytes(number)),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "runtime.build", err)
	}

	return &Result{
		Block: types.Block{
			Hash:       hash,
			Number:     number,
			ParentHash: parent.Hash,
			Header:     header,
		},
		Deltas: deltas,
	}, nil
}
