package types

import (
	"time"
)

// ForkEvent represents any event that occurs on a fork.
type ForkEvent interface {
	Type() string
	Timestamp() time.Time
}

// NewBlockEvent is emitted after a locally produced block is committed.
type NewBlockEvent struct {
	block        Block
	modifiedKeys [][]byte
	timestamp    time.Time
}

func NewNewBlockEvent(block Block, modifiedKeys [][]byte) *NewBlockEvent {
	return &NewBlockEvent{
		block:        block,
		modifiedKeys: modifiedKeys,
		timestamp:    time.Now(),
	}
}

func (e *NewBlockEvent) Type() string {
	return "NewBlock"
}

func (e *NewBlockEvent) Timestamp() time.Time {
	return e.timestamp
}

func (e *NewBlockEvent) Block() Block {
	return e.block
}

// ModifiedKeys returns the storage keys touched by the block.
func (e *NewBlockEvent) ModifiedKeys() [][]byte {
	return e.modifiedKeys
}

// ForkClosedEvent is emitted when a fork is torn down.
type ForkClosedEvent struct {
	forkPoint Hash
	timestamp time.Time
}

func NewForkClosedEvent(forkPoint Hash) *ForkClosedEvent {
	return &ForkClosedEvent{forkPoint: forkPoint, timestamp: time.Now()}
}

func (e *ForkClosedEvent) Type() string {
	return "ForkClosed"
}

func (e *ForkClosedEvent) Timestamp() time.Time {
	return e.timestamp
}

func (e *ForkClosedEvent) ForkPoint() Hash {
	return e.forkPoint
}
