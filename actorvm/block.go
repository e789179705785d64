// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/actorvm/core"
)

var (
	errTimestampTooEarly = errors.New("block's timestamp is earlier than its parent's timestamp")
	errBlockWrongVersion = errors.New("wrong version")
	errWrongHeight       = errors.New("block height does not follow its parent")
)

// Block is the record of one processed block.
// Each block contains:
// 1) its position: parent, height and timestamp
// 2) what it did: gas used and dispatches run
type Block struct {
	PrntID     ids.ID `serialize:"true" json:"parentID"`
	Hght       uint32 `serialize:"true" json:"height"`
	Tmstmp     uint64 `serialize:"true" json:"timestamp"`
	GasUsed    uint64 `serialize:"true" json:"gasUsed"`
	// Dispatches is the number of dispatches taken off the queue, waits
	// included.
	Dispatches uint32 `serialize:"true" json:"dispatches"`
	// Tasks is the number of scheduled tasks fired at this height.
	Tasks uint32 `serialize:"true" json:"tasks"`
	// QueueLeft is the queue length once the block stopped.
	QueueLeft uint64 `serialize:"true" json:"queueLeft"`

	id    ids.ID
	bytes []byte
	// events are the user messages delivered without a mailbox entry while
	// building the block. They are not persisted.
	events []core.StoredDispatch
}

// initialize serializes the block and sets its id.
func (b *Block) initialize() error {
	bytes, err := core.Codec.Marshal(core.CodecVersion, b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	b.bytes = bytes
	b.id = hashing.ComputeHash256Array(bytes)
	return nil
}

func parseBlock(bytes []byte) (*Block, error) {
	blk := &Block{}
	parsedVersion, err := core.Codec.Unmarshal(bytes, blk)
	if err != nil {
		return nil, err
	}
	if parsedVersion != core.CodecVersion {
		return nil, errBlockWrongVersion
	}
	blk.bytes = bytes
	blk.id = hashing.ComputeHash256Array(bytes)
	return blk, nil
}

// ID returns the ID of this block
func (b *Block) ID() ids.ID { return b.id }

// Parent returns [b]'s parent's ID
func (b *Block) Parent() ids.ID { return b.PrntID }

// Height returns this block's height. The genesis block has height 0.
func (b *Block) Height() uint32 { return b.Hght }

// Timestamp returns this block's time.
func (b *Block) Timestamp() uint64 { return b.Tmstmp }

// Bytes returns the byte repr. of this block
func (b *Block) Bytes() []byte { return b.bytes }

// Info is the block data exposed to programs.
// Events returns the user messages emitted by the block, when it was built
// by this process.
func (b *Block) Events() []core.StoredDispatch { return b.events }

func (b *Block) Info() core.BlockInfo {
	return core.BlockInfo{Height: b.Hght, Timestamp: b.Tmstmp}
}

// verifyChild checks that [child] may follow [b].
func (b *Block) verifyChild(child *Block) error {
	if child.Tmstmp < b.Tmstmp {
		return errTimestampTooEarly
	}
	if child.Hght != b.Hght+1 {
		return fmt.Errorf("%w: %d after %d", errWrongHeight, child.Hght, b.Hght)
	}
	return nil
}
