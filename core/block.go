// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

// BlockInfo is the block data exposed to programs.
type BlockInfo struct {
	Height    uint32 `serialize:"true" json:"height"`
	Timestamp uint64 `serialize:"true" json:"timestamp"`
}

// Interval is the block span an entry of a holding storage is paid for.
type Interval struct {
	Start  uint32 `serialize:"true" json:"start"`
	Finish uint32 `serialize:"true" json:"finish"`
}
