// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"encoding/binary"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/ids"
)

var (
	blocksPrefix = []byte("blocks")
	heightPrefix = []byte("height")

	_ BlockState = &blockState{}
)

type BlockState interface {
	GetBlock(blkID ids.ID) (*Block, error)
	PutBlock(blk *Block) error

	// GetBlockIDAtHeight returns the id of the block accepted at [height].
	GetBlockIDAtHeight(height uint32) (ids.ID, error)

	ClearCache()
}

type blockState struct {
	blkCache cache.Cacher
	blockDB  database.Database
	heightDB database.Database
}

func NewBlockState(db database.Database, cacheSize int) BlockState {
	return &blockState{
		blkCache: &cache.LRU{Size: cacheSize},
		blockDB:  prefixdb.New(blocksPrefix, db),
		heightDB: prefixdb.New(heightPrefix, db),
	}
}

func heightKey(height uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, height)
	return b
}

func (s *blockState) GetBlock(blkID ids.ID) (*Block, error) {
	if blk, ok := s.blkCache.Get(blkID); ok {
		return blk.(*Block), nil
	}

	blkBytes, err := s.blockDB.Get(blkID[:])
	if err != nil {
		return nil, err
	}
	blk, err := parseBlock(blkBytes)
	if err != nil {
		return nil, err
	}

	s.blkCache.Put(blkID, blk)
	return blk, nil
}

func (s *blockState) PutBlock(blk *Block) error {
	blkID := blk.ID()
	s.blkCache.Put(blkID, blk)
	if err := s.blockDB.Put(blkID[:], blk.Bytes()); err != nil {
		return err
	}
	return database.PutID(s.heightDB, heightKey(blk.Height()), blkID)
}

func (s *blockState) GetBlockIDAtHeight(height uint32) (ids.ID, error) {
	return database.GetID(s.heightDB, heightKey(height))
}

func (s *blockState) ClearCache() {
	s.blkCache.Flush()
}
