// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
)

var (
	ErrNotFound = errors.New("task not found")

	errWrongVersion = errors.New("wrong codec version")

	orderPrefix = []byte("order")
	indexPrefix = []byte("index")
	seqKey      = []byte("seq")
)

// TaskPool is a multimap from block height to tasks. Tasks at a height are
// kept in the order they were scheduled: the order keyspace is sorted by
// (height, sequence) and the index keyspace by (height, task) so that the
// same task is never held twice.
type TaskPool struct {
	order database.Database
	index database.Database
	meta  database.Database
	log   log.Logger
}

func New(db database.Database) *TaskPool {
	return &TaskPool{
		order: prefixdb.New(orderPrefix, db),
		index: prefixdb.New(indexPrefix, db),
		meta:  db,
		log:   log.New("module", "scheduler"),
	}
}

func heightPrefix(height uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, height)
	return b
}

func orderKey(height uint32, seq uint64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b, height)
	binary.BigEndian.PutUint64(b[4:], seq)
	return b
}

func indexKey(height uint32, encoded []byte) []byte {
	return append(heightPrefix(height), encoded...)
}

func encodeTask(task Task) ([]byte, error) {
	return core.Codec.Marshal(core.CodecVersion, &task)
}

func decodeTask(b []byte) (Task, error) {
	var task Task
	version, err := core.Codec.Unmarshal(b, &task)
	if err != nil {
		return task, err
	}
	if version != core.CodecVersion {
		return task, errWrongVersion
	}
	return task, nil
}

// Schedule adds [task] at [height]. Scheduling a task already pending at
// that height is a no-op.
func (p *TaskPool) Schedule(height uint32, task Task) error {
	encoded, err := encodeTask(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	key := indexKey(height, encoded)
	has, err := p.index.Has(key)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	seq, err := database.GetUInt64(p.meta, seqKey)
	switch {
	case err == database.ErrNotFound:
		seq = 0
	case err != nil:
		return err
	}
	if err := database.PutUInt64(p.meta, seqKey, seq+1); err != nil {
		return err
	}
	if err := p.order.Put(orderKey(height, seq), encoded); err != nil {
		return err
	}
	p.log.Debug("task scheduled", "height", height, "task", task)
	return database.PutUInt64(p.index, key, seq)
}

// Contains reports whether [task] is pending at [height].
func (p *TaskPool) Contains(height uint32, task Task) (bool, error) {
	encoded, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	return p.index.Has(indexKey(height, encoded))
}

// Cancel removes a pending task, failing with ErrNotFound if it is absent.
func (p *TaskPool) Cancel(height uint32, task Task) error {
	encoded, err := encodeTask(task)
	if err != nil {
		return err
	}
	key := indexKey(height, encoded)
	seq, err := database.GetUInt64(p.index, key)
	if err == database.ErrNotFound {
		return fmt.Errorf("%w: %s at %d", ErrNotFound, task, height)
	}
	if err != nil {
		return err
	}
	if err := p.index.Delete(key); err != nil {
		return err
	}
	return p.order.Delete(orderKey(height, seq))
}

// DrainDue removes and returns every task scheduled at exactly [height], in
// the order they were scheduled.
func (p *TaskPool) DrainDue(height uint32) ([]Task, error) {
	var (
		tasks []Task
		keys  [][]byte
	)
	it := p.order.NewIteratorWithPrefix(heightPrefix(height))
	for it.Next() {
		task, err := decodeTask(it.Value())
		if err != nil {
			it.Release()
			return nil, err
		}
		tasks = append(tasks, task)
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		keys = append(keys, key)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}

	for i, task := range tasks {
		encoded, err := encodeTask(task)
		if err != nil {
			return nil, err
		}
		if err := p.index.Delete(indexKey(height, encoded)); err != nil {
			return nil, err
		}
		if err := p.order.Delete(keys[i]); err != nil {
			return nil, err
		}
	}
	if len(tasks) > 0 {
		p.log.Debug("tasks drained", "height", height, "count", len(tasks))
	}
	return tasks, nil
}
