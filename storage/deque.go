// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
)

// The first element is placed in the middle of the index space so the deque
// can grow in both directions.
const dequeOrigin = uint64(1) << 63

var (
	headKey = []byte("head")
	tailKey = []byte("tail")
)

// Deque is a persistent double ended queue. Elements live in [head, tail);
// both bounds are kept in the database.
type Deque[V any] struct {
	items *Map[V]
	meta  database.Database
}

func NewDeque[V any](db database.Database) (*Deque[V], error) {
	d := &Deque[V]{
		items: NewMap[V](prefixdb.New(itemsPrefix, db)),
		meta:  db,
	}
	if _, _, err := d.bounds(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deque[V]) bounds() (uint64, uint64, error) {
	head, err := getCounter(d.meta, headKey, dequeOrigin)
	if err != nil {
		return 0, 0, err
	}
	tail, err := getCounter(d.meta, tailKey, dequeOrigin)
	return head, tail, err
}

// Len returns the number of elements.
func (d *Deque[V]) Len() (uint64, error) {
	head, tail, err := d.bounds()
	if err != nil {
		return 0, err
	}
	return tail - head, nil
}

func (d *Deque[V]) PushBack(v V) error {
	head, tail, err := d.bounds()
	if err != nil {
		return err
	}
	if err := d.items.Put(u64Key(tail), v); err != nil {
		return err
	}
	return d.setBounds(head, tail+1)
}

func (d *Deque[V]) PushFront(v V) error {
	head, tail, err := d.bounds()
	if err != nil {
		return err
	}
	if err := d.items.Put(u64Key(head-1), v); err != nil {
		return err
	}
	return d.setBounds(head-1, tail)
}

// Peek returns the first element without removing it.
func (d *Deque[V]) Peek() (V, error) {
	head, tail, err := d.bounds()
	if err != nil || head == tail {
		var empty V
		if err == nil {
			err = ErrNotFound
		}
		return empty, err
	}
	return d.items.Get(u64Key(head))
}

func (d *Deque[V]) PopFront() (V, error) {
	v, err := d.Peek()
	if err != nil {
		return v, err
	}
	head, tail, err := d.bounds()
	if err != nil {
		return v, err
	}
	if err := d.items.Delete(u64Key(head)); err != nil {
		return v, err
	}
	return v, d.setBounds(head+1, tail)
}

// Iterate walks the elements front to back.
func (d *Deque[V]) Iterate(fn func(v V) error) error {
	return d.items.Iterate(nil, func(_ []byte, v V) error { return fn(v) })
}

func (d *Deque[V]) setBounds(head, tail uint64) error {
	if err := database.PutUInt64(d.meta, headKey, head); err != nil {
		return err
	}
	return database.PutUInt64(d.meta, tailKey, tail)
}
