// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/actorvm/core"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	errWrongVersion = errors.New("wrong codec version")

	itemsPrefix = []byte("items")
	countKey    = []byte("count")
)

func decode[V any](b []byte) (V, error) {
	var v V
	version, err := core.Codec.Unmarshal(b, &v)
	if err != nil {
		return v, err
	}
	if version != core.CodecVersion {
		return v, errWrongVersion
	}
	return v, nil
}

func encode[V any](v V) ([]byte, error) {
	return core.Codec.Marshal(core.CodecVersion, &v)
}

func notFound(err error) error {
	if err == database.ErrNotFound {
		return ErrNotFound
	}
	return err
}

// Map is a typed key/value collection over a database.
type Map[V any] struct {
	db database.Database
}

func NewMap[V any](db database.Database) *Map[V] {
	return &Map[V]{db: db}
}

// Get returns the value stored under [key] or ErrNotFound.
func (m *Map[V]) Get(key []byte) (V, error) {
	b, err := m.db.Get(key)
	if err != nil {
		var empty V
		return empty, notFound(err)
	}
	return decode[V](b)
}

func (m *Map[V]) Has(key []byte) (bool, error) {
	return m.db.Has(key)
}

func (m *Map[V]) Put(key []byte, v V) error {
	b, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return m.db.Put(key, b)
}

func (m *Map[V]) Delete(key []byte) error {
	return m.db.Delete(key)
}

// Take removes and returns the value under [key].
func (m *Map[V]) Take(key []byte) (V, error) {
	v, err := m.Get(key)
	if err != nil {
		return v, err
	}
	return v, m.db.Delete(key)
}

// Iterate calls [fn] for every entry whose key starts with [prefix], in key
// order. Returning an error from [fn] stops the iteration.
func (m *Map[V]) Iterate(prefix []byte, fn func(key []byte, v V) error) error {
	it := m.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		v, err := decode[V](it.Value())
		if err != nil {
			return err
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return it.Error()
}

// CountedMap is a Map that tracks its number of entries. The counter lives in
// the database so an aborted batch also rolls it back.
type CountedMap[V any] struct {
	items *Map[V]
	meta  database.Database
}

func NewCountedMap[V any](db database.Database) (*CountedMap[V], error) {
	m := &CountedMap[V]{
		items: NewMap[V](prefixdb.New(itemsPrefix, db)),
		meta:  db,
	}
	if _, err := getCounter(db, countKey, 0); err != nil {
		return nil, err
	}
	return m, nil
}

// Len returns the number of entries.
func (m *CountedMap[V]) Len() (uint64, error) {
	return getCounter(m.meta, countKey, 0)
}

func (m *CountedMap[V]) Get(key []byte) (V, error) { return m.items.Get(key) }

func (m *CountedMap[V]) Has(key []byte) (bool, error) { return m.items.Has(key) }

// Insert adds a new entry, failing with ErrDuplicateKey when [key] is taken.
func (m *CountedMap[V]) Insert(key []byte, v V) error {
	has, err := m.items.Has(key)
	if err != nil {
		return err
	}
	if has {
		return ErrDuplicateKey
	}
	if err := m.items.Put(key, v); err != nil {
		return err
	}
	return m.addCount(1)
}

// Update overwrites an existing entry.
func (m *CountedMap[V]) Update(key []byte, v V) error {
	has, err := m.items.Has(key)
	if err != nil {
		return err
	}
	if !has {
		return ErrNotFound
	}
	return m.items.Put(key, v)
}

// Take removes and returns the entry under [key].
func (m *CountedMap[V]) Take(key []byte) (V, error) {
	v, err := m.items.Take(key)
	if err != nil {
		return v, err
	}
	return v, m.addCount(^uint64(0))
}

func (m *CountedMap[V]) Iterate(prefix []byte, fn func(key []byte, v V) error) error {
	return m.items.Iterate(prefix, fn)
}

// addCount adds [delta] with wrap-around, so ^uint64(0) decrements.
func (m *CountedMap[V]) addCount(delta uint64) error {
	n, err := getCounter(m.meta, countKey, 0)
	if err != nil {
		return err
	}
	return database.PutUInt64(m.meta, countKey, n+delta)
}

// DoubleMap is a CountedMap keyed by a pair of ids. Entries sharing the first
// key can be listed and drained together.
type DoubleMap[V any] struct {
	*CountedMap[V]
}

func NewDoubleMap[V any](db database.Database) (*DoubleMap[V], error) {
	m, err := NewCountedMap[V](db)
	if err != nil {
		return nil, err
	}
	return &DoubleMap[V]{CountedMap: m}, nil
}

func pairKey(k1, k2 ids.ID) []byte {
	key := make([]byte, 0, 2*len(k1))
	key = append(key, k1[:]...)
	return append(key, k2[:]...)
}

func (m *DoubleMap[V]) GetPair(k1, k2 ids.ID) (V, error) { return m.Get(pairKey(k1, k2)) }

func (m *DoubleMap[V]) HasPair(k1, k2 ids.ID) (bool, error) { return m.Has(pairKey(k1, k2)) }

func (m *DoubleMap[V]) InsertPair(k1, k2 ids.ID, v V) error { return m.Insert(pairKey(k1, k2), v) }

func (m *DoubleMap[V]) UpdatePair(k1, k2 ids.ID, v V) error { return m.Update(pairKey(k1, k2), v) }

func (m *DoubleMap[V]) TakePair(k1, k2 ids.ID) (V, error) { return m.Take(pairKey(k1, k2)) }

// IterateFirst lists the entries stored under [k1], ordered by second key.
func (m *DoubleMap[V]) IterateFirst(k1 ids.ID, fn func(k2 ids.ID, v V) error) error {
	return m.Iterate(k1[:], func(key []byte, v V) error {
		var k2 ids.ID
		copy(k2[:], key[len(k1):])
		return fn(k2, v)
	})
}

// DrainFirst removes and returns every entry stored under [k1].
func (m *DoubleMap[V]) DrainFirst(k1 ids.ID) ([]ids.ID, []V, error) {
	var (
		keys   []ids.ID
		values []V
	)
	if err := m.IterateFirst(k1, func(k2 ids.ID, v V) error {
		keys = append(keys, k2)
		values = append(values, v)
		return nil
	}); err != nil {
		return nil, nil, err
	}
	for _, k2 := range keys {
		if _, err := m.TakePair(k1, k2); err != nil {
			return nil, nil, err
		}
	}
	return keys, values, nil
}

func getCounter(db database.KeyValueReader, key []byte, def uint64) (uint64, error) {
	n, err := database.GetUInt64(db, key)
	if err == database.ErrNotFound {
		return def, nil
	}
	return n, err
}

func u64Key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
