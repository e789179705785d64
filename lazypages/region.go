// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lazypages

import (
	"github.com/ava-labs/actorvm/core"
)

// Protection is the access allowed on a span of a region.
type Protection uint8

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

// Region is the linear memory of one execution.
type Region interface {
	// Size returns the current size in bytes.
	Size() uint64
	Read(offset uint64, dst []byte) error
	Write(offset uint64, src []byte) error
	// Grow extends the region by [pages] wasm pages.
	Grow(pages uint32) error
	// Protect sets the access allowed on [offset, offset+length). Regions
	// backed by memory the process cannot protect treat it as a no-op.
	Protect(offset, length uint64, prot Protection) error
}

// SliceRegion is a Region over a plain byte slice. It cannot enforce
// protection.
type SliceRegion struct {
	data []byte
	max  uint64
}

var _ Region = &SliceRegion{}

// NewSliceRegion returns a zeroed region of [pages] wasm pages that may grow
// up to [maxPages].
func NewSliceRegion(pages, maxPages uint32) *SliceRegion {
	return &SliceRegion{
		data: make([]byte, uint64(pages)*core.WasmPageSize),
		max:  uint64(maxPages) * core.WasmPageSize,
	}
}

func (r *SliceRegion) Size() uint64 { return uint64(len(r.data)) }

func (r *SliceRegion) bounds(offset uint64, n int) error {
	if offset+uint64(n) > r.Size() || offset+uint64(n) < offset {
		return ErrRegionOutOfBounds
	}
	return nil
}

func (r *SliceRegion) Read(offset uint64, dst []byte) error {
	if err := r.bounds(offset, len(dst)); err != nil {
		return err
	}
	copy(dst, r.data[offset:])
	return nil
}

func (r *SliceRegion) Write(offset uint64, src []byte) error {
	if err := r.bounds(offset, len(src)); err != nil {
		return err
	}
	copy(r.data[offset:], src)
	return nil
}

func (r *SliceRegion) Grow(pages uint32) error {
	grown := r.Size() + uint64(pages)*core.WasmPageSize
	if grown > r.max {
		return ErrAllocationOutOfBounds
	}
	r.data = append(r.data, make([]byte, grown-r.Size())...)
	return nil
}

func (*SliceRegion) Protect(uint64, uint64, Protection) error { return nil }

// Reset replaces the content with [pages] zeroed wasm pages.
func (r *SliceRegion) Reset(pages uint32) error {
	size := uint64(pages) * core.WasmPageSize
	if size > r.max {
		return ErrAllocationOutOfBounds
	}
	r.data = make([]byte, size)
	return nil
}
