// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package lazypages

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ava-labs/actorvm/core"
)

var _ Region = &MappedRegion{}

// MappedRegion is an anonymous mapping sized for the maximum memory of a
// program. Protection is enforced by the kernel, so the region must only be
// touched through a Handle while one is acquired.
type MappedRegion struct {
	mem  []byte
	size uint64
}

// NewMappedRegion maps [maxPages] wasm pages, [pages] of which are in use.
func NewMappedRegion(pages, maxPages uint32) (*MappedRegion, error) {
	if pages > maxPages {
		return nil, ErrAllocationOutOfBounds
	}
	mem, err := unix.Mmap(-1, 0, int(uint64(maxPages)*core.WasmPageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map region: %w", err)
	}
	return &MappedRegion{mem: mem, size: uint64(pages) * core.WasmPageSize}, nil
}

func (r *MappedRegion) Size() uint64 { return r.size }

func (r *MappedRegion) span(offset uint64, n uint64) ([]byte, error) {
	end := offset + n
	if end > r.size || end < offset {
		return nil, ErrRegionOutOfBounds
	}
	return r.mem[offset:end], nil
}

func (r *MappedRegion) Read(offset uint64, dst []byte) error {
	src, err := r.span(offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (r *MappedRegion) Write(offset uint64, src []byte) error {
	dst, err := r.span(offset, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (r *MappedRegion) Grow(pages uint32) error {
	grown := r.size + uint64(pages)*core.WasmPageSize
	if grown > uint64(len(r.mem)) {
		return ErrAllocationOutOfBounds
	}
	r.size = grown
	return nil
}

func (r *MappedRegion) Protect(offset, length uint64, prot Protection) error {
	span, err := r.span(offset, length)
	if err != nil || len(span) == 0 {
		return err
	}
	flags := unix.PROT_NONE
	switch prot {
	case ProtRead:
		flags = unix.PROT_READ
	case ProtReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(span, flags)
}

// Reset sets the size in use to [pages] so the mapping can serve another
// execution. Stale content is never observed: pages are zeroed or filled
// from storage when first accessed.
func (r *MappedRegion) Reset(pages uint32) error {
	size := uint64(pages) * core.WasmPageSize
	if size > uint64(len(r.mem)) {
		return ErrAllocationOutOfBounds
	}
	r.size = size
	return nil
}

// Close unmaps the region.
func (r *MappedRegion) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem, r.size = nil, 0
	return err
}
