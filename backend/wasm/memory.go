// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
)

var _ lazypages.Region = &memoryRegion{}

// memoryRegion exposes the linear memory of an instance to lazy pages. The
// runtime owns the backing slice, so protection cannot be enforced and the
// region is always attached prefilled.
type memoryRegion struct {
	mem api.Memory
}

func (r *memoryRegion) Size() uint64 { return uint64(r.mem.Size()) }

func (r *memoryRegion) Read(offset uint64, dst []byte) error {
	if offset > uint64(^uint32(0)) {
		return lazypages.ErrRegionOutOfBounds
	}
	src, ok := r.mem.Read(uint32(offset), uint32(len(dst)))
	if !ok {
		return lazypages.ErrRegionOutOfBounds
	}
	copy(dst, src)
	return nil
}

func (r *memoryRegion) Write(offset uint64, src []byte) error {
	if offset > uint64(^uint32(0)) || !r.mem.Write(uint32(offset), src) {
		return lazypages.ErrRegionOutOfBounds
	}
	return nil
}

func (r *memoryRegion) Grow(pages uint32) error {
	if _, ok := r.mem.Grow(pages); !ok {
		return fmt.Errorf("%w: cannot grow by %d pages", lazypages.ErrAllocationOutOfBounds, pages)
	}
	return nil
}

func (*memoryRegion) Protect(uint64, uint64, lazypages.Protection) error { return nil }

// growTo extends [mem] to at least [pages] wasm pages.
func growTo(mem api.Memory, pages uint32) error {
	current := uint32(uint64(mem.Size()) / core.WasmPageSize)
	if current >= pages {
		return nil
	}
	if _, ok := mem.Grow(pages - current); !ok {
		return fmt.Errorf("%w: cannot grow to %d pages", lazypages.ErrAllocationOutOfBounds, pages)
	}
	return nil
}
