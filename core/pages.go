// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"slices"
)

const (
	// WasmPageSize is the allocation unit of a program's linear memory.
	WasmPageSize = 64 * 1024
	// GearPageSize is the unit pages are loaded, charged and persisted in.
	GearPageSize = 16 * 1024
	// GearPagesPerWasmPage is how many gear pages a wasm page spans.
	GearPagesPerWasmPage = WasmPageSize / GearPageSize
	// MaxWasmPages is the number of wasm pages addressable by a 32 bit memory.
	MaxWasmPages = 1 << 16
)

var errNoFreeRange = errors.New("no free page range")

// WasmPage is the index of a 64KiB page.
type WasmPage uint32

// GearPage is the index of a 16KiB page.
type GearPage uint32

// Offset returns the first byte address of the page.
func (p WasmPage) Offset() uint64 { return uint64(p) * WasmPageSize }

// GearPages returns the gear pages covered by [p].
func (p WasmPage) GearPages() []GearPage {
	first := GearPage(uint32(p) * GearPagesPerWasmPage)
	pages := make([]GearPage, GearPagesPerWasmPage)
	for i := range pages {
		pages[i] = first + GearPage(i)
	}
	return pages
}

// Offset returns the first byte address of the page.
func (p GearPage) Offset() uint64 { return uint64(p) * GearPageSize }

// WasmPage returns the wasm page containing [p].
func (p GearPage) WasmPage() WasmPage { return WasmPage(uint32(p) / GearPagesPerWasmPage) }

// GearPageOf returns the gear page holding address [addr].
func GearPageOf(addr uint64) GearPage { return GearPage(addr / GearPageSize) }

// Allocations is the sorted set of wasm pages a program allocated on top of
// its static memory.
type Allocations struct {
	Pages []WasmPage `serialize:"true" json:"pages"`
}

// NewAllocations returns a set holding [pages].
func NewAllocations(pages ...WasmPage) Allocations {
	a := Allocations{}
	for _, p := range pages {
		a.Insert(p)
	}
	return a
}

// Len returns the number of allocated pages.
func (a *Allocations) Len() int { return len(a.Pages) }

// Contains reports whether [p] is allocated.
func (a *Allocations) Contains(p WasmPage) bool {
	_, ok := slices.BinarySearch(a.Pages, p)
	return ok
}

// Insert adds [p] and reports whether it was absent.
func (a *Allocations) Insert(p WasmPage) bool {
	i, ok := slices.BinarySearch(a.Pages, p)
	if ok {
		return false
	}
	a.Pages = slices.Insert(a.Pages, i, p)
	return true
}

// Remove deletes [p] and reports whether it was present.
func (a *Allocations) Remove(p WasmPage) bool {
	i, ok := slices.BinarySearch(a.Pages, p)
	if !ok {
		return false
	}
	a.Pages = slices.Delete(a.Pages, i, i+1)
	return true
}

// End returns one past the highest allocated page, or 0 when empty.
func (a *Allocations) End() WasmPage {
	if len(a.Pages) == 0 {
		return 0
	}
	return a.Pages[len(a.Pages)-1] + 1
}

// Intervals returns the number of maximal runs of consecutive pages.
func (a *Allocations) Intervals() uint64 {
	var n uint64
	for i, p := range a.Pages {
		if i == 0 || a.Pages[i-1]+1 != p {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (a Allocations) Clone() Allocations {
	return Allocations{Pages: slices.Clone(a.Pages)}
}

// Equal reports whether both sets hold the same pages.
func (a *Allocations) Equal(o *Allocations) bool {
	return slices.Equal(a.Pages, o.Pages)
}

// FindFree returns the first page of the lowest run of [count] unallocated
// pages in [from, limit).
func (a *Allocations) FindFree(count uint32, from, limit WasmPage) (WasmPage, error) {
	if count == 0 {
		return from, nil
	}
	start := from
	for _, p := range a.Pages {
		if p < start {
			continue
		}
		if uint64(p)-uint64(start) >= uint64(count) {
			break
		}
		start = p + 1
	}
	if uint64(start)+uint64(count) > uint64(limit) {
		return 0, errNoFreeRange
	}
	return start, nil
}
