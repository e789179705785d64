// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lazypages

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
)

// Status is the per execution state of a gear page.
type Status uint8

const (
	Unloaded Status = iota
	ReadOnly
	Writable
)

// PageStorage returns the persisted bytes of a page of the executing program.
type PageStorage interface {
	PageData(page core.GearPage) ([]byte, bool, error)
}

// Charger takes gas for page accesses. Its error aborts the access.
type Charger func(amount uint64) error

// Config describes one acquisition.
type Config struct {
	Region      Region
	Storage     PageStorage
	Charger     Charger
	Costs       core.LazyPagesCosts
	MemGrowCost uint64
	Allocations core.Allocations
	StaticPages uint32
	MaxPages    uint32
	// Prefilled regions already hold the image produced by instantiation.
	// Pages without stored data keep that image instead of being zeroed.
	Prefilled bool
	// StoredPages lists the pages with persisted data.
	StoredPages []core.GearPage
}

// PageUpdate is the final content of a page written during execution.
type PageUpdate struct {
	Page core.GearPage
	Data []byte
}

// Result is what Finalize collects.
type Result struct {
	ReadPages          []core.GearPage
	Updates            []PageUpdate
	Allocations        core.Allocations
	AllocationsChanged bool
}

// Interval is a byte span a host call accesses.
type Interval struct {
	Offset uint64
	Size   uint64
}

type accessCosts struct {
	read, write, writeAfterRead uint64
}

// Handle is the single owner of the process wide lazy pages state. It must
// be released on every exit path.
type Handle struct {
	cfg         Config
	allocations core.Allocations

	status map[core.GearPage]Status
	// snapshots keep the content of every loaded page at load time. A nil
	// snapshot stands for a zero page.
	snapshots map[core.GearPage][]byte
	// baseline is the non-zero content of a prefilled region at acquisition.
	baseline map[core.GearPage][]byte
	stored   map[core.GearPage]struct{}
	read      map[core.GearPage]struct{}

	inHostCall bool
	released   bool
	log        log.Logger
}

// Acquire takes the process wide state and protects the whole region.
func Acquire(cfg Config) (*Handle, error) {
	if !handlerSet.Load() {
		return nil, ErrProcessNotInitialized
	}
	if !owned.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}
	h := &Handle{
		cfg:         cfg,
		allocations: cfg.Allocations.Clone(),
		status:      make(map[core.GearPage]Status),
		snapshots:   make(map[core.GearPage][]byte),
		baseline:    make(map[core.GearPage][]byte),
		stored:      make(map[core.GearPage]struct{}, len(cfg.StoredPages)),
		read:        make(map[core.GearPage]struct{}),
		log:         log.New("module", "lazypages"),
	}
	for _, p := range cfg.StoredPages {
		h.stored[p] = struct{}{}
	}
	if cfg.Prefilled {
		for page := core.GearPage(0); page < core.GearPageOf(cfg.Region.Size()); page++ {
			image := make([]byte, core.GearPageSize)
			if err := cfg.Region.Read(page.Offset(), image); err != nil {
				return nil, multierror.Append(err, h.Release())
			}
			if !isZero(image) {
				h.baseline[page] = image
			}
		}
	}
	if err := cfg.Region.Protect(0, cfg.Region.Size(), ProtNone); err != nil {
		return nil, multierror.Append(fmt.Errorf("failed to protect region: %w", err), h.Release())
	}
	return h, nil
}

func (h *Handle) signalCosts() accessCosts {
	return accessCosts{h.cfg.Costs.SignalRead, h.cfg.Costs.SignalWrite, h.cfg.Costs.SignalWriteAfterRead}
}

func (h *Handle) hostFuncCosts() accessCosts {
	return accessCosts{h.cfg.Costs.HostFuncRead, h.cfg.Costs.HostFuncWrite, h.cfg.Costs.HostFuncWriteAfterRead}
}

// EnterHostCall marks the start of a host call. Faults raised while inside
// are invalid; host calls declare their accesses through PreProcessAccesses.
func (h *Handle) EnterHostCall() { h.inHostCall = true }

// LeaveHostCall marks the end of a host call.
func (h *Handle) LeaveHostCall() { h.inHostCall = false }

// Status returns the state of [page].
func (h *Handle) Status(page core.GearPage) Status { return h.status[page] }

// Fault handles an access at [addr] raised by guest code.
func (h *Handle) Fault(addr uint64, write bool) error {
	if h.released {
		return ErrReleased
	}
	if h.inHostCall {
		return ErrInvalidAccessDuringHostCall
	}
	return h.fault(addr, write, h.signalCosts())
}

func (h *Handle) fault(addr uint64, write bool, costs accessCosts) error {
	if addr >= h.cfg.Region.Size() {
		return fmt.Errorf("%w: address %#x", ErrRegionOutOfBounds, addr)
	}
	page := core.GearPageOf(addr)
	offset := page.Offset()

	switch h.status[page] {
	case Writable:
		return nil
	case ReadOnly:
		if !write {
			return nil
		}
		if err := h.cfg.Charger(costs.writeAfterRead); err != nil {
			return fmt.Errorf("failed to charge write after read of page %d: %w", page, err)
		}
		h.status[page] = Writable
		return h.cfg.Region.Protect(offset, core.GearPageSize, ProtReadWrite)
	}

	cost := costs.read
	if write {
		cost = costs.write
	}
	if err := h.cfg.Charger(cost); err != nil {
		return fmt.Errorf("failed to charge access of page %d: %w", page, err)
	}
	if err := h.load(page); err != nil {
		return err
	}
	if write {
		h.status[page] = Writable
		return nil
	}
	h.status[page] = ReadOnly
	h.read[page] = struct{}{}
	return h.cfg.Region.Protect(offset, core.GearPageSize, ProtRead)
}

// load fills [page] from storage and leaves it writable.
func (h *Handle) load(page core.GearPage) error {
	offset := page.Offset()
	if err := h.cfg.Region.Protect(offset, core.GearPageSize, ProtReadWrite); err != nil {
		return err
	}

	var (
		data  []byte
		found bool
		err   error
	)
	if _, ok := h.stored[page]; ok {
		data, found, err = h.cfg.Storage.PageData(page)
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", page, err)
		}
	}
	switch {
	case found:
		if err := h.cfg.Charger(h.cfg.Costs.LoadPageStorageData); err != nil {
			return fmt.Errorf("failed to charge load of page %d: %w", page, err)
		}
		buf := make([]byte, core.GearPageSize)
		copy(buf, data)
		if err := h.cfg.Region.Write(offset, buf); err != nil {
			return err
		}
		h.snapshots[page] = buf
	case h.cfg.Prefilled:
		h.snapshots[page] = h.baseline[page]
	default:
		if err := h.cfg.Region.Write(offset, make([]byte, core.GearPageSize)); err != nil {
			return err
		}
		h.snapshots[page] = nil
	}
	return nil
}

// PreProcessAccesses loads every page a host call is about to touch,
// charging host function costs.
func (h *Handle) PreProcessAccesses(reads, writes []Interval) error {
	if h.released {
		return ErrReleased
	}
	costs := h.hostFuncCosts()
	for _, group := range []struct {
		spans []Interval
		write bool
	}{{reads, false}, {writes, true}} {
		for _, span := range group.spans {
			if span.Size == 0 {
				continue
			}
			end := span.Offset + span.Size
			if end > h.cfg.Region.Size() || end < span.Offset {
				return fmt.Errorf("%w: [%#x, %#x)", ErrRegionOutOfBounds, span.Offset, end)
			}
			for page := core.GearPageOf(span.Offset); page <= core.GearPageOf(end-1); page++ {
				if err := h.fault(page.Offset(), group.write, costs); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (h *Handle) access(offset uint64, n int, write bool) error {
	span := []Interval{{Offset: offset, Size: uint64(n)}}
	if h.inHostCall {
		if write {
			return h.PreProcessAccesses(nil, span)
		}
		return h.PreProcessAccesses(span, nil)
	}
	if n == 0 {
		return nil
	}
	end := offset + uint64(n)
	if end > h.cfg.Region.Size() || end < offset {
		return fmt.Errorf("%w: [%#x, %#x)", ErrRegionOutOfBounds, offset, end)
	}
	for page := core.GearPageOf(offset); page <= core.GearPageOf(end-1); page++ {
		if err := h.Fault(page.Offset(), write); err != nil {
			return err
		}
	}
	return nil
}

// Read copies memory at [offset] into [dst], faulting pages in as needed.
func (h *Handle) Read(offset uint64, dst []byte) error {
	if err := h.access(offset, len(dst), false); err != nil {
		return err
	}
	return h.cfg.Region.Read(offset, dst)
}

// Write copies [src] into memory at [offset], faulting pages in as needed.
func (h *Handle) Write(offset uint64, src []byte) error {
	if err := h.access(offset, len(src), true); err != nil {
		return err
	}
	return h.cfg.Region.Write(offset, src)
}

// Alloc allocates [count] consecutive wasm pages above the static memory,
// growing the region when needed.
func (h *Handle) Alloc(count uint32) (core.WasmPage, error) {
	if h.released {
		return 0, ErrReleased
	}
	first, err := h.allocations.FindFree(count, core.WasmPage(h.cfg.StaticPages), core.WasmPage(h.cfg.MaxPages))
	if err != nil {
		return 0, fmt.Errorf("%w: %d pages", ErrAllocationOutOfBounds, count)
	}
	end := uint64(first) + uint64(count)
	current := h.cfg.Region.Size() / core.WasmPageSize
	if end > current {
		grow := uint32(end - current)
		if err := h.cfg.Charger(h.cfg.MemGrowCost * uint64(grow)); err != nil {
			return 0, fmt.Errorf("failed to charge memory grow: %w", err)
		}
		oldSize := h.cfg.Region.Size()
		if err := h.cfg.Region.Grow(grow); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAllocationOutOfBounds, err)
		}
		if err := h.cfg.Region.Protect(oldSize, h.cfg.Region.Size()-oldSize, ProtNone); err != nil {
			return 0, err
		}
	}
	for p := first; uint64(p) < end; p++ {
		h.allocations.Insert(p)
	}
	return first, nil
}

// Free releases an allocated wasm page.
func (h *Handle) Free(page core.WasmPage) error {
	if h.released {
		return ErrReleased
	}
	if uint32(page) < h.cfg.StaticPages || !h.allocations.Remove(page) {
		return fmt.Errorf("%w: page %d is not allocated", ErrAllocationOutOfBounds, page)
	}
	return nil
}

// Allocations returns the current allocation set.
func (h *Handle) Allocations() core.Allocations { return h.allocations.Clone() }

// LoadStored faults every page with stored data in for reading. Backends
// that cannot trap guest accesses call it before running guest code.
func (h *Handle) LoadStored() error {
	pages := slices.Clone(h.cfg.StoredPages)
	slices.Sort(pages)
	for _, page := range pages {
		if page.Offset() >= h.cfg.Region.Size() {
			continue
		}
		if err := h.fault(page.Offset(), false, h.signalCosts()); err != nil {
			return err
		}
	}
	return nil
}

// Finalize restores default protection and collects the pages read, the
// pages whose content changed and the allocation set. Pages written without
// a fault are detected by comparing against their content at load time and
// charged as signal writes.
func (h *Handle) Finalize() (Result, error) {
	if h.released {
		return Result{}, ErrReleased
	}
	size := h.cfg.Region.Size()
	if err := h.cfg.Region.Protect(0, size, ProtReadWrite); err != nil {
		return Result{}, err
	}

	result := Result{
		Allocations:        h.allocations.Clone(),
		AllocationsChanged: !h.allocations.Equal(&h.cfg.Allocations),
	}
	for page := range h.read {
		result.ReadPages = append(result.ReadPages, page)
	}
	slices.Sort(result.ReadPages)

	last := core.GearPageOf(size)
	buf := make([]byte, core.GearPageSize)
	for page := core.GearPage(0); page < last; page++ {
		status := h.status[page]
		if status == Unloaded && !h.cfg.Prefilled {
			continue
		}
		if err := h.cfg.Region.Read(page.Offset(), buf); err != nil {
			return Result{}, err
		}
		reference, loaded := h.snapshots[page]
		if !loaded {
			reference = h.baseline[page]
		}
		if sameContent(reference, buf) {
			continue
		}
		if status != Writable {
			cost := h.cfg.Costs.SignalWrite
			if status == ReadOnly {
				cost = h.cfg.Costs.SignalWriteAfterRead
			}
			if err := h.cfg.Charger(cost); err != nil {
				return Result{}, fmt.Errorf("failed to charge write of page %d: %w", page, err)
			}
		}
		result.Updates = append(result.Updates, PageUpdate{Page: page, Data: slices.Clone(buf)})
	}
	h.log.Debug("lazy pages finalized", "read", len(result.ReadPages), "updated", len(result.Updates))
	return result, nil
}

// Release restores default protection and gives the process wide state
// back. It is safe to call more than once.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true

	var errs *multierror.Error
	if err := h.cfg.Region.Protect(0, h.cfg.Region.Size(), ProtReadWrite); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to restore protection: %w", err))
	}
	owned.Store(false)
	return errs.ErrorOrNil()
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func sameContent(snapshot, data []byte) bool {
	if snapshot == nil {
		return isZero(data)
	}
	return bytes.Equal(snapshot, data)
}
