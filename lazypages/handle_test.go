// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lazypages

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/actorvm/core"
)

var testCosts = core.LazyPagesCosts{
	SignalRead:             10,
	SignalWrite:            20,
	SignalWriteAfterRead:   15,
	HostFuncRead:           1,
	HostFuncWrite:          2,
	HostFuncWriteAfterRead: 3,
	LoadPageStorageData:    100,
}

type memStorage map[core.GearPage][]byte

func (m memStorage) PageData(page core.GearPage) ([]byte, bool, error) {
	data, ok := m[page]
	return data, ok, nil
}

func (m memStorage) pages() []core.GearPage {
	var pages []core.GearPage
	for p := range m {
		pages = append(pages, p)
	}
	return pages
}

type meter struct {
	spent uint64
	limit uint64
}

var errTestOutOfGas = errors.New("out of gas")

func (m *meter) charge(amount uint64) error {
	if m.spent+amount > m.limit {
		return errTestOutOfGas
	}
	m.spent += amount
	return nil
}

// guardedRegion records protection per gear page and fails accesses that the
// current protection would not allow.
type guardedRegion struct {
	*SliceRegion
	prot map[core.GearPage]Protection
}

func newGuardedRegion(pages uint32) *guardedRegion {
	return &guardedRegion{SliceRegion: NewSliceRegion(pages, 16), prot: map[core.GearPage]Protection{}}
}

var errProtectionViolated = errors.New("protection violated")

func (r *guardedRegion) check(offset uint64, n int, need Protection) error {
	if n == 0 {
		return nil
	}
	for p := core.GearPageOf(offset); p <= core.GearPageOf(offset+uint64(n)-1); p++ {
		if prot, ok := r.prot[p]; ok && prot < need {
			return errProtectionViolated
		}
	}
	return nil
}

func (r *guardedRegion) Read(offset uint64, dst []byte) error {
	if err := r.check(offset, len(dst), ProtRead); err != nil {
		return err
	}
	return r.SliceRegion.Read(offset, dst)
}

func (r *guardedRegion) Write(offset uint64, src []byte) error {
	if err := r.check(offset, len(src), ProtReadWrite); err != nil {
		return err
	}
	return r.SliceRegion.Write(offset, src)
}

func (r *guardedRegion) Protect(offset, length uint64, prot Protection) error {
	for p := core.GearPageOf(offset); p < core.GearPageOf(offset+length); p++ {
		r.prot[p] = prot
	}
	return nil
}

func (r *guardedRegion) allWritable() bool {
	for _, prot := range r.prot {
		if prot != ProtReadWrite {
			return false
		}
	}
	return true
}

func acquire(t *testing.T, region Region, storage memStorage, m *meter) *Handle {
	EnsureProcessInit()
	h, err := Acquire(Config{
		Region:      region,
		Storage:     storage,
		Charger:     m.charge,
		Costs:       testCosts,
		MemGrowCost: 7,
		StaticPages: 1,
		MaxPages:    16,
		StoredPages: storage.pages(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })
	return h
}

func TestSingleOwner(t *testing.T) {
	assert := assert.New(t)

	h := acquire(t, NewSliceRegion(1, 1), memStorage{}, &meter{limit: 1000})
	assert.True(Active())

	_, err := Acquire(Config{Region: NewSliceRegion(1, 1)})
	assert.ErrorIs(err, ErrAlreadyInitialized)

	assert.NoError(h.Release())
	assert.NoError(h.Release())
	assert.False(Active())

	_, err = h.Finalize()
	assert.ErrorIs(err, ErrReleased)

	h2 := acquire(t, NewSliceRegion(1, 1), memStorage{}, &meter{limit: 1000})
	assert.NoError(h2.Release())
}

func TestInitProcessOnce(t *testing.T) {
	EnsureProcessInit()
	assert.ErrorIs(t, InitProcess(), ErrSignalHandlerAlreadySet)
}

func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	storage := memStorage{}
	payload := []byte("persisted bytes")
	offset := core.GearPage(3).Offset() + 100

	m := &meter{limit: 10_000}
	h := acquire(t, newGuardedRegion(1), storage, m)
	assert.NoError(h.Write(offset, payload))
	assert.Equal(Writable, h.Status(3))
	assert.EqualValues(testCosts.SignalWrite, m.spent)

	// reading an untouched page loads it but it is not updated
	buf := make([]byte, 4)
	assert.NoError(h.Read(core.GearPage(1).Offset(), buf))
	assert.Equal(ReadOnly, h.Status(1))

	result, err := h.Finalize()
	assert.NoError(err)
	assert.Equal([]core.GearPage{1}, result.ReadPages)
	assert.Len(result.Updates, 1)
	assert.EqualValues(3, result.Updates[0].Page)
	assert.False(result.AllocationsChanged)
	assert.NoError(h.Release())

	for _, u := range result.Updates {
		storage[u.Page] = u.Data
	}

	m = &meter{limit: 10_000}
	h = acquire(t, newGuardedRegion(1), storage, m)
	got := make([]byte, len(payload))
	assert.NoError(h.Read(offset, got))
	assert.Equal(payload, got)
	assert.EqualValues(testCosts.SignalRead+testCosts.LoadPageStorageData, m.spent)

	result, err = h.Finalize()
	assert.NoError(err)
	assert.Empty(result.Updates)
}

func TestWriteAfterRead(t *testing.T) {
	assert := assert.New(t)

	m := &meter{limit: 10_000}
	h := acquire(t, newGuardedRegion(1), memStorage{}, m)

	assert.NoError(h.Fault(10, false))
	assert.Equal(ReadOnly, h.Status(0))
	assert.NoError(h.Fault(20, false))
	assert.EqualValues(testCosts.SignalRead, m.spent)

	assert.NoError(h.Fault(30, true))
	assert.Equal(Writable, h.Status(0))
	assert.EqualValues(testCosts.SignalRead+testCosts.SignalWriteAfterRead, m.spent)

	// writing the same bytes back is not an update
	assert.NoError(h.Write(0, []byte{0, 0, 0}))
	result, err := h.Finalize()
	assert.NoError(err)
	assert.Empty(result.Updates)
}

func TestChargeFailureRestoresProtection(t *testing.T) {
	assert := assert.New(t)

	region := newGuardedRegion(1)
	h := acquire(t, region, memStorage{}, &meter{limit: 5})
	assert.False(region.allWritable())

	err := h.Fault(core.GearPage(2).Offset(), true)
	assert.ErrorIs(err, errTestOutOfGas)
	assert.Equal(Unloaded, h.Status(2))

	assert.NoError(h.Release())
	assert.True(region.allWritable())
}

func TestHostCallAccesses(t *testing.T) {
	assert := assert.New(t)

	m := &meter{limit: 10_000}
	h := acquire(t, newGuardedRegion(1), memStorage{}, m)

	h.EnterHostCall()
	assert.ErrorIs(h.Fault(0, false), ErrInvalidAccessDuringHostCall)

	span := Interval{Offset: core.GearPageSize - 2, Size: 4}
	assert.NoError(h.PreProcessAccesses([]Interval{span}, nil))
	assert.Equal(ReadOnly, h.Status(0))
	assert.Equal(ReadOnly, h.Status(1))
	assert.EqualValues(2*testCosts.HostFuncRead, m.spent)

	assert.NoError(h.Write(span.Offset, []byte{1, 2, 3, 4}))
	assert.EqualValues(2*testCosts.HostFuncRead+2*testCosts.HostFuncWriteAfterRead, m.spent)
	h.LeaveHostCall()

	assert.ErrorIs(h.PreProcessAccesses(nil, []Interval{{Offset: core.WasmPageSize, Size: 1}}), ErrRegionOutOfBounds)
	assert.ErrorIs(h.Fault(core.WasmPageSize, false), ErrRegionOutOfBounds)

	result, err := h.Finalize()
	assert.NoError(err)
	assert.Len(result.Updates, 2)
}

func TestAllocFree(t *testing.T) {
	assert := assert.New(t)

	m := &meter{limit: 10_000}
	region := newGuardedRegion(1)
	h := acquire(t, region, memStorage{}, m)

	first, err := h.Alloc(2)
	assert.NoError(err)
	assert.EqualValues(1, first)
	assert.EqualValues(3*core.WasmPageSize, region.Size())
	assert.EqualValues(2*7, m.spent)

	assert.NoError(h.Free(1))
	assert.ErrorIs(h.Free(1), ErrAllocationOutOfBounds)
	assert.ErrorIs(h.Free(0), ErrAllocationOutOfBounds)

	// the freed page is reused without growing
	again, err := h.Alloc(1)
	assert.NoError(err)
	assert.EqualValues(1, again)
	assert.EqualValues(2*7, m.spent)

	_, err = h.Alloc(20)
	assert.ErrorIs(err, ErrAllocationOutOfBounds)

	result, err := h.Finalize()
	assert.NoError(err)
	assert.True(result.AllocationsChanged)
	assert.Equal([]core.WasmPage{1, 2}, result.Allocations.Pages)
}

func TestPrefilledRegionDetectsSilentWrites(t *testing.T) {
	assert := assert.New(t)

	region := NewSliceRegion(1, 1)
	// image produced by instantiation
	assert.NoError(region.Write(0, []byte("data segment")))

	m := &meter{limit: 10_000}
	EnsureProcessInit()
	h, err := Acquire(Config{
		Region:    region,
		Storage:   memStorage{},
		Charger:   m.charge,
		Costs:     testCosts,
		MaxPages:  1,
		Prefilled: true,
	})
	assert.NoError(err)
	defer h.Release()

	// guest code writes without faulting
	assert.NoError(region.Write(core.GearPage(2).Offset(), []byte{9}))

	result, err := h.Finalize()
	assert.NoError(err)
	assert.Len(result.Updates, 1)
	assert.EqualValues(2, result.Updates[0].Page)
	assert.EqualValues(testCosts.SignalWrite, m.spent)
}

func TestLoadStored(t *testing.T) {
	assert := assert.New(t)

	storage := memStorage{2: []byte{1, 2, 3}}
	m := &meter{limit: 10_000}
	h := acquire(t, NewSliceRegion(1, 1), storage, m)

	assert.NoError(h.LoadStored())
	assert.Equal(ReadOnly, h.Status(2))
	assert.Equal(Unloaded, h.Status(0))
	assert.EqualValues(testCosts.SignalRead+testCosts.LoadPageStorageData, m.spent)

	got := make([]byte, 3)
	assert.NoError(h.Read(core.GearPage(2).Offset(), got))
	assert.Equal([]byte{1, 2, 3}, got)
}
