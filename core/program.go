// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"slices"
)

// ProgramStatus is the lifecycle state of a program.
type ProgramStatus uint8

const (
	// ProgramUninitialized programs only accept their init message.
	ProgramUninitialized ProgramStatus = iota
	ProgramActive
	ProgramExited
	ProgramTerminated
	ProgramPaused
)

func (s ProgramStatus) String() string {
	switch s {
	case ProgramUninitialized:
		return "uninitialized"
	case ProgramActive:
		return "active"
	case ProgramExited:
		return "exited"
	case ProgramTerminated:
		return "terminated"
	case ProgramPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// SectionSizes are the byte sizes of the module sections instantiation is
// charged for.
type SectionSizes struct {
	Code    uint32 `serialize:"true" json:"code"`
	Data    uint32 `serialize:"true" json:"data"`
	Global  uint32 `serialize:"true" json:"global"`
	Table   uint32 `serialize:"true" json:"table"`
	Element uint32 `serialize:"true" json:"element"`
	Type    uint32 `serialize:"true" json:"type"`
}

// InstrumentationStatus tells whether code has usable instrumented form.
type InstrumentationStatus uint8

const (
	Instrumented InstrumentationStatus = iota
	InstrumentationFailed
)

// CodeMetadata is kept next to every uploaded code.
type CodeMetadata struct {
	OriginalLen         uint32                `serialize:"true" json:"originalLen"`
	InstrumentedLen     uint32                `serialize:"true" json:"instrumentedLen"`
	Exports             []DispatchKind        `serialize:"true" json:"exports"`
	StaticPages         uint32                `serialize:"true" json:"staticPages"`
	Status              InstrumentationStatus `serialize:"true" json:"status"`
	InstructionsVersion uint32                `serialize:"true" json:"instructionsVersion"`
}

// HasExport reports whether the code serves [kind].
func (m *CodeMetadata) HasExport(kind DispatchKind) bool {
	return slices.Contains(m.Exports, kind)
}

// InstrumentedCode is code prepared for execution under a schedule version.
type InstrumentedCode struct {
	Bytes       []byte         `serialize:"true" json:"bytes"`
	Version     uint32         `serialize:"true" json:"version"`
	Sections    SectionSizes   `serialize:"true" json:"sections"`
	Exports     []DispatchKind `serialize:"true" json:"exports"`
	StaticPages uint32         `serialize:"true" json:"staticPages"`
}

// GasReservationSlot is one gas reservation made by a program.
type GasReservationSlot struct {
	ID     ReservationID `serialize:"true" json:"id"`
	Amount uint64        `serialize:"true" json:"amount"`
	Start  uint32        `serialize:"true" json:"start"`
	Finish uint32        `serialize:"true" json:"finish"`
}

// GasReservations is the reservation map of a program, sorted by id.
type GasReservations struct {
	Slots []GasReservationSlot `serialize:"true" json:"slots"`
}

func compareSlot(s GasReservationSlot, id ReservationID) int {
	return slices.Compare(s.ID[:], id[:])
}

// Get returns the slot for [id].
func (r *GasReservations) Get(id ReservationID) (GasReservationSlot, bool) {
	i, ok := slices.BinarySearchFunc(r.Slots, id, compareSlot)
	if !ok {
		return GasReservationSlot{}, false
	}
	return r.Slots[i], true
}

// Put inserts or replaces a slot.
func (r *GasReservations) Put(slot GasReservationSlot) {
	i, ok := slices.BinarySearchFunc(r.Slots, slot.ID, compareSlot)
	if ok {
		r.Slots[i] = slot
		return
	}
	r.Slots = slices.Insert(r.Slots, i, slot)
}

// Remove deletes the slot for [id] and returns it.
func (r *GasReservations) Remove(id ReservationID) (GasReservationSlot, bool) {
	i, ok := slices.BinarySearchFunc(r.Slots, id, compareSlot)
	if !ok {
		return GasReservationSlot{}, false
	}
	slot := r.Slots[i]
	r.Slots = slices.Delete(r.Slots, i, i+1)
	return slot, true
}

// Len returns the number of reservations.
func (r *GasReservations) Len() int { return len(r.Slots) }

// Clone returns an independent copy.
func (r GasReservations) Clone() GasReservations {
	return GasReservations{Slots: slices.Clone(r.Slots)}
}

// Program is the persisted record of a deployed program.
type Program struct {
	CodeID       CodeID          `serialize:"true" json:"codeId"`
	Status       ProgramStatus   `serialize:"true" json:"status"`
	InitMessage  MessageID       `serialize:"true" json:"initMessage"`
	Inheritor    ActorID         `serialize:"true" json:"inheritor"`
	Allocations  Allocations     `serialize:"true" json:"allocations"`
	StaticPages  uint32          `serialize:"true" json:"staticPages"`
	Reservations GasReservations `serialize:"true" json:"reservations"`
	Exports      []DispatchKind  `serialize:"true" json:"exports"`
	// Pages lists every gear page with stored data.
	Pages []GearPage `serialize:"true" json:"pages"`
}

// IsExecutable reports whether the program can receive dispatches at all.
func (p *Program) IsExecutable() bool {
	return p.Status == ProgramUninitialized || p.Status == ProgramActive
}

// ExecutableActorData is the immutable snapshot of a program handed to the
// processor.
type ExecutableActorData struct {
	ProgramID    ProgramID
	CodeID       CodeID
	Status       ProgramStatus
	InitMessage  MessageID
	Allocations  Allocations
	StaticPages  uint32
	Reservations GasReservations
	Exports      []DispatchKind
	Pages        []GearPage
}

// Executable returns the processor snapshot of [p].
func (p *Program) Executable(id ProgramID) ExecutableActorData {
	return ExecutableActorData{
		ProgramID:    id,
		CodeID:       p.CodeID,
		Status:       p.Status,
		InitMessage:  p.InitMessage,
		Allocations:  p.Allocations.Clone(),
		StaticPages:  p.StaticPages,
		Reservations: p.Reservations.Clone(),
		Exports:      slices.Clone(p.Exports),
		Pages:        slices.Clone(p.Pages),
	}
}
