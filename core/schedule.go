// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	safemath "github.com/ava-labs/avalanchego/utils/math"
)

// CostPair is a fixed cost plus a cost per unit (byte, page, section byte).
type CostPair struct {
	Base    uint64 `json:"base"`
	PerUnit uint64 `json:"perUnit"`
}

// Cost returns Base + PerUnit*units, saturating at the maximum value so an
// overflowing charge can never be afforded.
func (c CostPair) Cost(units uint64) uint64 {
	v, err := safemath.Mul64(c.PerUnit, units)
	if err != nil {
		return ^uint64(0)
	}
	v, err = safemath.Add64(c.Base, v)
	if err != nil {
		return ^uint64(0)
	}
	return v
}

// InstantiationCosts are charged per byte of the corresponding module section.
type InstantiationCosts struct {
	CodeSectionPerByte    uint64 `json:"codeSectionPerByte"`
	DataSectionPerByte    uint64 `json:"dataSectionPerByte"`
	GlobalSectionPerByte  uint64 `json:"globalSectionPerByte"`
	TableSectionPerByte   uint64 `json:"tableSectionPerByte"`
	ElementSectionPerByte uint64 `json:"elementSectionPerByte"`
	TypeSectionPerByte    uint64 `json:"typeSectionPerByte"`
}

// ProcessCosts are charged by the precharge stages.
type ProcessCosts struct {
	ProgramRead                uint64             `json:"programRead"`
	CodeMetadataRead           uint64             `json:"codeMetadataRead"`
	CodeRead                   CostPair           `json:"codeRead"`
	Instrumentation            CostPair           `json:"instrumentation"`
	Instantiation              InstantiationCosts `json:"instantiation"`
	LoadAllocationsPerInterval uint64             `json:"loadAllocationsPerInterval"`
}

// HostCallCosts hold one cost pair per host call kind. Per-unit costs apply
// only to calls that move a variable amount of bytes.
type HostCallCosts struct {
	Send                CostPair `json:"send"`
	SendWithGas         CostPair `json:"sendWithGas"`
	SendFromReservation CostPair `json:"sendFromReservation"`
	Reply               CostPair `json:"reply"`
	ReplyWithGas        CostPair `json:"replyWithGas"`
	ReplyDeposit        CostPair `json:"replyDeposit"`
	ReplyTo             CostPair `json:"replyTo"`
	ReplyCode           CostPair `json:"replyCode"`
	SignalCode          CostPair `json:"signalCode"`
	ReserveGas          CostPair `json:"reserveGas"`
	UnreserveGas        CostPair `json:"unreserveGas"`
	SystemReserveGas    CostPair `json:"systemReserveGas"`
	Alloc               CostPair `json:"alloc"`
	Free                CostPair `json:"free"`
	Random              CostPair `json:"random"`
	BlockHeight         CostPair `json:"blockHeight"`
	BlockTimestamp      CostPair `json:"blockTimestamp"`
	GasAvailable        CostPair `json:"gasAvailable"`
	MessageID           CostPair `json:"messageId"`
	ProgramID           CostPair `json:"programId"`
	Source              CostPair `json:"source"`
	Value               CostPair `json:"value"`
	Size                CostPair `json:"size"`
	Read                CostPair `json:"read"`
	Debug               CostPair `json:"debug"`
	Exit                CostPair `json:"exit"`
	Leave               CostPair `json:"leave"`
	Wait                CostPair `json:"wait"`
	WaitFor             CostPair `json:"waitFor"`
	WaitUpTo            CostPair `json:"waitUpTo"`
	Wake                CostPair `json:"wake"`
	CreateProgram       CostPair `json:"createProgram"`
	Panic               CostPair `json:"panic"`
}

// LazyPagesCosts are charged per gear page touched.
type LazyPagesCosts struct {
	SignalRead             uint64 `json:"signalRead"`
	SignalWrite            uint64 `json:"signalWrite"`
	SignalWriteAfterRead   uint64 `json:"signalWriteAfterRead"`
	HostFuncRead           uint64 `json:"hostFuncRead"`
	HostFuncWrite          uint64 `json:"hostFuncWrite"`
	HostFuncWriteAfterRead uint64 `json:"hostFuncWriteAfterRead"`
	LoadPageStorageData    uint64 `json:"loadPageStorageData"`
}

// MemoryCosts price memory growth.
type MemoryCosts struct {
	MemGrowPerPage uint64 `json:"memGrowPerPage"`
}

// HoldCosts are the per block prices of keeping an entry in a holding storage.
type HoldCosts struct {
	Waitlist      uint64 `json:"waitlist"`
	Mailbox       uint64 `json:"mailbox"`
	Reservation   uint64 `json:"reservation"`
	DispatchStash uint64 `json:"dispatchStash"`
}

// Limits bound what a single execution may do.
type Limits struct {
	MaxPages           uint32 `json:"maxPages"`
	OutgoingLimit      uint32 `json:"outgoingLimit"`
	OutgoingBytesLimit uint32 `json:"outgoingBytesLimit"`
	MaxPayloadLen      uint32 `json:"maxPayloadLen"`
	MaxReservations    uint64 `json:"maxReservations"`
	MailboxThreshold   uint64 `json:"mailboxThreshold"`
	ExistentialDeposit Value  `json:"existentialDeposit"`
	ReserveFor         uint32 `json:"reserveFor"`
	MaxWaitDuration    uint32 `json:"maxWaitDuration"`
	MinHoldBlocks      uint32 `json:"minHoldBlocks"`
}

// Schedule is the complete cost table. Instrumented code is valid only for
// the Version it was prepared under.
type Schedule struct {
	Version   uint32         `json:"version"`
	Process   ProcessCosts   `json:"process"`
	HostCalls HostCallCosts  `json:"hostCalls"`
	LazyPages LazyPagesCosts `json:"lazyPages"`
	Memory    MemoryCosts    `json:"memory"`
	Hold      HoldCosts      `json:"hold"`
	Limits    Limits         `json:"limits"`
}

// DefaultSchedule returns the cost table used when none is configured.
func DefaultSchedule() Schedule {
	fixed := func(base uint64) CostPair { return CostPair{Base: base} }
	perByte := func(base, unit uint64) CostPair { return CostPair{Base: base, PerUnit: unit} }

	return Schedule{
		Version: 1,
		Process: ProcessCosts{
			ProgramRead:      20_000,
			CodeMetadataRead: 10_000,
			CodeRead:         perByte(20_000, 10),
			Instrumentation:  perByte(400_000, 3_000),
			Instantiation: InstantiationCosts{
				CodeSectionPerByte:    1_500,
				DataSectionPerByte:    500,
				GlobalSectionPerByte:  2_000,
				TableSectionPerByte:   300,
				ElementSectionPerByte: 800,
				TypeSectionPerByte:    5_000,
			},
			LoadAllocationsPerInterval: 4_000,
		},
		HostCalls: HostCallCosts{
			Send:                perByte(450_000, 300),
			SendWithGas:         perByte(460_000, 300),
			SendFromReservation: perByte(480_000, 300),
			Reply:               perByte(400_000, 300),
			ReplyWithGas:        perByte(410_000, 300),
			ReplyDeposit:        fixed(300_000),
			ReplyTo:             fixed(50_000),
			ReplyCode:           fixed(50_000),
			SignalCode:          fixed(50_000),
			ReserveGas:          fixed(500_000),
			UnreserveGas:        fixed(400_000),
			SystemReserveGas:    fixed(200_000),
			Alloc:               fixed(300_000),
			Free:                fixed(100_000),
			Random:              fixed(150_000),
			BlockHeight:         fixed(40_000),
			BlockTimestamp:      fixed(40_000),
			GasAvailable:        fixed(40_000),
			MessageID:           fixed(40_000),
			ProgramID:           fixed(40_000),
			Source:              fixed(40_000),
			Value:               fixed(40_000),
			Size:                fixed(30_000),
			Read:                perByte(60_000, 10),
			Debug:               perByte(100_000, 20),
			Exit:                fixed(500_000),
			Leave:               fixed(20_000),
			Wait:                fixed(20_000),
			WaitFor:             fixed(20_000),
			WaitUpTo:            fixed(20_000),
			Wake:                fixed(200_000),
			CreateProgram:       perByte(1_500_000, 400),
			Panic:               perByte(20_000, 10),
		},
		LazyPages: LazyPagesCosts{
			SignalRead:             28_000,
			SignalWrite:            138_000,
			SignalWriteAfterRead:   112_000,
			HostFuncRead:           29_000,
			HostFuncWrite:          137_000,
			HostFuncWriteAfterRead: 112_000,
			LoadPageStorageData:    9_000,
		},
		Memory: MemoryCosts{
			MemGrowPerPage: 800,
		},
		Hold: HoldCosts{
			Waitlist:      100,
			Mailbox:       100,
			Reservation:   100,
			DispatchStash: 100,
		},
		Limits: Limits{
			MaxPages:           512,
			OutgoingLimit:      1024,
			OutgoingBytesLimit: 64 * 1024 * 1024,
			MaxPayloadLen:      8 * 1024 * 1024,
			MaxReservations:    256,
			MailboxThreshold:   3_000,
			ExistentialDeposit: 500,
			ReserveFor:         1,
			MaxWaitDuration:    1 << 20,
			MinHoldBlocks:      1,
		},
	}
}
