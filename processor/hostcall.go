// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"fmt"

	"github.com/ava-labs/actorvm/core"
)

// HostCall is the closed set of functions a program may import.
type HostCall uint8

const (
	CallSend HostCall = iota
	CallSendWithGas
	CallSendFromReservation
	CallReply
	CallReplyWithGas
	CallReplyDeposit
	CallReplyTo
	CallReplyCode
	CallSignalCode
	CallReserveGas
	CallUnreserveGas
	CallSystemReserveGas
	CallAlloc
	CallFree
	CallRandom
	CallBlockHeight
	CallBlockTimestamp
	CallGasAvailable
	CallMessageID
	CallProgramID
	CallSource
	CallValue
	CallSize
	CallRead
	CallDebug
	CallExit
	CallWait
	CallWaitFor
	CallWaitUpTo
	CallWake
	CallCreateProgram
	CallPanic
	// CallGas charges instruction gas injected by instrumentation.
	CallGas

	numHostCalls
)

// HostCallInfo is the static metadata of a host call.
type HostCallInfo struct {
	Name string
	// Cost selects the call's cost pair in the schedule. Nil for calls that
	// charge an explicit amount.
	Cost func(*core.HostCallCosts) core.CostPair
	// PerByte tells whether the per unit cost applies to a byte length.
	PerByte bool
	// Fallible calls report recoverable errors to the program instead of
	// trapping.
	Fallible bool
}

var hostCalls = [numHostCalls]HostCallInfo{
	CallSend:                {"gr_send", func(c *core.HostCallCosts) core.CostPair { return c.Send }, true, true},
	CallSendWithGas:         {"gr_send_wgas", func(c *core.HostCallCosts) core.CostPair { return c.SendWithGas }, true, true},
	CallSendFromReservation: {"gr_reservation_send", func(c *core.HostCallCosts) core.CostPair { return c.SendFromReservation }, true, true},
	CallReply:               {"gr_reply", func(c *core.HostCallCosts) core.CostPair { return c.Reply }, true, true},
	CallReplyWithGas:        {"gr_reply_wgas", func(c *core.HostCallCosts) core.CostPair { return c.ReplyWithGas }, true, true},
	CallReplyDeposit:        {"gr_reply_deposit", func(c *core.HostCallCosts) core.CostPair { return c.ReplyDeposit }, false, true},
	CallReplyTo:             {"gr_reply_to", func(c *core.HostCallCosts) core.CostPair { return c.ReplyTo }, false, true},
	CallReplyCode:           {"gr_reply_code", func(c *core.HostCallCosts) core.CostPair { return c.ReplyCode }, false, true},
	CallSignalCode:          {"gr_signal_code", func(c *core.HostCallCosts) core.CostPair { return c.SignalCode }, false, true},
	CallReserveGas:          {"gr_reserve_gas", func(c *core.HostCallCosts) core.CostPair { return c.ReserveGas }, false, true},
	CallUnreserveGas:        {"gr_unreserve_gas", func(c *core.HostCallCosts) core.CostPair { return c.UnreserveGas }, false, true},
	CallSystemReserveGas:    {"gr_system_reserve_gas", func(c *core.HostCallCosts) core.CostPair { return c.SystemReserveGas }, false, true},
	CallAlloc:               {"alloc", func(c *core.HostCallCosts) core.CostPair { return c.Alloc }, false, false},
	CallFree:                {"free", func(c *core.HostCallCosts) core.CostPair { return c.Free }, false, false},
	CallRandom:              {"gr_random", func(c *core.HostCallCosts) core.CostPair { return c.Random }, false, false},
	CallBlockHeight:         {"gr_block_height", func(c *core.HostCallCosts) core.CostPair { return c.BlockHeight }, false, false},
	CallBlockTimestamp:      {"gr_block_timestamp", func(c *core.HostCallCosts) core.CostPair { return c.BlockTimestamp }, false, false},
	CallGasAvailable:        {"gr_gas_available", func(c *core.HostCallCosts) core.CostPair { return c.GasAvailable }, false, false},
	CallMessageID:           {"gr_message_id", func(c *core.HostCallCosts) core.CostPair { return c.MessageID }, false, false},
	CallProgramID:           {"gr_program_id", func(c *core.HostCallCosts) core.CostPair { return c.ProgramID }, false, false},
	CallSource:              {"gr_source", func(c *core.HostCallCosts) core.CostPair { return c.Source }, false, false},
	CallValue:               {"gr_value", func(c *core.HostCallCosts) core.CostPair { return c.Value }, false, false},
	CallSize:                {"gr_size", func(c *core.HostCallCosts) core.CostPair { return c.Size }, false, false},
	CallRead:                {"gr_read", func(c *core.HostCallCosts) core.CostPair { return c.Read }, true, true},
	CallDebug:               {"gr_debug", func(c *core.HostCallCosts) core.CostPair { return c.Debug }, true, false},
	CallExit:                {"gr_exit", func(c *core.HostCallCosts) core.CostPair { return c.Exit }, false, false},
	CallWait:                {"gr_wait", func(c *core.HostCallCosts) core.CostPair { return c.Wait }, false, false},
	CallWaitFor:             {"gr_wait_for", func(c *core.HostCallCosts) core.CostPair { return c.WaitFor }, false, false},
	CallWaitUpTo:            {"gr_wait_up_to", func(c *core.HostCallCosts) core.CostPair { return c.WaitUpTo }, false, false},
	CallWake:                {"gr_wake", func(c *core.HostCallCosts) core.CostPair { return c.Wake }, false, true},
	CallCreateProgram:       {"gr_create_program", func(c *core.HostCallCosts) core.CostPair { return c.CreateProgram }, true, true},
	CallPanic:               {"gr_panic", func(c *core.HostCallCosts) core.CostPair { return c.Panic }, true, false},
	CallGas:                 {"gas", nil, false, false},
}

// Info returns the metadata of [c].
func (c HostCall) Info() HostCallInfo {
	if c >= numHostCalls {
		return HostCallInfo{Name: fmt.Sprintf("unknown(%d)", uint8(c))}
	}
	return hostCalls[c]
}

func (c HostCall) String() string { return c.Info().Name }

// Cost returns the price of [c] moving [n] bytes under [costs].
func (c HostCall) Cost(costs *core.HostCallCosts, n uint64) uint64 {
	info := c.Info()
	if info.Cost == nil {
		return 0
	}
	pair := info.Cost(costs)
	if !info.PerByte {
		n = 0
	}
	return pair.Cost(n)
}

// HostCalls lists every host call in declaration order.
func HostCalls() []HostCall {
	calls := make([]HostCall, numHostCalls)
	for i := range calls {
		calls[i] = HostCall(i)
	}
	return calls
}

// HostCallByName resolves an import name.
func HostCallByName(name string) (HostCall, bool) {
	for i, info := range hostCalls {
		if info.Name == name {
			return HostCall(i), true
		}
	}
	return 0, false
}

// ForbiddenFuncs is the set of host calls that trap when invoked.
type ForbiddenFuncs map[HostCall]struct{}

func NewForbiddenFuncs(calls ...HostCall) ForbiddenFuncs {
	f := make(ForbiddenFuncs, len(calls))
	for _, c := range calls {
		f[c] = struct{}{}
	}
	return f
}

func (f ForbiddenFuncs) Contains(c HostCall) bool {
	_, ok := f[c]
	return ok
}
