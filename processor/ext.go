// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"encoding/binary"
	"errors"
	"fmt"

	safemath "github.com/ava-labs/avalanchego/utils/math"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
)

// SendParams describe an outgoing message.
type SendParams struct {
	Destination core.ActorID
	Payload     []byte
	Value       core.Value
	// GasLimit is taken from the sender's gas when HasGasLimit is set.
	// Otherwise the message shares the gas of the executing dispatch.
	GasLimit    uint64
	HasGasLimit bool
	Delay       uint32
	// Reservation pays for the message when FromReservation is set.
	Reservation     core.ReservationID
	FromReservation bool
}

// ReplyParams describe the reply to the executing dispatch.
type ReplyParams struct {
	Payload     []byte
	Value       core.Value
	GasLimit    uint64
	HasGasLimit bool
}

// CreateProgramParams describe a program created by the executing program.
type CreateProgramParams struct {
	CodeID   core.CodeID
	Salt     []byte
	Payload  []byte
	Value    core.Value
	GasLimit uint64
	Delay    uint32
}

// Ext is the host surface offered to the executing program. Every method
// is charged before it has any effect. Methods return a Termination error
// once the execution must stop; any other error is recoverable and reported
// to the program.
type Ext struct {
	counters  counters
	schedule  *core.Schedule
	forbidden ForbiddenFuncs
	block     core.BlockInfo
	seed      [32]byte

	dispatch *core.Dispatch
	actor    *core.ExecutableActorData
	msg      *messageContext
	reserver *gasReserver
	// valueLeft is the program balance plus the value of the dispatch.
	valueLeft core.Value

	pages    *lazypages.Handle
	pagesCfg lazypages.Config

	// systemReserve is the gas set aside for signals by this execution.
	systemReserve uint64

	termination *Termination
	// sysErr is a host failure. It aborts the block.
	sysErr error

	log log.Logger
}

// ExtConfig is what an execution needs besides the dispatch itself.
type ExtConfig struct {
	Schedule  *core.Schedule
	Forbidden ForbiddenFuncs
	Block     core.BlockInfo
	// BlockSeed is mixed with the message id for gr_random.
	BlockSeed []byte
	Balance   core.Value
	Pages     lazypages.PageStorage
	Gas       *GasCounter
	Allowance *AllowanceCounter
}

func newExt(cfg ExtConfig, dispatch *core.Dispatch, actor *core.ExecutableActorData) *Ext {
	e := &Ext{
		counters:  counters{gas: cfg.Gas, allowance: cfg.Allowance},
		schedule:  cfg.Schedule,
		forbidden: cfg.Forbidden,
		block:     cfg.Block,
		seed:      core.RandomSeed(cfg.BlockSeed, dispatch.ID[:]),
		dispatch:  dispatch,
		actor:     actor,
		msg:       newMessageContext(dispatch, actor.ProgramID, cfg.Schedule.Limits),
		reserver: newGasReserver(
			dispatch.ID,
			cfg.Block.Height,
			cfg.Schedule.Limits.MaxReservations,
			actor.Reservations,
		),
		valueLeft: cfg.Balance + dispatch.Value,
		log:       log.New("module", "ext", "program", actor.ProgramID, "message", dispatch.ID),
	}
	e.pagesCfg = lazypages.Config{
		Storage:     cfg.Pages,
		Charger:     e.chargeAmount,
		Costs:       cfg.Schedule.LazyPages,
		MemGrowCost: cfg.Schedule.Memory.MemGrowPerPage,
		Allocations: actor.Allocations,
		StaticPages: actor.StaticPages,
		MaxPages:    cfg.Schedule.Limits.MaxPages,
		StoredPages: actor.Pages,
	}
	return e
}

// terminate records the first termination and returns it as an error.
func (e *Ext) terminate(t Termination) error {
	if e.termination == nil {
		e.termination = &t
	}
	return *e.termination
}

// Trap ends the execution with [reason].
func (e *Ext) Trap(reason TrapReason, msg string) error {
	return e.terminate(Termination{Kind: TermTrap, Reason: reason, Message: msg})
}

// Termination returns how the execution ended. A run without any
// termination recorded is a success.
func (e *Ext) Termination() Termination {
	if e.termination == nil {
		return Termination{Kind: TermSuccess}
	}
	return *e.termination
}

// Terminated reports whether the execution must stop.
func (e *Ext) Terminated() bool { return e.termination != nil }

// SystemError returns the host failure raised during execution, if any.
func (e *Ext) SystemError() error { return e.sysErr }

func (e *Ext) systemFailure(err error) error {
	if e.sysErr == nil {
		e.sysErr = fmt.Errorf("%w: %v", ErrSystem, err)
	}
	return e.Trap(TrapBackendError, err.Error())
}

// fail records a failed termination. It replaces exit, leave and success
// so charges made while finalizing memory can still fail the execution.
func (e *Ext) fail(t Termination) error {
	if e.termination != nil && (e.termination.Kind == TermTrap || e.termination.Kind == TermAllowanceExceeded) {
		return *e.termination
	}
	e.termination = &t
	return t
}

// chargeAmount is also the lazy pages charger.
func (e *Ext) chargeAmount(amount uint64) error {
	switch e.counters.charge(amount) {
	case charged:
		return nil
	case allowanceExceeded:
		return e.fail(Termination{Kind: TermAllowanceExceeded})
	default:
		return e.fail(Termination{Kind: TermTrap, Reason: TrapRanOutOfGas})
	}
}

// Charge takes the price of [call] moving [n] bytes.
func (e *Ext) Charge(call HostCall, n uint64) error {
	if e.termination != nil {
		return *e.termination
	}
	if e.forbidden.Contains(call) {
		return e.Trap(TrapForbiddenFunction, call.String())
	}
	return e.chargeAmount(call.Cost(&e.schedule.HostCalls, n))
}

// ChargeGas is the instruction metering entry point.
func (e *Ext) ChargeGas(amount uint64) error {
	if e.termination != nil {
		return *e.termination
	}
	if e.forbidden.Contains(CallGas) {
		return e.Trap(TrapForbiddenFunction, CallGas.String())
	}
	return e.chargeAmount(amount)
}

// EnterHostCall and LeaveHostCall bracket every host call made by guest
// code.
func (e *Ext) EnterHostCall() {
	if e.pages != nil {
		e.pages.EnterHostCall()
	}
}

func (e *Ext) LeaveHostCall() {
	if e.pages != nil {
		e.pages.LeaveHostCall()
	}
}

// AttachMemory hands the program memory to lazy pages. Prefilled regions
// already hold the instantiated image and get every stored page loaded
// upfront.
func (e *Ext) AttachMemory(region lazypages.Region, prefilled bool) error {
	if e.pages != nil {
		return e.systemFailure(errors.New("memory already attached"))
	}
	cfg := e.pagesCfg
	cfg.Region = region
	cfg.Prefilled = prefilled
	handle, err := lazypages.Acquire(cfg)
	if err != nil {
		return e.systemFailure(err)
	}
	e.pages = handle
	if prefilled {
		if err := handle.LoadStored(); err != nil {
			return e.memoryError(err)
		}
	}
	return nil
}

// MemoryPages is the number of wasm pages the program memory must span
// before it is attached.
func (e *Ext) MemoryPages() uint32 {
	pages := e.actor.StaticPages
	if end := uint32(e.actor.Allocations.End()); end > pages {
		pages = end
	}
	return pages
}

// Fault forwards a guest access fault.
func (e *Ext) Fault(addr uint64, write bool) error {
	if e.pages == nil {
		return e.systemFailure(errors.New("memory not attached"))
	}
	return e.memoryError(e.pages.Fault(addr, write))
}

// memoryError classifies a lazy pages failure.
func (e *Ext) memoryError(err error) error {
	var t Termination
	switch {
	case err == nil:
		return nil
	case errors.As(err, &t):
		return err
	case errors.Is(err, lazypages.ErrRegionOutOfBounds), errors.Is(err, lazypages.ErrAllocationOutOfBounds):
		return e.Trap(TrapMemoryOverflow, err.Error())
	default:
		return e.systemFailure(err)
	}
}

// ReadMemory copies program memory into [dst].
func (e *Ext) ReadMemory(offset uint64, dst []byte) error {
	if e.pages == nil {
		return e.systemFailure(errors.New("memory not attached"))
	}
	return e.memoryError(e.pages.Read(offset, dst))
}

// WriteMemory copies [src] into program memory.
func (e *Ext) WriteMemory(offset uint64, src []byte) error {
	if e.pages == nil {
		return e.systemFailure(errors.New("memory not attached"))
	}
	return e.memoryError(e.pages.Write(offset, src))
}

// Alloc allocates [count] wasm pages and returns the first one.
func (e *Ext) Alloc(count uint32) (core.WasmPage, error) {
	if err := e.Charge(CallAlloc, 0); err != nil {
		return 0, err
	}
	if e.pages == nil {
		return 0, e.systemFailure(errors.New("memory not attached"))
	}
	page, err := e.pages.Alloc(count)
	return page, e.memoryError(err)
}

// Free releases an allocated wasm page.
func (e *Ext) Free(page core.WasmPage) error {
	if err := e.Charge(CallFree, 0); err != nil {
		return err
	}
	if e.pages == nil {
		return e.systemFailure(errors.New("memory not attached"))
	}
	return e.memoryError(e.pages.Free(page))
}

func (e *Ext) checkValue(value core.Value) error {
	if value == 0 {
		return nil
	}
	if value < e.schedule.Limits.ExistentialDeposit {
		return ErrValueBelowExistentialDeposit
	}
	if value > e.valueLeft {
		return ErrNotEnoughValue
	}
	return nil
}

func (e *Ext) checkDelay(delay uint32) error {
	if delay > e.schedule.Limits.MaxWaitDuration {
		return ErrDelayTooLong
	}
	return nil
}

func sendCall(p *SendParams) HostCall {
	switch {
	case p.FromReservation:
		return CallSendFromReservation
	case p.HasGasLimit:
		return CallSendWithGas
	default:
		return CallSend
	}
}

// Send queues a message and returns its id.
func (e *Ext) Send(p SendParams) (core.MessageID, error) {
	if err := e.Charge(sendCall(&p), uint64(len(p.Payload))); err != nil {
		return core.MessageID{}, err
	}
	if err := e.msg.checkOutgoing(p.Payload); err != nil {
		return core.MessageID{}, err
	}
	if err := e.checkValue(p.Value); err != nil {
		return core.MessageID{}, err
	}
	if err := e.checkDelay(p.Delay); err != nil {
		return core.MessageID{}, err
	}

	out := core.StoredDispatch{
		Kind:        core.KindHandle,
		Source:      e.actor.ProgramID,
		Destination: p.Destination,
		Payload:     p.Payload,
		Value:       p.Value,
	}
	switch {
	case p.FromReservation:
		amount, err := e.reserver.use(p.Reservation)
		if err != nil {
			return core.MessageID{}, err
		}
		out = out.WithGasLimit(amount)
	case p.HasGasLimit:
		if e.counters.gas.Reduce(p.GasLimit) == NotEnough {
			return core.MessageID{}, ErrNotEnoughGas
		}
		out = out.WithGasLimit(p.GasLimit)
	}

	out.ID = e.msg.nextOutgoingID()
	e.valueLeft -= p.Value
	e.msg.push(GeneratedDispatch{
		Dispatch:       out,
		Delay:          p.Delay,
		Reservation:    p.Reservation,
		HasReservation: p.FromReservation,
	})
	return out.ID, nil
}

// Reply answers the executing dispatch. Only one reply may be sent.
func (e *Ext) Reply(p ReplyParams) (core.MessageID, error) {
	call := CallReply
	if p.HasGasLimit {
		call = CallReplyWithGas
	}
	if err := e.Charge(call, uint64(len(p.Payload))); err != nil {
		return core.MessageID{}, err
	}
	if k := e.dispatch.Kind; k != core.KindInit && k != core.KindHandle {
		return core.MessageID{}, ErrReplyNotAllowed
	}
	if e.msg.store.ReplySent {
		return core.MessageID{}, ErrDuplicateReply
	}
	if uint64(len(p.Payload)) > uint64(e.schedule.Limits.MaxPayloadLen) {
		return core.MessageID{}, ErrPayloadTooLarge
	}
	if err := e.checkValue(p.Value); err != nil {
		return core.MessageID{}, err
	}

	reply := core.NewReply(&e.dispatch.StoredDispatch, e.actor.ProgramID, p.Payload, p.Value, core.SuccessManual())
	if p.HasGasLimit {
		if e.counters.gas.Reduce(p.GasLimit) == NotEnough {
			return core.MessageID{}, ErrNotEnoughGas
		}
		reply = reply.WithGasLimit(p.GasLimit)
	}
	e.valueLeft -= p.Value
	e.msg.store.ReplySent = true
	e.msg.push(GeneratedDispatch{Dispatch: reply})
	return reply.ID, nil
}

// ReplyDeposit moves [amount] of gas to the future reply to [sent].
func (e *Ext) ReplyDeposit(sent core.MessageID, amount uint64) error {
	if err := e.Charge(CallReplyDeposit, 0); err != nil {
		return err
	}
	if e.counters.gas.Left() < amount {
		return ErrNotEnoughGas
	}
	if err := e.msg.addDeposit(sent, amount); err != nil {
		return err
	}
	e.counters.gas.Reduce(amount)
	return nil
}

// ReplyTo returns the message the executing reply answers.
func (e *Ext) ReplyTo() (core.MessageID, error) {
	if err := e.Charge(CallReplyTo, 0); err != nil {
		return core.MessageID{}, err
	}
	if !e.dispatch.IsReply() {
		return core.MessageID{}, ErrNoReplyContext
	}
	return e.dispatch.Details.To, nil
}

// ReplyCode returns the code of the executing reply.
func (e *Ext) ReplyCode() (core.ReplyCode, error) {
	if err := e.Charge(CallReplyCode, 0); err != nil {
		return core.ReplyCode{}, err
	}
	if !e.dispatch.IsReply() {
		return core.ReplyCode{}, ErrNoReplyContext
	}
	return e.dispatch.Details.Code, nil
}

// SignalCode returns the reason of the executing signal.
func (e *Ext) SignalCode() (core.ErrorReason, error) {
	if err := e.Charge(CallSignalCode, 0); err != nil {
		return 0, err
	}
	if e.dispatch.Details.Kind != core.DetailsSignal {
		return 0, ErrNoSignalContext
	}
	return e.dispatch.Details.Code.Reason, nil
}

// ReserveGas sets [amount] of gas aside for [duration] blocks. The upkeep
// of the reservation is paid upfront.
func (e *Ext) ReserveGas(amount uint64, duration uint32) (core.ReservationID, error) {
	if err := e.Charge(CallReserveGas, 0); err != nil {
		return core.ReservationID{}, err
	}
	if duration == 0 {
		return core.ReservationID{}, ErrZeroReservationDuration
	}
	if amount < e.schedule.Limits.MailboxThreshold {
		return core.ReservationID{}, ErrReservationBelowThreshold
	}
	upkeep, err := safemath.Mul64(e.schedule.Hold.Reservation, uint64(duration))
	if err != nil {
		return core.ReservationID{}, ErrNotEnoughGas
	}
	total, err := safemath.Add64(amount, upkeep)
	if err != nil || e.counters.gas.Left() < total {
		return core.ReservationID{}, ErrNotEnoughGas
	}
	id, err := e.reserver.reserve(&e.msg.store, amount, total, duration)
	if err != nil {
		return core.ReservationID{}, err
	}
	e.counters.gas.Reduce(total)
	return id, nil
}

// UnreserveGas removes a reservation and returns its amount. Reservations
// made by earlier executions go back to their origin; the ones made by this
// execution go back to the gas counter.
func (e *Ext) UnreserveGas(id core.ReservationID) (uint64, error) {
	if err := e.Charge(CallUnreserveGas, 0); err != nil {
		return 0, err
	}
	amount, reimburse, err := e.reserver.unreserve(id)
	if err != nil {
		return 0, err
	}
	e.counters.gas.Increase(reimburse)
	return amount, nil
}

// SystemReserveGas sets gas aside for the signal sent should the execution
// fail.
func (e *Ext) SystemReserveGas(amount uint64) error {
	if err := e.Charge(CallSystemReserveGas, 0); err != nil {
		return err
	}
	if amount == 0 {
		return ErrZeroSystemReservation
	}
	if e.counters.gas.Reduce(amount) == NotEnough {
		return ErrNotEnoughGas
	}
	e.msg.store.SystemReservation += amount
	e.msg.store.HasSystemReservation = true
	e.systemReserve += amount
	return nil
}

// Random returns the per message random seed and the block it was taken
// at.
func (e *Ext) Random() ([32]byte, uint32, error) {
	if err := e.Charge(CallRandom, 0); err != nil {
		return [32]byte{}, 0, err
	}
	return e.seed, e.block.Height, nil
}

func (e *Ext) BlockHeight() (uint32, error) {
	if err := e.Charge(CallBlockHeight, 0); err != nil {
		return 0, err
	}
	return e.block.Height, nil
}

func (e *Ext) BlockTimestamp() (uint64, error) {
	if err := e.Charge(CallBlockTimestamp, 0); err != nil {
		return 0, err
	}
	return e.block.Timestamp, nil
}

// GasAvailable returns the gas left after charging the call itself.
func (e *Ext) GasAvailable() (uint64, error) {
	if err := e.Charge(CallGasAvailable, 0); err != nil {
		return 0, err
	}
	return e.counters.gas.Left(), nil
}

func (e *Ext) MessageID() (core.MessageID, error) {
	if err := e.Charge(CallMessageID, 0); err != nil {
		return core.MessageID{}, err
	}
	return e.dispatch.ID, nil
}

func (e *Ext) ProgramID() (core.ProgramID, error) {
	if err := e.Charge(CallProgramID, 0); err != nil {
		return core.ProgramID{}, err
	}
	return e.actor.ProgramID, nil
}

func (e *Ext) Source() (core.ActorID, error) {
	if err := e.Charge(CallSource, 0); err != nil {
		return core.ActorID{}, err
	}
	return e.dispatch.Source, nil
}

func (e *Ext) Value() (core.Value, error) {
	if err := e.Charge(CallValue, 0); err != nil {
		return 0, err
	}
	return e.dispatch.Value, nil
}

// Size returns the payload length of the executing dispatch.
func (e *Ext) Size() (uint32, error) {
	if err := e.Charge(CallSize, 0); err != nil {
		return 0, err
	}
	return uint32(len(e.dispatch.Payload)), nil
}

// Read returns [n] payload bytes starting at [at].
func (e *Ext) Read(at, n uint32) ([]byte, error) {
	if err := e.Charge(CallRead, uint64(n)); err != nil {
		return nil, err
	}
	end := uint64(at) + uint64(n)
	if end > uint64(len(e.dispatch.Payload)) {
		return nil, ErrReadOutOfBounds
	}
	return e.dispatch.Payload[at:end], nil
}

// Debug logs a message of the program.
func (e *Ext) Debug(msg string) error {
	if err := e.Charge(CallDebug, uint64(len(msg))); err != nil {
		return err
	}
	e.log.Debug("program debug", "msg", msg)
	return nil
}

// Exit removes the program, leaving its balance to [inheritor].
func (e *Ext) Exit(inheritor core.ActorID) error {
	if err := e.Charge(CallExit, 0); err != nil {
		return err
	}
	return e.terminate(Termination{Kind: TermExit, Inheritor: inheritor})
}

func (e *Ext) wait(call HostCall, kind WaitKind, duration uint32) error {
	if err := e.Charge(call, 0); err != nil {
		return err
	}
	if k := e.dispatch.Kind; k == core.KindReply || k == core.KindSignal {
		return e.Trap(TrapUnrecoverableExt, fmt.Sprintf("%s in %s", call, k))
	}
	if kind != WaitForever && duration == 0 {
		return e.Trap(TrapUnrecoverableExt, "zero wait duration")
	}
	if duration > e.schedule.Limits.MaxWaitDuration {
		return e.Trap(TrapUnrecoverableExt, ErrDelayTooLong.Error())
	}
	// The waitlist upkeep for the minimal stay must be affordable.
	upkeep, err := safemath.Mul64(e.schedule.Hold.Waitlist, uint64(e.schedule.Limits.ReserveFor)+1)
	if err != nil || e.counters.gas.Left() < upkeep {
		return e.Trap(TrapUnrecoverableExt, "not enough gas to wait")
	}
	return e.terminate(Termination{Kind: TermLeave, Wait: kind, WaitDuration: duration})
}

// Wait parks the dispatch until it is woken.
func (e *Ext) Wait() error { return e.wait(CallWait, WaitForever, 0) }

// WaitFor parks the dispatch for exactly [duration] blocks.
func (e *Ext) WaitFor(duration uint32) error { return e.wait(CallWaitFor, WaitFor, duration) }

// WaitUpTo parks the dispatch for at most [duration] blocks.
func (e *Ext) WaitUpTo(duration uint32) error { return e.wait(CallWaitUpTo, WaitUpTo, duration) }

// Wake requeues a waiting message of the program after [delay] blocks.
func (e *Ext) Wake(id core.MessageID, delay uint32) error {
	if err := e.Charge(CallWake, 0); err != nil {
		return err
	}
	if err := e.checkDelay(delay); err != nil {
		return err
	}
	return e.msg.wake(id, delay)
}

// CreateProgram sends the init message of a new program and returns its
// id along with the id of the init message.
func (e *Ext) CreateProgram(p CreateProgramParams) (core.MessageID, core.ProgramID, error) {
	if err := e.Charge(CallCreateProgram, uint64(len(p.Payload)+len(p.Salt))); err != nil {
		return core.MessageID{}, core.ProgramID{}, err
	}
	if err := e.msg.checkOutgoing(p.Payload); err != nil {
		return core.MessageID{}, core.ProgramID{}, err
	}
	if err := e.checkValue(p.Value); err != nil {
		return core.MessageID{}, core.ProgramID{}, err
	}
	if err := e.checkDelay(p.Delay); err != nil {
		return core.MessageID{}, core.ProgramID{}, err
	}
	if e.counters.gas.Reduce(p.GasLimit) == NotEnough {
		return core.MessageID{}, core.ProgramID{}, ErrNotEnoughGas
	}

	id := e.msg.nextOutgoingID()
	program := core.GenerateChildProgramID(p.CodeID, p.Salt, id)
	init := core.StoredDispatch{
		Kind:        core.KindInit,
		ID:          id,
		Source:      e.actor.ProgramID,
		Destination: program,
		Payload:     p.Payload,
		Value:       p.Value,
	}.WithGasLimit(p.GasLimit)
	e.valueLeft -= p.Value
	e.msg.push(GeneratedDispatch{Dispatch: init, Delay: p.Delay})
	e.msg.addCandidate(p.CodeID, Candidate{Origin: id, Program: program})
	return id, program, nil
}

// Panic traps with a message of the program.
func (e *Ext) Panic(msg string) error {
	if err := e.Charge(CallPanic, uint64(len(msg))); err != nil {
		return err
	}
	return e.Trap(TrapPanic, msg)
}

// ErrorPayload encodes a host call error code for the program.
func ErrorPayload(err error) []byte {
	return binary.LittleEndian.AppendUint32(nil, ErrorCode(err))
}
