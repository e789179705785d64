// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"errors"
	"fmt"
	"slices"

	safemath "github.com/ava-labs/avalanchego/utils/math"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/scheduler"
	"github.com/ava-labs/actorvm/storage"
)

var (
	errHeightOverflow = errors.New("block height overflow")

	_ processor.JournalHandler = &Handler{}
)

// Handler applies journals to the state of the block at [height]. Any error
// it returns is an internal failure: the block must be aborted.
type Handler struct {
	state  *State
	costs  *core.Schedule
	height uint32

	// maxMailboxHold caps the stay of a message in a mailbox.
	maxMailboxHold uint32

	metrics *metrics
	log     log.Logger

	// stopped is set once the queue must not be processed further.
	stopped   bool
	gasBurned uint64
	// events are the user messages delivered without a mailbox entry.
	events []core.StoredDispatch
}

func newHandler(state *State, costs *core.Schedule, height uint32, maxMailboxHold uint32, m *metrics) *Handler {
	return &Handler{
		state:          state,
		costs:          costs,
		height:         height,
		maxMailboxHold: maxMailboxHold,
		metrics:        m,
		log:            log.New("module", "handler", "height", height),
	}
}

func (h *Handler) MessageDispatched(n processor.MessageDispatched) error {
	h.metrics.dispatches.WithLabelValues(n.Outcome.Kind.String()).Inc()
	h.log.Debug("message dispatched", "message", n.MessageID, "outcome", n.Outcome.Kind, "reason", n.Outcome.Reason)

	switch n.Outcome.Kind {
	case processor.OutcomeInitSuccess:
		return h.state.Programs.Update(n.Outcome.Program, func(p *core.Program) error {
			if p.Status == core.ProgramUninitialized {
				p.Status = core.ProgramActive
			}
			return nil
		})
	case processor.OutcomeInitFailure:
		return h.removeProgram(n.Outcome.Program, core.ProgramTerminated, n.Outcome.Origin)
	default:
		return nil
	}
}

func (h *Handler) GasBurned(n processor.GasBurned) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	if err := h.spend(node, n.Amount); err != nil {
		return err
	}
	h.gasBurned += n.Amount
	return nil
}

func (h *Handler) ExitDispatch(n processor.ExitDispatch) error {
	return h.removeProgram(n.Program, core.ProgramExited, n.Inheritor)
}

// removeProgram ends the life of a program. Its balance goes to
// [inheritor], its reservations are released, its pages dropped and every
// dispatch waiting on it is answered with an error.
func (h *Handler) removeProgram(id core.ProgramID, status core.ProgramStatus, inheritor core.ActorID) error {
	p, err := h.state.Programs.Get(id)
	if err != nil {
		return err
	}
	for _, slot := range p.Reservations.Slots {
		err := h.removeReservation(slot.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if err := h.state.Pages.RemoveRegion(id); err != nil {
		return err
	}

	p.Status = status
	p.Inheritor = inheritor
	p.Reservations = core.GasReservations{}
	p.Allocations = core.Allocations{}
	p.Pages = nil
	if err := h.state.Programs.Put(id, p); err != nil {
		return err
	}

	if _, err := h.state.Balances.Transfer(id, inheritor); err != nil {
		return err
	}
	waiting, err := h.state.Messages.Waitlist.DrainProgram(id)
	if err != nil {
		return err
	}
	for _, hold := range waiting {
		if err := h.discardWaiting(hold, core.ReasonRemovedFromWaitlist); err != nil {
			return err
		}
	}
	h.log.Info("program removed", "program", id, "status", status, "inheritor", inheritor, "waiting", len(waiting))
	return nil
}

func (h *Handler) MessageConsumed(n processor.MessageConsumed) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	return h.consume(node)
}

func (h *Handler) SendDispatch(n processor.SendDispatch) error {
	d := n.Dispatch
	if err := h.state.Balances.Debit(d.Source, d.Value); err != nil {
		return err
	}
	parent, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	if !n.HasReservation {
		return h.route(parent, parent, d, n.Delay)
	}

	res, err := h.takeReservation(n.Reservation)
	if err != nil {
		return err
	}
	if err := h.route(parent, res, d, n.Delay); err != nil {
		return err
	}
	return h.consume(res)
}

// route delivers [d], sent while handling the message owning [parent].
// Its gas is taken from [source], which is either [parent] or a granted
// reservation.
func (h *Handler) route(parent, source gastree.NodeID, d core.StoredDispatch, delay uint32) error {
	toProgram := d.Kind == core.KindInit
	if !toProgram {
		var err error
		if toProgram, err = h.state.Programs.Has(d.Destination); err != nil {
			return err
		}
	}

	if !toProgram {
		toMailbox, err := h.userMessageNode(source, &d)
		if err != nil {
			return err
		}
		if delay > 0 {
			return h.stash(parent, d, delay, true, toMailbox)
		}
		return h.deliverToUser(d, toMailbox)
	}

	if err := h.messageNode(source, &d); err != nil {
		return err
	}
	if delay > 0 {
		return h.stash(parent, d, delay, false, false)
	}
	return h.state.Messages.Queue.PushBack(d)
}

// messageNode creates the gas node of a dispatch to a program. Replies
// with a deposit already own one.
func (h *Handler) messageNode(source gastree.NodeID, d *core.StoredDispatch) error {
	if d.IsReply() {
		exists, err := h.state.Gas.Exists(d.ID)
		if err != nil || exists {
			return err
		}
	}
	var err error
	if d.HasGasLimit {
		_, err = h.state.Gas.Split(source, d.ID, d.GasLimit)
	} else {
		_, err = h.state.Gas.SplitUnspecified(source, d.ID)
	}
	return err
}

// userMessageNode cuts the gas of a message to a user when it is enough to
// keep the message in the mailbox. Messages without it become events.
func (h *Handler) userMessageNode(source gastree.NodeID, d *core.StoredDispatch) (bool, error) {
	if !d.HasGasLimit || d.GasLimit == 0 || d.GasLimit < h.costs.Limits.MailboxThreshold {
		return false, nil
	}
	_, err := h.state.Gas.Cut(source, d.ID, d.GasLimit)
	return err == nil, err
}

// deliverToUser puts [d] in the mailbox of its destination or, without
// gas to pay for it, hands its value over right away.
func (h *Handler) deliverToUser(d core.StoredDispatch, toMailbox bool) error {
	if toMailbox {
		node, err := h.node(d.ID)
		if err != nil {
			return err
		}
		limit, err := h.state.Gas.Limit(node)
		if err != nil {
			return err
		}
		blocks := holdBlocks(limit, h.costs.Hold.Mailbox, h.maxMailboxHold)
		if blocks > 0 {
			deposit := holdDeposit(blocks, h.costs.Hold.Mailbox, limit)
			if err := h.state.Gas.Lock(node, gastree.LockMailbox, deposit); err != nil {
				return err
			}
			if err := h.state.Messages.Mailbox.Insert(d, h.interval(blocks), deposit); err != nil {
				return err
			}
			h.log.Debug("message to mailbox", "message", d.ID, "user", d.Destination, "blocks", blocks)
			return h.schedule(blocks, scheduler.NewRemoveFromMailbox(d.Destination, d.ID))
		}
		if err := h.consume(node); err != nil {
			return err
		}
	}
	h.log.Debug("user message", "message", d.ID, "user", d.Destination, "value", d.Value)
	h.events = append(h.events, d)
	return h.state.Balances.Credit(d.Destination, d.Value)
}

// stash keeps [d] for [delay] blocks. The upkeep is cut from [parent]
// as far as it can pay for it.
func (h *Handler) stash(parent gastree.NodeID, d core.StoredDispatch, delay uint32, toUser, toMailbox bool) error {
	cost, err := safemath.Mul64(h.costs.Hold.DispatchStash, uint64(delay))
	if err != nil {
		return err
	}
	limit, err := h.state.Gas.Limit(parent)
	if err != nil {
		return err
	}
	deposit := min(cost, limit)
	if deposit > 0 {
		holder, err := h.state.Gas.Cut(parent, core.GenerateHoldID(d.ID), deposit)
		if err != nil {
			return err
		}
		if err := h.state.Gas.Lock(holder, gastree.LockDispatchStash, deposit); err != nil {
			return err
		}
	}
	stashed := storage.StashedDispatch{Dispatch: d, ToUser: toUser}
	if err := h.state.Messages.Stash.Insert(stashed, h.interval(delay), deposit); err != nil {
		return err
	}
	task := scheduler.NewSendDispatch(d.ID)
	if toUser {
		task = scheduler.NewSendUserMessage(d.ID, toMailbox)
	}
	return h.schedule(delay, task)
}

func (h *Handler) WaitDispatch(n processor.WaitDispatch) error {
	d := n.Dispatch
	node, err := h.node(d.ID)
	if err != nil {
		return err
	}
	limit, err := h.state.Gas.Limit(node)
	if err != nil {
		return err
	}

	requested := n.Duration
	if n.Kind == processor.WaitForever {
		requested = h.costs.Limits.MaxWaitDuration
	}
	blocks := max(holdBlocks(limit, h.costs.Hold.Waitlist, requested), 1)
	deposit := holdDeposit(blocks, h.costs.Hold.Waitlist, limit)
	if err := h.state.Gas.Lock(node, gastree.LockWaitlist, deposit); err != nil {
		return err
	}
	if err := h.state.Messages.Waitlist.Insert(d, h.interval(blocks), deposit); err != nil {
		return err
	}
	h.log.Debug("message waits", "message", d.ID, "program", d.Destination, "blocks", blocks)

	// Waits with a duration wake up on their own; the others are dropped
	// once their deposit runs out.
	task := scheduler.NewRemoveFromWaitlist(d.Destination, d.ID)
	if n.Kind != processor.WaitForever {
		task = scheduler.NewWakeMessage(d.Destination, d.ID)
	}
	return h.schedule(blocks, task)
}

func (h *Handler) WakeMessage(n processor.WakeMessage) error {
	if n.Delay > 0 {
		return h.schedule(n.Delay, scheduler.NewWakeMessage(n.Program, n.AwakeningID))
	}
	return h.wake(n.Program, n.AwakeningID)
}

// settleWaiting cancels the tasks of a dispatch taken out of the waitlist
// and settles its deposit.
func (h *Handler) settleWaiting(hold storage.Hold[core.StoredDispatch]) (gastree.NodeID, error) {
	d := &hold.Value
	for _, task := range []scheduler.Task{
		scheduler.NewWakeMessage(d.Destination, d.ID),
		scheduler.NewRemoveFromWaitlist(d.Destination, d.ID),
	} {
		if err := h.cancelTask(hold.Interval.Finish, task); err != nil {
			return 0, err
		}
	}
	node, err := h.node(d.ID)
	if err != nil {
		return 0, err
	}
	return node, h.releaseHold(node, gastree.LockWaitlist, hold.Interval.Start, h.costs.Hold.Waitlist)
}

// wake requeues a waiting dispatch. Waking a message that is not waiting
// is a no-op.
func (h *Handler) wake(program core.ProgramID, id core.MessageID) error {
	hold, err := h.state.Messages.Waitlist.Remove(program, id)
	if errors.Is(err, storage.ErrNotFound) {
		h.log.Debug("nothing to wake", "program", program, "message", id)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := h.settleWaiting(hold); err != nil {
		return err
	}
	return h.state.Messages.Queue.PushBack(hold.Value)
}

// discardWaiting drops a dispatch taken out of the waitlist, answering it
// with [reason].
func (h *Handler) discardWaiting(hold storage.Hold[core.StoredDispatch], reason core.ErrorReason) error {
	node, err := h.settleWaiting(hold)
	if err != nil {
		return err
	}
	d := hold.Value
	program := d.Destination

	if d.Context.HasSystemReservation && d.Kind != core.KindInit {
		if err := h.SendSignal(processor.SendSignal{MessageID: d.ID, Destination: program, Reason: reason}); err != nil {
			return err
		}
	}
	if _, err := h.state.Gas.UnlockAll(node, gastree.LockSystemReservation); err != nil {
		return err
	}
	if !d.IsReply() && d.Kind != core.KindSignal {
		reply := core.NewReply(&d, program, []byte(reason.String()), 0, core.ErrorCode(reason))
		if err := h.route(node, node, reply, 0); err != nil {
			return err
		}
	}
	return h.consume(node)
}

func (h *Handler) UpdatePage(n processor.UpdatePage) error {
	if err := h.state.Pages.Set(n.Program, n.Page, n.Data); err != nil {
		return err
	}
	h.metrics.pagesUpdated.Inc()
	return h.state.Programs.Update(n.Program, func(p *core.Program) error {
		if i, ok := slices.BinarySearch(p.Pages, n.Page); !ok {
			p.Pages = slices.Insert(p.Pages, i, n.Page)
		}
		return nil
	})
}

// UpdateAllocations stores the new allocation set and drops the pages
// that are no longer part of the memory.
func (h *Handler) UpdateAllocations(n processor.UpdateAllocations) error {
	return h.state.Programs.Update(n.Program, func(p *core.Program) error {
		p.Allocations = n.Allocations.Clone()
		kept := p.Pages[:0]
		for _, page := range p.Pages {
			wasm := page.WasmPage()
			if uint32(wasm) < p.StaticPages || p.Allocations.Contains(wasm) {
				kept = append(kept, page)
				continue
			}
			if err := h.state.Pages.Remove(n.Program, page); err != nil {
				return err
			}
		}
		p.Pages = kept
		return nil
	})
}

func (h *Handler) SendValue(n processor.SendValue) error {
	to := n.From
	if n.HasTo {
		to = n.To
	}
	return h.state.Balances.Credit(to, n.Value)
}

func (h *Handler) StoreNewPrograms(n processor.StoreNewPrograms) error {
	meta, err := h.state.Codes.CodeMetadata(n.CodeID)
	if errors.Is(err, ErrCodeNotFound) {
		// The init messages fail on their own.
		h.log.Debug("program creation with unknown code", "creator", n.Program, "code", n.CodeID)
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range n.Candidates {
		exists, err := h.state.Programs.Has(c.Program)
		if err != nil {
			return err
		}
		if exists {
			h.log.Debug("program already exists", "program", c.Program)
			continue
		}
		if err := h.state.Programs.Put(c.Program, newProgram(n.CodeID, &meta, c.Origin)); err != nil {
			return err
		}
	}
	return nil
}

func newProgram(code core.CodeID, meta *core.CodeMetadata, init core.MessageID) core.Program {
	return core.Program{
		CodeID:      code,
		Status:      core.ProgramUninitialized,
		InitMessage: init,
		StaticPages: meta.StaticPages,
		Exports:     slices.Clone(meta.Exports),
	}
}

// StopProcessing burns what the dispatch used before the allowance ran out.
// The dispatch itself stays at the head of the queue.
func (h *Handler) StopProcessing(n processor.StopProcessing) error {
	h.stopped = true
	if n.GasBurned == 0 {
		return nil
	}
	return h.GasBurned(processor.GasBurned{MessageID: n.Dispatch.ID, Amount: n.GasBurned})
}

func (h *Handler) ReserveGas(n processor.ReserveGas) error {
	parent, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	upkeep, err := safemath.Mul64(h.costs.Hold.Reservation, uint64(n.Duration))
	if err != nil {
		return err
	}
	total, err := safemath.Add64(n.Amount, upkeep)
	if err != nil {
		return err
	}
	res, err := h.state.Gas.Reserve(parent, n.ReservationID, total)
	if err != nil {
		return err
	}
	if err := h.state.Gas.Lock(res, gastree.LockReservation, upkeep); err != nil {
		return err
	}
	hold := storage.Hold[core.ProgramID]{Value: n.Program, Interval: h.interval(n.Duration), Deposit: upkeep}
	if err := h.state.Reservations.Put(n.ReservationID[:], hold); err != nil {
		return err
	}
	return h.schedule(n.Duration, scheduler.NewRemoveGasReservation(n.Program, n.ReservationID))
}

// takeReservation removes the reservation record, settles its upkeep and
// grants its node for use.
func (h *Handler) takeReservation(id core.ReservationID) (gastree.NodeID, error) {
	hold, err := h.state.Reservations.Take(id[:])
	if err != nil {
		return 0, fmt.Errorf("reservation %s: %w", id, err)
	}
	if err := h.cancelTask(hold.Interval.Finish, scheduler.NewRemoveGasReservation(hold.Value, id)); err != nil {
		return 0, err
	}
	node, err := h.node(id)
	if err != nil {
		return 0, err
	}
	if err := h.state.Gas.Grant(node); err != nil {
		return 0, err
	}
	return node, h.releaseHold(node, gastree.LockReservation, hold.Interval.Start, h.costs.Hold.Reservation)
}

// removeReservation gives an unused reservation back to its origin.
func (h *Handler) removeReservation(id core.ReservationID) error {
	node, err := h.takeReservation(id)
	if err != nil {
		return err
	}
	return h.consume(node)
}

func (h *Handler) UnreserveGas(n processor.UnreserveGas) error {
	return h.removeReservation(n.ReservationID)
}

func (h *Handler) UpdateGasReservations(n processor.UpdateGasReservations) error {
	return h.state.Programs.Update(n.Program, func(p *core.Program) error {
		p.Reservations = n.Reservations.Clone()
		return nil
	})
}

func (h *Handler) SystemReserveGas(n processor.SystemReserveGas) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	return h.state.Gas.Lock(node, gastree.LockSystemReservation, n.Amount)
}

func (h *Handler) SystemUnreserveGas(n processor.SystemUnreserveGas) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	_, err = h.state.Gas.UnlockAll(node, gastree.LockSystemReservation)
	return err
}

// SendSignal pays the signal with the system reservation of the message.
func (h *Handler) SendSignal(n processor.SendSignal) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	amount, err := h.state.Gas.UnlockAll(node, gastree.LockSystemReservation)
	if err != nil {
		return err
	}
	if amount == 0 {
		h.log.Debug("signal without reservation", "message", n.MessageID)
		return nil
	}
	signal := core.NewSignal(n.MessageID, n.Destination, n.Reason).WithGasLimit(amount)
	if _, err := h.state.Gas.Split(node, signal.ID, amount); err != nil {
		return err
	}
	return h.state.Messages.Queue.PushBack(signal)
}

// ReplyDeposit sets gas aside for the reply to a message sent by the
// program. The reply takes it over when it is sent.
func (h *Handler) ReplyDeposit(n processor.ReplyDeposit) error {
	node, err := h.node(n.MessageID)
	if err != nil {
		return err
	}
	_, err = h.state.Gas.Cut(node, n.FutureReplyID, n.Amount)
	return err
}
