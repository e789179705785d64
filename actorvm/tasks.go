// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/scheduler"
	"github.com/ava-labs/actorvm/storage"
)

// RunTask fires one scheduled task. Tasks whose subject is already gone are
// ignored.
func (h *Handler) RunTask(task scheduler.Task) error {
	h.metrics.tasksFired.WithLabelValues(task.Kind.String()).Inc()
	h.log.Debug("task fired", "task", task)

	var err error
	switch task.Kind {
	case scheduler.WakeMessage:
		err = h.wake(task.Actor, task.Subject)
	case scheduler.RemoveFromMailbox:
		err = h.expireMailbox(task.Actor, task.Subject)
	case scheduler.RemoveFromWaitlist:
		err = h.expireWaitlist(task.Actor, task.Subject)
	case scheduler.RemoveGasReservation:
		err = h.expireReservation(task.Actor, task.Subject)
	case scheduler.PauseProgram:
		err = h.state.Programs.Update(task.Actor, func(p *core.Program) error {
			if p.IsExecutable() {
				p.Status = core.ProgramPaused
			}
			return nil
		})
	case scheduler.SendDispatch, scheduler.SendUserMessage:
		err = h.unstash(task)
	default:
		err = fmt.Errorf("unknown task kind %s", task.Kind)
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrProgramNotFound) {
		h.log.Debug("task subject is gone", "task", task, "err", err)
		return nil
	}
	return err
}

// expireMailbox returns a message nobody claimed to its sender.
func (h *Handler) expireMailbox(user core.ActorID, id core.MessageID) error {
	hold, err := h.state.Messages.Mailbox.Remove(user, id)
	if err != nil {
		return err
	}
	d := hold.Value
	node, err := h.node(d.ID)
	if err != nil {
		return err
	}
	if err := h.releaseHold(node, gastree.LockMailbox, hold.Interval.Start, h.costs.Hold.Mailbox); err != nil {
		return err
	}
	if err := h.state.Balances.Credit(d.Source, d.Value); err != nil {
		return err
	}
	if err := h.consume(node); err != nil {
		return err
	}
	return h.dropReplyDeposit(d.ID)
}

// dropReplyDeposit refunds the gas set aside for a reply that will never
// come.
func (h *Handler) dropReplyDeposit(id core.MessageID) error {
	replyID := core.GenerateReplyID(id)
	exists, err := h.state.Gas.Exists(replyID)
	if err != nil || !exists {
		return err
	}
	node, err := h.node(replyID)
	if err != nil {
		return err
	}
	return h.consume(node)
}

func (h *Handler) expireWaitlist(program core.ProgramID, id core.MessageID) error {
	hold, err := h.state.Messages.Waitlist.Remove(program, id)
	if err != nil {
		return err
	}
	if err := h.discardWaiting(hold, core.ReasonRemovedFromWaitlist); err != nil {
		return err
	}
	if hold.Value.Kind != core.KindInit {
		return nil
	}

	p, err := h.state.Programs.Get(program)
	if err != nil {
		return err
	}
	if p.Status != core.ProgramUninitialized {
		return nil
	}
	return h.removeProgram(program, core.ProgramTerminated, hold.Value.Source)
}

func (h *Handler) expireReservation(program core.ProgramID, id core.ReservationID) error {
	if err := h.removeReservation(id); err != nil {
		return err
	}
	return h.state.Programs.Update(program, func(p *core.Program) error {
		p.Reservations.Remove(id)
		return nil
	})
}

// unstash delivers a delayed dispatch once its delay is over.
func (h *Handler) unstash(task scheduler.Task) error {
	hold, err := h.state.Messages.Stash.Remove(task.Subject)
	if err != nil {
		return err
	}
	d := hold.Value.Dispatch

	holderID := core.GenerateHoldID(d.ID)
	exists, err := h.state.Gas.Exists(holderID)
	if err != nil {
		return err
	}
	if exists {
		holder, err := h.node(holderID)
		if err != nil {
			return err
		}
		if err := h.releaseHold(holder, gastree.LockDispatchStash, hold.Interval.Start, h.costs.Hold.DispatchStash); err != nil {
			return err
		}
		if err := h.consume(holder); err != nil {
			return err
		}
	}

	if !hold.Value.ToUser {
		return h.state.Messages.Queue.PushBack(d)
	}
	return h.deliverToUser(d, task.ToMailbox)
}
