// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
)

// errorCase is why a dispatch ended without a successful execution.
type errorCase struct {
	// nonExecutable dispatches never reached the program.
	nonExecutable bool
	reason        core.ErrorReason
	explanation   string
	// sent lists the messages whose host call completed before the
	// failure. Only plain sends survive it.
	sent []GeneratedDispatch
	// systemReserve was set aside by the failed execution itself.
	systemReserve        uint64
	hasSystemReservation bool
}

func executionFailed(ext *Ext, t Termination) errorCase {
	return errorCase{
		reason:               t.Reason.Simple(),
		explanation:          t.Explanation(),
		sent:                 ext.msg.outgoing,
		systemReserve:        ext.systemReserve,
		hasSystemReservation: ext.msg.store.HasSystemReservation,
	}
}

// prechargeFailed is a trap raised before the program code ran.
func prechargeFailed(dispatch *core.Dispatch, t Termination) errorCase {
	return errorCase{
		reason:               t.Reason.Simple(),
		explanation:          t.Explanation(),
		hasSystemReservation: dispatch.ContextOrEmpty().HasSystemReservation,
	}
}

func nonExecutable(dispatch *core.Dispatch, reason core.ErrorReason) errorCase {
	return errorCase{
		nonExecutable:        true,
		reason:               reason,
		explanation:          reason.String(),
		hasSystemReservation: dispatch.ContextOrEmpty().HasSystemReservation,
	}
}

func reinstrumentationFailed(dispatch *core.Dispatch) errorCase {
	return errorCase{
		reason:               core.ReasonReinstrumentationFailure,
		explanation:          core.ReasonReinstrumentationFailure.String(),
		hasSystemReservation: dispatch.ContextOrEmpty().HasSystemReservation,
	}
}

// survivesFailure reports whether a message sent before a failure is still
// delivered. Replies, program creations, value transfers and reservation
// sends are rolled back together with the rest of the execution.
func survivesFailure(d *GeneratedDispatch) bool {
	return d.Dispatch.Kind == core.KindHandle && d.Dispatch.Value == 0 && !d.HasReservation
}

// errorJournal builds the journal of a dispatch that failed or could not
// be executed.
func errorJournal(dispatch *core.Dispatch, program core.ProgramID, burned uint64, c errorCase) Journal {
	id := dispatch.ID
	journal := Journal{GasBurned{MessageID: id, Amount: burned}}

	if !dispatch.HasContext && dispatch.Value != 0 {
		journal = append(journal, SendValue{From: dispatch.Source, Value: dispatch.Value})
	}
	if c.systemReserve != 0 {
		journal = append(journal, SystemReserveGas{MessageID: id, Amount: c.systemReserve})
	}

	for i := range c.sent {
		if d := &c.sent[i]; survivesFailure(d) {
			journal = append(journal, SendDispatch{MessageID: id, Dispatch: d.Dispatch, Delay: d.Delay})
		}
	}

	if !c.nonExecutable && c.hasSystemReservation &&
		!dispatch.IsErrorReply() && dispatch.Kind != core.KindSignal && dispatch.Kind != core.KindInit {
		journal = append(journal, SendSignal{MessageID: id, Destination: program, Reason: c.reason})
	}
	if c.hasSystemReservation {
		journal = append(journal, SystemUnreserveGas{MessageID: id})
	}

	if !dispatch.IsReply() && dispatch.Kind != core.KindSignal {
		reply := core.NewReply(&dispatch.StoredDispatch, program, []byte(c.explanation), 0, core.ErrorCode(c.reason))
		journal = append(journal, SendDispatch{MessageID: id, Dispatch: reply})
	}

	outcome := DispatchOutcome{Kind: OutcomeNoExecution, Program: program}
	if !c.nonExecutable {
		outcome.Reason = c.explanation
		if dispatch.Kind == core.KindInit {
			outcome.Kind = OutcomeInitFailure
			outcome.Origin = dispatch.Source
		} else {
			outcome.Kind = OutcomeMessageTrap
		}
	}
	return append(journal,
		MessageDispatched{MessageID: id, Source: dispatch.Source, Outcome: outcome},
		MessageConsumed{MessageID: id},
	)
}

// successJournal builds the journal of a dispatch whose execution ended
// with success, exit or wait.
func successJournal(ext *Ext, t Termination, pages lazypages.Result) Journal {
	dispatch := ext.dispatch
	program := ext.actor.ProgramID
	id := dispatch.ID
	journal := Journal{GasBurned{MessageID: id, Amount: ext.counters.gas.Burned()}}

	if ext.reserver.changed() {
		for _, e := range ext.reserver.entries {
			switch {
			case e.created:
				journal = append(journal, ReserveGas{
					MessageID:     id,
					ReservationID: e.slot.ID,
					Program:       program,
					Amount:        e.slot.Amount,
					Duration:      e.duration,
				})
			case e.state == reservationRemoved:
				journal = append(journal, UnreserveGas{
					ReservationID: e.slot.ID,
					Program:       program,
					Expiration:    e.slot.Finish,
				})
			}
		}
		journal = append(journal, UpdateGasReservations{Program: program, Reservations: ext.reserver.remaining()})
	}

	if ext.systemReserve != 0 {
		journal = append(journal, SystemReserveGas{MessageID: id, Amount: ext.systemReserve})
	}

	if !dispatch.HasContext && dispatch.Value != 0 {
		journal = append(journal, SendValue{From: dispatch.Source, To: program, HasTo: true, Value: dispatch.Value})
	}

	// New programs must exist before their init messages are sent.
	for _, group := range ext.msg.candidates {
		journal = append(journal, StoreNewPrograms{Program: program, CodeID: group.code, Candidates: group.candidates})
	}

	if t.Kind == TermSuccess && !ext.msg.store.ReplySent && !dispatch.IsReply() && dispatch.Kind != core.KindSignal {
		reply := core.NewReply(&dispatch.StoredDispatch, program, nil, 0, core.SuccessAuto())
		journal = append(journal, SendDispatch{MessageID: id, Dispatch: reply})
	}

	for _, d := range ext.msg.deposits {
		journal = append(journal, ReplyDeposit{
			MessageID:     id,
			FutureReplyID: core.GenerateReplyID(d.sent),
			Amount:        d.amount,
		})
	}

	for _, d := range ext.msg.outgoing {
		journal = append(journal, SendDispatch{
			MessageID:      id,
			Dispatch:       d.Dispatch,
			Delay:          d.Delay,
			Reservation:    d.Reservation,
			HasReservation: d.HasReservation,
		})
	}

	for _, a := range ext.msg.awakening {
		journal = append(journal, WakeMessage{MessageID: id, Program: program, AwakeningID: a.MessageID, Delay: a.Delay})
	}

	for _, u := range pages.Updates {
		journal = append(journal, UpdatePage{Program: program, Page: u.Page, Data: u.Data})
	}
	if pages.AllocationsChanged {
		journal = append(journal, UpdateAllocations{Program: program, Allocations: pages.Allocations})
	}

	var outcome DispatchOutcome
	switch t.Kind {
	case TermLeave:
		return append(journal, WaitDispatch{
			Dispatch: dispatch.Stored(ext.msg.store),
			Kind:     t.Wait,
			Duration: t.WaitDuration,
		})
	case TermExit:
		journal = append(journal, ExitDispatch{Program: program, Inheritor: t.Inheritor})
		outcome = DispatchOutcome{Kind: OutcomeExit, Program: program}
	default:
		outcome = DispatchOutcome{Kind: OutcomeSuccess, Program: program}
		if dispatch.Kind == core.KindInit {
			outcome.Kind = OutcomeInitSuccess
		}
	}

	if ext.msg.store.HasSystemReservation {
		journal = append(journal, SystemUnreserveGas{MessageID: id})
	}
	return append(journal,
		MessageDispatched{MessageID: id, Source: dispatch.Source, Outcome: outcome},
		MessageConsumed{MessageID: id},
	)
}

// noExecutionJournal is the success journal of a dispatch to an entry
// point the program does not export.
func noExecutionJournal(dispatch *core.Dispatch, program core.ProgramID, burned uint64) Journal {
	id := dispatch.ID
	journal := Journal{GasBurned{MessageID: id, Amount: burned}}
	if !dispatch.HasContext && dispatch.Value != 0 {
		journal = append(journal, SendValue{From: dispatch.Source, To: program, HasTo: true, Value: dispatch.Value})
	}
	if !dispatch.IsReply() && dispatch.Kind != core.KindSignal {
		reply := core.NewReply(&dispatch.StoredDispatch, program, nil, 0, core.SuccessAuto())
		journal = append(journal, SendDispatch{MessageID: id, Dispatch: reply})
	}
	outcome := DispatchOutcome{Kind: OutcomeSuccess, Program: program}
	if dispatch.Kind == core.KindInit {
		outcome.Kind = OutcomeInitSuccess
	}
	return append(journal,
		MessageDispatched{MessageID: id, Source: dispatch.Source, Outcome: outcome},
		MessageConsumed{MessageID: id},
	)
}

// allowanceJournal leaves the dispatch in the queue. Gas already burned
// stays burned.
func allowanceJournal(dispatch *core.Dispatch, burned uint64) Journal {
	if burned == 0 {
		return nil
	}
	return Journal{StopProcessing{Dispatch: dispatch.StoredDispatch, GasBurned: burned}}
}
