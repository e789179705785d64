// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"fmt"

	"github.com/ava-labs/actorvm/core"
)

// OutcomeKind is how a dispatch ended, as reported by MessageDispatched.
type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeInitSuccess
	OutcomeInitFailure
	OutcomeMessageTrap
	OutcomeExit
	OutcomeNoExecution
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInitSuccess:
		return "init_success"
	case OutcomeInitFailure:
		return "init_failure"
	case OutcomeMessageTrap:
		return "message_trap"
	case OutcomeExit:
		return "exit"
	case OutcomeNoExecution:
		return "no_execution"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// DispatchOutcome describes the end of a dispatch.
type DispatchOutcome struct {
	Kind    OutcomeKind
	Program core.ProgramID
	Origin  core.ActorID
	// Reason is the trap or init failure description.
	Reason string
}

// WaitKind is the flavour of wait a program entered.
type WaitKind uint8

const (
	// WaitForever waits as long as the message gas can pay for.
	WaitForever WaitKind = iota
	// WaitFor waits exactly the given number of blocks.
	WaitFor
	// WaitUpTo waits at most the given number of blocks.
	WaitUpTo
)

// Candidate is a program to be created by the message [Origin].
type Candidate struct {
	Origin  core.MessageID
	Program core.ProgramID
}

// Note is one observable effect of an execution.
type Note interface {
	fmt.Stringer
	note()
}

type (
	MessageDispatched struct {
		MessageID core.MessageID
		Source    core.ActorID
		Outcome   DispatchOutcome
	}
	GasBurned struct {
		MessageID core.MessageID
		Amount    uint64
	}
	ExitDispatch struct {
		Program   core.ProgramID
		Inheritor core.ActorID
	}
	MessageConsumed struct {
		MessageID core.MessageID
	}
	SendDispatch struct {
		MessageID      core.MessageID
		Dispatch       core.StoredDispatch
		Delay          uint32
		Reservation    core.ReservationID
		HasReservation bool
	}
	WaitDispatch struct {
		Dispatch core.StoredDispatch
		Kind     WaitKind
		Duration uint32
	}
	WakeMessage struct {
		MessageID   core.MessageID
		Program     core.ProgramID
		AwakeningID core.MessageID
		Delay       uint32
	}
	UpdatePage struct {
		Program core.ProgramID
		Page    core.GearPage
		Data    []byte
	}
	UpdateAllocations struct {
		Program     core.ProgramID
		Allocations core.Allocations
	}
	// SendValue moves value from [From]. Without a destination the value
	// goes back to its sender.
	SendValue struct {
		From  core.ActorID
		To    core.ActorID
		HasTo bool
		Value core.Value
	}
	StoreNewPrograms struct {
		Program    core.ProgramID
		CodeID     core.CodeID
		Candidates []Candidate
	}
	StopProcessing struct {
		Dispatch  core.StoredDispatch
		GasBurned uint64
	}
	ReserveGas struct {
		MessageID     core.MessageID
		ReservationID core.ReservationID
		Program       core.ProgramID
		Amount        uint64
		Duration      uint32
	}
	UnreserveGas struct {
		ReservationID core.ReservationID
		Program       core.ProgramID
		Expiration    uint32
	}
	UpdateGasReservations struct {
		Program      core.ProgramID
		Reservations core.GasReservations
	}
	SystemReserveGas struct {
		MessageID core.MessageID
		Amount    uint64
	}
	SystemUnreserveGas struct {
		MessageID core.MessageID
	}
	SendSignal struct {
		MessageID   core.MessageID
		Destination core.ProgramID
		Reason      core.ErrorReason
	}
	ReplyDeposit struct {
		MessageID     core.MessageID
		FutureReplyID core.MessageID
		Amount        uint64
	}
)

func (MessageDispatched) note()     {}
func (GasBurned) note()             {}
func (ExitDispatch) note()          {}
func (MessageConsumed) note()       {}
func (SendDispatch) note()          {}
func (WaitDispatch) note()          {}
func (WakeMessage) note()           {}
func (UpdatePage) note()            {}
func (UpdateAllocations) note()     {}
func (SendValue) note()             {}
func (StoreNewPrograms) note()      {}
func (StopProcessing) note()        {}
func (ReserveGas) note()            {}
func (UnreserveGas) note()          {}
func (UpdateGasReservations) note() {}
func (SystemReserveGas) note()      {}
func (SystemUnreserveGas) note()    {}
func (SendSignal) note()            {}
func (ReplyDeposit) note()          {}

func (n MessageDispatched) String() string {
	return fmt.Sprintf("MessageDispatched(%s, %s)", n.MessageID, n.Outcome.Kind)
}
func (n GasBurned) String() string { return fmt.Sprintf("GasBurned(%s, %d)", n.MessageID, n.Amount) }
func (n ExitDispatch) String() string {
	return fmt.Sprintf("ExitDispatch(%s, %s)", n.Program, n.Inheritor)
}
func (n MessageConsumed) String() string { return fmt.Sprintf("MessageConsumed(%s)", n.MessageID) }
func (n SendDispatch) String() string {
	return fmt.Sprintf("SendDispatch(%s, %s, delay %d)", n.MessageID, n.Dispatch.ID, n.Delay)
}
func (n WaitDispatch) String() string {
	return fmt.Sprintf("WaitDispatch(%s, %d)", n.Dispatch.ID, n.Duration)
}
func (n WakeMessage) String() string {
	return fmt.Sprintf("WakeMessage(%s, %s)", n.Program, n.AwakeningID)
}
func (n UpdatePage) String() string { return fmt.Sprintf("UpdatePage(%s, %d)", n.Program, n.Page) }
func (n UpdateAllocations) String() string {
	return fmt.Sprintf("UpdateAllocations(%s, %d pages)", n.Program, n.Allocations.Len())
}
func (n SendValue) String() string { return fmt.Sprintf("SendValue(%s, %d)", n.From, n.Value) }
func (n StoreNewPrograms) String() string {
	return fmt.Sprintf("StoreNewPrograms(%s, %d)", n.CodeID, len(n.Candidates))
}
func (n StopProcessing) String() string {
	return fmt.Sprintf("StopProcessing(%s, %d)", n.Dispatch.ID, n.GasBurned)
}
func (n ReserveGas) String() string {
	return fmt.Sprintf("ReserveGas(%s, %d)", n.ReservationID, n.Amount)
}
func (n UnreserveGas) String() string { return fmt.Sprintf("UnreserveGas(%s)", n.ReservationID) }
func (n UpdateGasReservations) String() string {
	return fmt.Sprintf("UpdateGasReservations(%s, %d)", n.Program, n.Reservations.Len())
}
func (n SystemReserveGas) String() string {
	return fmt.Sprintf("SystemReserveGas(%s, %d)", n.MessageID, n.Amount)
}
func (n SystemUnreserveGas) String() string {
	return fmt.Sprintf("SystemUnreserveGas(%s)", n.MessageID)
}
func (n SendSignal) String() string {
	return fmt.Sprintf("SendSignal(%s, %s)", n.MessageID, n.Reason)
}
func (n ReplyDeposit) String() string {
	return fmt.Sprintf("ReplyDeposit(%s, %d)", n.FutureReplyID, n.Amount)
}

// Journal is the ordered list of effects of one execution. It is consumed
// once by a JournalHandler and never persisted.
type Journal []Note

// JournalHandler applies notes to durable state.
type JournalHandler interface {
	MessageDispatched(n MessageDispatched) error
	GasBurned(n GasBurned) error
	ExitDispatch(n ExitDispatch) error
	MessageConsumed(n MessageConsumed) error
	SendDispatch(n SendDispatch) error
	WaitDispatch(n WaitDispatch) error
	WakeMessage(n WakeMessage) error
	UpdatePage(n UpdatePage) error
	UpdateAllocations(n UpdateAllocations) error
	SendValue(n SendValue) error
	StoreNewPrograms(n StoreNewPrograms) error
	StopProcessing(n StopProcessing) error
	ReserveGas(n ReserveGas) error
	UnreserveGas(n UnreserveGas) error
	UpdateGasReservations(n UpdateGasReservations) error
	SystemReserveGas(n SystemReserveGas) error
	SystemUnreserveGas(n SystemUnreserveGas) error
	SendSignal(n SendSignal) error
	ReplyDeposit(n ReplyDeposit) error
}

// Handle applies [journal] to [handler] note by note, stopping at the first
// error.
func Handle(handler JournalHandler, journal Journal) error {
	for i, n := range journal {
		var err error
		switch n := n.(type) {
		case MessageDispatched:
			err = handler.MessageDispatched(n)
		case GasBurned:
			err = handler.GasBurned(n)
		case ExitDispatch:
			err = handler.ExitDispatch(n)
		case MessageConsumed:
			err = handler.MessageConsumed(n)
		case SendDispatch:
			err = handler.SendDispatch(n)
		case WaitDispatch:
			err = handler.WaitDispatch(n)
		case WakeMessage:
			err = handler.WakeMessage(n)
		case UpdatePage:
			err = handler.UpdatePage(n)
		case UpdateAllocations:
			err = handler.UpdateAllocations(n)
		case SendValue:
			err = handler.SendValue(n)
		case StoreNewPrograms:
			err = handler.StoreNewPrograms(n)
		case StopProcessing:
			err = handler.StopProcessing(n)
		case ReserveGas:
			err = handler.ReserveGas(n)
		case UnreserveGas:
			err = handler.UnreserveGas(n)
		case UpdateGasReservations:
			err = handler.UpdateGasReservations(n)
		case SystemReserveGas:
			err = handler.SystemReserveGas(n)
		case SystemUnreserveGas:
			err = handler.SystemUnreserveGas(n)
		case SendSignal:
			err = handler.SendSignal(n)
		case ReplyDeposit:
			err = handler.ReplyDeposit(n)
		default:
			err = fmt.Errorf("unknown journal note %T", n)
		}
		if err != nil {
			return fmt.Errorf("failed to handle note %d (%s): %w", i, n, err)
		}
	}
	return nil
}
