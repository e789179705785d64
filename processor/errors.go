// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"errors"
	"fmt"

	"github.com/ava-labs/actorvm/core"
)

var (
	// ErrTerminated is wrapped by every error that ends the execution.
	// Backends stop running guest code when they see it.
	ErrTerminated = errors.New("execution terminated")
	// ErrSystem is wrapped by failures of the host itself. They abort the
	// whole block.
	ErrSystem = errors.New("system error")

	// Recoverable host call errors, reported to the program.
	ErrPayloadTooLarge              = errors.New("payload too large")
	ErrOutgoingLimit                = errors.New("outgoing messages limit exceeded")
	ErrOutgoingBytesLimit           = errors.New("outgoing bytes limit exceeded")
	ErrNotEnoughValue               = errors.New("not enough value")
	ErrValueBelowExistentialDeposit = errors.New("value below existential deposit")
	ErrNotEnoughGas                 = errors.New("not enough gas")
	ErrDuplicateReply               = errors.New("reply was already sent")
	ErrNoReplyContext               = errors.New("not a reply context")
	ErrNoSignalContext              = errors.New("not a signal context")
	ErrUnknownMessage               = errors.New("message was not sent by this execution")
	ErrDuplicateReplyDeposit        = errors.New("reply deposit already exists")
	ErrReservationNotFound          = errors.New("reservation not found")
	ErrReservationsLimit            = errors.New("reservations limit reached")
	ErrZeroReservationDuration      = errors.New("zero reservation duration")
	ErrReservationBelowThreshold    = errors.New("reservation below mailbox threshold")
	ErrZeroSystemReservation        = errors.New("zero system reservation")
	ErrDuplicateWaking              = errors.New("message was already woken")
	ErrReadOutOfBounds              = errors.New("read out of payload bounds")
	ErrDelayTooLong                 = errors.New("delay too long")
	ErrReplyNotAllowed              = errors.New("reply is not allowed in this entry point")
)

// errorCodes numbers the recoverable errors for programs. Zero means no
// error.
var errorCodes = []error{
	ErrPayloadTooLarge,
	ErrOutgoingLimit,
	ErrOutgoingBytesLimit,
	ErrNotEnoughValue,
	ErrValueBelowExistentialDeposit,
	ErrNotEnoughGas,
	ErrDuplicateReply,
	ErrNoReplyContext,
	ErrNoSignalContext,
	ErrUnknownMessage,
	ErrDuplicateReplyDeposit,
	ErrReservationNotFound,
	ErrReservationsLimit,
	ErrZeroReservationDuration,
	ErrReservationBelowThreshold,
	ErrZeroSystemReservation,
	ErrDuplicateWaking,
	ErrReadOutOfBounds,
	ErrDelayTooLong,
	ErrReplyNotAllowed,
}

// ErrorCode returns the code reported to programs for a recoverable error,
// or zero for nil.
func ErrorCode(err error) uint32 {
	if err == nil {
		return 0
	}
	for i, target := range errorCodes {
		if errors.Is(err, target) {
			return uint32(i + 1)
		}
	}
	return ^uint32(0)
}

// IsTerminated reports whether [err] ended the execution.
func IsTerminated(err error) bool { return errors.Is(err, ErrTerminated) }

// TrapReason says why an execution trapped.
type TrapReason uint8

const (
	TrapRanOutOfGas TrapReason = iota
	// TrapInsufficientGas is raised when a precharge stage cannot be paid.
	TrapInsufficientGas
	TrapMemoryOverflow
	TrapForbiddenFunction
	TrapUnreachable
	TrapPanic
	TrapBackendError
	TrapUnrecoverableExt
)

func (r TrapReason) String() string {
	switch r {
	case TrapRanOutOfGas:
		return "ran out of gas"
	case TrapInsufficientGas:
		return "not enough gas to process the message"
	case TrapMemoryOverflow:
		return "memory overflow"
	case TrapForbiddenFunction:
		return "forbidden function"
	case TrapUnreachable:
		return "unreachable instruction"
	case TrapPanic:
		return "panic"
	case TrapBackendError:
		return "backend error"
	case TrapUnrecoverableExt:
		return "unrecoverable host call error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Simple maps the trap onto the reason carried by error replies and signals.
func (r TrapReason) Simple() core.ErrorReason {
	switch r {
	case TrapRanOutOfGas, TrapInsufficientGas:
		return core.ReasonRanOutOfGas
	case TrapMemoryOverflow:
		return core.ReasonMemoryOverflow
	case TrapForbiddenFunction:
		return core.ReasonForbiddenFunction
	case TrapPanic:
		return core.ReasonUserspacePanic
	case TrapUnreachable, TrapUnrecoverableExt:
		return core.ReasonUnreachableInstruction
	default:
		return core.ReasonBackendError
	}
}

// TerminationKind is the terminal state of an execution.
type TerminationKind uint8

const (
	TermSuccess TerminationKind = iota
	TermExit
	// TermLeave is entered by waiting.
	TermLeave
	TermTrap
	TermAllowanceExceeded
)

func (k TerminationKind) String() string {
	switch k {
	case TermSuccess:
		return "success"
	case TermExit:
		return "exit"
	case TermLeave:
		return "leave"
	case TermTrap:
		return "trap"
	case TermAllowanceExceeded:
		return "gas allowance exceeded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Termination is how and why an execution ended.
type Termination struct {
	Kind TerminationKind
	// Trap details.
	Reason  TrapReason
	Message string
	// Exit details.
	Inheritor core.ActorID
	// Leave details.
	Wait         WaitKind
	WaitDuration uint32
}

// Explanation is the text carried by error replies and trap outcomes.
func (t Termination) Explanation() string {
	if t.Message == "" {
		return t.Reason.String()
	}
	return t.Reason.String() + ": " + t.Message
}

func (t Termination) Error() string {
	switch t.Kind {
	case TermTrap:
		return fmt.Sprintf("%s: %s", ErrTerminated, t.Explanation())
	default:
		return fmt.Sprintf("%s: %s", ErrTerminated, t.Kind)
	}
}

func (Termination) Unwrap() error { return ErrTerminated }
