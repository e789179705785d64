// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "fmt"

// ErrorReason classifies why a dispatch could not be handled successfully.
// It is carried by error replies and by signals.
type ErrorReason uint8

const (
	ReasonNone ErrorReason = iota
	ReasonRanOutOfGas
	ReasonMemoryOverflow
	ReasonBackendError
	ReasonUserspacePanic
	ReasonUnreachableInstruction
	ReasonForbiddenFunction
	ReasonInactiveActor
	ReasonRemovedFromWaitlist
	ReasonReinstrumentationFailure
	ReasonUnavailableActor
)

func (r ErrorReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRanOutOfGas:
		return "ran out of gas"
	case ReasonMemoryOverflow:
		return "memory overflow"
	case ReasonBackendError:
		return "backend error"
	case ReasonUserspacePanic:
		return "userspace panic"
	case ReasonUnreachableInstruction:
		return "unreachable instruction"
	case ReasonForbiddenFunction:
		return "forbidden function"
	case ReasonInactiveActor:
		return "inactive actor"
	case ReasonRemovedFromWaitlist:
		return "removed from waitlist"
	case ReasonReinstrumentationFailure:
		return "reinstrumentation failure"
	case ReasonUnavailableActor:
		return "unavailable actor"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ReplyStatus tells apart successful and failed replies.
type ReplyStatus uint8

const (
	ReplyAuto ReplyStatus = iota
	ReplyManual
	ReplyError
)

// ReplyCode is attached to every reply.
type ReplyCode struct {
	Status ReplyStatus `serialize:"true" json:"status"`
	Reason ErrorReason `serialize:"true" json:"reason"`
}

// SuccessAuto is the code of replies generated by the engine after a
// successful execution that did not reply on its own.
func SuccessAuto() ReplyCode { return ReplyCode{Status: ReplyAuto} }

// SuccessManual is the code of replies sent by programs.
func SuccessManual() ReplyCode { return ReplyCode{Status: ReplyManual} }

// ErrorCode returns an error reply code for [reason].
func ErrorCode(reason ErrorReason) ReplyCode {
	return ReplyCode{Status: ReplyError, Reason: reason}
}

// IsError reports whether the code describes a failure.
func (c ReplyCode) IsError() bool { return c.Status == ReplyError }

func (c ReplyCode) String() string {
	switch c.Status {
	case ReplyAuto:
		return "success(auto)"
	case ReplyManual:
		return "success(manual)"
	default:
		return "error(" + c.Reason.String() + ")"
	}
}
