// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"fmt"

	"github.com/ava-labs/actorvm/core"
)

// TaskKind is the deferred operation a task performs when it fires.
type TaskKind uint8

const (
	WakeMessage TaskKind = iota
	RemoveFromMailbox
	RemoveFromWaitlist
	RemoveGasReservation
	PauseProgram
	SendDispatch
	SendUserMessage
)

func (k TaskKind) String() string {
	switch k {
	case WakeMessage:
		return "wake_message"
	case RemoveFromMailbox:
		return "remove_from_mailbox"
	case RemoveFromWaitlist:
		return "remove_from_waitlist"
	case RemoveGasReservation:
		return "remove_gas_reservation"
	case PauseProgram:
		return "pause_program"
	case SendDispatch:
		return "send_dispatch"
	case SendUserMessage:
		return "send_user_message"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Task is a scheduled operation. Actor and Subject are interpreted per kind:
// program and message for waitlist tasks, user and message for mailbox
// tasks, program and reservation for reservation expiry, the stashed message
// for delayed sends.
type Task struct {
	Kind    TaskKind       `serialize:"true" json:"kind"`
	Actor   core.ActorID   `serialize:"true" json:"actor"`
	Subject core.MessageID `serialize:"true" json:"subject"`
	// ToMailbox is set on SendUserMessage tasks whose message goes to the
	// mailbox rather than straight to an event.
	ToMailbox bool `serialize:"true" json:"toMailbox"`
}

func (t Task) String() string {
	return fmt.Sprintf("%s(%s, %s)", t.Kind, t.Actor, t.Subject)
}

func NewWakeMessage(program core.ProgramID, msg core.MessageID) Task {
	return Task{Kind: WakeMessage, Actor: program, Subject: msg}
}

func NewRemoveFromMailbox(user core.ActorID, msg core.MessageID) Task {
	return Task{Kind: RemoveFromMailbox, Actor: user, Subject: msg}
}

func NewRemoveFromWaitlist(program core.ProgramID, msg core.MessageID) Task {
	return Task{Kind: RemoveFromWaitlist, Actor: program, Subject: msg}
}

func NewRemoveGasReservation(program core.ProgramID, reservation core.ReservationID) Task {
	return Task{Kind: RemoveGasReservation, Actor: program, Subject: reservation}
}

func NewPauseProgram(program core.ProgramID) Task {
	return Task{Kind: PauseProgram, Actor: program}
}

func NewSendDispatch(msg core.MessageID) Task {
	return Task{Kind: SendDispatch, Subject: msg}
}

func NewSendUserMessage(msg core.MessageID, toMailbox bool) Task {
	return Task{Kind: SendUserMessage, Subject: msg, ToMailbox: toMailbox}
}
