// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import "fmt"

// DispatchKind selects the program entry point a dispatch is routed to.
type DispatchKind uint8

const (
	KindInit DispatchKind = iota
	KindHandle
	KindReply
	KindSignal
)

func (k DispatchKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindHandle:
		return "handle"
	case KindReply:
		return "handle_reply"
	case KindSignal:
		return "handle_signal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Entry returns the name of the exported function serving [k].
func (k DispatchKind) Entry() string { return k.String() }

// DetailsKind tells whether a message is a reply, a signal or neither.
type DetailsKind uint8

const (
	DetailsNone DetailsKind = iota
	DetailsReply
	DetailsSignal
)

// Details links replies and signals to the message they answer.
type Details struct {
	Kind DetailsKind `serialize:"true" json:"kind"`
	To   MessageID   `serialize:"true" json:"to"`
	Code ReplyCode   `serialize:"true" json:"code"`
}

// ContextStore keeps the state of a dispatch across wait/wake cycles so that
// re-execution never duplicates ids or replies.
type ContextStore struct {
	OutgoingNonce        uint32 `serialize:"true" json:"outgoingNonce"`
	ReservationNonce     uint64 `serialize:"true" json:"reservationNonce"`
	ReplySent            bool   `serialize:"true" json:"replySent"`
	SystemReservation    uint64 `serialize:"true" json:"systemReservation"`
	HasSystemReservation bool   `serialize:"true" json:"hasSystemReservation"`
}

// StoredDispatch is a dispatch as kept in the queue, the waitlist, the
// mailbox and the dispatch stash.
type StoredDispatch struct {
	Kind        DispatchKind `serialize:"true" json:"kind"`
	ID          MessageID    `serialize:"true" json:"id"`
	Source      ActorID      `serialize:"true" json:"source"`
	Destination ActorID      `serialize:"true" json:"destination"`
	Payload     []byte       `serialize:"true" json:"payload"`
	GasLimit    uint64       `serialize:"true" json:"gasLimit"`
	HasGasLimit bool         `serialize:"true" json:"hasGasLimit"`
	Value       Value        `serialize:"true" json:"value"`
	Details     Details      `serialize:"true" json:"details"`
	Context     ContextStore `serialize:"true" json:"context"`
	HasContext  bool         `serialize:"true" json:"hasContext"`
}

// IsReply reports whether the dispatch answers another message.
func (d *StoredDispatch) IsReply() bool { return d.Details.Kind == DetailsReply }

// IsErrorReply reports whether the dispatch is a reply carrying an error code.
func (d *StoredDispatch) IsErrorReply() bool {
	return d.IsReply() && d.Details.Code.IsError()
}

// WithGasLimit returns a copy of [d] carrying [limit].
func (d StoredDispatch) WithGasLimit(limit uint64) StoredDispatch {
	d.GasLimit = limit
	d.HasGasLimit = true
	return d
}

func (d *StoredDispatch) String() string {
	return fmt.Sprintf("%s %s: %s -> %s", d.Kind, d.ID, d.Source, d.Destination)
}

// Dispatch is the unit of work handed to the processor: a stored dispatch
// together with the gas limit resolved from the gas tree.
type Dispatch struct {
	StoredDispatch
}

// NewDispatch wraps [stored] with the resolved gas [limit].
func NewDispatch(stored StoredDispatch, limit uint64) Dispatch {
	return Dispatch{StoredDispatch: stored.WithGasLimit(limit)}
}

// ContextOrEmpty returns the previous execution context, if any.
func (d *Dispatch) ContextOrEmpty() ContextStore {
	if d.HasContext {
		return d.Context
	}
	return ContextStore{}
}

// Stored converts the dispatch back for storage, attaching [ctx].
func (d *Dispatch) Stored(ctx ContextStore) StoredDispatch {
	s := d.StoredDispatch
	s.GasLimit, s.HasGasLimit = 0, false
	s.Context, s.HasContext = ctx, true
	return s
}

// NewReply builds a reply from [source] to the sender of [to].
func NewReply(to *StoredDispatch, source ActorID, payload []byte, value Value, code ReplyCode) StoredDispatch {
	return StoredDispatch{
		Kind:        KindReply,
		ID:          GenerateReplyID(to.ID),
		Source:      source,
		Destination: to.Source,
		Payload:     payload,
		Value:       value,
		Details:     Details{Kind: DetailsReply, To: to.ID, Code: code},
	}
}

// NewSignal builds a signal to [destination] about [origin].
func NewSignal(origin MessageID, destination ActorID, reason ErrorReason) StoredDispatch {
	return StoredDispatch{
		Kind:        KindSignal,
		ID:          GenerateSignalID(origin),
		Source:      ActorID{},
		Destination: destination,
		Details:     Details{Kind: DetailsSignal, To: origin, Code: ErrorCode(reason)},
	}
}
