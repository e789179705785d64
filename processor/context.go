// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"slices"

	"github.com/ava-labs/actorvm/core"
)

// GeneratedDispatch is a message sent by the executing program.
type GeneratedDispatch struct {
	Dispatch       core.StoredDispatch
	Delay          uint32
	Reservation    core.ReservationID
	HasReservation bool
}

// Awakening is a request to wake a waiting message of the program.
type Awakening struct {
	MessageID core.MessageID
	Delay     uint32
}

type replyDeposit struct {
	sent   core.MessageID
	amount uint64
}

type candidateGroup struct {
	code       core.CodeID
	candidates []Candidate
}

// messageContext collects the messaging effects of one execution.
type messageContext struct {
	dispatch *core.Dispatch
	program  core.ProgramID
	limits   core.Limits
	store    core.ContextStore

	outgoing      []GeneratedDispatch
	outgoingBytes uint64
	awakening     []Awakening
	deposits      []replyDeposit
	candidates    []candidateGroup
}

func newMessageContext(dispatch *core.Dispatch, program core.ProgramID, limits core.Limits) *messageContext {
	return &messageContext{
		dispatch: dispatch,
		program:  program,
		limits:   limits,
		store:    dispatch.ContextOrEmpty(),
	}
}

func (m *messageContext) checkOutgoing(payload []byte) error {
	if uint64(len(payload)) > uint64(m.limits.MaxPayloadLen) {
		return ErrPayloadTooLarge
	}
	if uint64(len(m.outgoing)) >= uint64(m.limits.OutgoingLimit) {
		return ErrOutgoingLimit
	}
	if m.outgoingBytes+uint64(len(payload)) > uint64(m.limits.OutgoingBytesLimit) {
		return ErrOutgoingBytesLimit
	}
	return nil
}

// nextOutgoingID allocates the id of the next message sent. The nonce lives
// in the context store so re-executions after a wake never reuse ids.
func (m *messageContext) nextOutgoingID() core.MessageID {
	id := core.GenerateOutgoingID(m.dispatch.ID, m.store.OutgoingNonce)
	m.store.OutgoingNonce++
	return id
}

func (m *messageContext) push(d GeneratedDispatch) {
	m.outgoing = append(m.outgoing, d)
	m.outgoingBytes += uint64(len(d.Dispatch.Payload))
}

func (m *messageContext) sentByThisExecution(id core.MessageID) bool {
	for _, d := range m.outgoing {
		if d.Dispatch.ID == id && !d.Dispatch.IsReply() {
			return true
		}
	}
	return false
}

func (m *messageContext) addDeposit(sent core.MessageID, amount uint64) error {
	if !m.sentByThisExecution(sent) {
		return ErrUnknownMessage
	}
	for _, d := range m.deposits {
		if d.sent == sent {
			return ErrDuplicateReplyDeposit
		}
	}
	m.deposits = append(m.deposits, replyDeposit{sent: sent, amount: amount})
	return nil
}

func (m *messageContext) wake(id core.MessageID, delay uint32) error {
	for _, a := range m.awakening {
		if a.MessageID == id {
			return ErrDuplicateWaking
		}
	}
	m.awakening = append(m.awakening, Awakening{MessageID: id, Delay: delay})
	return nil
}

func (m *messageContext) addCandidate(code core.CodeID, c Candidate) {
	for i := range m.candidates {
		if m.candidates[i].code == code {
			m.candidates[i].candidates = append(m.candidates[i].candidates, c)
			return
		}
	}
	m.candidates = append(m.candidates, candidateGroup{code: code, candidates: []Candidate{c}})
}

// reservationState is the fate of a reservation during one execution.
type reservationState uint8

const (
	reservationExists reservationState = iota
	reservationCreated
	reservationRemoved
	// reservationUsed reservations paid for a message sent from them.
	reservationUsed
)

type reservationEntry struct {
	slot  core.GasReservationSlot
	state reservationState
	// created entries were reserved by this execution, including the ones
	// used afterwards.
	created  bool
	duration uint32
	// reduced is what the reservation took from the gas counter.
	reduced uint64
}

// gasReserver tracks the gas reservations of the executing program.
type gasReserver struct {
	message core.MessageID
	height  uint32
	max     uint64
	entries []reservationEntry
}

func newGasReserver(message core.MessageID, height uint32, max uint64, existing core.GasReservations) *gasReserver {
	r := &gasReserver{message: message, height: height, max: max}
	for _, slot := range existing.Slots {
		r.entries = append(r.entries, reservationEntry{slot: slot, state: reservationExists})
	}
	return r
}

func (r *gasReserver) find(id core.ReservationID) *reservationEntry {
	for i := range r.entries {
		if r.entries[i].slot.ID == id {
			return &r.entries[i]
		}
	}
	return nil
}

func (r *gasReserver) live() uint64 {
	var n uint64
	for _, e := range r.entries {
		if e.state == reservationExists || e.state == reservationCreated {
			n++
		}
	}
	return n
}

func (r *gasReserver) reserve(store *core.ContextStore, amount, reduced uint64, duration uint32) (core.ReservationID, error) {
	if r.live() >= r.max {
		return core.ReservationID{}, ErrReservationsLimit
	}
	id := core.GenerateReservationID(r.message, store.ReservationNonce)
	store.ReservationNonce++
	r.entries = append(r.entries, reservationEntry{
		slot: core.GasReservationSlot{
			ID:     id,
			Amount: amount,
			Start:  r.height,
			Finish: r.height + duration,
		},
		state:    reservationCreated,
		created:  true,
		duration: duration,
		reduced:  reduced,
	})
	return id, nil
}

// unreserve removes a reservation. Reservations made by this execution give
// back what they took from the gas counter.
func (r *gasReserver) unreserve(id core.ReservationID) (amount, reimburse uint64, err error) {
	e := r.find(id)
	if e == nil {
		return 0, 0, ErrReservationNotFound
	}
	amount = e.slot.Amount
	switch e.state {
	case reservationExists:
		e.state = reservationRemoved
	case reservationCreated:
		reimburse = e.reduced
		r.entries = slices.DeleteFunc(r.entries, func(x reservationEntry) bool { return x.slot.ID == id })
	default:
		return 0, 0, ErrReservationNotFound
	}
	return amount, reimburse, nil
}

// use marks the reservation as paying for a message and returns its amount.
func (r *gasReserver) use(id core.ReservationID) (uint64, error) {
	e := r.find(id)
	if e == nil || (e.state != reservationExists && e.state != reservationCreated) {
		return 0, ErrReservationNotFound
	}
	e.state = reservationUsed
	return e.slot.Amount, nil
}

// changed reports whether the execution touched any reservation.
func (r *gasReserver) changed() bool {
	for _, e := range r.entries {
		if e.state != reservationExists {
			return true
		}
	}
	return false
}

// remaining returns the reservation map left after the execution.
func (r *gasReserver) remaining() core.GasReservations {
	var res core.GasReservations
	for _, e := range r.entries {
		if e.state == reservationExists || e.state == reservationCreated {
			res.Put(e.slot)
		}
	}
	return res
}
