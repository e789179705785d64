// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/scheduler"
	"github.com/ava-labs/actorvm/storage"
)

var (
	testUser    = ids.ID{0xbb}
	testPeer    = ids.ID{0xbc}
	testProgram = ids.ID{0xaa}
	testMessage = ids.ID{0x01}
)

func newTestState(t *testing.T) *State {
	cfg := DefaultConfig()
	s, err := NewState(memdb.New(), &cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}

func newTestHandler(t *testing.T, s *State, height uint32) *Handler {
	m, err := newMetrics("test", prometheus.NewRegistry())
	require.NoError(t, err)
	schedule := core.DefaultSchedule()
	return newHandler(s, &schedule, height, defaultMaxMailboxHold, m)
}

// runDue fires every task due at the handler's height.
func length(t *testing.T, l interface{ Len() (uint64, error) }) uint64 {
	n, err := l.Len()
	require.NoError(t, err)
	return n
}

func runDue(t *testing.T, h *Handler) {
	tasks, err := h.state.Tasks.DrainDue(h.height)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, h.RunTask(task))
	}
}

func TestReservationExpires(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	_, err := s.Gas.Mint(testMessage, testUser, 1_000_000)
	require.NoError(err)
	rid := core.GenerateReservationID(testMessage, 0)
	require.NoError(s.Programs.Put(testProgram, core.Program{
		Status: core.ProgramActive,
		Reservations: core.GasReservations{Slots: []core.GasReservationSlot{
			{ID: rid, Amount: 10_000, Start: 10, Finish: 15},
		}},
	}))

	h := newTestHandler(t, s, 10)
	require.NoError(h.ReserveGas(processor.ReserveGas{
		MessageID:     testMessage,
		ReservationID: rid,
		Program:       testProgram,
		Amount:        10_000,
		Duration:      5,
	}))
	hold, err := s.Reservations.Get(rid[:])
	require.NoError(err)
	assert.EqualValues(500, hold.Deposit)
	assert.Equal(core.Interval{Start: 10, Finish: 15}, hold.Interval)
	scheduled, err := s.Tasks.Contains(15, scheduler.NewRemoveGasReservation(testProgram, rid))
	require.NoError(err)
	assert.True(scheduled)

	runDue(t, newTestHandler(t, s, 15))

	_, err = s.Reservations.Get(rid[:])
	assert.ErrorIs(err, storage.ErrNotFound)
	p, err := s.Programs.Get(testProgram)
	require.NoError(err)
	assert.Zero(p.Reservations.Len())

	// The upkeep of five blocks is burned, the rest goes back to the payer.
	balance, err := s.Balances.Get(testUser)
	require.NoError(err)
	assert.EqualValues(10_000, balance)
	totals, err := s.Gas.Totals()
	require.NoError(err)
	assert.EqualValues(500, totals.Burned)
	assert.NoError(s.Gas.CheckConservation())
}

func TestUnreservedGasReturnsEarly(t *testing.T) {
	require := require.New(t)
	s := newTestState(t)

	_, err := s.Gas.Mint(testMessage, testUser, 1_000_000)
	require.NoError(err)
	rid := core.GenerateReservationID(testMessage, 0)

	h := newTestHandler(t, s, 10)
	require.NoError(h.ReserveGas(processor.ReserveGas{
		MessageID: testMessage, ReservationID: rid, Program: testProgram, Amount: 10_000, Duration: 5,
	}))

	h = newTestHandler(t, s, 12)
	require.NoError(h.UnreserveGas(processor.UnreserveGas{ReservationID: rid, Program: testProgram, Expiration: 15}))

	scheduled, err := s.Tasks.Contains(15, scheduler.NewRemoveGasReservation(testProgram, rid))
	require.NoError(err)
	require.False(scheduled)
	// Two blocks of upkeep are burned.
	balance, err := s.Balances.Get(testUser)
	require.NoError(err)
	require.EqualValues(10_300, balance)
	require.NoError(s.Gas.CheckConservation())
}

func TestMailboxExpiryRefunds(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	_, err := s.Gas.Mint(testMessage, testUser, 1_000_000)
	require.NoError(err)
	require.NoError(s.Balances.Credit(testProgram, 300))

	sent := core.StoredDispatch{
		Kind:        core.KindHandle,
		ID:          core.GenerateOutgoingID(testMessage, 0),
		Source:      testProgram,
		Destination: testPeer,
		Payload:     []byte("ping"),
		Value:       300,
	}.WithGasLimit(10_000)

	h := newTestHandler(t, s, 1)
	require.NoError(h.ReplyDeposit(processor.ReplyDeposit{
		MessageID:     testMessage,
		FutureReplyID: core.GenerateReplyID(sent.ID),
		Amount:        2_000,
	}))
	require.NoError(h.SendDispatch(processor.SendDispatch{MessageID: testMessage, Dispatch: sent}))
	require.NoError(h.MessageConsumed(processor.MessageConsumed{MessageID: testMessage}))
	assert.Empty(h.events)

	hold, err := s.Messages.Mailbox.GetPair(testPeer, sent.ID)
	require.NoError(err)
	assert.Equal(core.Interval{Start: 1, Finish: 101}, hold.Interval)
	assert.EqualValues(10_000, hold.Deposit)

	programBalance, err := s.Balances.Get(testProgram)
	require.NoError(err)
	assert.Zero(programBalance)

	runDue(t, newTestHandler(t, s, 101))

	_, err = s.Messages.Mailbox.GetPair(testPeer, sent.ID)
	assert.ErrorIs(err, storage.ErrNotFound)
	programBalance, err = s.Balances.Get(testProgram)
	require.NoError(err)
	assert.EqualValues(300, programBalance)
	userBalance, err := s.Balances.Get(testUser)
	require.NoError(err)
	assert.EqualValues(1_000_000-10_000, userBalance)
	exists, err := s.Gas.Exists(core.GenerateReplyID(sent.ID))
	require.NoError(err)
	assert.False(exists)
	assert.NoError(s.Gas.CheckConservation())
}

func TestDelayedEventGoesThroughStash(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	_, err := s.Gas.Mint(testMessage, testUser, 1_000_000)
	require.NoError(err)
	sent := core.StoredDispatch{
		Kind:        core.KindHandle,
		ID:          core.GenerateOutgoingID(testMessage, 0),
		Source:      testProgram,
		Destination: testPeer,
		Payload:     []byte("later"),
	}

	h := newTestHandler(t, s, 4)
	require.NoError(h.SendDispatch(processor.SendDispatch{MessageID: testMessage, Dispatch: sent, Delay: 3}))
	require.NoError(h.MessageConsumed(processor.MessageConsumed{MessageID: testMessage}))
	assert.Empty(h.events)
	assert.EqualValues(1, length(t, s.Messages.Stash))

	later := newTestHandler(t, s, 7)
	runDue(t, later)
	require.Len(later.events, 1)
	assert.Equal([]byte("later"), later.events[0].Payload)
	assert.Zero(length(t, s.Messages.Stash))

	balance, err := s.Balances.Get(testUser)
	require.NoError(err)
	assert.EqualValues(1_000_000-300, balance)
	assert.NoError(s.Gas.CheckConservation())
}

func TestWaitForeverIsDroppedWithErrorReply(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	require.NoError(s.Programs.Put(testProgram, core.Program{Status: core.ProgramActive}))
	_, err := s.Gas.Mint(testMessage, testUser, 1_000)
	require.NoError(err)
	waiting := core.StoredDispatch{
		Kind:        core.KindHandle,
		ID:          testMessage,
		Source:      testUser,
		Destination: testProgram,
	}

	h := newTestHandler(t, s, 1)
	require.NoError(h.WaitDispatch(processor.WaitDispatch{Dispatch: waiting, Kind: processor.WaitForever}))
	// 1000 gas pays for ten blocks.
	scheduled, err := s.Tasks.Contains(11, scheduler.NewRemoveFromWaitlist(testProgram, testMessage))
	require.NoError(err)
	assert.True(scheduled)

	later := newTestHandler(t, s, 11)
	runDue(t, later)

	has, err := s.Messages.Waitlist.HasPair(testProgram, testMessage)
	require.NoError(err)
	assert.False(has)
	require.Len(later.events, 1)
	reply := later.events[0]
	assert.True(reply.IsErrorReply())
	assert.Equal(testUser, reply.Destination)
	assert.Equal(core.ReasonRemovedFromWaitlist, reply.Details.Code.Reason)
	exists, err := s.Gas.Exists(testMessage)
	require.NoError(err)
	assert.False(exists)
	assert.NoError(s.Gas.CheckConservation())
}

func TestWakeBeforeDeadline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	_, err := s.Gas.Mint(testMessage, testUser, 100_000)
	require.NoError(err)
	waiting := core.StoredDispatch{Kind: core.KindHandle, ID: testMessage, Source: testUser, Destination: testProgram}

	h := newTestHandler(t, s, 1)
	require.NoError(h.WaitDispatch(processor.WaitDispatch{Dispatch: waiting, Kind: processor.WaitUpTo, Duration: 20}))

	h = newTestHandler(t, s, 5)
	require.NoError(h.WakeMessage(processor.WakeMessage{Program: testProgram, AwakeningID: testMessage}))

	assert.EqualValues(1, length(t, s.Messages.Queue))
	scheduled, err := s.Tasks.Contains(21, scheduler.NewWakeMessage(testProgram, testMessage))
	require.NoError(err)
	assert.False(scheduled)
	// Four blocks of upkeep are burned.
	n, err := s.Gas.Get(mustLookup(t, s, testMessage))
	require.NoError(err)
	assert.EqualValues(100_000-400, n.Value)
	assert.Zero(n.Locked())

	// Waking a message twice is harmless.
	require.NoError(h.WakeMessage(processor.WakeMessage{Program: testProgram, AwakeningID: testMessage}))
	assert.EqualValues(1, length(t, s.Messages.Queue))
}

func TestRemoveProgramAnswersWaitlist(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	require.NoError(s.Programs.Put(testProgram, core.Program{Status: core.ProgramActive, Pages: []core.GearPage{0}}))
	require.NoError(s.Pages.Set(testProgram, 0, []byte{1}))
	require.NoError(s.Balances.Credit(testProgram, 700))
	_, err := s.Gas.Mint(testMessage, testUser, 10_000)
	require.NoError(err)

	h := newTestHandler(t, s, 1)
	require.NoError(h.WaitDispatch(processor.WaitDispatch{
		Dispatch: core.StoredDispatch{Kind: core.KindHandle, ID: testMessage, Source: testUser, Destination: testProgram},
		Kind:     processor.WaitForever,
	}))

	h = newTestHandler(t, s, 3)
	require.NoError(h.ExitDispatch(processor.ExitDispatch{Program: testProgram, Inheritor: testPeer}))

	p, err := s.Programs.Get(testProgram)
	require.NoError(err)
	assert.Equal(core.ProgramExited, p.Status)
	assert.Equal(testPeer, p.Inheritor)
	assert.Empty(p.Pages)
	_, found, err := s.Pages.Get(testProgram, 0)
	require.NoError(err)
	assert.False(found)

	inherited, err := s.Balances.Get(testPeer)
	require.NoError(err)
	assert.EqualValues(700, inherited)
	require.Len(h.events, 1)
	assert.True(h.events[0].IsErrorReply())
	assert.NoError(s.Gas.CheckConservation())
}

func TestUpdateAllocationsDropsFreedPages(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	s := newTestState(t)

	// Wasm page 1 covers the gear pages right after the static one.
	freed := core.WasmPage(1).GearPages()[0]
	require.NoError(s.Programs.Put(testProgram, core.Program{
		Status:      core.ProgramActive,
		StaticPages: 1,
		Allocations: core.NewAllocations(1),
	}))

	h := newTestHandler(t, s, 1)
	require.NoError(h.UpdatePage(processor.UpdatePage{Program: testProgram, Page: freed, Data: []byte{2}}))
	require.NoError(h.UpdatePage(processor.UpdatePage{Program: testProgram, Page: 0, Data: []byte{1}}))
	p, err := s.Programs.Get(testProgram)
	require.NoError(err)
	assert.Equal([]core.GearPage{0, freed}, p.Pages)

	require.NoError(h.UpdateAllocations(processor.UpdateAllocations{Program: testProgram, Allocations: core.NewAllocations()}))
	p, err = s.Programs.Get(testProgram)
	require.NoError(err)
	assert.Equal([]core.GearPage{0}, p.Pages)
	_, found, err := s.Pages.Get(testProgram, freed)
	require.NoError(err)
	assert.False(found)
}

func mustLookup(t *testing.T, s *State, key ids.ID) gastree.NodeID {
	id, err := s.Gas.Lookup(key)
	require.NoError(t, err)
	return id
}
