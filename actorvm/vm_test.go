// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/actorvm/builtin"
	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/storage"
)

const (
	testDeposit  = 1_000_000_000_000
	testGasLimit = 20_000_000

	mailerName   = "mailer"
	quitterName  = "quitter"
	reserverName = "reserver"
)

func readPayload(ext *processor.Ext) ([]byte, error) {
	size, err := ext.Size()
	if err != nil {
		return nil, err
	}
	return ext.Read(0, size)
}

// mailer sends the payload and value it receives back to the sender's
// mailbox and sets gas aside for the answer.
func mailer() *builtin.Actor {
	return &builtin.Actor{
		Name:    mailerName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     1_000,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			data, err := readPayload(ext)
			if err != nil {
				return err
			}
			source, err := ext.Source()
			if err != nil {
				return err
			}
			value, err := ext.Value()
			if err != nil {
				return err
			}
			sent, err := ext.Send(processor.SendParams{
				Destination: source,
				Payload:     data,
				Value:       value,
				GasLimit:    50_000,
				HasGasLimit: true,
			})
			if err != nil {
				return err
			}
			return ext.ReplyDeposit(sent, 2_000_000)
		},
	}
}

// quitter exits on its first message, leaving its balance to the sender.
func quitter() *builtin.Actor {
	return &builtin.Actor{
		Name:    quitterName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     1_000,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			source, err := ext.Source()
			if err != nil {
				return err
			}
			return ext.Exit(source)
		},
	}
}

// reserver sets gas aside for five blocks on every message.
func reserver() *builtin.Actor {
	return &builtin.Actor{
		Name:    reserverName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     1_000,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			_, err := ext.ReserveGas(10_000, 5)
			return err
		},
	}
}

func newTestVM(t *testing.T, cfg Config) *VM {
	actors := append(builtin.All(), mailer(), quitter(), reserver())
	vm, err := newVM(context.Background(), memdb.New(), cfg, prometheus.NewRegistry(), actors)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Shutdown(context.Background()) })
	require.NoError(t, vm.Deposit(testUser, testDeposit))
	return vm
}

func buildTestBlock(t *testing.T, vm *VM) *Block {
	height := vm.LastAccepted().Height() + 1
	blk, err := vm.BuildBlock(context.Background(), time.Unix(int64(height), 0))
	require.NoError(t, err)
	require.Equal(t, height, blk.Height())
	return blk
}

// deploy creates the builtin actor [name] and runs its init.
func deploy(t *testing.T, vm *VM, name string) core.ProgramID {
	program, _, err := vm.UploadProgram(testUser, builtin.Code(name), []byte(name), nil, testGasLimit, 0)
	require.NoError(t, err)
	buildTestBlock(t, vm)
	p, err := vm.Program(program)
	require.NoError(t, err)
	require.Equal(t, core.ProgramActive, p.Status)
	return program
}

// checkSettled verifies that every unit of gas bought by the user was
// either burned or paid back.
func checkSettled(t *testing.T, vm *VM) {
	require.NoError(t, vm.state.Gas.CheckConservation())
	totals, err := vm.state.Gas.Totals()
	require.NoError(t, err)
	require.Equal(t, totals.Minted, totals.Burned+totals.Returned)
}

func TestGenesis(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM(t, DefaultConfig())

	genesis := vm.LastAccepted()
	assert.Zero(genesis.Height())
	blk, err := vm.GetBlockAtHeight(0)
	assert.NoError(err)
	assert.Equal(genesis.ID(), blk.ID())

	next := buildTestBlock(t, vm)
	assert.Equal(genesis.ID(), next.Parent())
	stored, err := vm.GetBlock(next.ID())
	assert.NoError(err)
	assert.Equal(next.Bytes(), stored.Bytes())
	assert.Zero(stored.Dispatches)

	_, err = vm.ExecuteBlock(context.Background(), next.Height()+2, time.Unix(10, 0))
	assert.ErrorIs(err, errWrongHeight)
	_, err = vm.ExecuteBlock(context.Background(), next.Height()+1, time.Unix(0, 0))
	assert.ErrorIs(err, errTimestampTooEarly)
	assert.Equal(next.ID(), vm.LastAccepted().ID())
}

func TestEchoRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	echo := deploy(t, vm, builtin.EchoName)

	id, err := vm.SendMessage(testUser, echo, []byte("hello"), testGasLimit, 0)
	require.NoError(err)
	queued, err := vm.QueueLen()
	require.NoError(err)
	assert.EqualValues(1, queued)

	blk := buildTestBlock(t, vm)
	assert.EqualValues(1, blk.Dispatches)
	assert.NotZero(blk.GasUsed)
	assert.Zero(blk.QueueLeft)
	require.Len(blk.Events(), 1)
	reply := blk.Events()[0]
	assert.True(reply.IsReply())
	assert.Equal(id, reply.Details.To)
	assert.Equal(testUser, reply.Destination)
	assert.Equal([]byte("hello"), reply.Payload)

	checkSettled(t, vm)
	totals, err := vm.state.Gas.Totals()
	require.NoError(err)
	balance, err := vm.Balance(testUser)
	require.NoError(err)
	assert.EqualValues(testDeposit-totals.Burned, balance)
}

func TestCounterKeepsMemory(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	counter := deploy(t, vm, builtin.CounterName)

	for want := uint64(1); want <= 3; want++ {
		_, err := vm.SendMessage(testUser, counter, nil, testGasLimit, 0)
		require.NoError(err)
		blk := buildTestBlock(t, vm)
		require.Len(blk.Events(), 1)
		assert.Equal(want, binary.LittleEndian.Uint64(blk.Events()[0].Payload))
	}

	data, found, err := vm.ProgramPage(counter, 0)
	require.NoError(err)
	require.True(found)
	assert.EqualValues(3, binary.LittleEndian.Uint64(data[:8]))
	p, err := vm.Program(counter)
	require.NoError(err)
	assert.Contains(p.Pages, core.GearPage(0))
	checkSettled(t, vm)
}

func TestWaiterWakesAfterDelay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	waiter := deploy(t, vm, builtin.WaiterName)

	_, err := vm.SendMessage(testUser, waiter, []byte{3}, testGasLimit, 0)
	require.NoError(err)
	blk := buildTestBlock(t, vm)
	assert.EqualValues(1, blk.Dispatches)
	assert.Empty(blk.Events())

	for i := 0; i < 2; i++ {
		blk = buildTestBlock(t, vm)
		assert.Zero(blk.Tasks)
		assert.Empty(blk.Events())
	}

	blk = buildTestBlock(t, vm)
	assert.EqualValues(1, blk.Tasks)
	assert.EqualValues(1, blk.Dispatches)
	require.Len(blk.Events(), 1)
	assert.Equal([]byte("woken"), blk.Events()[0].Payload)
	assert.Zero(length(t, vm.state.Messages.Queue))
	checkSettled(t, vm)
}

func TestAllowanceLeavesQueue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	cfg := DefaultConfig()
	cfg.BlockGasLimit = 1
	vm := newTestVM(t, cfg)

	_, _, err := vm.UploadProgram(testUser, builtin.Code(builtin.EchoName), nil, nil, testGasLimit, 0)
	require.NoError(err)
	for i := 0; i < 2; i++ {
		blk := buildTestBlock(t, vm)
		assert.Zero(blk.Dispatches)
		assert.EqualValues(1, blk.QueueLeft)
	}
	assert.NoError(vm.state.Gas.CheckConservation())
}

func TestMailboxReplyAndClaim(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	program := deploy(t, vm, mailerName)

	sent, err := vm.SendMessage(testUser, program, []byte("ping"), testGasLimit, 1_000)
	require.NoError(err)
	blk := buildTestBlock(t, vm)
	// Only the automatic reply to the ping is an event.
	require.Len(blk.Events(), 1)
	assert.Equal(sent, blk.Events()[0].Details.To)
	assert.Equal(core.SuccessAuto(), blk.Events()[0].Details.Code)

	msgs, err := vm.Mailbox(testUser)
	require.NoError(err)
	require.Len(msgs, 1)
	msg := msgs[0]
	assert.Equal([]byte("ping"), msg.Payload)
	assert.EqualValues(1_000, msg.Value)
	assert.Equal(program, msg.Source)

	before, err := vm.Balance(testUser)
	require.NoError(err)
	// The reply is paid by the deposit of the program.
	replyID, err := vm.SendReply(testUser, msg.ID, []byte("pong"), 0, 0)
	require.NoError(err)
	assert.Equal(core.GenerateReplyID(msg.ID), replyID)
	after, err := vm.Balance(testUser)
	require.NoError(err)
	// The value plus what is left of the message gas once its hold is paid.
	assert.Greater(after, before+1_000)
	assert.LessOrEqual(after, before+1_000+50_000)
	_, err = vm.MailboxMessage(testUser, msg.ID)
	assert.ErrorIs(err, ErrMessageNotInMailbox)

	blk = buildTestBlock(t, vm)
	assert.EqualValues(1, blk.Dispatches)
	assert.Zero(length(t, vm.state.Messages.Queue))

	_, err = vm.SendMessage(testUser, program, []byte("again"), testGasLimit, 500)
	require.NoError(err)
	buildTestBlock(t, vm)
	msgs, err = vm.Mailbox(testUser)
	require.NoError(err)
	require.Len(msgs, 1)

	before, err = vm.Balance(testUser)
	require.NoError(err)
	require.NoError(vm.ClaimValue(testUser, msgs[0].ID))
	after, err = vm.Balance(testUser)
	require.NoError(err)
	assert.Greater(after, before+500)
	assert.LessOrEqual(after, before+500+50_000)
	// The program set gas aside, so it gets an automatic reply.
	assert.EqualValues(1, length(t, vm.state.Messages.Queue))
	assert.ErrorIs(vm.ClaimValue(testUser, msgs[0].ID), ErrMessageNotInMailbox)

	buildTestBlock(t, vm)
	checkSettled(t, vm)
}

func TestExitLeavesBalanceToInheritor(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	program := deploy(t, vm, quitterName)

	_, err := vm.SendMessage(testUser, program, nil, testGasLimit, 5_000)
	require.NoError(err)
	buildTestBlock(t, vm)

	p, err := vm.Program(program)
	require.NoError(err)
	assert.Equal(core.ProgramExited, p.Status)
	assert.Equal(testUser, p.Inheritor)
	left, err := vm.Balance(program)
	require.NoError(err)
	assert.Zero(left)

	// Messages to an exited program are answered with an error.
	_, err = vm.SendMessage(testUser, program, nil, testGasLimit, 0)
	require.NoError(err)
	blk := buildTestBlock(t, vm)
	require.Len(blk.Events(), 1)
	assert.True(blk.Events()[0].IsErrorReply())
	assert.Equal(core.ReasonInactiveActor, blk.Events()[0].Details.Code.Reason)

	checkSettled(t, vm)
	totals, err := vm.state.Gas.Totals()
	require.NoError(err)
	balance, err := vm.Balance(testUser)
	require.NoError(err)
	assert.EqualValues(testDeposit-totals.Burned, balance)
}

func TestReservationOutlivesExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())
	program := deploy(t, vm, reserverName)

	_, err := vm.SendMessage(testUser, program, nil, testGasLimit, 0)
	require.NoError(err)
	blk := buildTestBlock(t, vm)
	assert.EqualValues(1, blk.Dispatches)

	p, err := vm.Program(program)
	require.NoError(err)
	require.Equal(1, p.Reservations.Len())
	rid := p.Reservations.Slots[0].ID
	hold, err := vm.state.Reservations.Get(rid[:])
	require.NoError(err)
	assert.Equal(program, hold.Value)
	assert.Equal(blk.Height()+5, hold.Interval.Finish)

	for vm.LastAccepted().Height() < hold.Interval.Finish {
		buildTestBlock(t, vm)
	}
	p, err = vm.Program(program)
	require.NoError(err)
	assert.Zero(p.Reservations.Len())
	_, err = vm.state.Reservations.Get(rid[:])
	assert.ErrorIs(err, storage.ErrNotFound)
	checkSettled(t, vm)
}

func TestEntryPointValidation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	vm := newTestVM(t, DefaultConfig())

	_, err := vm.UploadCode([]byte("not a program"))
	assert.ErrorIs(err, ErrInvalidCode)

	code, err := vm.UploadCode(builtin.Code(builtin.EchoName))
	require.NoError(err)
	_, err = vm.UploadCode(builtin.Code(builtin.EchoName))
	assert.ErrorIs(err, ErrCodeAlreadyExists)

	_, _, err = vm.CreateProgram(testUser, code, nil, nil, 0, 0)
	assert.ErrorIs(err, ErrZeroGasLimit)
	_, _, err = vm.CreateProgram(testPeer, code, nil, nil, testGasLimit, 0)
	assert.ErrorIs(err, ErrInsufficientFunds)
	_, _, err = vm.CreateProgram(testUser, core.GenerateCodeID([]byte("missing")), nil, nil, testGasLimit, 0)
	assert.ErrorIs(err, ErrCodeNotFound)

	program, _, err := vm.CreateProgram(testUser, code, []byte("salt"), nil, testGasLimit, 0)
	require.NoError(err)
	_, _, err = vm.CreateProgram(testUser, code, []byte("salt"), nil, testGasLimit, 0)
	assert.ErrorIs(err, ErrProgramExists)

	_, err = vm.SendMessage(testUser, testProgram, nil, testGasLimit, 0)
	assert.ErrorIs(err, ErrProgramNotFound)
	_, err = vm.SendReply(testUser, testMessage, nil, testGasLimit, 0)
	assert.ErrorIs(err, ErrMessageNotInMailbox)

	buildTestBlock(t, vm)
	p, err := vm.Program(program)
	require.NoError(err)
	assert.Equal(core.ProgramActive, p.Status)
}
