// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
)

var (
	testProgram = ids.ID{0xaa}
	testUser    = ids.ID{0xbb}
	testCode    = ids.ID{0xcc}
	testMessage = ids.ID{0x01}
	testPeer    = ids.ID{0xdd}
)

// scriptBackend runs a Go function in place of guest code.
type scriptBackend func(ext *Ext) error

func (f scriptBackend) Execute(_ context.Context, _ *core.InstrumentedCode, _ core.DispatchKind, ext *Ext) error {
	return f(ext)
}

type memCodes struct {
	meta         core.CodeMetadata
	original     []byte
	instrumented core.InstrumentedCode
}

func (m *memCodes) CodeMetadata(core.CodeID) (core.CodeMetadata, error) { return m.meta, nil }
func (m *memCodes) OriginalCode(core.CodeID) ([]byte, error)            { return m.original, nil }
func (m *memCodes) InstrumentedCode(core.CodeID) (*core.InstrumentedCode, error) {
	code := m.instrumented
	return &code, nil
}

type noPages struct{}

func (noPages) ProgramPages(core.ProgramID) lazypages.PageStorage { return noPages{} }
func (noPages) PageData(core.GearPage) ([]byte, bool, error)      { return nil, false, nil }

type instrumenterFunc func(original []byte, version uint32) (core.InstrumentedCode, error)

func (f instrumenterFunc) Instrument(original []byte, version uint32) (core.InstrumentedCode, error) {
	return f(original, version)
}

var (
	errBadCode = errors.New("bad code")
	emptyPages lazypages.Result
)

// testSchedule charges 100 for the code length, 200 for the code, 150 for
// instantiating a 150 byte code section and 50 per send.
func testSchedule() core.Schedule {
	s := core.Schedule{Version: 3}
	s.Process.CodeMetadataRead = 100
	s.Process.CodeRead = core.CostPair{Base: 200}
	s.Process.Instantiation.CodeSectionPerByte = 1
	s.Process.Instrumentation = core.CostPair{Base: 1_000}
	s.HostCalls.Send = core.CostPair{Base: 50}
	s.LazyPages.SignalWrite = 5
	s.Limits = core.Limits{
		MaxPages:           16,
		OutgoingLimit:      8,
		OutgoingBytesLimit: 1024,
		MaxPayloadLen:      1024,
		MaxReservations:    4,
		MaxWaitDuration:    100,
		ReserveFor:         1,
	}
	return s
}

func newTestProcessor(backend Backend) (*Processor, *memCodes) {
	codes := &memCodes{
		meta: core.CodeMetadata{
			OriginalLen:         10,
			InstrumentedLen:     10,
			Exports:             []core.DispatchKind{core.KindInit, core.KindHandle},
			InstructionsVersion: 3,
		},
		original: []byte("original"),
		instrumented: core.InstrumentedCode{
			Bytes:    []byte("instrumented"),
			Version:  3,
			Sections: core.SectionSizes{Code: 150},
			Exports:  []core.DispatchKind{core.KindInit, core.KindHandle},
		},
	}
	p := New(backend, instrumenterFunc(func([]byte, uint32) (core.InstrumentedCode, error) {
		return core.InstrumentedCode{}, errBadCode
	}), codes, noPages{}, NewInstrumentationCache(&cache.LRU{Size: 4}))
	return p, codes
}

func testInput(gasLimit uint64) Input {
	return Input{
		Dispatch: core.NewDispatch(core.StoredDispatch{
			Kind:        core.KindHandle,
			ID:          testMessage,
			Source:      testUser,
			Destination: testProgram,
		}, gasLimit),
		Actor: &core.ExecutableActorData{
			ProgramID: testProgram,
			CodeID:    testCode,
			Status:    core.ProgramActive,
			Exports:   []core.DispatchKind{core.KindInit, core.KindHandle},
		},
	}
}

func testConfig() *Config {
	return &Config{Schedule: testSchedule(), Block: core.BlockInfo{Height: 10, Timestamp: 1000}}
}

func TestTrapMidExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var sent core.MessageID
	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		id, err := ext.Send(SendParams{Destination: testPeer, Payload: []byte("hi")})
		if err != nil {
			return err
		}
		sent = id
		return ext.Trap(TrapUnreachable, "")
	}))

	out, err := p.Process(context.Background(), testConfig(), testInput(1000), NewAllowanceCounter(1_000_000))
	require.NoError(err)
	assert.False(out.AllowanceExceeded)
	assert.EqualValues(500, out.GasBurned)
	assert.EqualValues(500, out.AllowanceSpent)

	require.Len(out.Journal, 5)
	assert.Equal(GasBurned{MessageID: testMessage, Amount: 500}, out.Journal[0])

	send, ok := out.Journal[1].(SendDispatch)
	require.True(ok)
	assert.Equal(sent, send.Dispatch.ID)
	assert.Equal(testPeer, send.Dispatch.Destination)

	reply, ok := out.Journal[2].(SendDispatch)
	require.True(ok)
	assert.True(reply.Dispatch.IsErrorReply())
	assert.Equal(testUser, reply.Dispatch.Destination)
	assert.Equal(core.ReasonUnreachableInstruction, reply.Dispatch.Details.Code.Reason)

	dispatched, ok := out.Journal[3].(MessageDispatched)
	require.True(ok)
	assert.Equal(OutcomeMessageTrap, dispatched.Outcome.Kind)
	assert.Equal(MessageConsumed{MessageID: testMessage}, out.Journal[4])
}

func TestSelectivePageUpdate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	lazypages.EnsureProcessInit()

	data := []byte{1, 2, 3, 4}
	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		if err := ext.AttachMemory(lazypages.NewSliceRegion(1, 16), false); err != nil {
			return err
		}
		return ext.WriteMemory(core.GearPage(3).Offset()+8, data)
	}))

	in := testInput(10_000)
	in.Actor.StaticPages = 1
	out, err := p.Process(context.Background(), testConfig(), in, NewAllowanceCounter(1_000_000))
	require.NoError(err)
	assert.False(lazypages.Active())

	var updates []UpdatePage
	for _, n := range out.Journal {
		switch n := n.(type) {
		case UpdatePage:
			updates = append(updates, n)
		case UpdateAllocations:
			assert.Fail("unexpected allocations update")
		}
	}
	require.Len(updates, 1)
	assert.Equal(core.GearPage(3), updates[0].Page)
	assert.Equal(data, updates[0].Data[8:12])
	// 450 precharged plus one page written.
	assert.EqualValues(455, out.GasBurned)
}

func TestAllowanceCancellation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	executed := false
	p, _ := newTestProcessor(scriptBackend(func(*Ext) error {
		executed = true
		return nil
	}))
	cfg := testConfig()
	cfg.Schedule.Process.ProgramRead = 20

	allowance := NewAllowanceCounter(10)
	out, err := p.Process(context.Background(), cfg, testInput(1000), allowance)
	require.NoError(err)
	assert.True(out.AllowanceExceeded)
	assert.Empty(out.Journal)
	assert.Zero(out.GasBurned)
	assert.EqualValues(10, allowance.Left())
	assert.False(executed)
}

func TestAllowanceExceededDuringExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		return ext.ChargeGas(100)
	}))
	out, err := p.Process(context.Background(), testConfig(), testInput(1000), NewAllowanceCounter(500))
	require.NoError(err)
	assert.True(out.AllowanceExceeded)
	require.Len(out.Journal, 1)
	stop, ok := out.Journal[0].(StopProcessing)
	require.True(ok)
	assert.EqualValues(450, stop.GasBurned)
}

func TestPrechargeInsufficientGas(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(*Ext) error {
		assert.Fail("must not execute")
		return nil
	}))
	out, err := p.Process(context.Background(), testConfig(), testInput(250), NewAllowanceCounter(1_000_000))
	require.NoError(err)
	assert.EqualValues(100, out.GasBurned)

	dispatched, ok := out.Journal[len(out.Journal)-2].(MessageDispatched)
	require.True(ok)
	assert.Equal(OutcomeMessageTrap, dispatched.Outcome.Kind)
	assert.Contains(dispatched.Outcome.Reason, "code read")
}

func TestNonExecutable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(*Ext) error { return nil }))
	in := testInput(1000)
	in.Dispatch.Value = 700
	in.Actor.Status = core.ProgramExited

	out, err := p.Process(context.Background(), testConfig(), in, NewAllowanceCounter(1_000_000))
	require.NoError(err)
	require.Len(out.Journal, 5)
	assert.Equal(SendValue{From: testUser, Value: 700}, out.Journal[1])
	reply := out.Journal[2].(SendDispatch)
	assert.Equal(core.ReasonInactiveActor, reply.Dispatch.Details.Code.Reason)
	assert.Equal(OutcomeNoExecution, out.Journal[3].(MessageDispatched).Outcome.Kind)
}

func TestMissingExportSucceedsWithoutExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(*Ext) error {
		assert.Fail("must not execute")
		return nil
	}))
	in := testInput(1000)
	in.Actor.Exports = []core.DispatchKind{core.KindInit}
	out, err := p.Process(context.Background(), testConfig(), in, NewAllowanceCounter(1_000_000))
	require.NoError(err)
	reply := out.Journal[1].(SendDispatch)
	assert.Equal(core.SuccessAuto(), reply.Dispatch.Details.Code)
	assert.Equal(OutcomeSuccess, out.Journal[2].(MessageDispatched).Outcome.Kind)
}

func TestSuccessJournal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		if _, err := ext.Reply(ReplyParams{Payload: []byte("pong")}); err != nil {
			return err
		}
		_, err := ext.Reply(ReplyParams{})
		assert.ErrorIs(err, ErrDuplicateReply)
		return ext.Wake(ids.ID{0x77}, 2)
	}))
	in := testInput(1000)
	in.Dispatch.Value = 10
	out, err := p.Process(context.Background(), testConfig(), in, NewAllowanceCounter(1_000_000))
	require.NoError(err)

	var kinds []string
	for _, n := range out.Journal {
		switch n.(type) {
		case GasBurned:
			kinds = append(kinds, "burned")
		case SendValue:
			kinds = append(kinds, "value")
		case SendDispatch:
			kinds = append(kinds, "send")
		case WakeMessage:
			kinds = append(kinds, "wake")
		case MessageDispatched:
			kinds = append(kinds, "dispatched")
		case MessageConsumed:
			kinds = append(kinds, "consumed")
		}
	}
	assert.Equal([]string{"burned", "value", "send", "wake", "dispatched", "consumed"}, kinds)

	reply := out.Journal[2].(SendDispatch)
	assert.Equal(core.SuccessManual(), reply.Dispatch.Details.Code)
	assert.Equal([]byte("pong"), reply.Dispatch.Payload)
}

func TestWaitStoresContext(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		if _, err := ext.Send(SendParams{Destination: testPeer}); err != nil {
			return err
		}
		return ext.WaitFor(5)
	}))
	out, err := p.Process(context.Background(), testConfig(), testInput(1000), NewAllowanceCounter(1_000_000))
	require.NoError(err)

	wait, ok := out.Journal[len(out.Journal)-1].(WaitDispatch)
	require.True(ok)
	assert.Equal(WaitFor, wait.Kind)
	assert.EqualValues(5, wait.Duration)
	assert.True(wait.Dispatch.HasContext)
	assert.EqualValues(1, wait.Dispatch.Context.OutgoingNonce)
	assert.False(wait.Dispatch.HasGasLimit)
}

func TestForbiddenFunction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, _ := newTestProcessor(scriptBackend(func(ext *Ext) error {
		_, _, err := ext.Random()
		return err
	}))
	cfg := testConfig()
	cfg.Forbidden = NewForbiddenFuncs(CallRandom)
	out, err := p.Process(context.Background(), cfg, testInput(1000), NewAllowanceCounter(1_000_000))
	require.NoError(err)
	reply := out.Journal[1].(SendDispatch)
	assert.Equal(core.ReasonForbiddenFunction, reply.Dispatch.Details.Code.Reason)
}

func TestReinstrumentation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, codes := newTestProcessor(scriptBackend(func(*Ext) error { return nil }))
	codes.meta.InstructionsVersion = 2

	out, err := p.Process(context.Background(), testConfig(), testInput(10_000), NewAllowanceCounter(1_000_000))
	require.NoError(err)
	assert.Nil(out.Reinstrumented)
	assert.Equal(OutcomeMessageTrap, out.Journal[len(out.Journal)-2].(MessageDispatched).Outcome.Kind)
	assert.EqualValues(1_300, out.GasBurned)

	p.instrumenter = instrumenterFunc(func(original []byte, version uint32) (core.InstrumentedCode, error) {
		return core.InstrumentedCode{Bytes: original, Version: version}, nil
	})
	out, err = p.Process(context.Background(), testConfig(), testInput(10_000), NewAllowanceCounter(1_000_000))
	require.NoError(err)
	require.NotNil(out.Reinstrumented)
	assert.EqualValues(3, out.Reinstrumented.Version)
	assert.Equal(OutcomeSuccess, out.Journal[len(out.Journal)-2].(MessageDispatched).Outcome.Kind)
}
