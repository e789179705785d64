// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

// HostModule is the import module every program links against.
const HostModule = "env"

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

var errNoExt = errors.New("host call outside of an execution")

type extKey struct{}

func withExt(ctx context.Context, ext *processor.Ext) context.Context {
	return context.WithValue(ctx, extKey{}, ext)
}

// frame is the view a host function has of the running execution.
type frame struct {
	ext   *processor.Ext
	mem   api.Memory
	stack []uint64
}

func (f *frame) u32(i int) uint32 { return api.DecodeU32(f.stack[i]) }
func (f *frame) u64(i int) uint64 { return f.stack[i] }

func (f *frame) read(ptr, n uint32) ([]byte, error) {
	if f.mem == nil || uint64(ptr)+uint64(n) > uint64(f.mem.Size()) {
		return nil, f.ext.Trap(processor.TrapMemoryOverflow, fmt.Sprintf("read of %d bytes at %d", n, ptr))
	}
	buf := make([]byte, n)
	if err := f.ext.ReadMemory(uint64(ptr), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *frame) readID(ptr uint32) (ids.ID, error) {
	var id ids.ID
	err := f.ext.ReadMemory(uint64(ptr), id[:])
	return id, err
}

func (f *frame) write(ptr uint32, data []byte) error {
	return f.ext.WriteMemory(uint64(ptr), data)
}

// result writes the outcome of a fallible call at [ptr]: the error code,
// followed by [data] on success. Terminations are passed on untouched.
func (f *frame) result(ptr uint32, err error, data ...[]byte) error {
	if processor.IsTerminated(err) {
		return err
	}
	buf := processor.ErrorPayload(err)
	if err == nil {
		for _, d := range data {
			buf = append(buf, d...)
		}
	}
	return f.write(ptr, buf)
}

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// hostFunc is the wasm signature and the body of one host call.
type hostFunc struct {
	params  []api.ValueType
	results []api.ValueType
	body    func(f *frame) error
}

// bind adapts [h] to the runtime. A returned error always ends the
// execution, so it unwinds the guest stack through a panic the runtime
// converts into the error of the entry point call.
func (h hostFunc) bind() api.GoModuleFunction {
	return api.GoModuleFunc(func(ctx context.Context, caller api.Module, stack []uint64) {
		ext, ok := ctx.Value(extKey{}).(*processor.Ext)
		if !ok {
			panic(errNoExt)
		}
		ext.EnterHostCall()
		err := h.body(&frame{ext: ext, mem: caller.Memory(), stack: stack})
		ext.LeaveHostCall()
		if err != nil {
			panic(err)
		}
	})
}

// newHostModule registers every host call under HostModule.
func newHostModule(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(HostModule)
	for _, call := range processor.HostCalls() {
		h := hostFuncOf(call)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(h.bind(), h.params, h.results).
			WithName(call.String()).
			Export(call.String())
	}
	return builder.Instantiate(ctx)
}

func params(types ...api.ValueType) []api.ValueType { return types }

// hostFuncOf returns the implementation of [call]. Pointers are 32 bit
// offsets into program memory; ids are 32 bytes; values and gas are 64 bit.
func hostFuncOf(call processor.HostCall) hostFunc {
	switch call {
	case processor.CallSend:
		// dest, payload, len, value, delay, err_mid
		return hostFunc{params: params(i32, i32, i32, i64, i32, i32), body: func(f *frame) error {
			return send(f, processor.SendParams{Value: f.u64(3), Delay: f.u32(4)}, f.u32(0), f.u32(1), f.u32(2), f.u32(5))
		}}
	case processor.CallSendWithGas:
		// dest, payload, len, value, gas, delay, err_mid
		return hostFunc{params: params(i32, i32, i32, i64, i64, i32, i32), body: func(f *frame) error {
			p := processor.SendParams{Value: f.u64(3), GasLimit: f.u64(4), HasGasLimit: true, Delay: f.u32(5)}
			return send(f, p, f.u32(0), f.u32(1), f.u32(2), f.u32(6))
		}}
	case processor.CallSendFromReservation:
		// rid, dest, payload, len, value, delay, err_mid
		return hostFunc{params: params(i32, i32, i32, i32, i64, i32, i32), body: func(f *frame) error {
			rid, err := f.readID(f.u32(0))
			if err != nil {
				return err
			}
			p := processor.SendParams{Value: f.u64(4), Delay: f.u32(5), Reservation: rid, FromReservation: true}
			return send(f, p, f.u32(1), f.u32(2), f.u32(3), f.u32(6))
		}}
	case processor.CallReply:
		// payload, len, value, err_mid
		return hostFunc{params: params(i32, i32, i64, i32), body: func(f *frame) error {
			return reply(f, processor.ReplyParams{Value: f.u64(2)}, f.u32(0), f.u32(1), f.u32(3))
		}}
	case processor.CallReplyWithGas:
		// payload, len, value, gas, err_mid
		return hostFunc{params: params(i32, i32, i64, i64, i32), body: func(f *frame) error {
			p := processor.ReplyParams{Value: f.u64(2), GasLimit: f.u64(3), HasGasLimit: true}
			return reply(f, p, f.u32(0), f.u32(1), f.u32(4))
		}}
	case processor.CallReplyDeposit:
		// mid, gas, err
		return hostFunc{params: params(i32, i64, i32), body: func(f *frame) error {
			mid, err := f.readID(f.u32(0))
			if err != nil {
				return err
			}
			return f.result(f.u32(2), f.ext.ReplyDeposit(mid, f.u64(1)))
		}}
	case processor.CallReplyTo:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			id, err := f.ext.ReplyTo()
			return f.result(f.u32(0), err, id[:])
		}}
	case processor.CallReplyCode:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			code, err := f.ext.ReplyCode()
			return f.result(f.u32(0), err, []byte{byte(code.Status), byte(code.Reason)})
		}}
	case processor.CallSignalCode:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			reason, err := f.ext.SignalCode()
			return f.result(f.u32(0), err, le32(uint32(reason)))
		}}
	case processor.CallReserveGas:
		// gas, duration, err_rid
		return hostFunc{params: params(i64, i32, i32), body: func(f *frame) error {
			id, err := f.ext.ReserveGas(f.u64(0), f.u32(1))
			return f.result(f.u32(2), err, id[:])
		}}
	case processor.CallUnreserveGas:
		// rid, err_amount
		return hostFunc{params: params(i32, i32), body: func(f *frame) error {
			rid, err := f.readID(f.u32(0))
			if err != nil {
				return err
			}
			amount, err := f.ext.UnreserveGas(rid)
			return f.result(f.u32(1), err, le64(amount))
		}}
	case processor.CallSystemReserveGas:
		// gas, err
		return hostFunc{params: params(i64, i32), body: func(f *frame) error {
			return f.result(f.u32(1), f.ext.SystemReserveGas(f.u64(0)))
		}}
	case processor.CallAlloc:
		return hostFunc{params: params(i32), results: params(i32), body: func(f *frame) error {
			page, err := f.ext.Alloc(f.u32(0))
			if err != nil {
				return err
			}
			f.stack[0] = api.EncodeU32(uint32(page))
			return nil
		}}
	case processor.CallFree:
		return hostFunc{params: params(i32), results: params(i32), body: func(f *frame) error {
			if err := f.ext.Free(core.WasmPage(f.u32(0))); err != nil {
				return err
			}
			f.stack[0] = 0
			return nil
		}}
	case processor.CallRandom:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			seed, height, err := f.ext.Random()
			if err != nil {
				return err
			}
			return f.write(f.u32(0), append(seed[:], le32(height)...))
		}}
	case processor.CallBlockHeight:
		return info(func(e *processor.Ext) ([]byte, error) {
			h, err := e.BlockHeight()
			return le32(h), err
		})
	case processor.CallBlockTimestamp:
		return info(func(e *processor.Ext) ([]byte, error) {
			ts, err := e.BlockTimestamp()
			return le64(ts), err
		})
	case processor.CallGasAvailable:
		return info(func(e *processor.Ext) ([]byte, error) {
			gas, err := e.GasAvailable()
			return le64(gas), err
		})
	case processor.CallMessageID:
		return info(func(e *processor.Ext) ([]byte, error) {
			id, err := e.MessageID()
			return id[:], err
		})
	case processor.CallProgramID:
		return info(func(e *processor.Ext) ([]byte, error) {
			id, err := e.ProgramID()
			return id[:], err
		})
	case processor.CallSource:
		return info(func(e *processor.Ext) ([]byte, error) {
			id, err := e.Source()
			return id[:], err
		})
	case processor.CallValue:
		return info(func(e *processor.Ext) ([]byte, error) {
			v, err := e.Value()
			return le64(v), err
		})
	case processor.CallSize:
		return info(func(e *processor.Ext) ([]byte, error) {
			n, err := e.Size()
			return le32(n), err
		})
	case processor.CallRead:
		// at, len, buffer, err
		return hostFunc{params: params(i32, i32, i32, i32), body: func(f *frame) error {
			data, err := f.ext.Read(f.u32(0), f.u32(1))
			if err == nil {
				err = f.write(f.u32(2), data)
			}
			return f.result(f.u32(3), err)
		}}
	case processor.CallDebug:
		return hostFunc{params: params(i32, i32), body: func(f *frame) error {
			msg, err := f.read(f.u32(0), f.u32(1))
			if err != nil {
				return err
			}
			return f.ext.Debug(string(msg))
		}}
	case processor.CallExit:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			inheritor, err := f.readID(f.u32(0))
			if err != nil {
				return err
			}
			return f.ext.Exit(inheritor)
		}}
	case processor.CallWait:
		return hostFunc{body: func(f *frame) error { return f.ext.Wait() }}
	case processor.CallWaitFor:
		return hostFunc{params: params(i32), body: func(f *frame) error { return f.ext.WaitFor(f.u32(0)) }}
	case processor.CallWaitUpTo:
		return hostFunc{params: params(i32), body: func(f *frame) error { return f.ext.WaitUpTo(f.u32(0)) }}
	case processor.CallWake:
		// mid, delay, err
		return hostFunc{params: params(i32, i32, i32), body: func(f *frame) error {
			mid, err := f.readID(f.u32(0))
			if err != nil {
				return err
			}
			return f.result(f.u32(2), f.ext.Wake(mid, f.u32(1)))
		}}
	case processor.CallCreateProgram:
		// code, salt, salt_len, payload, payload_len, gas, value, delay, err_mid_pid
		return hostFunc{params: params(i32, i32, i32, i32, i32, i64, i64, i32, i32), body: createProgram}
	case processor.CallPanic:
		return hostFunc{params: params(i32, i32), body: func(f *frame) error {
			msg, err := f.read(f.u32(0), f.u32(1))
			if err != nil {
				return err
			}
			return f.ext.Panic(string(msg))
		}}
	case processor.CallGas:
		return hostFunc{params: params(i32), body: func(f *frame) error {
			return f.ext.ChargeGas(uint64(f.u32(0)))
		}}
	default:
		panic(fmt.Sprintf("unhandled host call %s", call))
	}
}

// info builds a call that writes a piece of execution context at its only
// argument.
func info(get func(*processor.Ext) ([]byte, error)) hostFunc {
	return hostFunc{params: params(i32), body: func(f *frame) error {
		data, err := get(f.ext)
		if err != nil {
			return err
		}
		return f.write(f.u32(0), data)
	}}
}

func send(f *frame, p processor.SendParams, destPtr, payloadPtr, length, resultPtr uint32) error {
	dest, err := f.readID(destPtr)
	if err != nil {
		return err
	}
	if p.Payload, err = f.read(payloadPtr, length); err != nil {
		return err
	}
	p.Destination = dest
	id, err := f.ext.Send(p)
	return f.result(resultPtr, err, id[:])
}

func reply(f *frame, p processor.ReplyParams, payloadPtr, length, resultPtr uint32) error {
	var err error
	if p.Payload, err = f.read(payloadPtr, length); err != nil {
		return err
	}
	id, err := f.ext.Reply(p)
	return f.result(resultPtr, err, id[:])
}

func createProgram(f *frame) error {
	code, err := f.readID(f.u32(0))
	if err != nil {
		return err
	}
	salt, err := f.read(f.u32(1), f.u32(2))
	if err != nil {
		return err
	}
	payload, err := f.read(f.u32(3), f.u32(4))
	if err != nil {
		return err
	}
	mid, pid, err := f.ext.CreateProgram(processor.CreateProgramParams{
		CodeID:   code,
		Salt:     salt,
		Payload:  payload,
		GasLimit: f.u64(5),
		Value:    f.u64(6),
		Delay:    f.u32(7),
	})
	return f.result(f.u32(8), err, mid[:], pid[:])
}
