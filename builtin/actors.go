// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package builtin

import (
	"encoding/binary"
	"errors"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

const (
	EchoName    = "echo"
	CounterName = "counter"
	RelayName   = "relay"
	WaiterName  = "waiter"
	FactoryName = "factory"

	// DefaultWait is how long the waiter sleeps without a payload.
	DefaultWait = 2
)

var errShortPayload = errors.New("payload too short")

func payload(ext *processor.Ext) ([]byte, error) {
	size, err := ext.Size()
	if err != nil {
		return nil, err
	}
	return ext.Read(0, size)
}

// Echo replies with the payload it receives.
func Echo() *Actor {
	return &Actor{
		Name:    EchoName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     1_000,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			data, err := payload(ext)
			if err != nil {
				return err
			}
			_, err = ext.Reply(processor.ReplyParams{Payload: data})
			return err
		},
	}
}

// Counter keeps a little endian uint64 at the start of its memory,
// increments it on every handle and replies with the new value.
func Counter() *Actor {
	return &Actor{
		Name:        CounterName,
		Exports:     []core.DispatchKind{core.KindInit, core.KindHandle},
		StaticPages: 1,
		Gas:         2_000,
		Run: func(kind core.DispatchKind, ext *processor.Ext) error {
			if kind == core.KindInit {
				return nil
			}
			buf := make([]byte, 8)
			if err := ext.ReadMemory(0, buf); err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(buf)+1)
			if err := ext.WriteMemory(0, buf); err != nil {
				return err
			}
			_, err := ext.Reply(processor.ReplyParams{Payload: buf})
			return err
		},
	}
}

// Relay forwards the payload after its first 32 bytes, together with the
// attached value, to the actor those bytes name.
func Relay() *Actor {
	return &Actor{
		Name:    RelayName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     1_500,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			data, err := payload(ext)
			if err != nil {
				return err
			}
			if len(data) < len(ids.ID{}) {
				return errShortPayload
			}
			value, err := ext.Value()
			if err != nil {
				return err
			}
			_, err = ext.Send(processor.SendParams{
				Destination: ids.ID(data[:32]),
				Payload:     data[32:],
				Value:       value,
			})
			return err
		},
	}
}

// Waiter parks every message once for the number of blocks in its first
// payload byte, then replies "woken". The flag lives in memory since the
// woken execution starts over.
func Waiter() *Actor {
	return &Actor{
		Name:        WaiterName,
		Exports:     []core.DispatchKind{core.KindInit, core.KindHandle},
		StaticPages: 1,
		Gas:         1_000,
		Run: func(kind core.DispatchKind, ext *processor.Ext) error {
			if kind == core.KindInit {
				return nil
			}
			flag := make([]byte, 1)
			if err := ext.ReadMemory(0, flag); err != nil {
				return err
			}
			if flag[0] == 1 {
				if err := ext.WriteMemory(0, []byte{0}); err != nil {
					return err
				}
				_, err := ext.Reply(processor.ReplyParams{Payload: []byte("woken")})
				return err
			}

			data, err := payload(ext)
			if err != nil {
				return err
			}
			duration := uint32(DefaultWait)
			if len(data) > 0 {
				duration = uint32(data[0])
			}
			if err := ext.WriteMemory(0, []byte{1}); err != nil {
				return err
			}
			return ext.WaitFor(duration)
		},
	}
}

// Factory creates a program from the code id in the first 32 payload bytes,
// salted with the rest, and hands it half of its gas.
func Factory() *Actor {
	return &Actor{
		Name:    FactoryName,
		Exports: []core.DispatchKind{core.KindHandle},
		Gas:     3_000,
		Run: func(_ core.DispatchKind, ext *processor.Ext) error {
			data, err := payload(ext)
			if err != nil {
				return err
			}
			if len(data) < len(ids.ID{}) {
				return errShortPayload
			}
			gas, err := ext.GasAvailable()
			if err != nil {
				return err
			}
			_, program, err := ext.CreateProgram(processor.CreateProgramParams{
				CodeID:   ids.ID(data[:32]),
				Salt:     data[32:],
				GasLimit: gas / 2,
			})
			if err != nil {
				return err
			}
			_, err = ext.Reply(processor.ReplyParams{Payload: program[:]})
			return err
		},
	}
}
