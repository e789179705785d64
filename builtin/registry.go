// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package builtin runs programs implemented in Go against the same host
// surface, charging and journal as wasm programs.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
	"github.com/ava-labs/actorvm/processor"
)

var (
	_ processor.Backend      = &Registry{}
	_ processor.Instrumenter = &Registry{}

	// Magic starts the code of every builtin actor. The actor name follows.
	Magic = []byte{0x00, 'g', 'b', 'a'}

	ErrUnknownActor   = errors.New("unknown builtin actor")
	errDuplicateActor = errors.New("duplicate builtin actor")
	errNotBuiltin     = errors.New("not builtin code")
)

// Actor is a program implemented natively. Run is called once per
// dispatch with the memory already attached.
type Actor struct {
	Name        string
	Exports     []core.DispatchKind
	StaticPages uint32
	// Gas is charged before Run, in place of instruction metering.
	Gas uint64
	Run func(kind core.DispatchKind, ext *processor.Ext) error
}

// Code returns the code that deploys the actor called [name].
func Code(name string) []byte {
	return append(bytes.Clone(Magic), name...)
}

// Registry serves the builtin actors it was created with.
type Registry struct {
	actors   map[string]*Actor
	maxPages uint32
	// region is reused by every execution. Executions never overlap since
	// lazy pages has a single owner per process.
	region *lazypages.MappedRegion

	log log.Logger
}

// New maps the shared memory region and registers [actors].
func New(maxPages uint32, actors ...*Actor) (*Registry, error) {
	r := &Registry{
		actors:   make(map[string]*Actor, len(actors)),
		maxPages: maxPages,
		log:      log.New("module", "builtin"),
	}
	for _, a := range actors {
		if _, ok := r.actors[a.Name]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateActor, a.Name)
		}
		r.actors[a.Name] = a
	}
	region, err := lazypages.NewMappedRegion(0, maxPages)
	if err != nil {
		return nil, err
	}
	r.region = region
	return r, nil
}

// All returns every actor of this package.
func All() []*Actor {
	return []*Actor{Echo(), Counter(), Relay(), Waiter(), Factory()}
}

// Default registers every actor of this package.
func Default(maxPages uint32) (*Registry, error) {
	return New(maxPages, All()...)
}

// Close unmaps the shared region.
func (r *Registry) Close() error { return r.region.Close() }

func (r *Registry) lookup(code []byte) (*Actor, error) {
	if !bytes.HasPrefix(code, Magic) {
		return nil, errNotBuiltin
	}
	name := string(code[len(Magic):])
	a, ok := r.actors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActor, name)
	}
	return a, nil
}

// Instrument resolves the actor. Builtin code has no sections to charge.
func (r *Registry) Instrument(original []byte, version uint32) (core.InstrumentedCode, error) {
	a, err := r.lookup(original)
	if err != nil {
		return core.InstrumentedCode{}, err
	}
	if a.StaticPages > r.maxPages {
		return core.InstrumentedCode{}, fmt.Errorf("%s needs %d pages over the limit of %d", a.Name, a.StaticPages, r.maxPages)
	}
	return core.InstrumentedCode{
		Bytes:       original,
		Version:     version,
		Exports:     a.Exports,
		StaticPages: a.StaticPages,
	}, nil
}

// Execute runs the actor. Recoverable host errors the actor gives up on
// become a panic of the program.
func (r *Registry) Execute(_ context.Context, code *core.InstrumentedCode, kind core.DispatchKind, ext *processor.Ext) error {
	a, err := r.lookup(code.Bytes)
	if err != nil {
		return err
	}
	if err := r.region.Reset(ext.MemoryPages()); err != nil {
		return ext.Trap(processor.TrapMemoryOverflow, err.Error())
	}
	if err := ext.AttachMemory(r.region, false); err != nil {
		return err
	}
	if err := ext.ChargeGas(a.Gas); err != nil {
		return err
	}

	err = a.Run(kind, ext)
	if err == nil || processor.IsTerminated(err) {
		return err
	}
	r.log.Debug("builtin actor failed", "actor", a.Name, "err", err)
	return ext.Panic(fmt.Sprintf("%s: %v", a.Name, err))
}
