// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/utils/hashing"
	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

var (
	_ processor.Backend      = &Runtime{}
	_ processor.Instrumenter = &Runtime{}

	errNoMemory     = errors.New("module does not export its memory")
	errMissingEntry = errors.New("missing entry point")
)

// Config of a Runtime.
type Config struct {
	// MaxPages caps the linear memory of every instance.
	MaxPages uint32
	// CompiledCacheSize is the number of compiled modules kept around.
	CompiledCacheSize int
	Namespace         string
	Registerer        prometheus.Registerer
}

// Runtime executes wasm programs on wazero. Instances never outlive one
// execution; compiled modules are shared.
type Runtime struct {
	rt       wazero.Runtime
	host     api.Module
	compiled cache.Cacher
	maxPages uint32
	// last is the instance of the previous execution. Lazy pages still
	// read its memory after Execute returns, so it is closed on the next
	// call.
	last api.Module

	log log.Logger
}

// New creates the runtime and links the host module.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().
		WithMemoryLimitPages(cfg.MaxPages).
		WithCloseOnContextDone(false))

	host, err := newHostModule(ctx, rt)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	compiled, err := metercacher.New(
		metricName(cfg.Namespace, "compiled_cache"),
		registerer,
		&cache.LRU{Size: cfg.CompiledCacheSize},
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return &Runtime{
		rt:       rt,
		host:     host,
		compiled: compiled,
		maxPages: cfg.MaxPages,
		log:      log.New("module", "wasm"),
	}, nil
}

func metricName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "_" + name
}

// Close releases every compiled module and the host module.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeLast(ctx)
	r.compiled.Flush()
	return r.rt.Close(ctx)
}

func (r *Runtime) compile(ctx context.Context, code []byte) (wazero.CompiledModule, error) {
	key := hashing.ComputeHash256Array(code)
	if compiled, ok := r.compiled.Get(key); ok {
		return compiled.(wazero.CompiledModule), nil
	}
	compiled, err := r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, err
	}
	// TODO: close compiled modules once the LRU reports evictions.
	r.compiled.Put(key, compiled)
	return compiled, nil
}

// Execute instantiates [code], attaches its memory to lazy pages and calls
// the entry point of [kind].
func (r *Runtime) Execute(ctx context.Context, code *core.InstrumentedCode, kind core.DispatchKind, ext *processor.Ext) error {
	compiled, err := r.compile(ctx, code.Bytes)
	if err != nil {
		return fmt.Errorf("failed to compile module: %w", err)
	}

	r.closeLast(ctx)
	ctx = withExt(ctx, ext)
	mod, err := r.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}
	r.last = mod

	mem := mod.Memory()
	if mem == nil {
		return errNoMemory
	}
	if err := growTo(mem, ext.MemoryPages()); err != nil {
		return ext.Trap(processor.TrapMemoryOverflow, err.Error())
	}
	// Stored pages are loaded and charged before the entry point runs.
	if err := ext.AttachMemory(&memoryRegion{mem: mem}, true); err != nil {
		return err
	}

	entry := mod.ExportedFunction(kind.Entry())
	if entry == nil {
		return fmt.Errorf("%w: %s", errMissingEntry, kind.Entry())
	}
	_, err = entry.Call(ctx)
	return classify(ext, err)
}

func (r *Runtime) closeLast(ctx context.Context) {
	if r.last == nil {
		return
	}
	if err := r.last.Close(ctx); err != nil {
		r.log.Debug("failed to close instance", "err", err)
	}
	r.last = nil
}

// classify maps a runtime trap onto the execution termination.
func classify(ext *processor.Ext, err error) error {
	switch {
	case err == nil:
		return nil
	case ext.Terminated() || processor.IsTerminated(err):
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unreachable"):
		return ext.Trap(processor.TrapUnreachable, "")
	case strings.Contains(msg, "out of bounds memory access"):
		return ext.Trap(processor.TrapMemoryOverflow, "")
	default:
		return err
	}
}
