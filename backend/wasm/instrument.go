// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wasm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

// MemoryExport is the name programs export their linear memory under.
const MemoryExport = "memory"

// ErrInvalidCode is wrapped by every reason a module is refused.
var ErrInvalidCode = errors.New("invalid program code")

var entryKinds = []core.DispatchKind{core.KindInit, core.KindHandle, core.KindReply, core.KindSignal}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCode, fmt.Sprintf(format, args...))
}

// Instrument validates [original] against the host surface and records
// what charging and routing need. Instruction gas is metered through the
// gas import the program toolchain injects, so the bytes are kept as is.
func (r *Runtime) Instrument(original []byte, version uint32) (core.InstrumentedCode, error) {
	sections, err := scanSections(original)
	if err != nil {
		return core.InstrumentedCode{}, invalid("%v", err)
	}

	ctx := context.Background()
	compiled, err := r.rt.CompileModule(ctx, original)
	if err != nil {
		return core.InstrumentedCode{}, invalid("%v", err)
	}
	defer compiled.Close(ctx)

	if len(compiled.ImportedMemories()) != 0 {
		return core.InstrumentedCode{}, invalid("memory must not be imported")
	}
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != HostModule {
			return core.InstrumentedCode{}, invalid("import from unknown module %q", module)
		}
		call, ok := processor.HostCallByName(name)
		if !ok {
			return core.InstrumentedCode{}, invalid("unknown import %q", name)
		}
		h := hostFuncOf(call)
		if !sameTypes(def.ParamTypes(), h.params) || !sameTypes(def.ResultTypes(), h.results) {
			return core.InstrumentedCode{}, invalid("import %q has a wrong signature", name)
		}
	}

	mem, ok := compiled.ExportedMemories()[MemoryExport]
	if !ok {
		return core.InstrumentedCode{}, invalid("%v", errNoMemory)
	}
	if mem.Min() > r.maxPages {
		return core.InstrumentedCode{}, invalid("%d static pages over the limit of %d", mem.Min(), r.maxPages)
	}

	var exports []core.DispatchKind
	functions := compiled.ExportedFunctions()
	for _, kind := range entryKinds {
		def, ok := functions[kind.Entry()]
		if !ok {
			continue
		}
		if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
			return core.InstrumentedCode{}, invalid("entry point %q has a wrong signature", kind.Entry())
		}
		exports = append(exports, kind)
	}
	if !slices.Contains(exports, core.KindInit) && !slices.Contains(exports, core.KindHandle) {
		return core.InstrumentedCode{}, invalid("neither init nor handle is exported")
	}

	return core.InstrumentedCode{
		Bytes:       original,
		Version:     version,
		Sections:    sections,
		Exports:     exports,
		StaticPages: mem.Min(),
	}, nil
}

func sameTypes(a, b []api.ValueType) bool {
	return slices.Equal(a, b)
}
