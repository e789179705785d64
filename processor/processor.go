// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"context"
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
)

// CodeStorage is the read side of the code store. It is content addressed
// and immutable once written.
type CodeStorage interface {
	CodeMetadata(id core.CodeID) (core.CodeMetadata, error)
	OriginalCode(id core.CodeID) ([]byte, error)
	// InstrumentedCode returns the code as prepared under the version
	// recorded in its metadata.
	InstrumentedCode(id core.CodeID) (*core.InstrumentedCode, error)
}

// PageStorages hands out the page store of a program.
type PageStorages interface {
	ProgramPages(program core.ProgramID) lazypages.PageStorage
}

// Config is shared by every dispatch of a block.
type Config struct {
	Schedule  core.Schedule
	Forbidden ForbiddenFuncs
	Block     core.BlockInfo
	BlockSeed []byte
}

// Input is one dispatch to process.
type Input struct {
	Dispatch core.Dispatch
	// Actor is nil when the destination is not a program or does not exist
	// anymore.
	Actor *core.ExecutableActorData
	// Balance is the value held by the destination program.
	Balance core.Value
}

// Outcome is the result of processing one dispatch.
type Outcome struct {
	Journal        Journal
	GasBurned      uint64
	AllowanceSpent uint64
	// AllowanceExceeded stops the block. The dispatch stays in the queue.
	AllowanceExceeded bool
	// Reinstrumented is set when the code had to be prepared again under
	// the current schedule. The caller stores it.
	Reinstrumented *core.InstrumentedCode
}

// Processor runs dispatches. It never writes durable state: every effect
// is described by the returned journal.
type Processor struct {
	backend      Backend
	instrumenter Instrumenter
	codes        CodeStorage
	pages        PageStorages
	cache        *InstrumentationCache

	log log.Logger
}

func New(
	backend Backend,
	instrumenter Instrumenter,
	codes CodeStorage,
	pages PageStorages,
	cache *InstrumentationCache,
) *Processor {
	return &Processor{
		backend:      backend,
		instrumenter: instrumenter,
		codes:        codes,
		pages:        pages,
		cache:        cache,
		log:          log.New("module", "processor"),
	}
}

// Process runs [in] against the block [allowance]. The returned error is a
// system failure; every failure of the dispatch itself is in the journal.
func (p *Processor) Process(ctx context.Context, cfg *Config, in Input, allowance *AllowanceCounter) (Outcome, error) {
	dispatch := &in.Dispatch
	gas := NewGasCounter(dispatch.GasLimit)
	allowanceBefore := allowance.Left()
	pc := precharger{
		p:        p,
		cfg:      cfg,
		dispatch: dispatch,
		counters: counters{gas: gas, allowance: allowance},
	}

	outcome, err := pc.run(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	outcome.GasBurned = gas.Burned()
	outcome.AllowanceSpent = allowanceBefore - allowance.Left()
	p.log.Debug("dispatch processed",
		"message", dispatch.ID,
		"kind", dispatch.Kind,
		"burned", outcome.GasBurned,
		"notes", len(outcome.Journal),
		"allowanceExceeded", outcome.AllowanceExceeded,
	)
	return outcome, nil
}

// precharger walks the precharge stages of one dispatch, then executes it.
type precharger struct {
	p        *Processor
	cfg      *Config
	dispatch *core.Dispatch
	counters counters
}

// stage charges [amount]. A false return means the dispatch must stop with
// [outcome].
func (pc *precharger) stage(amount uint64, program core.ProgramID, what string) (Outcome, bool) {
	switch pc.counters.chargeIfEnough(amount) {
	case charged:
		return Outcome{}, true
	case allowanceExceeded:
		return Outcome{
			Journal:           allowanceJournal(pc.dispatch, pc.counters.gas.Burned()),
			AllowanceExceeded: true,
		}, false
	default:
		t := Termination{Kind: TermTrap, Reason: TrapInsufficientGas, Message: what}
		return Outcome{
			Journal: errorJournal(pc.dispatch, program, pc.counters.gas.Burned(), prechargeFailed(pc.dispatch, t)),
		}, false
	}
}

func nonExecutableReason(kind core.DispatchKind, actor *core.ExecutableActorData) (core.ErrorReason, bool) {
	if actor == nil {
		return core.ReasonInactiveActor, false
	}
	switch actor.Status {
	case core.ProgramActive:
		return core.ReasonInactiveActor, kind != core.KindInit
	case core.ProgramUninitialized:
		// Only the init message may reach a program that is not initialized.
		return core.ReasonInactiveActor, kind == core.KindInit
	case core.ProgramPaused:
		return core.ReasonUnavailableActor, false
	default:
		return core.ReasonInactiveActor, false
	}
}

func (pc *precharger) run(ctx context.Context, in Input) (Outcome, error) {
	costs := &pc.cfg.Schedule.Process
	program := in.Dispatch.Destination

	// Program existence and status.
	if o, ok := pc.stage(costs.ProgramRead, program, "program read"); !ok {
		return o, nil
	}
	actor := in.Actor
	if reason, ok := nonExecutableReason(pc.dispatch.Kind, actor); !ok {
		return Outcome{
			Journal: errorJournal(pc.dispatch, program, pc.counters.gas.Burned(), nonExecutable(pc.dispatch, reason)),
		}, nil
	}
	if !containsKind(actor.Exports, pc.dispatch.Kind) {
		return Outcome{Journal: noExecutionJournal(pc.dispatch, program, pc.counters.gas.Burned())}, nil
	}

	// Code length.
	if o, ok := pc.stage(costs.CodeMetadataRead, program, "code metadata read"); !ok {
		return o, nil
	}
	meta, err := pc.p.codes.CodeMetadata(actor.CodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: failed to read metadata of code %s: %v", ErrSystem, actor.CodeID, err)
	}
	if meta.Status == core.InstrumentationFailed {
		return Outcome{
			Journal: errorJournal(pc.dispatch, program, pc.counters.gas.Burned(), reinstrumentationFailed(pc.dispatch)),
		}, nil
	}

	// Code bytes.
	if o, ok := pc.stage(costs.CodeRead.Cost(uint64(meta.InstrumentedLen)), program, "code read"); !ok {
		return o, nil
	}

	// Instrumentation, only when the stored code is older than the schedule.
	var (
		code           *core.InstrumentedCode
		reinstrumented *core.InstrumentedCode
	)
	if meta.InstructionsVersion != pc.cfg.Schedule.Version {
		if o, ok := pc.stage(costs.Instrumentation.Cost(uint64(meta.OriginalLen)), program, "instrumentation"); !ok {
			return o, nil
		}
		code, err = pc.p.reinstrument(actor.CodeID, pc.cfg.Schedule.Version)
		if err != nil {
			if errors.Is(err, ErrSystem) {
				return Outcome{}, err
			}
			pc.p.log.Warn("reinstrumentation failed", "code", actor.CodeID, "err", err)
			return Outcome{
				Journal: errorJournal(pc.dispatch, program, pc.counters.gas.Burned(), reinstrumentationFailed(pc.dispatch)),
			}, nil
		}
		reinstrumented = code
	} else {
		code, err = pc.p.instrumented(actor.CodeID, meta.InstructionsVersion)
		if err != nil {
			return Outcome{}, err
		}
	}

	// Module instantiation.
	if o, ok := pc.stage(instantiationCost(&costs.Instantiation, &code.Sections), program, "instantiation"); !ok {
		o.Reinstrumented = reinstrumented
		return o, nil
	}

	// Allocations and static memory.
	if o, ok := pc.stage(allocationsCost(&pc.cfg.Schedule, actor), program, "allocations"); !ok {
		o.Reinstrumented = reinstrumented
		return o, nil
	}

	outcome, err := pc.p.execute(ctx, pc.cfg, in, code, pc.counters)
	outcome.Reinstrumented = reinstrumented
	return outcome, err
}

func containsKind(kinds []core.DispatchKind, kind core.DispatchKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func instantiationCost(costs *core.InstantiationCosts, s *core.SectionSizes) uint64 {
	sections := []struct {
		size    uint32
		perByte uint64
	}{
		{s.Code, costs.CodeSectionPerByte},
		{s.Data, costs.DataSectionPerByte},
		{s.Global, costs.GlobalSectionPerByte},
		{s.Table, costs.TableSectionPerByte},
		{s.Element, costs.ElementSectionPerByte},
		{s.Type, costs.TypeSectionPerByte},
	}
	var total uint64
	for _, section := range sections {
		total = core.CostPair{Base: total, PerUnit: section.perByte}.Cost(uint64(section.size))
	}
	return total
}

// allocationsCost prices loading the allocation set and growing memory to
// cover the static pages and every allocation.
func allocationsCost(s *core.Schedule, actor *core.ExecutableActorData) uint64 {
	pages := uint64(actor.StaticPages)
	if end := uint64(actor.Allocations.End()); end > pages {
		pages = end
	}
	load := core.CostPair{PerUnit: s.Process.LoadAllocationsPerInterval}.Cost(actor.Allocations.Intervals())
	return core.CostPair{Base: load, PerUnit: s.Memory.MemGrowPerPage}.Cost(pages)
}

// instrumented returns stored code prepared under [version].
func (p *Processor) instrumented(id core.CodeID, version uint32) (*core.InstrumentedCode, error) {
	if p.cache != nil {
		if code, ok := p.cache.Get(id, version); ok {
			return code, nil
		}
	}
	code, err := p.codes.InstrumentedCode(id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read instrumented code %s: %v", ErrSystem, id, err)
	}
	if p.cache != nil {
		p.cache.Put(id, code)
	}
	return code, nil
}

// reinstrument prepares the original code under [version]. The cache may
// already hold the result from a prefetch.
func (p *Processor) reinstrument(id core.CodeID, version uint32) (*core.InstrumentedCode, error) {
	if p.cache != nil {
		if code, ok := p.cache.Get(id, version); ok {
			return code, nil
		}
	}
	original, err := p.codes.OriginalCode(id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read code %s: %v", ErrSystem, id, err)
	}
	code, err := p.instrumenter.Instrument(original, version)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(id, &code)
	}
	return &code, nil
}

// Prefetch prepares [id] under [version] ahead of execution. It is safe to
// call concurrently for distinct codes.
func (p *Processor) Prefetch(id core.CodeID, version uint32) error {
	if p.cache == nil {
		return nil
	}
	_, err := p.reinstrument(id, version)
	return err
}

// execute runs the program and turns its termination into a journal.
func (p *Processor) execute(ctx context.Context, cfg *Config, in Input, code *core.InstrumentedCode, c counters) (Outcome, error) {
	dispatch := &in.Dispatch
	actor := in.Actor
	ext := newExt(ExtConfig{
		Schedule:  &cfg.Schedule,
		Forbidden: cfg.Forbidden,
		Block:     cfg.Block,
		BlockSeed: cfg.BlockSeed,
		Balance:   in.Balance,
		Pages:     p.pages.ProgramPages(actor.ProgramID),
		Gas:       c.gas,
		Allowance: c.allowance,
	}, dispatch, actor)

	pages, err := p.run(ctx, ext, code)
	if err != nil {
		return Outcome{}, err
	}

	t := ext.Termination()
	switch t.Kind {
	case TermAllowanceExceeded:
		return Outcome{
			Journal:           allowanceJournal(dispatch, c.gas.Burned()),
			AllowanceExceeded: true,
		}, nil
	case TermTrap:
		return Outcome{
			Journal: errorJournal(dispatch, actor.ProgramID, c.gas.Burned(), executionFailed(ext, t)),
		}, nil
	default:
		return Outcome{Journal: successJournal(ext, t, pages)}, nil
	}
}

// run executes the entry point and collects memory changes. Lazy pages are
// released on every path.
func (p *Processor) run(ctx context.Context, ext *Ext, code *core.InstrumentedCode) (result lazypages.Result, err error) {
	defer func() {
		if ext.pages == nil {
			return
		}
		if rerr := ext.pages.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("%w: failed to release lazy pages: %v", ErrSystem, rerr)
		}
	}()

	execErr := p.backend.Execute(ctx, code, ext.dispatch.Kind, ext)
	if sysErr := ext.SystemError(); sysErr != nil {
		return lazypages.Result{}, sysErr
	}
	if execErr != nil && !IsTerminated(execErr) {
		p.log.Debug("backend error", "message", ext.dispatch.ID, "err", execErr)
		_ = ext.Trap(TrapBackendError, execErr.Error())
	}

	switch ext.Termination().Kind {
	case TermSuccess, TermExit, TermLeave:
	default:
		return lazypages.Result{}, nil
	}
	if ext.pages == nil {
		return lazypages.Result{}, nil
	}
	// Finalize charges writes detected without a fault, which may still
	// turn the execution into a trap.
	result, ferr := ext.pages.Finalize()
	if ferr != nil {
		if IsTerminated(ferr) {
			return lazypages.Result{}, nil
		}
		return lazypages.Result{}, fmt.Errorf("%w: failed to finalize lazy pages: %v", ErrSystem, ferr)
	}
	return result, nil
}
