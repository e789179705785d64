// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	safemath "github.com/ava-labs/avalanchego/utils/math"
	"github.com/ava-labs/avalanchego/version"
	"github.com/hashicorp/go-multierror"
	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/actorvm/backend"
	"github.com/ava-labs/actorvm/backend/wasm"
	"github.com/ava-labs/actorvm/builtin"
	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/lazypages"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/scheduler"
	"github.com/ava-labs/actorvm/storage"
)

const Name = "actorvm"

var (
	Version = version.NewDefaultVersion(0, 1, 0)

	ErrInvalidCode         = errors.New("invalid code")
	ErrProgramExists       = errors.New("program already exists")
	ErrMessageNotInMailbox = errors.New("message not in mailbox")
	ErrZeroGasLimit        = errors.New("gas limit must be positive")
)

// VM runs programs block by block. Entry points write into the state of
// the next block; BuildBlock commits them together with everything the
// block executes. A VM is not safe for concurrent use.
type VM struct {
	cfg       Config
	forbidden processor.ForbiddenFuncs

	state     *State
	metrics   *metrics
	router    *backend.Router
	wasm      *wasm.Runtime
	builtins  *builtin.Registry
	processor *processor.Processor

	lastAccepted *Block

	log log.Logger
}

// New opens the VM over [db], writing the genesis block when [db] is
// empty.
func New(ctx context.Context, db database.Database, cfg Config, registerer prometheus.Registerer) (*VM, error) {
	return newVM(ctx, db, cfg, registerer, builtin.All())
}

func newVM(ctx context.Context, db database.Database, cfg Config, registerer prometheus.Registerer, actors []*builtin.Actor) (*VM, error) {
	cfg.setDefaults()
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	forbidden, err := cfg.forbidden()
	if err != nil {
		return nil, err
	}
	vm := &VM{
		cfg:       cfg,
		forbidden: forbidden,
		log:       log.New("module", Name),
	}
	if vm.metrics, err = newMetrics(Name, registerer); err != nil {
		return nil, err
	}
	if vm.state, err = NewState(db, &vm.cfg, registerer); err != nil {
		return nil, err
	}

	lazypages.EnsureProcessInit()
	maxPages := cfg.Schedule.Limits.MaxPages
	vm.wasm, err = wasm.New(ctx, wasm.Config{
		MaxPages:          maxPages,
		CompiledCacheSize: cfg.CodeCacheSize,
		Namespace:         Name,
		Registerer:        registerer,
	})
	if err != nil {
		return nil, err
	}
	if vm.builtins, err = builtin.New(maxPages, actors...); err != nil {
		_ = vm.wasm.Close(ctx)
		return nil, err
	}
	vm.router = backend.NewRouter(
		backend.Route{Magic: wasm.Magic, Engine: vm.wasm},
		backend.Route{Magic: builtin.Magic, Engine: vm.builtins},
	)

	instrumented, err := metercacher.New(
		"instrumentation_cache",
		registerer,
		&cache.LRU{Size: cfg.InstrumentationCacheSize},
	)
	if err != nil {
		return nil, vm.close(ctx, err)
	}
	vm.processor = processor.New(
		vm.router,
		vm.router,
		vm.state.Codes,
		vm.state.Pages,
		processor.NewInstrumentationCache(instrumented),
	)

	if err := vm.initialize(); err != nil {
		return nil, vm.close(ctx, err)
	}
	vm.log.Info("actor vm started",
		"version", Version,
		"height", vm.lastAccepted.Height(),
		"lastAccepted", vm.lastAccepted.ID(),
		"scheduleVersion", cfg.Schedule.Version,
	)
	return vm, nil
}

// initialize loads the last accepted block, writing the genesis block
// first on an empty database.
func (vm *VM) initialize() error {
	initialized, err := vm.state.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		id, err := vm.state.GetLastAccepted()
		if err != nil {
			return fmt.Errorf("failed to read last accepted block: %w", err)
		}
		vm.lastAccepted, err = vm.state.GetBlock(id)
		return err
	}

	genesis := &Block{PrntID: ids.Empty}
	if err := genesis.initialize(); err != nil {
		return err
	}
	if err := vm.state.PutBlock(genesis); err != nil {
		return fmt.Errorf("error while saving genesis block: %w", err)
	}
	if err := vm.state.SetLastAccepted(genesis.ID()); err != nil {
		return err
	}
	if err := vm.state.SetInitialized(); err != nil {
		return fmt.Errorf("error while setting db to initialized: %w", err)
	}
	if err := vm.state.Commit(); err != nil {
		return err
	}
	vm.lastAccepted = genesis
	vm.log.Info("genesis block written", "id", genesis.ID())
	return nil
}

// Shutdown releases the engines and closes the database.
func (vm *VM) Shutdown(ctx context.Context) error {
	return vm.close(ctx, nil)
}

func (vm *VM) close(ctx context.Context, cause error) error {
	var errs *multierror.Error
	if cause != nil {
		errs = multierror.Append(errs, cause)
	}
	if err := vm.wasm.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close wasm runtime: %w", err))
	}
	if err := vm.builtins.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close builtin actors: %w", err))
	}
	if err := vm.state.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close state: %w", err))
	}
	return errs.ErrorOrNil()
}

// nextHandler returns a handler writing into the block after the last
// accepted one.
func (vm *VM) nextHandler() *Handler {
	return newHandler(vm.state, &vm.cfg.Schedule, vm.lastAccepted.Height()+1, vm.cfg.MaxMailboxHold, vm.metrics)
}

// LastAccepted returns the last committed block.
func (vm *VM) LastAccepted() *Block { return vm.lastAccepted }

// GetBlock returns a committed block by id.
func (vm *VM) GetBlock(id ids.ID) (*Block, error) { return vm.state.GetBlock(id) }

// GetBlockAtHeight returns the committed block at [height].
func (vm *VM) GetBlockAtHeight(height uint32) (*Block, error) {
	id, err := vm.state.GetBlockIDAtHeight(height)
	if err != nil {
		return nil, err
	}
	return vm.state.GetBlock(id)
}

// Deposit credits [amount] to [actor].
func (vm *VM) Deposit(actor core.ActorID, amount core.Value) error {
	return vm.state.Balances.Credit(actor, amount)
}

func (vm *VM) Balance(actor core.ActorID) (core.Value, error) {
	return vm.state.Balances.Get(actor)
}

func (vm *VM) Program(id core.ProgramID) (core.Program, error) {
	return vm.state.Programs.Get(id)
}

// ProgramPage returns the stored bytes of one gear page of [id].
func (vm *VM) ProgramPage(id core.ProgramID, page core.GearPage) ([]byte, bool, error) {
	return vm.state.Pages.Get(id, page)
}

// QueueLen returns the number of dispatches waiting for execution.
func (vm *VM) QueueLen() (uint64, error) { return vm.state.Messages.Queue.Len() }

// MailboxMessage returns the message [id] held in [user]'s mailbox.
func (vm *VM) MailboxMessage(user core.ActorID, id core.MessageID) (core.StoredDispatch, error) {
	hold, err := vm.state.Messages.Mailbox.GetPair(user, id)
	if errors.Is(err, storage.ErrNotFound) {
		return core.StoredDispatch{}, fmt.Errorf("%w: %s", ErrMessageNotInMailbox, id)
	}
	return hold.Value, err
}

// Mailbox lists the messages held for [user], ordered by id.
func (vm *VM) Mailbox(user core.ActorID) ([]core.StoredDispatch, error) {
	var msgs []core.StoredDispatch
	err := vm.state.Messages.Mailbox.IterateFirst(user, func(_ ids.ID, hold storage.Hold[core.StoredDispatch]) error {
		msgs = append(msgs, hold.Value)
		return nil
	})
	return msgs, err
}

// UploadCode prepares and stores [code].
func (vm *VM) UploadCode(code []byte) (core.CodeID, error) {
	instrumented, err := vm.router.Instrument(code, vm.cfg.Schedule.Version)
	if err != nil {
		return core.CodeID{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	id, err := vm.state.Codes.Store(code, &instrumented)
	if err != nil {
		return id, err
	}
	vm.log.Info("code uploaded", "code", id, "size", len(code), "exports", instrumented.Exports)
	return id, nil
}

// UploadProgram stores [code] when it is new and creates a program from
// it.
func (vm *VM) UploadProgram(user core.ActorID, code, salt, payload []byte, gasLimit uint64, value core.Value) (core.ProgramID, core.MessageID, error) {
	codeID, err := vm.UploadCode(code)
	if err != nil && !errors.Is(err, ErrCodeAlreadyExists) {
		return core.ProgramID{}, core.MessageID{}, err
	}
	return vm.CreateProgram(user, codeID, salt, payload, gasLimit, value)
}

// CreateProgram creates an uninitialized program from stored code and
// queues its init message.
func (vm *VM) CreateProgram(user core.ActorID, codeID core.CodeID, salt, payload []byte, gasLimit uint64, value core.Value) (core.ProgramID, core.MessageID, error) {
	meta, err := vm.state.Codes.CodeMetadata(codeID)
	if err != nil {
		return core.ProgramID{}, core.MessageID{}, err
	}
	program := core.GenerateProgramID(codeID, salt)
	exists, err := vm.state.Programs.Has(program)
	if err != nil {
		return program, core.MessageID{}, err
	}
	if exists {
		return program, core.MessageID{}, fmt.Errorf("%w: %s", ErrProgramExists, program)
	}
	if err := vm.checkFunds(user, gasLimit, value); err != nil {
		return program, core.MessageID{}, err
	}

	id, err := vm.queueExternal(user, program, core.KindInit, payload, gasLimit, value)
	if err != nil {
		return program, id, err
	}
	if err := vm.state.Programs.Put(program, newProgram(codeID, &meta, id)); err != nil {
		return program, id, err
	}
	vm.log.Debug("program created", "program", program, "code", codeID, "init", id)
	return program, id, nil
}

// SendMessage queues a message from [user] to an existing program.
func (vm *VM) SendMessage(user core.ActorID, destination core.ProgramID, payload []byte, gasLimit uint64, value core.Value) (core.MessageID, error) {
	exists, err := vm.state.Programs.Has(destination)
	if err != nil {
		return core.MessageID{}, err
	}
	if !exists {
		return core.MessageID{}, fmt.Errorf("%w: %s", ErrProgramNotFound, destination)
	}
	if err := vm.checkFunds(user, gasLimit, value); err != nil {
		return core.MessageID{}, err
	}
	return vm.queueExternal(user, destination, core.KindHandle, payload, gasLimit, value)
}

func (vm *VM) checkFunds(user core.ActorID, gasLimit uint64, value core.Value) error {
	if gasLimit == 0 {
		return ErrZeroGasLimit
	}
	total, err := safemath.Add64(gasLimit, value)
	if err != nil {
		return err
	}
	balance, err := vm.state.Balances.Get(user)
	if err != nil {
		return err
	}
	if balance < total {
		return fmt.Errorf("%w: %s holds %d, %d required", ErrInsufficientFunds, user, balance, total)
	}
	return nil
}

// queueExternal buys [gasLimit] for [user] and queues the message.
func (vm *VM) queueExternal(user, destination core.ActorID, kind core.DispatchKind, payload []byte, gasLimit uint64, value core.Value) (core.MessageID, error) {
	nonce, err := vm.state.NextNonce(user)
	if err != nil {
		return core.MessageID{}, err
	}
	id := core.GenerateExternalID(user, nonce)
	if err := vm.state.Balances.Debit(user, gasLimit+value); err != nil {
		return id, err
	}
	if _, err := vm.state.Gas.Mint(id, user, gasLimit); err != nil {
		return id, err
	}
	d := core.StoredDispatch{
		Kind:        kind,
		ID:          id,
		Source:      user,
		Destination: destination,
		Payload:     payload,
		Value:       value,
	}
	return id, vm.state.Messages.Queue.PushBack(d)
}

// takeMailboxMessage removes [id] from [user]'s mailbox, settles its
// deposit and hands its value to [user].
func (vm *VM) takeMailboxMessage(h *Handler, user core.ActorID, id core.MessageID) (core.StoredDispatch, gastree.NodeID, error) {
	hold, err := vm.state.Messages.Mailbox.Remove(user, id)
	if errors.Is(err, storage.ErrNotFound) {
		return core.StoredDispatch{}, 0, fmt.Errorf("%w: %s", ErrMessageNotInMailbox, id)
	}
	if err != nil {
		return core.StoredDispatch{}, 0, err
	}
	msg := hold.Value
	if err := h.cancelTask(hold.Interval.Finish, scheduler.NewRemoveFromMailbox(user, id)); err != nil {
		return msg, 0, err
	}
	node, err := h.node(id)
	if err != nil {
		return msg, 0, err
	}
	if err := h.releaseHold(node, gastree.LockMailbox, hold.Interval.Start, vm.cfg.Schedule.Hold.Mailbox); err != nil {
		return msg, 0, err
	}
	return msg, node, vm.state.Balances.Credit(user, msg.Value)
}

// SendReply answers a message of [user]'s mailbox. The reply uses the gas
// its sender set aside for it when there is some, otherwise [gasLimit] is
// bought.
func (vm *VM) SendReply(user core.ActorID, replyTo core.MessageID, payload []byte, gasLimit uint64, value core.Value) (core.MessageID, error) {
	msg, err := vm.MailboxMessage(user, replyTo)
	if err != nil {
		return core.MessageID{}, err
	}
	reply := core.NewReply(&msg, user, payload, value, core.SuccessManual())
	deposited, err := vm.state.Gas.Exists(reply.ID)
	if err != nil {
		return reply.ID, err
	}
	if deposited {
		gasLimit = 0
	} else if gasLimit == 0 {
		return reply.ID, ErrZeroGasLimit
	}
	required, err := safemath.Add64(gasLimit, value)
	if err != nil {
		return reply.ID, err
	}
	balance, err := vm.state.Balances.Get(user)
	if err != nil {
		return reply.ID, err
	}
	if balance+msg.Value < required {
		return reply.ID, fmt.Errorf("%w: %s holds %d, %d required", ErrInsufficientFunds, user, balance+msg.Value, required)
	}

	h := vm.nextHandler()
	_, node, err := vm.takeMailboxMessage(h, user, replyTo)
	if err != nil {
		return reply.ID, err
	}
	if err := vm.state.Balances.Debit(user, required); err != nil {
		return reply.ID, err
	}
	if !deposited {
		if _, err := vm.state.Gas.Mint(reply.ID, user, gasLimit); err != nil {
			return reply.ID, err
		}
	}
	if err := vm.state.Messages.Queue.PushBack(reply); err != nil {
		return reply.ID, err
	}
	return reply.ID, h.consume(node)
}

// ClaimValue takes the value of a mailbox message without replying. A
// sender that set gas aside for the reply gets an automatic one.
func (vm *VM) ClaimValue(user core.ActorID, id core.MessageID) error {
	h := vm.nextHandler()
	msg, node, err := vm.takeMailboxMessage(h, user, id)
	if err != nil {
		return err
	}
	reply := core.NewReply(&msg, user, nil, 0, core.SuccessAuto())
	deposited, err := vm.state.Gas.Exists(reply.ID)
	if err != nil {
		return err
	}
	if deposited {
		if err := vm.state.Messages.Queue.PushBack(reply); err != nil {
			return err
		}
	}
	return h.consume(node)
}
