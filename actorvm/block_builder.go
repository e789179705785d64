// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/processor"
)

// prefetchWindow is how many queued dispatches are looked at for code to
// prepare before a block runs.
const prefetchWindow = 256

var errStopIteration = errors.New("stop iteration")

// BuildBlock runs the block following the last accepted one.
func (vm *VM) BuildBlock(ctx context.Context, timestamp time.Time) (*Block, error) {
	parent := vm.lastAccepted
	if parent.Height() == ^uint32(0) {
		return nil, errHeightOverflow
	}
	return vm.ExecuteBlock(ctx, parent.Height()+1, timestamp)
}

// ExecuteBlock runs the block at [height]: the tasks due at that height
// first, then the queue until it is empty or the block allowance runs out.
// The block is committed together with every pending entry point write. On
// failure all of them are dropped.
func (vm *VM) ExecuteBlock(ctx context.Context, height uint32, timestamp time.Time) (*Block, error) {
	parent := vm.lastAccepted
	blk := &Block{
		PrntID: parent.ID(),
		Hght:   height,
		Tmstmp: uint64(timestamp.Unix()),
	}
	if err := parent.verifyChild(blk); err != nil {
		return nil, err
	}

	if err := vm.buildBlock(ctx, blk); err != nil {
		vm.state.Abort()
		return nil, fmt.Errorf("couldn't build block %d: %w", blk.Hght, err)
	}
	vm.lastAccepted = blk

	vm.metrics.blocks.Inc()
	vm.metrics.allowanceUsed.Observe(float64(blk.GasUsed) / float64(vm.cfg.BlockGasLimit))
	vm.metrics.queueLength.Set(float64(blk.QueueLeft))
	vm.log.Info("block built",
		"height", blk.Hght,
		"id", blk.ID(),
		"dispatches", blk.Dispatches,
		"tasks", blk.Tasks,
		"gasUsed", blk.GasUsed,
		"queueLeft", blk.QueueLeft,
	)
	return blk, nil
}

func (vm *VM) buildBlock(ctx context.Context, blk *Block) error {
	h := newHandler(vm.state, &vm.cfg.Schedule, blk.Hght, vm.cfg.MaxMailboxHold, vm.metrics)

	tasks, err := vm.state.Tasks.DrainDue(blk.Hght)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := h.RunTask(task); err != nil {
			return fmt.Errorf("task %s failed: %w", task, err)
		}
	}
	blk.Tasks = uint32(len(tasks))

	if err := vm.prefetch(ctx); err != nil {
		return err
	}

	allowance := processor.NewAllowanceCounter(vm.cfg.BlockGasLimit)
	cfg := &processor.Config{
		Schedule:  vm.cfg.Schedule,
		Forbidden: vm.forbidden,
		Block:     blk.Info(),
		BlockSeed: blk.PrntID[:],
	}
	queue := vm.state.Messages.Queue
	for !h.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		left, err := queue.Len()
		if err != nil {
			return err
		}
		if left == 0 {
			break
		}
		d, err := queue.Peek()
		if err != nil {
			return err
		}
		in, err := vm.input(d)
		if err != nil {
			return err
		}
		out, err := vm.processor.Process(ctx, cfg, in, allowance)
		if err != nil {
			return fmt.Errorf("processing %s failed: %w", d.ID, err)
		}
		if out.Reinstrumented != nil && in.Actor != nil {
			if err := vm.state.Codes.StoreInstrumented(in.Actor.CodeID, out.Reinstrumented); err != nil {
				return err
			}
			vm.metrics.reinstrumented.Inc()
		}
		if out.AllowanceExceeded {
			h.stopped = true
		} else {
			if _, err := queue.PopFront(); err != nil {
				return err
			}
			blk.Dispatches++
		}
		if err := processor.Handle(h, out.Journal); err != nil {
			return fmt.Errorf("handling journal of %s failed: %w", d.ID, err)
		}
	}

	blk.GasUsed = vm.cfg.BlockGasLimit - allowance.Left()
	if blk.QueueLeft, err = queue.Len(); err != nil {
		return err
	}
	blk.events = h.events
	if err := blk.initialize(); err != nil {
		return err
	}
	if err := vm.state.PutBlock(blk); err != nil {
		return err
	}
	if err := vm.state.SetLastAccepted(blk.ID()); err != nil {
		return err
	}
	return vm.state.Commit()
}

// input resolves the gas limit of [d] and the snapshot of its destination.
// A dispatch without its own limit takes everything its patron has left.
func (vm *VM) input(d core.StoredDispatch) (processor.Input, error) {
	gas := vm.state.Gas
	node, err := gas.Lookup(d.ID)
	if err != nil {
		return processor.Input{}, err
	}
	n, err := gas.Get(node)
	if err != nil {
		return processor.Input{}, err
	}
	limit, err := gas.Limit(node)
	if err != nil {
		return processor.Input{}, err
	}
	if n.Kind == gastree.UnspecifiedLocal {
		if err := gas.Specify(node, limit); err != nil {
			return processor.Input{}, err
		}
	}

	in := processor.Input{Dispatch: core.NewDispatch(d, limit)}
	p, err := vm.state.Programs.Get(d.Destination)
	switch {
	case errors.Is(err, ErrProgramNotFound):
		return in, nil
	case err != nil:
		return in, err
	}
	actor := p.Executable(d.Destination)
	in.Actor = &actor
	in.Balance, err = vm.state.Balances.Get(d.Destination)
	return in, err
}

// prefetch prepares, concurrently, the code of queued destinations stored
// under an older schedule version. Failures are left to the processor to
// report.
func (vm *VM) prefetch(ctx context.Context) error {
	version := vm.cfg.Schedule.Version
	seen := make(map[core.CodeID]struct{})
	var stale []core.CodeID

	count := 0
	err := vm.state.Messages.Queue.Iterate(func(d core.StoredDispatch) error {
		if count++; count > prefetchWindow {
			return errStopIteration
		}
		p, err := vm.state.Programs.Get(d.Destination)
		if errors.Is(err, ErrProgramNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := seen[p.CodeID]; ok {
			return nil
		}
		seen[p.CodeID] = struct{}{}
		meta, err := vm.state.Codes.CodeMetadata(p.CodeID)
		if err != nil {
			return err
		}
		if meta.Status == core.Instrumented && meta.InstructionsVersion != version {
			stale = append(stale, p.CodeID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(vm.cfg.PrefetchWorkers)
	for _, id := range stale {
		id := id
		g.Go(func() error {
			if err := vm.processor.Prefetch(id, version); err != nil {
				vm.log.Debug("prefetch failed", "code", id, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}
