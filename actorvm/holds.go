// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"errors"

	safemath "github.com/ava-labs/avalanchego/utils/math"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/scheduler"
)

// holdBlocks returns how many blocks [value] pays for at [cost] per block,
// capped at [max].
func holdBlocks(value, cost uint64, max uint32) uint32 {
	if cost == 0 {
		return max
	}
	if blocks := value / cost; blocks < uint64(max) {
		return uint32(blocks)
	}
	return max
}

// holdDeposit is the upkeep of [blocks] blocks, capped at [value].
func holdDeposit(blocks uint32, cost, value uint64) uint64 {
	deposit, err := safemath.Mul64(uint64(blocks), cost)
	if err != nil || deposit > value {
		return value
	}
	return deposit
}

func (h *Handler) node(key core.MessageID) (gastree.NodeID, error) {
	return h.state.Gas.Lookup(key)
}

// consume consumes [node] and pays whatever it frees back to its origin.
func (h *Handler) consume(node gastree.NodeID) error {
	origin, err := h.state.Gas.OriginOf(node)
	if err != nil {
		return err
	}
	freed, err := h.state.Gas.Consume(node)
	if err != nil {
		return err
	}
	return h.state.Balances.Credit(origin, freed)
}

// spend burns [amount] of [node]'s value.
func (h *Handler) spend(node gastree.NodeID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := h.state.Gas.Spend(node, amount); err != nil {
		return err
	}
	h.metrics.gasBurned.Add(float64(amount))
	return nil
}

// releaseHold unlocks the deposit of an entry that entered its storage at
// [start] and burns the upkeep of the blocks it stayed, never more than
// the deposit.
func (h *Handler) releaseHold(node gastree.NodeID, lock gastree.LockID, start uint32, cost uint64) error {
	deposit, err := h.state.Gas.UnlockAll(node, lock)
	if err != nil {
		return err
	}
	var stayed uint64
	if h.height > start {
		stayed = uint64(h.height - start)
	}
	upkeep := holdDeposit(uint32(stayed), cost, deposit)
	return h.spend(node, upkeep)
}

// cancelTask removes a pending task that may already have fired.
func (h *Handler) cancelTask(height uint32, task scheduler.Task) error {
	err := h.state.Tasks.Cancel(height, task)
	if errors.Is(err, scheduler.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Handler) schedule(delay uint32, task scheduler.Task) error {
	at, err := safemath.Add64(uint64(h.height), uint64(delay))
	if err != nil || at > uint64(^uint32(0)) {
		return errHeightOverflow
	}
	return h.state.Tasks.Schedule(uint32(at), task)
}

// interval returns the span of a hold starting now and lasting [blocks].
func (h *Handler) interval(blocks uint32) core.Interval {
	return core.Interval{Start: h.height, Finish: h.height + blocks}
}
