// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
)

func TestDrainDueKeepsSchedulingOrder(t *testing.T) {
	assert := assert.New(t)
	pool := New(memdb.New())

	program := ids.ID{1}
	// ids sorted opposite to scheduling order
	tasks := []Task{
		NewWakeMessage(program, ids.ID{9}),
		NewRemoveFromWaitlist(program, ids.ID{5}),
		NewRemoveFromMailbox(ids.ID{2}, ids.ID{1}),
		NewPauseProgram(program),
	}
	for _, task := range tasks {
		assert.NoError(pool.Schedule(10, task))
	}
	assert.NoError(pool.Schedule(11, NewSendDispatch(ids.ID{3})))
	assert.NoError(pool.Schedule(9, NewSendDispatch(ids.ID{4})))

	// idempotent before drain
	assert.NoError(pool.Schedule(10, tasks[0]))

	drained, err := pool.DrainDue(10)
	assert.NoError(err)
	assert.Equal(tasks, drained)

	drained, err = pool.DrainDue(10)
	assert.NoError(err)
	assert.Empty(drained)

	drained, err = pool.DrainDue(11)
	assert.NoError(err)
	assert.Equal([]Task{NewSendDispatch(ids.ID{3})}, drained)
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)
	pool := New(memdb.New())

	task := NewRemoveGasReservation(ids.ID{1}, ids.ID{2})
	assert.ErrorIs(pool.Cancel(5, task), ErrNotFound)

	assert.NoError(pool.Schedule(5, task))
	has, err := pool.Contains(5, task)
	assert.NoError(err)
	assert.True(has)

	assert.ErrorIs(pool.Cancel(6, task), ErrNotFound)
	assert.NoError(pool.Cancel(5, task))
	assert.ErrorIs(pool.Cancel(5, task), ErrNotFound)

	drained, err := pool.DrainDue(5)
	assert.NoError(err)
	assert.Empty(drained)
}

func TestRescheduleAfterDrainAppendsAgain(t *testing.T) {
	assert := assert.New(t)
	pool := New(memdb.New())

	a := NewWakeMessage(ids.ID{1}, ids.ID{1})
	b := NewWakeMessage(ids.ID{1}, ids.ID{2})
	assert.NoError(pool.Schedule(3, a))
	assert.NoError(pool.Schedule(3, b))
	assert.NoError(pool.Cancel(3, a))
	assert.NoError(pool.Schedule(3, a))

	drained, err := pool.DrainDue(3)
	assert.NoError(err)
	assert.Equal([]Task{b, a}, drained)
}

func TestSameTasksReplayIdentically(t *testing.T) {
	assert := assert.New(t)

	run := func() []Task {
		pool := New(memdb.New())
		for i := byte(0); i < 20; i++ {
			assert.NoError(pool.Schedule(uint32(i%3), NewWakeMessage(ids.ID{i}, ids.ID{20 - i})))
		}
		var all []Task
		for h := uint32(0); h < 3; h++ {
			drained, err := pool.DrainDue(h)
			assert.NoError(err)
			all = append(all, drained...)
		}
		return all
	}
	assert.Equal(run(), run())
}
