// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gastree

import (
	"math/rand"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payer = ids.ID{0xaa}

func newTestTree() *Tree { return New(memdb.New()) }

func key(b ...byte) ids.ID {
	var id ids.ID
	copy(id[:], b)
	return id
}

func TestSplitThenSpend(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	child, err := tree.Split(root, key(2), 700)
	assert.NoError(err)

	n, err := tree.Get(root)
	assert.NoError(err)
	assert.EqualValues(300, n.Value)

	assert.NoError(tree.Spend(root, 300))
	assert.ErrorIs(tree.Spend(root, 1), ErrInsufficientBalance)

	limit, err := tree.Limit(child)
	assert.NoError(err)
	assert.EqualValues(700, limit)
	assert.NoError(tree.CheckConservation())
}

func TestSpendNeverGoesNegative(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 10)
	assert.NoError(err)
	assert.ErrorIs(tree.Spend(root, 11), ErrInsufficientBalance)
	assert.NoError(tree.Spend(root, 10))
	assert.ErrorIs(tree.Spend(root, 1), ErrInsufficientBalance)

	n, err := tree.Get(root)
	assert.NoError(err)
	assert.Zero(n.Value)
}

func TestConsumeBlockedByLock(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 100)
	assert.NoError(err)
	assert.NoError(tree.Lock(root, LockMailbox, 40))

	_, err = tree.Consume(root)
	assert.ErrorIs(err, ErrLocked)
	assert.ErrorIs(err, ErrForbidden)

	assert.NoError(tree.Unlock(root, LockMailbox, 20))
	_, err = tree.Consume(root)
	assert.ErrorIs(err, ErrLocked)

	released, err := tree.UnlockAll(root, LockMailbox)
	assert.NoError(err)
	assert.EqualValues(20, released)

	freed, err := tree.Consume(root)
	assert.NoError(err)
	assert.EqualValues(100, freed)

	_, err = tree.Get(root)
	assert.ErrorIs(err, ErrNodeNotFound)
	assert.NoError(tree.CheckConservation())
}

func TestConsumeCascade(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	child, err := tree.Split(root, key(2), 400)
	assert.NoError(err)
	assert.NoError(tree.Spend(root, 100))

	// root has a live child, so its value is returned but the node is kept
	freed, err := tree.Consume(root)
	assert.NoError(err)
	assert.EqualValues(500, freed)
	_, err = tree.Consume(root)
	assert.ErrorIs(err, ErrNodeWasConsumed)

	n, err := tree.Get(root)
	assert.NoError(err)
	assert.True(n.Consumed)
	assert.Zero(n.Value)

	assert.NoError(tree.Spend(child, 150))
	freed, err = tree.Consume(child)
	assert.NoError(err)
	assert.EqualValues(250, freed)

	// removing the last child removed the consumed root too
	_, err = tree.Get(root)
	assert.ErrorIs(err, ErrNodeNotFound)
	exists, err := tree.Exists(key(1))
	assert.NoError(err)
	assert.False(exists)

	totals, err := tree.Totals()
	assert.NoError(err)
	assert.Equal(Totals{Minted: 1000, Burned: 250, Returned: 750}, totals)
	assert.NoError(tree.CheckConservation())
}

func TestChildValueFlowsBackToLiveParent(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	child, err := tree.Split(root, key(2), 600)
	assert.NoError(err)
	assert.NoError(tree.Spend(child, 100))

	freed, err := tree.Consume(child)
	assert.NoError(err)
	assert.Zero(freed)

	n, err := tree.Get(root)
	assert.NoError(err)
	assert.EqualValues(900, n.Value)
	assert.Zero(n.Refs)
	assert.NoError(tree.CheckConservation())
}

func TestUnspecifiedNode(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	u, err := tree.SplitUnspecified(root, key(2))
	assert.NoError(err)

	limit, err := tree.Limit(u)
	assert.NoError(err)
	assert.EqualValues(1000, limit)

	assert.ErrorIs(tree.Spend(u, 1), ErrForbidden)
	_, err = tree.Split(u, key(3), 1)
	assert.ErrorIs(err, ErrForbidden)

	// a consumed patron keeps its value for the unspecified child
	freed, err := tree.Consume(root)
	assert.NoError(err)
	assert.Zero(freed)
	limit, err = tree.Limit(u)
	assert.NoError(err)
	assert.EqualValues(1000, limit)

	assert.ErrorIs(tree.Specify(u, 1001), ErrInsufficientBalance)
	assert.NoError(tree.Specify(u, 800))
	assert.NoError(tree.Spend(u, 300))

	freed, err = tree.Consume(u)
	assert.NoError(err)
	assert.EqualValues(700, freed)

	_, err = tree.Get(root)
	assert.ErrorIs(err, ErrNodeNotFound)
	assert.NoError(tree.CheckConservation())
}

func TestUnusedValueReturnsToPatron(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	require.NoError(err)
	first, err := tree.SplitUnspecified(root, key(2))
	require.NoError(err)
	second, err := tree.SplitUnspecified(root, key(3))
	require.NoError(err)
	_, err = tree.Consume(root)
	require.NoError(err)

	// the first child takes everything, burns a little and hands the rest
	// back to the root that still backs its sibling
	require.NoError(tree.Specify(first, 1000))
	require.NoError(tree.Spend(first, 100))
	freed, err := tree.Consume(first)
	assert.NoError(err)
	assert.Zero(freed)

	limit, err := tree.Limit(second)
	assert.NoError(err)
	assert.EqualValues(900, limit)

	require.NoError(tree.Specify(second, limit))
	freed, err = tree.Consume(second)
	assert.NoError(err)
	assert.EqualValues(900, freed)

	_, err = tree.Get(root)
	assert.ErrorIs(err, ErrNodeNotFound)
	assert.NoError(tree.CheckConservation())
}

func TestCutSurvivesParent(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	cut, err := tree.Cut(root, key(2), 300)
	assert.NoError(err)

	freed, err := tree.Consume(root)
	assert.NoError(err)
	assert.EqualValues(700, freed)

	origin, err := tree.OriginOf(cut)
	assert.NoError(err)
	assert.Equal(payer, origin)

	limit, err := tree.Limit(cut)
	assert.NoError(err)
	assert.EqualValues(300, limit)

	freed, err = tree.Consume(cut)
	assert.NoError(err)
	assert.EqualValues(300, freed)
	assert.NoError(tree.CheckConservation())
}

func TestReservedNeedsGrant(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 1000)
	assert.NoError(err)
	res, err := tree.Reserve(root, key(9), 200)
	assert.NoError(err)

	assert.ErrorIs(tree.Spend(res, 10), ErrForbidden)
	_, err = tree.Split(res, key(10), 10)
	assert.ErrorIs(err, ErrForbidden)
	assert.ErrorIs(tree.Grant(root), ErrForbidden)

	// The upkeep is locked before the grant.
	assert.NoError(tree.Lock(res, LockReservation, 20))
	n, err := tree.Get(res)
	assert.NoError(err)
	assert.EqualValues(180, n.Value)
	assert.EqualValues(20, n.Lock(LockReservation))
	assert.NoError(tree.Unlock(res, LockReservation, 20))

	assert.NoError(tree.Grant(res))
	msg, err := tree.Split(res, key(10), 50)
	assert.NoError(err)
	origin, err := tree.OriginOf(msg)
	assert.NoError(err)
	assert.Equal(payer, origin)
	assert.NoError(tree.CheckConservation())
}

func TestDuplicateKey(t *testing.T) {
	tree := newTestTree()

	root, err := tree.Mint(key(1), payer, 10)
	require.NoError(t, err)
	_, err = tree.Split(root, key(1), 1)
	require.ErrorIs(t, err, ErrNodeAlreadyExists)

	id, err := tree.Lookup(key(1))
	require.NoError(t, err)
	require.Equal(t, root, id)

	_, err = tree.Lookup(key(2))
	require.ErrorIs(t, err, ErrNodeNotFound)
}

// Random sequences of operations must keep the tree conserved at every step.
func TestConservationUnderRandomOperations(t *testing.T) {
	tree := newTestTree()
	rng := rand.New(rand.NewSource(7)) // #nosec G404

	var (
		live []NodeID
		next uint16
	)
	newKey := func() ids.ID {
		next++
		return key(byte(next>>8), byte(next), 0xff)
	}
	for i := 0; i < 5; i++ {
		id, err := tree.Mint(newKey(), payer, uint64(1000+rng.Intn(1000)))
		require.NoError(t, err)
		live = append(live, id)
	}

	for step := 0; step < 400 && len(live) > 0; step++ {
		target := live[rng.Intn(len(live))]
		amount := uint64(rng.Intn(300))
		var err error
		switch rng.Intn(6) {
		case 0:
			var id NodeID
			if id, err = tree.Split(target, newKey(), amount); err == nil {
				live = append(live, id)
			}
		case 1:
			var id NodeID
			if id, err = tree.Cut(target, newKey(), amount); err == nil {
				live = append(live, id)
			}
		case 2:
			err = tree.Spend(target, amount)
		case 3:
			if err = tree.Lock(target, LockWaitlist, amount); err == nil {
				err = tree.Unlock(target, LockWaitlist, amount/2)
			}
		case 4:
			_, err = tree.UnlockAll(target, LockWaitlist)
		case 5:
			_, err = tree.Consume(target)
		}
		if err != nil {
			require.True(t,
				errorsIsAny(err, ErrInsufficientBalance, ErrForbidden, ErrNodeNotFound),
				"unexpected error %v", err)
		}
		require.NoError(t, tree.CheckConservation(), "step %d", step)
	}
}
