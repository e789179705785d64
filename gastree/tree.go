// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gastree

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/ids"
	safemath "github.com/ava-labs/avalanchego/utils/math"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/storage"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNodeNotFound        = errors.New("node not found")
	ErrForbidden           = errors.New("forbidden")
	ErrNodeWasConsumed     = fmt.Errorf("%w: node was consumed", ErrForbidden)
	ErrLocked              = fmt.Errorf("%w: node has locked value", ErrForbidden)
	ErrNodeAlreadyExists   = errors.New("node already exists")
	ErrConservation        = errors.New("conservation violated")

	nodesPrefix = []byte("nodes")
	indexPrefix = []byte("index")

	nextIDKey   = []byte("next")
	mintedKey   = []byte("minted")
	burnedKey   = []byte("burned")
	returnedKey = []byte("returned")
)

// Totals are the running sums of value entering and leaving the tree.
type Totals struct {
	Minted   uint64
	Burned   uint64
	Returned uint64
}

// Tree is the gas ownership forest. Nodes live in an arena addressed by
// NodeID; every node may also be looked up by the message or reservation id
// it was created for.
type Tree struct {
	nodes *storage.Map[Node]
	index database.Database
	meta  database.Database
	log   log.Logger
}

func New(db database.Database) *Tree {
	return &Tree{
		nodes: storage.NewMap[Node](prefixdb.New(nodesPrefix, db)),
		index: prefixdb.New(indexPrefix, db),
		meta:  db,
		log:   log.New("module", "gastree"),
	}
}

func nodeKey(id NodeID) []byte {
	return []byte{
		byte(id >> 56), byte(id >> 48), byte(id >> 40), byte(id >> 32),
		byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id),
	}
}

func (t *Tree) counter(key []byte) (uint64, error) {
	v, err := database.GetUInt64(t.meta, key)
	if err == database.ErrNotFound {
		return 0, nil
	}
	return v, err
}

func (t *Tree) addCounter(key []byte, delta uint64) error {
	v, err := t.counter(key)
	if err != nil {
		return err
	}
	v, err = safemath.Add64(v, delta)
	if err != nil {
		return err
	}
	return database.PutUInt64(t.meta, key, v)
}

// Get returns a copy of node [id].
func (t *Tree) Get(id NodeID) (Node, error) {
	n, err := t.nodes.Get(nodeKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return n, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return n, err
}

func (t *Tree) put(id NodeID, n *Node) error {
	return t.nodes.Put(nodeKey(id), *n)
}

// Lookup returns the node created for [key].
func (t *Tree) Lookup(key ids.ID) (NodeID, error) {
	id, err := database.GetUInt64(t.index, key[:])
	if err == database.ErrNotFound {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	return NodeID(id), err
}

// Exists reports whether a live node was created for [key].
func (t *Tree) Exists(key ids.ID) (bool, error) {
	return t.index.Has(key[:])
}

func (t *Tree) create(n *Node) (NodeID, error) {
	exists, err := t.Exists(n.Key)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, n.Key)
	}
	next, err := t.counter(nextIDKey)
	if err != nil {
		return 0, err
	}
	id := NodeID(next)
	if err := database.PutUInt64(t.meta, nextIDKey, next+1); err != nil {
		return 0, err
	}
	if err := database.PutUInt64(t.index, n.Key[:], uint64(id)); err != nil {
		return 0, err
	}
	return id, t.put(id, n)
}

// Mint creates an External root holding [amount] paid by [origin].
func (t *Tree) Mint(key ids.ID, origin core.ActorID, amount uint64) (NodeID, error) {
	if err := t.addCounter(mintedKey, amount); err != nil {
		return 0, err
	}
	return t.create(&Node{Kind: External, Key: key, Value: amount, Origin: origin})
}

// deduct takes [amount] from the own value of [parent].
func (t *Tree) deduct(parent NodeID, amount uint64) (Node, error) {
	return t.take(parent, amount, (*Node).usable)
}

func (t *Tree) take(parent NodeID, amount uint64, check func(*Node) error) (Node, error) {
	p, err := t.Get(parent)
	if err != nil {
		return p, err
	}
	if err := check(&p); err != nil {
		return p, err
	}
	if p.Value < amount {
		return p, fmt.Errorf("%w: node %d holds %d, %d requested", ErrInsufficientBalance, parent, p.Value, amount)
	}
	p.Value -= amount
	return p, nil
}

// Split creates a SpecifiedLocal child of [parent] owning [amount].
func (t *Tree) Split(parent NodeID, key ids.ID, amount uint64) (NodeID, error) {
	p, err := t.deduct(parent, amount)
	if err != nil {
		return 0, err
	}
	p.Refs++
	if err := t.put(parent, &p); err != nil {
		return 0, err
	}
	return t.create(&Node{Kind: SpecifiedLocal, Key: key, Value: amount, Parent: parent})
}

// SplitUnspecified creates an UnspecifiedLocal child of [parent] sharing the
// value of its nearest valued ancestor.
func (t *Tree) SplitUnspecified(parent NodeID, key ids.ID) (NodeID, error) {
	p, err := t.Get(parent)
	if err != nil {
		return 0, err
	}
	if p.Consumed {
		return 0, ErrNodeWasConsumed
	}
	if p.Kind == Reserved && !p.Granted {
		return 0, fmt.Errorf("%w: reservation was not granted", ErrForbidden)
	}
	p.Refs++
	p.UnspecifiedRefs++
	if err := t.put(parent, &p); err != nil {
		return 0, err
	}
	return t.create(&Node{Kind: UnspecifiedLocal, Key: key, Parent: parent})
}

// valuedAncestor returns the nearest node at or above [id] that holds value.
func (t *Tree) valuedAncestor(id NodeID) (NodeID, Node, error) {
	for {
		n, err := t.Get(id)
		if err != nil {
			return 0, n, err
		}
		if n.hasValue() {
			return id, n, nil
		}
		id = n.Parent
	}
}

// Specify turns an UnspecifiedLocal node into a SpecifiedLocal one owning
// [amount], deducted from its nearest valued ancestor.
func (t *Tree) Specify(id NodeID, amount uint64) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	if n.Kind != UnspecifiedLocal {
		return fmt.Errorf("%w: node %d is %s", ErrForbidden, id, n.Kind)
	}
	ancestorID, ancestor, err := t.valuedAncestor(n.Parent)
	if err != nil {
		return err
	}
	if ancestor.Value < amount {
		return fmt.Errorf("%w: ancestor %d holds %d, %d requested", ErrInsufficientBalance, ancestorID, ancestor.Value, amount)
	}
	ancestor.Value -= amount
	if err := t.put(ancestorID, &ancestor); err != nil {
		return err
	}

	p, err := t.Get(n.Parent)
	if err != nil {
		return err
	}
	p.UnspecifiedRefs--
	if err := t.put(n.Parent, &p); err != nil {
		return err
	}

	n.Kind = SpecifiedLocal
	n.Value = amount
	return t.put(id, &n)
}

// Cut detaches [amount] from [parent] into a node that survives the parent's
// consumption and refunds to the same origin.
func (t *Tree) Cut(parent NodeID, key ids.ID, amount uint64) (NodeID, error) {
	return t.detach(parent, key, amount, Cut)
}

// Reserve detaches [amount] from [parent] into a Reserved node that must be
// granted before use.
func (t *Tree) Reserve(parent NodeID, key ids.ID, amount uint64) (NodeID, error) {
	return t.detach(parent, key, amount, Reserved)
}

func (t *Tree) detach(parent NodeID, key ids.ID, amount uint64, kind Kind) (NodeID, error) {
	origin, err := t.OriginOf(parent)
	if err != nil {
		return 0, err
	}
	p, err := t.deduct(parent, amount)
	if err != nil {
		return 0, err
	}
	if err := t.put(parent, &p); err != nil {
		return 0, err
	}
	return t.create(&Node{Kind: kind, Key: key, Value: amount, Origin: origin})
}

// Grant makes a Reserved node usable.
func (t *Tree) Grant(id NodeID) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	if n.Kind != Reserved {
		return fmt.Errorf("%w: node %d is %s", ErrForbidden, id, n.Kind)
	}
	n.Granted = true
	return t.put(id, &n)
}

// Spend burns [amount] of the node's own value.
func (t *Tree) Spend(id NodeID, amount uint64) error {
	n, err := t.deduct(id, amount)
	if err != nil {
		return err
	}
	if err := t.put(id, &n); err != nil {
		return err
	}
	return t.addCounter(burnedKey, amount)
}

// Lock moves [amount] of the node's value under [lock].
func (t *Tree) Lock(id NodeID, lock LockID, amount uint64) error {
	n, err := t.take(id, amount, (*Node).lockable)
	if err != nil {
		return err
	}
	n.Locks[lock] += amount
	return t.put(id, &n)
}

// Unlock moves [amount] locked under [lock] back to the node's value.
func (t *Tree) Unlock(id NodeID, lock LockID, amount uint64) error {
	n, err := t.Get(id)
	if err != nil {
		return err
	}
	if n.Locks[lock] < amount {
		return fmt.Errorf("%w: %d locked for %s, %d requested", ErrInsufficientBalance, n.Locks[lock], lock, amount)
	}
	n.Locks[lock] -= amount
	n.Value += amount
	return t.put(id, &n)
}

// UnlockAll releases everything locked under [lock] and returns the amount.
func (t *Tree) UnlockAll(id NodeID, lock LockID) (uint64, error) {
	n, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	amount := n.Locks[lock]
	return amount, t.Unlock(id, lock, amount)
}

// OriginOf returns the payer refunds of [id] go to.
func (t *Tree) OriginOf(id NodeID) (core.ActorID, error) {
	for {
		n, err := t.Get(id)
		if err != nil {
			return core.ActorID{}, err
		}
		if !n.HasParent() {
			return n.Origin, nil
		}
		id = n.Parent
	}
}

// Limit returns the value available to [id]: its own value, or the value of
// its nearest valued ancestor when unspecified.
func (t *Tree) Limit(id NodeID) (uint64, error) {
	_, n, err := t.valuedAncestor(id)
	if err != nil {
		return 0, err
	}
	return n.Value, nil
}

// Consume marks [id] as consumed and returns the amount freed to its origin.
// A node with live children is kept until they are gone; otherwise it is
// removed together with every consumed ancestor it was the last child of.
// Unused value of local nodes flows back to the nearest live valued
// ancestor when there is one.
func (t *Tree) Consume(id NodeID) (uint64, error) {
	n, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if n.Consumed {
		return 0, ErrNodeWasConsumed
	}
	if n.Locked() != 0 {
		return 0, ErrLocked
	}
	n.Consumed = true

	if n.Refs > 0 {
		var freed uint64
		if n.UnspecifiedRefs == 0 {
			if freed, err = t.catchValue(&n); err != nil {
				return 0, err
			}
		}
		t.log.Debug("gas node consumed with live children", "node", id, "refs", n.Refs)
		return freed, t.put(id, &n)
	}
	return t.remove(id, n)
}

// catchValue empties [n]. Local nodes hand their value to the nearest
// valued ancestor that is still live or still backs unspecified children;
// otherwise the value is returned to the origin.
func (t *Tree) catchValue(n *Node) (uint64, error) {
	value := n.Value
	if value == 0 {
		return 0, nil
	}
	n.Value = 0

	if n.HasParent() {
		id := n.Parent
		for {
			a, err := t.Get(id)
			if err != nil {
				return 0, err
			}
			if a.hasValue() && (!a.Consumed || a.UnspecifiedRefs > 0) {
				a.Value += value
				return 0, t.put(id, &a)
			}
			if !a.HasParent() {
				break
			}
			id = a.Parent
		}
	}
	return value, t.addCounter(returnedKey, value)
}

func (t *Tree) remove(id NodeID, n Node) (uint64, error) {
	var freed uint64
	for {
		f, err := t.catchValue(&n)
		if err != nil {
			return 0, err
		}
		freed += f
		if err := t.nodes.Delete(nodeKey(id)); err != nil {
			return 0, err
		}
		if err := t.index.Delete(n.Key[:]); err != nil {
			return 0, err
		}
		t.log.Debug("gas node removed", "node", id, "kind", n.Kind, "freed", f)

		if !n.HasParent() {
			return freed, nil
		}
		parentID := n.Parent
		p, err := t.Get(parentID)
		if err != nil {
			return 0, err
		}
		p.Refs--
		if n.Kind == UnspecifiedLocal {
			p.UnspecifiedRefs--
		}
		if !p.Consumed || p.Refs > 0 {
			return freed, t.put(parentID, &p)
		}
		id, n = parentID, p
	}
}

// Totals returns the running sums.
func (t *Tree) Totals() (Totals, error) {
	var (
		totals Totals
		err    error
	)
	if totals.Minted, err = t.counter(mintedKey); err != nil {
		return totals, err
	}
	if totals.Burned, err = t.counter(burnedKey); err != nil {
		return totals, err
	}
	totals.Returned, err = t.counter(returnedKey)
	return totals, err
}

// CheckConservation verifies that the value held by live nodes plus
// everything burned or returned equals everything minted.
func (t *Tree) CheckConservation() error {
	totals, err := t.Totals()
	if err != nil {
		return err
	}
	var live uint64
	if err := t.nodes.Iterate(nil, func(_ []byte, n Node) error {
		live += n.Value + n.Locked()
		return nil
	}); err != nil {
		return err
	}
	if live+totals.Burned+totals.Returned != totals.Minted {
		return fmt.Errorf("%w: live %d + burned %d + returned %d != minted %d",
			ErrConservation, live, totals.Burned, totals.Returned, totals.Minted)
	}
	return nil
}
