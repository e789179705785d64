// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gastree

import (
	"fmt"

	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/actorvm/core"
)

// NodeID addresses a node of the tree. Ids are allocated sequentially and
// never reused.
type NodeID uint64

// Kind is the role of a node.
type Kind uint8

const (
	// External roots are minted for a payer.
	External Kind = iota
	// SpecifiedLocal children own the amount deducted from their parent.
	SpecifiedLocal
	// UnspecifiedLocal children have no own value until specified. Their
	// limit is the value of the nearest valued ancestor.
	UnspecifiedLocal
	// Reserved nodes are detached and can be used only once granted.
	Reserved
	// Cut nodes are detached and outlive their parent.
	Cut
)

func (k Kind) String() string {
	switch k {
	case External:
		return "external"
	case SpecifiedLocal:
		return "specified_local"
	case UnspecifiedLocal:
		return "unspecified_local"
	case Reserved:
		return "reserved"
	case Cut:
		return "cut"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// detached nodes keep their own origin and have no parent.
func (k Kind) detached() bool {
	return k == External || k == Reserved || k == Cut
}

// LockID is the purpose part of a node's value is locked for.
type LockID uint8

const (
	LockMailbox LockID = iota
	LockWaitlist
	LockReservation
	LockDispatchStash
	LockSystemReservation

	numLocks
)

func (l LockID) String() string {
	switch l {
	case LockMailbox:
		return "mailbox"
	case LockWaitlist:
		return "waitlist"
	case LockReservation:
		return "reservation"
	case LockDispatchStash:
		return "dispatch_stash"
	case LockSystemReservation:
		return "system_reservation"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// Node is one record of the tree.
type Node struct {
	Kind   Kind   `serialize:"true" json:"kind"`
	Key    ids.ID `serialize:"true" json:"key"`
	Value  uint64 `serialize:"true" json:"value"`
	Parent NodeID `serialize:"true" json:"parent"`
	// Origin is set on detached nodes only.
	Origin   core.ActorID     `serialize:"true" json:"origin"`
	Locks    [numLocks]uint64 `serialize:"true" json:"locks"`
	Consumed bool             `serialize:"true" json:"consumed"`
	Granted  bool             `serialize:"true" json:"granted"`
	// Refs counts live children, UnspecifiedRefs the unspecified ones among
	// them. A consumed node holding unspecified children keeps its value.
	Refs            uint32 `serialize:"true" json:"refs"`
	UnspecifiedRefs uint32 `serialize:"true" json:"unspecifiedRefs"`
}

// HasParent reports whether the node is attached to a parent.
func (n *Node) HasParent() bool { return !n.Kind.detached() }

// Locked returns the total locked amount.
func (n *Node) Locked() uint64 {
	var total uint64
	for _, l := range n.Locks {
		total += l
	}
	return total
}

// Lock returns the amount locked for [id].
func (n *Node) Lock(id LockID) uint64 { return n.Locks[id] }

func (n *Node) hasValue() bool { return n.Kind != UnspecifiedLocal }

// usable reports whether value can be drawn from the node.
func (n *Node) usable() error {
	switch {
	case n.Consumed:
		return ErrNodeWasConsumed
	case n.Kind == UnspecifiedLocal:
		return fmt.Errorf("%w: node is unspecified", ErrForbidden)
	case n.Kind == Reserved && !n.Granted:
		return fmt.Errorf("%w: reservation was not granted", ErrForbidden)
	default:
		return nil
	}
}

// lockable reports whether value of the node may be locked. Reservations
// lock their upkeep before they are granted.
func (n *Node) lockable() error {
	switch {
	case n.Consumed:
		return ErrNodeWasConsumed
	case n.Kind == UnspecifiedLocal:
		return fmt.Errorf("%w: node is unspecified", ErrForbidden)
	default:
		return nil
	}
}
