// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"

	"github.com/ava-labs/actorvm/core"
)

var (
	queuePrefix    = []byte("queue")
	mailboxPrefix  = []byte("mailbox")
	waitlistPrefix = []byte("waitlist")
	stashPrefix    = []byte("stash")
)

// Hold is an entry of a holding storage. The deposit is the gas locked on the
// entry's gas node to pay for [Interval].
type Hold[V any] struct {
	Value    V             `serialize:"true" json:"value"`
	Interval core.Interval `serialize:"true" json:"interval"`
	Deposit  uint64        `serialize:"true" json:"deposit"`
}

// Queue is the global FIFO of dispatches waiting for execution.
type Queue struct {
	*Deque[core.StoredDispatch]
}

// Mailbox keeps messages sent to users until they are claimed or expire.
// Entries are keyed by (user, message).
type Mailbox struct {
	*DoubleMap[Hold[core.StoredDispatch]]
}

// Waitlist keeps dispatches of programs that entered a wait, keyed by
// (program, message).
type Waitlist struct {
	*DoubleMap[Hold[core.StoredDispatch]]
}

// StashedDispatch is a delayed send. Dispatches for users go to the mailbox
// once due.
type StashedDispatch struct {
	Dispatch core.StoredDispatch `serialize:"true" json:"dispatch"`
	ToUser   bool                `serialize:"true" json:"toUser"`
}

// DispatchStash keeps delayed dispatches keyed by message id.
type DispatchStash struct {
	*CountedMap[Hold[StashedDispatch]]
}

// Messages bundles every message storage over one database.
type Messages struct {
	Queue    Queue
	Mailbox  Mailbox
	Waitlist Waitlist
	Stash    DispatchStash
}

func NewMessages(db database.Database) (*Messages, error) {
	queue, err := NewDeque[core.StoredDispatch](prefixdb.New(queuePrefix, db))
	if err != nil {
		return nil, err
	}
	mailbox, err := NewDoubleMap[Hold[core.StoredDispatch]](prefixdb.New(mailboxPrefix, db))
	if err != nil {
		return nil, err
	}
	waitlist, err := NewDoubleMap[Hold[core.StoredDispatch]](prefixdb.New(waitlistPrefix, db))
	if err != nil {
		return nil, err
	}
	stash, err := NewCountedMap[Hold[StashedDispatch]](prefixdb.New(stashPrefix, db))
	if err != nil {
		return nil, err
	}
	return &Messages{
		Queue:    Queue{queue},
		Mailbox:  Mailbox{mailbox},
		Waitlist: Waitlist{waitlist},
		Stash:    DispatchStash{stash},
	}, nil
}

// Insert adds [msg] to the mailbox of its destination.
func (m Mailbox) Insert(msg core.StoredDispatch, interval core.Interval, deposit uint64) error {
	return m.InsertPair(msg.Destination, msg.ID, Hold[core.StoredDispatch]{
		Value: msg, Interval: interval, Deposit: deposit,
	})
}

// Remove takes the message [id] out of [user]'s mailbox.
func (m Mailbox) Remove(user core.ActorID, id core.MessageID) (Hold[core.StoredDispatch], error) {
	return m.TakePair(user, id)
}

// Insert adds [d] to the waitlist of its destination program.
func (w Waitlist) Insert(d core.StoredDispatch, interval core.Interval, deposit uint64) error {
	return w.InsertPair(d.Destination, d.ID, Hold[core.StoredDispatch]{
		Value: d, Interval: interval, Deposit: deposit,
	})
}

// Remove takes the dispatch [id] of [program] out of the waitlist.
func (w Waitlist) Remove(program core.ProgramID, id core.MessageID) (Hold[core.StoredDispatch], error) {
	return w.TakePair(program, id)
}

// DrainProgram removes every waiting dispatch of [program], ordered by message id.
func (w Waitlist) DrainProgram(program core.ProgramID) ([]Hold[core.StoredDispatch], error) {
	_, values, err := w.DrainFirst(program)
	return values, err
}

// Insert stashes a delayed dispatch.
func (s DispatchStash) Insert(d StashedDispatch, interval core.Interval, deposit uint64) error {
	return s.CountedMap.Insert(d.Dispatch.ID[:], Hold[StashedDispatch]{
		Value: d, Interval: interval, Deposit: deposit,
	})
}

// Remove takes the delayed dispatch [id] out of the stash.
func (s DispatchStash) Remove(id core.MessageID) (Hold[StashedDispatch], error) {
	return s.Take(id[:])
}
