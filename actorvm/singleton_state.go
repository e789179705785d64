// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"

	"github.com/ava-labs/actorvm/core"
)

const (
	IsInitializedKey byte = iota
	LastAcceptedKey
	NoncePrefix
)

var (
	isInitializedKey                = []byte{IsInitializedKey}
	lastAcceptedKey                 = []byte{LastAcceptedKey}
	_                SingletonState = (*singletonState)(nil)
)

// SingletonState is a thin wrapper around a database for the values the
// host keeps exactly once: the initialization flag, the last accepted block
// and the message nonce of every user.
type SingletonState interface {
	IsInitialized() (bool, error)
	SetInitialized() error

	GetLastAccepted() (ids.ID, error)
	SetLastAccepted(ids.ID) error

	// NextNonce returns the next nonce of [user] and advances it.
	NextNonce(user core.ActorID) (uint64, error)
}

type singletonState struct {
	singletonDB database.Database
}

func NewSingletonState(db database.Database) SingletonState {
	return &singletonState{
		singletonDB: db,
	}
}

func (s *singletonState) IsInitialized() (bool, error) {
	return s.singletonDB.Has(isInitializedKey)
}

func (s *singletonState) SetInitialized() error {
	return s.singletonDB.Put(isInitializedKey, nil)
}

func (s *singletonState) GetLastAccepted() (ids.ID, error) {
	return database.GetID(s.singletonDB, lastAcceptedKey)
}

func (s *singletonState) SetLastAccepted(id ids.ID) error {
	return database.PutID(s.singletonDB, lastAcceptedKey, id)
}

func nonceKey(user core.ActorID) []byte {
	return append([]byte{NoncePrefix}, user[:]...)
}

func (s *singletonState) NextNonce(user core.ActorID) (uint64, error) {
	key := nonceKey(user)
	nonce, err := database.GetUInt64(s.singletonDB, key)
	switch {
	case err == database.ErrNotFound:
		nonce = 0
	case err != nil:
		return 0, err
	}
	return nonce, database.PutUInt64(s.singletonDB, key, nonce+1)
}
