// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/gastree"
	"github.com/ava-labs/actorvm/scheduler"
	"github.com/ava-labs/actorvm/storage"
)

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database objects.
	singletonStatePrefix = []byte("singleton")
	blockStatePrefix     = []byte("block")
	gasPrefix            = []byte("gas")
	tasksPrefix          = []byte("tasks")
	messagesPrefix       = []byte("messages")
	reservationsPrefix   = []byte("reservations")
	programsPrefix       = []byte("programs")
	codesPrefix          = []byte("codes")
	pagesPrefix          = []byte("pages")
	balancesPrefix       = []byte("balances")
)

// State bundles every storage of the host over one versioned database.
// Nothing reaches the base database until Commit; Abort drops everything
// written since the last Commit.
type State struct {
	SingletonState
	BlockState

	Gas      *gastree.Tree
	Tasks    *scheduler.TaskPool
	Messages *storage.Messages
	// Reservations holds the gas reservations of programs by reservation id.
	// The deposit is the upkeep locked on the reservation node.
	Reservations *storage.Map[storage.Hold[core.ProgramID]]
	Programs     *ProgramStorage
	Codes        *CodeStorage
	Pages        *PageStorage
	Balances     *Balances

	baseDB *versiondb.Database
}

func NewState(db database.Database, cfg *Config, registerer prometheus.Registerer) (*State, error) {
	// create a new baseDB
	baseDB := versiondb.New(db)

	messages, err := storage.NewMessages(prefixdb.New(messagesPrefix, baseDB))
	if err != nil {
		return nil, err
	}
	codes, err := NewCodeStorage(prefixdb.New(codesPrefix, baseDB), cfg.CodeCacheSize, registerer)
	if err != nil {
		return nil, err
	}

	return &State{
		SingletonState: NewSingletonState(prefixdb.New(singletonStatePrefix, baseDB)),
		BlockState:     NewBlockState(prefixdb.New(blockStatePrefix, baseDB), cfg.BlockCacheSize),
		Gas:            gastree.New(prefixdb.New(gasPrefix, baseDB)),
		Tasks:          scheduler.New(prefixdb.New(tasksPrefix, baseDB)),
		Messages:       messages,
		Reservations:   storage.NewMap[storage.Hold[core.ProgramID]](prefixdb.New(reservationsPrefix, baseDB)),
		Programs:       NewProgramStorage(prefixdb.New(programsPrefix, baseDB)),
		Codes:          codes,
		Pages:          NewPageStorage(prefixdb.New(pagesPrefix, baseDB)),
		Balances:       NewBalances(prefixdb.New(balancesPrefix, baseDB)),
		baseDB:         baseDB,
	}, nil
}

// Commit commits pending operations to baseDB
func (s *State) Commit() error {
	return s.baseDB.Commit()
}

// Abort drops pending operations. Caches that may hold dropped records are
// flushed.
func (s *State) Abort() {
	s.baseDB.Abort()
	s.BlockState.ClearCache()
	s.Codes.ClearCache()
}

// Close closes the underlying base database
func (s *State) Close() error {
	return s.baseDB.Close()
}
