// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/database"
	safemath "github.com/ava-labs/avalanchego/utils/math"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/lazypages"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/storage"
)

var (
	ErrProgramNotFound   = errors.New("program not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	_ processor.PageStorages = &PageStorage{}
)

// ProgramStorage keeps the record of every program ever created.
type ProgramStorage struct {
	programs *storage.Map[core.Program]
}

func NewProgramStorage(db database.Database) *ProgramStorage {
	return &ProgramStorage{programs: storage.NewMap[core.Program](db)}
}

func (s *ProgramStorage) Get(id core.ProgramID) (core.Program, error) {
	p, err := s.programs.Get(id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return p, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	return p, err
}

func (s *ProgramStorage) Has(id core.ProgramID) (bool, error) {
	return s.programs.Has(id[:])
}

func (s *ProgramStorage) Put(id core.ProgramID, p core.Program) error {
	return s.programs.Put(id[:], p)
}

// Update applies [fn] to the stored program.
func (s *ProgramStorage) Update(id core.ProgramID, fn func(p *core.Program) error) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	return s.Put(id, p)
}

// PageStorage keeps page bytes keyed by (program, page).
type PageStorage struct {
	pages *storage.Map[[]byte]
}

func NewPageStorage(db database.Database) *PageStorage {
	return &PageStorage{pages: storage.NewMap[[]byte](db)}
}

func pageKey(program core.ProgramID, page core.GearPage) []byte {
	b := make([]byte, len(program), len(program)+4)
	copy(b, program[:])
	return binary.BigEndian.AppendUint32(b, uint32(page))
}

// programPages reads the pages of one program.
type programPages struct {
	s       *PageStorage
	program core.ProgramID
}

func (p programPages) PageData(page core.GearPage) ([]byte, bool, error) {
	return p.s.Get(p.program, page)
}

func (s *PageStorage) ProgramPages(program core.ProgramID) lazypages.PageStorage {
	return programPages{s: s, program: program}
}

func (s *PageStorage) Get(program core.ProgramID, page core.GearPage) ([]byte, bool, error) {
	data, err := s.pages.Get(pageKey(program, page))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *PageStorage) Set(program core.ProgramID, page core.GearPage, data []byte) error {
	return s.pages.Put(pageKey(program, page), data)
}

func (s *PageStorage) Remove(program core.ProgramID, page core.GearPage) error {
	return s.pages.Delete(pageKey(program, page))
}

// RemoveRegion deletes every page of [program].
func (s *PageStorage) RemoveRegion(program core.ProgramID) error {
	var keys [][]byte
	if err := s.pages.Iterate(program[:], func(key []byte, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.pages.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Balances keeps the free value of users and programs.
type Balances struct {
	db database.Database
}

func NewBalances(db database.Database) *Balances {
	return &Balances{db: db}
}

func (b *Balances) Get(actor core.ActorID) (core.Value, error) {
	v, err := database.GetUInt64(b.db, actor[:])
	if err == database.ErrNotFound {
		return 0, nil
	}
	return v, err
}

func (b *Balances) Credit(actor core.ActorID, amount core.Value) error {
	if amount == 0 {
		return nil
	}
	v, err := b.Get(actor)
	if err != nil {
		return err
	}
	v, err = safemath.Add64(v, amount)
	if err != nil {
		return err
	}
	return database.PutUInt64(b.db, actor[:], v)
}

func (b *Balances) Debit(actor core.ActorID, amount core.Value) error {
	if amount == 0 {
		return nil
	}
	v, err := b.Get(actor)
	if err != nil {
		return err
	}
	if v < amount {
		return fmt.Errorf("%w: %s holds %d, %d requested", ErrInsufficientFunds, actor, v, amount)
	}
	if v == amount {
		return b.db.Delete(actor[:])
	}
	return database.PutUInt64(b.db, actor[:], v-amount)
}

// Transfer moves the whole balance of [from] to [to].
func (b *Balances) Transfer(from, to core.ActorID) (core.Value, error) {
	v, err := b.Get(from)
	if err != nil || v == 0 {
		return 0, err
	}
	if err := b.Debit(from, v); err != nil {
		return 0, err
	}
	return v, b.Credit(to, v)
}
