// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
	"github.com/ava-labs/actorvm/storage"
)

var (
	ErrCodeNotFound      = errors.New("code not found")
	ErrCodeAlreadyExists = errors.New("code already exists")

	originalPrefix     = []byte("original")
	metadataPrefix     = []byte("metadata")
	instrumentedPrefix = []byte("instrumented")

	_ processor.CodeStorage = &CodeStorage{}
)

type instrumentedKey struct {
	code    core.CodeID
	version uint32
}

// CodeStorage is content addressed and immutable once written, except for
// the instrumented form that is replaced when the schedule version moves.
// Instrumented code is keyed by (version, code) so that every version ever
// prepared stays readable.
type CodeStorage struct {
	original     *storage.Map[[]byte]
	metadata     *storage.Map[core.CodeMetadata]
	instrumented *storage.Map[core.InstrumentedCode]

	// cache holds *core.InstrumentedCode by instrumentedKey.
	cache cache.Cacher
}

func NewCodeStorage(db database.Database, cacheSize int, registerer prometheus.Registerer) (*CodeStorage, error) {
	codeCache, err := metercacher.New(
		"code_cache",
		registerer,
		&cache.LRU{Size: cacheSize},
	)
	if err != nil {
		return nil, err
	}
	return &CodeStorage{
		original:     storage.NewMap[[]byte](prefixdb.New(originalPrefix, db)),
		metadata:     storage.NewMap[core.CodeMetadata](prefixdb.New(metadataPrefix, db)),
		instrumented: storage.NewMap[core.InstrumentedCode](prefixdb.New(instrumentedPrefix, db)),
		cache:        codeCache,
	}, nil
}

func versionedKey(id core.CodeID, version uint32) []byte {
	b := make([]byte, 4, 4+len(id))
	binary.BigEndian.PutUint32(b, version)
	return append(b, id[:]...)
}

func codeError(id core.CodeID, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCodeNotFound, id)
	}
	return err
}

// Has reports whether [id] was uploaded.
func (s *CodeStorage) Has(id core.CodeID) (bool, error) {
	return s.metadata.Has(id[:])
}

// Store writes a newly uploaded code together with its instrumented form.
func (s *CodeStorage) Store(original []byte, code *core.InstrumentedCode) (core.CodeID, error) {
	id := core.GenerateCodeID(original)
	has, err := s.Has(id)
	if err != nil {
		return id, err
	}
	if has {
		return id, fmt.Errorf("%w: %s", ErrCodeAlreadyExists, id)
	}
	if err := s.original.Put(id[:], original); err != nil {
		return id, err
	}
	meta := core.CodeMetadata{OriginalLen: uint32(len(original))}
	return id, s.putInstrumented(id, meta, code)
}

// StoreInstrumented replaces the instrumented form of [id] with [code],
// prepared under a newer schedule version.
func (s *CodeStorage) StoreInstrumented(id core.CodeID, code *core.InstrumentedCode) error {
	meta, err := s.CodeMetadata(id)
	if err != nil {
		return err
	}
	return s.putInstrumented(id, meta, code)
}

func (s *CodeStorage) putInstrumented(id core.CodeID, meta core.CodeMetadata, code *core.InstrumentedCode) error {
	meta.InstrumentedLen = uint32(len(code.Bytes))
	meta.Exports = code.Exports
	meta.StaticPages = code.StaticPages
	meta.Status = core.Instrumented
	meta.InstructionsVersion = code.Version
	if err := s.instrumented.Put(versionedKey(id, code.Version), *code); err != nil {
		return err
	}
	s.cache.Put(instrumentedKey{id, code.Version}, code)
	return s.metadata.Put(id[:], meta)
}

// MarkFailed records that [id] cannot be prepared under the current
// schedule. Dispatches to its programs fail until the code is fixed.
func (s *CodeStorage) MarkFailed(id core.CodeID) error {
	meta, err := s.CodeMetadata(id)
	if err != nil {
		return err
	}
	meta.Status = core.InstrumentationFailed
	return s.metadata.Put(id[:], meta)
}

func (s *CodeStorage) CodeMetadata(id core.CodeID) (core.CodeMetadata, error) {
	meta, err := s.metadata.Get(id[:])
	return meta, codeError(id, err)
}

func (s *CodeStorage) OriginalCode(id core.CodeID) ([]byte, error) {
	code, err := s.original.Get(id[:])
	return code, codeError(id, err)
}

// InstrumentedCode returns the code prepared under the version recorded in
// its metadata.
func (s *CodeStorage) InstrumentedCode(id core.CodeID) (*core.InstrumentedCode, error) {
	meta, err := s.CodeMetadata(id)
	if err != nil {
		return nil, err
	}
	return s.InstrumentedAt(id, meta.InstructionsVersion)
}

// InstrumentedAt returns the code prepared under [version].
func (s *CodeStorage) InstrumentedAt(id core.CodeID, version uint32) (*core.InstrumentedCode, error) {
	key := instrumentedKey{id, version}
	if code, ok := s.cache.Get(key); ok {
		return code.(*core.InstrumentedCode), nil
	}
	code, err := s.instrumented.Get(versionedKey(id, version))
	if err != nil {
		return nil, codeError(id, err)
	}
	s.cache.Put(key, &code)
	return &code, nil
}

func (s *CodeStorage) ClearCache() {
	s.cache.Flush()
}
