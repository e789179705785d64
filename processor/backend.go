// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

import (
	"context"

	"github.com/ava-labs/avalanchego/cache"

	"github.com/ava-labs/actorvm/core"
)

// Backend runs instrumented code against the host surface. Execute returns
// once the entry point returns or the Ext reports a termination. Errors
// that are not terminations are backend failures and trap the dispatch.
type Backend interface {
	Execute(ctx context.Context, code *core.InstrumentedCode, kind core.DispatchKind, ext *Ext) error
}

// Instrumenter prepares original code for execution under a schedule
// version.
type Instrumenter interface {
	Instrument(original []byte, version uint32) (core.InstrumentedCode, error)
}

type instrumentationKey struct {
	code    core.CodeID
	version uint32
}

// InstrumentationCache keeps recently prepared code in memory. It only
// saves work: charging never depends on its content.
type InstrumentationCache struct {
	cache cache.Cacher
}

// NewInstrumentationCache wraps [c]. Callers pass a metered LRU.
func NewInstrumentationCache(c cache.Cacher) *InstrumentationCache {
	return &InstrumentationCache{cache: c}
}

func (c *InstrumentationCache) Get(code core.CodeID, version uint32) (*core.InstrumentedCode, bool) {
	v, ok := c.cache.Get(instrumentationKey{code, version})
	if !ok {
		return nil, false
	}
	return v.(*core.InstrumentedCode), true
}

func (c *InstrumentationCache) Put(code core.CodeID, instrumented *core.InstrumentedCode) {
	c.cache.Put(instrumentationKey{code, instrumented.Version}, instrumented)
}

func (c *InstrumentationCache) Flush() { c.cache.Flush() }
