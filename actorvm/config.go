// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package actorvm

import (
	"errors"
	"fmt"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

const (
	defaultBlockGasLimit            = 250_000_000_000
	defaultCodeCacheSize            = 256
	defaultInstrumentationCacheSize = 64
	defaultPrefetchWorkers          = 4
	defaultMaxMailboxHold           = 30 * 24 * 60 * 10
	defaultBlockCacheSize           = 1024
)

var errZeroBlockGasLimit = errors.New("block gas limit must be positive")

// Config tunes the host. Zero values are replaced by defaults.
type Config struct {
	// BlockGasLimit is the allowance shared by every dispatch of a block.
	BlockGasLimit uint64        `json:"blockGasLimit"`
	Schedule      core.Schedule `json:"schedule"`
	// Forbidden lists host calls that trap when invoked, by name.
	Forbidden []string `json:"forbidden"`

	CodeCacheSize            int `json:"codeCacheSize"`
	InstrumentationCacheSize int `json:"instrumentationCacheSize"`
	BlockCacheSize           int `json:"blockCacheSize"`
	// PrefetchWorkers bounds the goroutines preparing code before a block.
	PrefetchWorkers int `json:"prefetchWorkers"`
	// MaxMailboxHold caps how many blocks a message may wait in a mailbox.
	MaxMailboxHold uint32 `json:"maxMailboxHold"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		BlockGasLimit:            defaultBlockGasLimit,
		Schedule:                 core.DefaultSchedule(),
		CodeCacheSize:            defaultCodeCacheSize,
		InstrumentationCacheSize: defaultInstrumentationCacheSize,
		BlockCacheSize:           defaultBlockCacheSize,
		PrefetchWorkers:          defaultPrefetchWorkers,
		MaxMailboxHold:           defaultMaxMailboxHold,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Schedule.Version == 0 {
		c.Schedule = d.Schedule
	}
	if c.CodeCacheSize <= 0 {
		c.CodeCacheSize = d.CodeCacheSize
	}
	if c.InstrumentationCacheSize <= 0 {
		c.InstrumentationCacheSize = d.InstrumentationCacheSize
	}
	if c.BlockCacheSize <= 0 {
		c.BlockCacheSize = d.BlockCacheSize
	}
	if c.PrefetchWorkers <= 0 {
		c.PrefetchWorkers = d.PrefetchWorkers
	}
	if c.MaxMailboxHold == 0 {
		c.MaxMailboxHold = d.MaxMailboxHold
	}
}

func (c *Config) verify() error {
	if c.BlockGasLimit == 0 {
		return errZeroBlockGasLimit
	}
	return nil
}

// forbidden resolves the configured host call names.
func (c *Config) forbidden() (processor.ForbiddenFuncs, error) {
	calls := make([]processor.HostCall, 0, len(c.Forbidden))
	for _, name := range c.Forbidden {
		call, ok := processor.HostCallByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown host call %q", name)
		}
		calls = append(calls, call)
	}
	return processor.NewForbiddenFuncs(calls...), nil
}
