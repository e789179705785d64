// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lazypages

import (
	"errors"
	"sync/atomic"
)

var (
	ErrAlreadyInitialized          = errors.New("lazy pages already initialized")
	ErrSignalHandlerAlreadySet     = errors.New("fault handler already set")
	ErrProcessNotInitialized       = errors.New("fault handler not set")
	ErrRegionOutOfBounds           = errors.New("access out of region bounds")
	ErrInvalidAccessDuringHostCall = errors.New("memory fault during host call")
	ErrAllocationOutOfBounds       = errors.New("allocation out of bounds")
	ErrReleased                    = errors.New("handle released")

	// handlerSet is flipped once per process by InitProcess.
	handlerSet atomic.Bool
	// owned is held by the single live Handle.
	owned atomic.Bool
)

// InitProcess installs the process wide fault dispatcher. It fails with
// ErrSignalHandlerAlreadySet when called twice.
func InitProcess() error {
	if !handlerSet.CompareAndSwap(false, true) {
		return ErrSignalHandlerAlreadySet
	}
	return nil
}

// EnsureProcessInit installs the dispatcher unless it already is.
func EnsureProcessInit() {
	_ = InitProcess()
}

// Active reports whether a Handle is currently acquired.
func Active() bool { return owned.Load() }
