// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !unix

package lazypages

// MappedRegion falls back to an unprotected slice where mprotect is not
// available.
type MappedRegion struct {
	*SliceRegion
}

func NewMappedRegion(pages, maxPages uint32) (*MappedRegion, error) {
	if pages > maxPages {
		return nil, ErrAllocationOutOfBounds
	}
	return &MappedRegion{SliceRegion: NewSliceRegion(pages, maxPages)}, nil
}

func (*MappedRegion) Close() error { return nil }
