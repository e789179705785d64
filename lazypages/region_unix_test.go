// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package lazypages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/actorvm/core"
)

func TestMappedRegion(t *testing.T) {
	region, err := NewMappedRegion(1, 2)
	require.NoError(t, err)
	defer region.Close()

	storage := memStorage{}
	h := acquire(t, region, storage, &meter{limit: 10_000})

	require.NoError(t, h.Write(core.GearPage(1).Offset(), []byte("mapped")))
	got := make([]byte, 6)
	require.NoError(t, h.Read(core.GearPage(1).Offset(), got))
	require.Equal(t, []byte("mapped"), got)

	result, err := h.Finalize()
	require.NoError(t, err)
	require.Len(t, result.Updates, 1)
	require.NoError(t, h.Release())

	// protection is restored, direct access is safe again
	require.NoError(t, region.Write(0, []byte{1}))
	require.NoError(t, region.Grow(1))
	require.ErrorIs(t, region.Grow(1), ErrAllocationOutOfBounds)

	require.NoError(t, region.Reset(1))
	require.EqualValues(t, core.WasmPageSize, region.Size())
	require.ErrorIs(t, region.Reset(3), ErrAllocationOutOfBounds)
}
