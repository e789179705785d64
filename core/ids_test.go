// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
)

func TestIDsAreDistinct(t *testing.T) {
	assert := assert.New(t)
	origin := ids.ID{1}
	code := GenerateCodeID([]byte("code"))

	generated := []ids.ID{
		code,
		GenerateProgramID(code, nil),
		GenerateProgramID(code, []byte("salt")),
		GenerateChildProgramID(code, nil, origin),
		GenerateOutgoingID(origin, 0),
		GenerateOutgoingID(origin, 1),
		GenerateReplyID(origin),
		GenerateSignalID(origin),
		GenerateReservationID(origin, 0),
		GenerateExternalID(origin, 0),
		GenerateHoldID(origin),
	}
	seen := make(map[ids.ID]struct{}, len(generated))
	for _, id := range generated {
		assert.NotEqual(ids.Empty, id)
		seen[id] = struct{}{}
	}
	assert.Len(seen, len(generated))

	assert.Equal(GenerateReplyID(origin), GenerateReplyID(origin))
	assert.Equal(code, GenerateCodeID([]byte("code")))
	assert.Equal(RandomSeed([]byte("block"), origin[:]), RandomSeed([]byte("block"), origin[:]))
	assert.NotEqual(RandomSeed([]byte("block"), origin[:]), RandomSeed([]byte("other"), origin[:]))
}

func TestReplyCodes(t *testing.T) {
	assert := assert.New(t)

	assert.False(SuccessAuto().IsError())
	assert.False(SuccessManual().IsError())
	code := ErrorCode(ReasonRemovedFromWaitlist)
	assert.True(code.IsError())
	assert.Equal(ReasonRemovedFromWaitlist, code.Reason)

	to := StoredDispatch{ID: ids.ID{7}, Source: ids.ID{8}, Destination: ids.ID{9}}
	reply := NewReply(&to, to.Destination, []byte("x"), 5, code)
	assert.True(reply.IsReply())
	assert.True(reply.IsErrorReply())
	assert.Equal(to.Source, reply.Destination)
	assert.Equal(GenerateReplyID(to.ID), reply.ID)
}
