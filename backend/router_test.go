// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

type namedEngine string

func (e namedEngine) Instrument(original []byte, version uint32) (core.InstrumentedCode, error) {
	return core.InstrumentedCode{Bytes: []byte(e), Version: version}, nil
}

func (namedEngine) Execute(context.Context, *core.InstrumentedCode, core.DispatchKind, *processor.Ext) error {
	return nil
}

func TestRouter(t *testing.T) {
	assert := assert.New(t)
	r := NewRouter(
		Route{Magic: []byte{0x00, 'a'}, Engine: namedEngine("first")},
		Route{Magic: []byte{0x00, 'b'}, Engine: namedEngine("second")},
	)

	code, err := r.Instrument([]byte{0x00, 'b', 1, 2}, 7)
	assert.NoError(err)
	assert.Equal([]byte("second"), code.Bytes)
	assert.EqualValues(7, code.Version)

	_, err = r.Instrument([]byte{0x01}, 7)
	assert.ErrorIs(err, ErrUnknownFormat)
	assert.ErrorIs(r.Execute(context.Background(), &core.InstrumentedCode{}, core.KindHandle, nil), ErrUnknownFormat)
	assert.NoError(r.Execute(context.Background(), &core.InstrumentedCode{Bytes: []byte{0x00, 'a'}}, core.KindHandle, nil))
}
