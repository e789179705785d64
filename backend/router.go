// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package backend routes code to the engine able to run it.
package backend

import (
	"bytes"
	"context"
	"errors"

	"github.com/ava-labs/actorvm/core"
	"github.com/ava-labs/actorvm/processor"
)

var (
	_ processor.Backend      = &Router{}
	_ processor.Instrumenter = &Router{}

	ErrUnknownFormat = errors.New("unknown code format")
)

// Engine prepares and runs one code format.
type Engine interface {
	processor.Backend
	processor.Instrumenter
}

// Route sends code starting with Magic to Engine.
type Route struct {
	Magic  []byte
	Engine Engine
}

// Router picks the engine by the leading bytes of the code.
type Router struct {
	routes []Route
}

func NewRouter(routes ...Route) *Router {
	return &Router{routes: routes}
}

func (r *Router) engine(code []byte) (Engine, error) {
	for _, route := range r.routes {
		if bytes.HasPrefix(code, route.Magic) {
			return route.Engine, nil
		}
	}
	return nil, ErrUnknownFormat
}

func (r *Router) Instrument(original []byte, version uint32) (core.InstrumentedCode, error) {
	e, err := r.engine(original)
	if err != nil {
		return core.InstrumentedCode{}, err
	}
	return e.Instrument(original, version)
}

func (r *Router) Execute(ctx context.Context, code *core.InstrumentedCode, kind core.DispatchKind, ext *processor.Ext) error {
	e, err := r.engine(code.Bytes)
	if err != nil {
		return err
	}
	return e.Execute(ctx, code, kind, ext)
}
