// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wasm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ava-labs/actorvm/core"
)

const (
	sectionCustom byte = iota
	sectionType
	sectionImport
	sectionFunction
	sectionTable
	sectionMemory
	sectionGlobal
	sectionExport
	sectionStart
	sectionElement
	sectionCode
	sectionData
	sectionDataCount
)

var (
	// Magic starts every wasm binary.
	Magic = []byte{0x00, 'a', 's', 'm'}

	errBadHeader       = errors.New("bad wasm header")
	errTruncated       = errors.New("truncated section")
	errBadLEB          = errors.New("malformed section size")
	errStartNotAllowed = errors.New("start section is not allowed")
)

// readU32 decodes an unsigned LEB128 value of at most 32 bits.
func readU32(b []byte) (uint32, int, error) {
	var (
		v     uint32
		shift uint
	)
	for i := 0; i < len(b) && i < 5; i++ {
		v |= uint32(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errBadLEB
}

// scanSections measures the sections charged on instantiation. Modules
// with a start function are rejected since it would run before the memory
// is attached.
func scanSections(code []byte) (core.SectionSizes, error) {
	var sizes core.SectionSizes
	if len(code) < 8 || !bytes.Equal(code[:4], Magic) {
		return sizes, errBadHeader
	}
	rest := code[8:]
	for len(rest) > 0 {
		id := rest[0]
		size, n, err := readU32(rest[1:])
		if err != nil {
			return sizes, err
		}
		rest = rest[1+n:]
		if uint64(size) > uint64(len(rest)) {
			return sizes, fmt.Errorf("%w: section %d", errTruncated, id)
		}
		switch id {
		case sectionType:
			sizes.Type = size
		case sectionTable:
			sizes.Table = size
		case sectionGlobal:
			sizes.Global = size
		case sectionStart:
			return sizes, errStartNotAllowed
		case sectionElement:
			sizes.Element = size
		case sectionCode:
			sizes.Code = size
		case sectionData:
			sizes.Data = size
		}
		rest = rest[size:]
	}
	return sizes, nil
}
