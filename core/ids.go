// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"encoding/binary"

	"github.com/ava-labs/avalanchego/ids"
	"golang.org/x/crypto/blake2b"
)

// Identifiers used across the engine. All of them are 32 byte hashes so that
// they can be used directly as database keys and serialized by the codec.
type (
	ActorID       = ids.ID
	ProgramID     = ids.ID
	MessageID     = ids.ID
	CodeID        = ids.ID
	ReservationID = ids.ID
)

// Value is the unit of attached balance.
type Value = uint64

var (
	programSalt     = []byte("program_from_user")
	childSalt       = []byte("program_from_program")
	outgoingSalt    = []byte("outgoing")
	replySalt       = []byte("reply")
	signalSalt      = []byte("signal")
	reservationSalt = []byte("reservation")
	externalSalt    = []byte("external")
	holdSalt        = []byte("hold")
)

func hashOf(parts ...[]byte) ids.ID {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var id ids.ID
	copy(id[:], h.Sum(nil))
	return id
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// GenerateCodeID returns the content address of [code].
func GenerateCodeID(code []byte) CodeID {
	return blake2b.Sum256(code)
}

// GenerateProgramID returns the id of a program uploaded by a user.
func GenerateProgramID(codeID CodeID, salt []byte) ProgramID {
	return hashOf(programSalt, codeID[:], salt)
}

// GenerateChildProgramID returns the id of a program created by another
// program while handling [origin].
func GenerateChildProgramID(codeID CodeID, salt []byte, origin MessageID) ProgramID {
	return hashOf(childSalt, codeID[:], salt, origin[:])
}

// GenerateOutgoingID returns the id of the [nonce]-th message sent while
// handling [origin].
func GenerateOutgoingID(origin MessageID, nonce uint32) MessageID {
	return hashOf(outgoingSalt, origin[:], u64(uint64(nonce)))
}

// GenerateReplyID returns the id of the reply to [origin]. There is at most
// one reply per message.
func GenerateReplyID(origin MessageID) MessageID {
	return hashOf(replySalt, origin[:])
}

// GenerateSignalID returns the id of the signal sent because of [origin].
func GenerateSignalID(origin MessageID) MessageID {
	return hashOf(signalSalt, origin[:])
}

// GenerateReservationID returns the id of the [nonce]-th reservation made
// while handling [origin].
func GenerateReservationID(origin MessageID, nonce uint64) ReservationID {
	return hashOf(reservationSalt, origin[:], u64(nonce))
}

// GenerateExternalID returns the id of a message sent by a user.
func GenerateExternalID(user ActorID, nonce uint64) MessageID {
	return hashOf(externalSalt, user[:], u64(nonce))
}

// GenerateHoldID returns the key of the gas node paying for the delayed
// delivery of [origin].
func GenerateHoldID(origin MessageID) ids.ID {
	return hashOf(holdSalt, origin[:])
}

// RandomSeed derives a deterministic seed from block data and a subject.
func RandomSeed(seed []byte, subject []byte) [32]byte {
	return hashOf(seed, subject)
}
