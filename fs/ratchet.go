// ratchet.go - KDF chain ratchet.
// Copyright (C) 2026  The fscore authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fs

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	kdfPersonal = "3ma-e2e"

	saltChainKey      = "kdf-ck"
	saltEncryptionKey = "kdf-aek"
	salt2DHPrefix     = "ke-2dh-"
	salt4DHPrefix     = "ke-4dh-"

	// MaxCounterIncrement is the largest number of turns a peer ratchet
	// will make to catch up with an incoming message.
	MaxCounterIncrement = 25000
)

// ErrRatchetRotation is the error returned when a ratchet can not be turned
// to the requested counter.
var ErrRatchetRotation = errors.New("fs: ratchet can not be rotated to the requested counter")

// deriveKey is keyed BLAKE2b-256 with the personalization and salt
// prepended to the (otherwise empty) message, as the x/crypto BLAKE2b does
// not expose the parameter block.
func deriveKey(key []byte, salt string) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		panic("BUG: fs: invalid BLAKE2b key: " + err.Error())
	}
	h.Write([]byte(kdfPersonal))
	h.Write([]byte{0})
	h.Write([]byte(salt))

	var k [32]byte
	h.Sum(k[:0])
	return k
}

// Ratchet is a KDF chain.  Every turn replaces the chain key with one
// derived from it, so earlier keys can not be recomputed from the current
// state.
type Ratchet struct {
	Counter  uint64   `cbor:"counter"`
	ChainKey [32]byte `cbor:"chain_key"`
}

func newRatchet(counter uint64, chainKey [32]byte) *Ratchet {
	return &Ratchet{
		Counter:  counter,
		ChainKey: chainKey,
	}
}

// Turn advances the ratchet by one step.
func (r *Ratchet) Turn() {
	next := deriveKey(r.ChainKey[:], saltChainKey)
	clear(r.ChainKey[:])
	r.ChainKey = next
	r.Counter++
}

// TurnUntil turns the ratchet until its counter equals target, and returns
// the number of turns made.
func (r *Ratchet) TurnUntil(target uint64) (uint64, error) {
	if target < r.Counter {
		return 0, fmt.Errorf("%w: target %d is behind counter %d", ErrRatchetRotation, target, r.Counter)
	}
	if target-r.Counter > MaxCounterIncrement {
		return 0, fmt.Errorf("%w: target %d is too far ahead of counter %d", ErrRatchetRotation, target, r.Counter)
	}

	n := target - r.Counter
	for r.Counter < target {
		r.Turn()
	}
	return n, nil
}

// EncryptionKey returns the message key for the current counter.
func (r *Ratchet) EncryptionKey() [32]byte {
	return deriveKey(r.ChainKey[:], saltEncryptionKey)
}
