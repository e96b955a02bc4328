// keypair.go - X25519 key pairs.
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

package nacl

import (
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/katzenpost/hpqc/rand"
)

// KeyPair is a X25519 key pair.
type KeyPair struct {
	PublicKey  [PublicKeySize]byte
	PrivateKey [PrivateKeySize]byte
}

// Reset zeroes the private key.
func (k *KeyPair) Reset() {
	clear(k.PrivateKey[:])
}

// GenerateKeypair generates a new key pair.  If seed is not nil it must be
// exactly PrivateKeySize bytes, and is XORed into the random private key.
func GenerateKeypair(seed []byte) (*KeyPair, error) {
	return generateKeypair(rand.Reader, seed)
}

func generateKeypair(r io.Reader, seed []byte) (*KeyPair, error) {
	if seed != nil && len(seed) != PrivateKeySize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidInput, len(seed))
	}

	k := new(KeyPair)
	if _, err := io.ReadFull(r, k.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if seed != nil {
		subtle.XORBytes(k.PrivateKey[:], k.PrivateKey[:], seed)
	}

	pub, err := DerivePublicKey(k.PrivateKey[:])
	if err != nil {
		k.Reset()
		return nil, err
	}
	copy(k.PublicKey[:], pub)
	return k, nil
}

// DerivePublicKey returns the public key for privateKey.
func DerivePublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidInput, len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return pub, nil
}
