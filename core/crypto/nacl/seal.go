// seal.go - Sealed storage records.
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
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// SealOverhead is the size difference between a sealed record and its
// plaintext.
const SealOverhead = NonceSize + Overhead

// StretchKey derives a storage key from passphrase and salt.
func StretchKey(passphrase, salt []byte) *[SymmetricKeySize]byte {
	secret := argon2.Key(passphrase, salt, 3, 32*1024, 4, SymmetricKeySize)
	key := new([SymmetricKeySize]byte)
	copy(key[:], secret)
	clear(secret)
	return key
}

// Seal encrypts plaintext under key with a random nonce, which is prefixed
// to the box.
func Seal(key *[SymmetricKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	out := make([]byte, NonceSize, SealOverhead+len(plaintext))
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// Open decrypts a record produced by Seal.
func Open(key *[SymmetricKeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, fmt.Errorf("%w: sealed record length %d", ErrInvalidInput, len(sealed))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: sealed record authentication failed", ErrCrypto)
	}
	return plaintext, nil
}
