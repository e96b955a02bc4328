// nacl.go - NaCl box and secretbox primitives.
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

// Package nacl implements the symmetric crypto engine: XSalsa20-Poly1305
// authenticated encryption over whole buffers and chunked in-place buffers,
// and X25519 key agreement.
package nacl

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/salsa20/salsa"
)

const (
	// PublicKeySize is the size of a X25519 public key in bytes.
	PublicKeySize = 32

	// PrivateKeySize is the size of a X25519 private key in bytes.
	PrivateKeySize = 32

	// SymmetricKeySize is the size of a secretbox key in bytes.
	SymmetricKeySize = 32

	// NonceSize is the size of a nonce in bytes.
	NonceSize = 24

	// Overhead is the authentication tag overhead in bytes.
	Overhead = secretbox.Overhead
)

var (
	// ErrCrypto is the error returned (wrapped) on every cryptographic
	// failure, including authentication failures.
	ErrCrypto = errors.New("nacl: cryptographic failure")

	// ErrInvalidInput is the error returned (wrapped) when a caller violates
	// a precondition such as a key or nonce length.
	ErrInvalidInput = errors.New("nacl: invalid input")
)

// Nonce is a 24 byte XSalsa20 nonce.
type Nonce [NonceSize]byte

// NonceFromBytes copies b into a Nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceSize {
		return n, fmt.Errorf("%w: nonce length %d", ErrInvalidInput, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// SharedSecret is a precomputed box key.
type SharedSecret [SymmetricKeySize]byte

// Wipe zeroes the shared secret.
func (s *SharedSecret) Wipe() {
	clear(s[:])
}

// DeriveSharedSecret computes the precomputed box key for privateKey and
// publicKey (X25519 followed by HSalsa20).
func DeriveSharedSecret(privateKey, publicKey []byte) (*SharedSecret, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidInput, len(privateKey))
	}
	if len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidInput, len(publicKey))
	}

	// X25519 rejects low order points by returning an all zero output error.
	raw, err := curve25519.X25519(privateKey, publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer clear(raw)

	var k [32]byte
	copy(k[:], raw)
	var zeros [16]byte
	s := new(SharedSecret)
	salsa.HSalsa20((*[32]byte)(s), &zeros, &k, &salsa.Sigma)
	clear(k[:])
	return s, nil
}

func keyNonce(key []byte, nonce []byte) (*[32]byte, *[24]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, nil, fmt.Errorf("%w: key length %d", ErrInvalidInput, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, nil, fmt.Errorf("%w: nonce length %d", ErrInvalidInput, len(nonce))
	}
	return (*[32]byte)(key), (*[24]byte)(nonce), nil
}

// Encrypt seals plaintext with key and nonce.  The returned ciphertext is
// Overhead bytes longer than plaintext.
func Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	k, n, err := keyNonce(key, nonce)
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(make([]byte, 0, len(plaintext)+Overhead), plaintext, n, k), nil
}

// Decrypt opens ciphertext with key and nonce.  Any authentication failure
// is reported as ErrCrypto and no plaintext is returned.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	k, n, err := keyNonce(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrCrypto)
	}
	plaintext, ok := secretbox.Open(make([]byte, 0, len(ciphertext)-Overhead), ciphertext, n, k)
	if !ok {
		return nil, fmt.Errorf("%w: message authentication failed", ErrCrypto)
	}
	return plaintext, nil
}
