// chunked.go - Chunked in-place secretbox.
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
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20/salsa"
)

// DefaultChunkSize is the default chunk size used by the in-place
// operations.
const DefaultChunkSize = 1024 * 1024

const blockSize = 64

// keyStream is a resumable XSalsa20 keystream, so that a message can be
// processed in chunks that do not fall on block boundaries.
type keyStream struct {
	key     [32]byte
	counter [16]byte
	block   [blockSize]byte
	off     int
}

func newKeyStream(key *[32]byte, nonce *[24]byte) *keyStream {
	s := new(keyStream)
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	salsa.HSalsa20(&s.key, &hNonce, key, &salsa.Sigma)
	copy(s.counter[:8], nonce[16:])
	s.off = blockSize
	return s
}

func (s *keyStream) next() {
	clear(s.block[:])
	salsa.XORKeyStream(s.block[:], s.block[:], &s.counter, &s.key)
	s.advance(1)
	s.off = 0
}

func (s *keyStream) advance(blocks uint64) {
	c := binary.LittleEndian.Uint64(s.counter[8:])
	binary.LittleEndian.PutUint64(s.counter[8:], c+blocks)
}

// polyKey consumes the first 32 bytes of keystream, which secretbox uses as
// the one time Poly1305 key.
func (s *keyStream) polyKey() *[32]byte {
	s.next()
	var k [32]byte
	copy(k[:], s.block[:32])
	s.off = 32
	return &k
}

// xor XORs b in place with the keystream.
func (s *keyStream) xor(b []byte) {
	if s.off < blockSize {
		n := subtle.XORBytes(b, b, s.block[s.off:])
		s.off += n
		b = b[n:]
	}
	if full := len(b) / blockSize * blockSize; full > 0 {
		salsa.XORKeyStream(b[:full], b[:full], &s.counter, &s.key)
		s.advance(uint64(full / blockSize))
		b = b[full:]
	}
	if len(b) > 0 {
		s.next()
		s.off = subtle.XORBytes(b, b, s.block[:])
	}
}

func (s *keyStream) wipe() {
	clear(s.key[:])
	clear(s.block[:])
}

func validateInPlace(buf, key, nonce []byte, chunkSize int) (*[32]byte, *[24]byte, error) {
	if len(buf) < Overhead {
		return nil, nil, fmt.Errorf("%w: buffer length %d is shorter than the %d byte overhead", ErrInvalidInput, len(buf), Overhead)
	}
	if chunkSize <= 0 || chunkSize%2 != 0 {
		return nil, nil, fmt.Errorf("%w: chunk size %d must be positive and even", ErrInvalidInput, chunkSize)
	}
	return keyNonce(key, nonce)
}

// EncryptInPlace encrypts buf in place.  The first Overhead bytes of buf are
// reserved for the authentication tag and the plaintext follows them.  On
// return buf holds the tag followed by the ciphertext, identical to the
// output of Encrypt.
func EncryptInPlace(buf, key, nonce []byte, chunkSize int) error {
	k, n, err := validateInPlace(buf, key, nonce, chunkSize)
	if err != nil {
		return err
	}

	s := newKeyStream(k, n)
	defer s.wipe()
	mac := poly1305.New(s.polyKey())

	data := buf[Overhead:]
	for off := 0; off < len(data); off += chunkSize {
		chunk := data[off:min(off+chunkSize, len(data))]
		s.xor(chunk)
		mac.Write(chunk)
	}
	mac.Sum(buf[:0])
	return nil
}

// DecryptInPlace decrypts a buffer produced by EncryptInPlace.  On success
// buf holds the plaintext followed by Overhead zero bytes.  On failure the
// entire buffer is zeroed and ErrCrypto is returned.
func DecryptInPlace(buf, key, nonce []byte, chunkSize int) error {
	k, n, err := validateInPlace(buf, key, nonce, chunkSize)
	if err != nil {
		return err
	}

	var tag [Overhead]byte
	copy(tag[:], buf[:Overhead])

	s := newKeyStream(k, n)
	defer s.wipe()
	mac := poly1305.New(s.polyKey())

	for off := Overhead; off < len(buf); off += chunkSize {
		end := min(off+chunkSize, len(buf))
		chunk := buf[off:end]
		mac.Write(chunk)
		s.xor(chunk)
		copy(buf[off-Overhead:], chunk)
	}
	clear(buf[len(buf)-Overhead:])

	if !mac.Verify(tag[:]) {
		clear(buf)
		return fmt.Errorf("%w: message authentication failed", ErrCrypto)
	}
	return nil
}
