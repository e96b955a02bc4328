// padding.go - Message padding and framing.
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
	"io"

	"github.com/fxamacker/cbor/v2"
)

const minPaddedLength = 32

var (
	// ErrBadPadding is the error returned for a plaintext with invalid
	// padding.
	ErrBadPadding = errors.New("fs: invalid padding")

	// ErrBadFrame is the error returned for a malformed message frame.
	ErrBadFrame = errors.New("fs: malformed frame")
)

// pad appends between 1 and 255 padding bytes to b, each holding the padding
// length, so that the result is at least minPaddedLength bytes.
func pad(r io.Reader, b []byte) ([]byte, error) {
	var rb [1]byte
	if _, err := io.ReadFull(r, rb[:]); err != nil {
		return nil, err
	}
	n := int(rb[0])
	if n == 0 {
		n = 1
	}
	if len(b)+n < minPaddedLength {
		n = minPaddedLength - len(b)
	}
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out, nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}

// EncodeFrame returns the plaintext carried in the outer box for m: the
// message type followed by the body.  Forward security envelopes are
// already padded inside and are framed without further padding.
func EncodeFrame(r io.Reader, m *InnerMessage) ([]byte, error) {
	if m.IsForwardSecurityEnvelope() {
		b := make([]byte, 0, 1+MessageIDLength+len(m.Body))
		b = append(b, m.Type)
		b = append(b, m.ID[:]...)
		return append(b, m.Body...), nil
	}

	body, err := encodeInner(r, m)
	if err != nil {
		return nil, err
	}
	return append([]byte{m.Type}, body...), nil
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(b []byte) (*InnerMessage, error) {
	if len(b) < 1 {
		return nil, ErrBadFrame
	}
	if b[0] == TypeForwardSecurityEnvelope {
		if len(b) < 1+MessageIDLength {
			return nil, ErrBadFrame
		}
		m := &InnerMessage{Type: TypeForwardSecurityEnvelope}
		copy(m.ID[:], b[1:])
		m.Body = b[1+MessageIDLength:]
		return m, nil
	}

	m, err := decodeInner(b[1:])
	if err != nil {
		return nil, err
	}
	if m.Type != b[0] {
		return nil, fmt.Errorf("%w: type mismatch", ErrBadFrame)
	}
	return m, nil
}

func encodeInner(r io.Reader, m *InnerMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, err
	}
	return pad(r, b)
}

func decodeInner(b []byte) (*InnerMessage, error) {
	b, err := unpad(b)
	if err != nil {
		return nil, err
	}
	m := new(InnerMessage)
	if err = cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if m.IsForwardSecurityEnvelope() {
		return nil, fmt.Errorf("%w: nested forward security envelope", ErrBadFrame)
	}
	return m, nil
}
