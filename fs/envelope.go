// envelope.go - Forward security envelopes.
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

	"github.com/fxamacker/cbor/v2"
)

const envelopeVersion = 1

// ErrBadEnvelope is the error returned for a malformed envelope.
var ErrBadEnvelope = errors.New("fs: malformed envelope")

type envelopeType uint8

const (
	envelopeInit envelopeType = iota + 1
	envelopeAccept
	envelopeReject
	envelopeTerminate
	envelopeMessage
)

// Data is the payload of a forward security envelope: one of *Init,
// *Accept, *Reject, *Terminate or *Message.
type Data interface {
	// SessionID returns the session the envelope refers to.
	SessionID() SessionID

	envelopeType() envelopeType
}

// Envelope is a decoded forward security envelope together with the ID of
// the message that carried it.
type Envelope struct {
	MessageID MessageID
	Data      Data
}

// RejectCause is the reason a message was rejected.
type RejectCause uint8

const (
	RejectUnknownSession RejectCause = iota
	RejectStateMismatch
	RejectDisabledByLocal
)

func (c RejectCause) String() string {
	switch c {
	case RejectUnknownSession:
		return "UNKNOWN_SESSION"
	case RejectStateMismatch:
		return "STATE_MISMATCH"
	case RejectDisabledByLocal:
		return "DISABLED_BY_LOCAL"
	default:
		return fmt.Sprintf("[invalid reject cause: %d]", uint8(c))
	}
}

// TerminateCause is the reason a session was terminated.
type TerminateCause uint8

const (
	TerminateUnknownSession TerminateCause = iota
	TerminateReset
	TerminateDisabledByLocal
	TerminateDisabledByRemote
)

func (c TerminateCause) String() string {
	switch c {
	case TerminateUnknownSession:
		return "UNKNOWN_SESSION"
	case TerminateReset:
		return "RESET"
	case TerminateDisabledByLocal:
		return "DISABLED_BY_LOCAL"
	case TerminateDisabledByRemote:
		return "DISABLED_BY_REMOTE"
	default:
		return fmt.Sprintf("[invalid terminate cause: %d]", uint8(c))
	}
}

// Init starts a session.
type Init struct {
	ID                 SessionID    `cbor:"session_id"`
	Versions           VersionRange `cbor:"versions"`
	EphemeralPublicKey []byte       `cbor:"ephemeral_public_key"`
	Nickname           string       `cbor:"nickname,omitempty"`
}

// SessionID implements Data.
func (e *Init) SessionID() SessionID { return e.ID }
func (e *Init) envelopeType() envelopeType { return envelopeInit }

// Accept completes the handshake started by an Init.
type Accept struct {
	ID                 SessionID    `cbor:"session_id"`
	Versions           VersionRange `cbor:"versions"`
	EphemeralPublicKey []byte       `cbor:"ephemeral_public_key"`
	MediaKeys          []MediaKey   `cbor:"media_keys,omitempty"`
}

// SessionID implements Data.
func (e *Accept) SessionID() SessionID { return e.ID }
func (e *Accept) envelopeType() envelopeType { return envelopeAccept }

// Reject reports that a message could not be decrypted.
type Reject struct {
	ID                SessionID      `cbor:"session_id"`
	RejectedMessageID MessageID      `cbor:"rejected_message_id"`
	GroupIdentity     *GroupIdentity `cbor:"group_identity,omitempty"`
	Cause             RejectCause    `cbor:"cause"`
}

// SessionID implements Data.
func (e *Reject) SessionID() SessionID { return e.ID }
func (e *Reject) envelopeType() envelopeType { return envelopeReject }

// Terminate ends a session.
type Terminate struct {
	ID    SessionID      `cbor:"session_id"`
	Cause TerminateCause `cbor:"cause"`
}

// SessionID implements Data.
func (e *Terminate) SessionID() SessionID { return e.ID }
func (e *Terminate) envelopeType() envelopeType { return envelopeTerminate }

// Message is an encapsulated message.
type Message struct {
	ID             SessionID      `cbor:"session_id"`
	DHType         DHType         `cbor:"dh_type"`
	Counter        uint64         `cbor:"counter"`
	OfferedVersion Version        `cbor:"offered_version,omitempty"`
	AppliedVersion Version        `cbor:"applied_version,omitempty"`
	GroupIdentity  *GroupIdentity `cbor:"group_identity,omitempty"`
	Ciphertext     []byte         `cbor:"ciphertext"`
}

// SessionID implements Data.
func (e *Message) SessionID() SessionID { return e.ID }
func (e *Message) envelopeType() envelopeType { return envelopeMessage }

type wireEnvelope struct {
	Version uint8           `cbor:"version"`
	Type    envelopeType    `cbor:"type"`
	Body    cbor.RawMessage `cbor:"body"`
}

// EncodeEnvelope serializes d.
func EncodeEnvelope(d Data) ([]byte, error) {
	body, err := cbor.Marshal(d)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&wireEnvelope{
		Version: envelopeVersion,
		Type:    d.envelopeType(),
		Body:    body,
	})
}

// DecodeEnvelope deserializes an envelope produced by EncodeEnvelope.
func DecodeEnvelope(b []byte) (Data, error) {
	var w wireEnvelope
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if w.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, w.Version)
	}

	var d Data
	switch w.Type {
	case envelopeInit:
		d = new(Init)
	case envelopeAccept:
		d = new(Accept)
	case envelopeReject:
		d = new(Reject)
	case envelopeTerminate:
		d = new(Terminate)
	case envelopeMessage:
		d = new(Message)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrBadEnvelope, w.Type)
	}
	if err := cbor.Unmarshal(w.Body, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return d, nil
}
