// session.go - Forward security DH sessions.
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
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fscore/fscore/core/crypto/nacl"
)

// SessionIDLength is the length of a SessionID in bytes.
const SessionIDLength = 16

var (
	// ErrMissingEphemeralPrivateKey is the error returned when an Accept is
	// processed by a session that is not awaiting one.
	ErrMissingEphemeralPrivateKey = errors.New("fs: missing ephemeral private key")

	// ErrIllegalState is the error returned for a session whose ratchets
	// do not form a valid state.
	ErrIllegalState = errors.New("fs: illegal session state")
)

// SessionID identifies a DH session between two identities.
type SessionID [SessionIDLength]byte

// NewSessionID returns a random SessionID.
func NewSessionID(r io.Reader) (SessionID, error) {
	var id SessionID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

// String returns the hex representation of the SessionID.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare orders session IDs by their bytes.
func (id SessionID) Compare(other SessionID) int {
	return bytes.Compare(id[:], other[:])
}

// DHType is the key agreement mode a message was encrypted under.
type DHType uint8

const (
	// TwoDH is the mode before the responder's ephemeral key is known.
	TwoDH DHType = 1

	// FourDH is the full mode.
	FourDH DHType = 2
)

func (t DHType) String() string {
	switch t {
	case TwoDH:
		return "2DH"
	case FourDH:
		return "4DH"
	default:
		return fmt.Sprintf("[invalid DH type: %d]", uint8(t))
	}
}

// State is the state of a Session, derived from which ratchets it holds.
type State int

const (
	// StateL20 is an initiator session that has sent an Init and awaits the
	// Accept.
	StateL20 State = iota

	// StateR20 is a responder session that only holds the peer 2DH ratchet.
	StateR20

	// StateR24 is a responder session that has not yet received a 4DH
	// message.
	StateR24

	// StateRL44 is a session using 4DH in both directions.
	StateRL44
)

func (s State) String() string {
	switch s {
	case StateL20:
		return "L20"
	case StateR20:
		return "R20"
	case StateR24:
		return "R24"
	case StateRL44:
		return "RL44"
	default:
		return fmt.Sprintf("[invalid state: %d]", int(s))
	}
}

// MediaKey is a key negotiated for wrapping group call media keys.
type MediaKey struct {
	Epoch          uint32 `cbor:"epoch"`
	RatchetCounter uint32 `cbor:"ratchet_counter"`
	Material       []byte `cbor:"material"`
}

// Less orders media keys by (Epoch, RatchetCounter).
func (k *MediaKey) Less(other *MediaKey) bool {
	if k.Epoch != other.Epoch {
		return k.Epoch < other.Epoch
	}
	return k.RatchetCounter < other.RatchetCounter
}

// Session is a DH session with one peer.
type Session struct {
	ID           SessionID `cbor:"id"`
	MyIdentity   string    `cbor:"my_identity"`
	PeerIdentity string    `cbor:"peer_identity"`

	// MyEphemeralPrivateKey is discarded once the Accept is processed.
	MyEphemeralPrivateKey *[nacl.PrivateKeySize]byte `cbor:"my_ephemeral_private_key,omitempty"`
	MyEphemeralPublicKey  [nacl.PublicKeySize]byte   `cbor:"my_ephemeral_public_key"`

	MyRatchet2DH   *Ratchet `cbor:"my_ratchet_2dh,omitempty"`
	MyRatchet4DH   *Ratchet `cbor:"my_ratchet_4dh,omitempty"`
	PeerRatchet2DH *Ratchet `cbor:"peer_ratchet_2dh,omitempty"`
	PeerRatchet4DH *Ratchet `cbor:"peer_ratchet_4dh,omitempty"`

	// Current4DHVersions is set once the session has 4DH ratchets.
	Current4DHVersions *DHVersions `cbor:"current_4dh_versions,omitempty"`

	LastOutgoingMessageTimestamp time.Time `cbor:"last_outgoing_message_timestamp"`

	MediaKeys []MediaKey `cbor:"media_keys,omitempty"`
}

// NewInitiatorSession creates a session with a fresh ID and ephemeral key,
// with only the local 2DH ratchet.
func NewInitiatorSession(r io.Reader, contact *Contact, identity IdentityStore) (*Session, error) {
	id, err := NewSessionID(r)
	if err != nil {
		return nil, err
	}
	kp, err := nacl.GenerateKeypair(nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:                    id,
		MyIdentity:            identity.Identity(),
		PeerIdentity:          contact.Identity,
		MyEphemeralPrivateKey: &kp.PrivateKey,
		MyEphemeralPublicKey:  kp.PublicKey,
	}

	ss, err := identity.CalcSharedSecret(contact.PublicKey[:])
	if err != nil {
		return nil, err
	}
	defer ss.Wipe()
	se, err := nacl.DeriveSharedSecret(kp.PrivateKey[:], contact.PublicKey[:])
	if err != nil {
		return nil, err
	}
	defer se.Wipe()

	s.initKDF2DH(ss, se, false)
	return s, nil
}

// NewResponderSession creates a session in response to an Init announcing
// versions and carrying peerEphemeralPublicKey.  The new ephemeral key pair
// is used once and only its public half is kept.
func NewResponderSession(id SessionID, versions VersionRange, peerEphemeralPublicKey []byte, contact *Contact, identity IdentityStore) (*Session, error) {
	if len(peerEphemeralPublicKey) != nacl.PublicKeySize {
		return nil, fmt.Errorf("%w: peer ephemeral public key length %d", nacl.ErrInvalidInput, len(peerEphemeralPublicKey))
	}
	v, err := negotiateVersion(versions)
	if err != nil {
		return nil, err
	}

	kp, err := nacl.GenerateKeypair(nil)
	if err != nil {
		return nil, err
	}
	defer kp.Reset()

	s := &Session{
		ID:                   id,
		MyIdentity:           identity.Identity(),
		PeerIdentity:         contact.Identity,
		MyEphemeralPublicKey: kp.PublicKey,
		Current4DHVersions:   &DHVersions{Local: v, Remote: v},
	}

	ss, err := identity.CalcSharedSecret(contact.PublicKey[:])
	if err != nil {
		return nil, err
	}
	defer ss.Wipe()
	se, err := identity.CalcSharedSecret(peerEphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	defer se.Wipe()
	s.initKDF2DH(ss, se, true)

	es, err := nacl.DeriveSharedSecret(kp.PrivateKey[:], contact.PublicKey[:])
	if err != nil {
		return nil, err
	}
	defer es.Wipe()
	ee, err := nacl.DeriveSharedSecret(kp.PrivateKey[:], peerEphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	defer ee.Wipe()
	s.initKDF4DH(ss, se, es, ee)

	return s, nil
}

// ProcessAccept completes the handshake on the initiator side, with the
// versions announced in the Accept.
func (s *Session) ProcessAccept(versions VersionRange, peerEphemeralPublicKey []byte, contact *Contact, identity IdentityStore) error {
	if s.MyEphemeralPrivateKey == nil {
		return ErrMissingEphemeralPrivateKey
	}
	if len(peerEphemeralPublicKey) != nacl.PublicKeySize {
		return fmt.Errorf("%w: peer ephemeral public key length %d", nacl.ErrInvalidInput, len(peerEphemeralPublicKey))
	}
	v, err := negotiateVersion(versions)
	if err != nil {
		return err
	}
	priv := s.MyEphemeralPrivateKey[:]

	ss, err := identity.CalcSharedSecret(contact.PublicKey[:])
	if err != nil {
		return err
	}
	defer ss.Wipe()
	se, err := nacl.DeriveSharedSecret(priv, contact.PublicKey[:])
	if err != nil {
		return err
	}
	defer se.Wipe()
	es, err := identity.CalcSharedSecret(peerEphemeralPublicKey)
	if err != nil {
		return err
	}
	defer es.Wipe()
	ee, err := nacl.DeriveSharedSecret(priv, peerEphemeralPublicKey)
	if err != nil {
		return err
	}
	defer ee.Wipe()
	s.initKDF4DH(ss, se, es, ee)
	s.Current4DHVersions = &DHVersions{Local: v, Remote: v}

	clear(s.MyEphemeralPrivateKey[:])
	s.MyEphemeralPrivateKey = nil

	// The peer 2DH ratchet is kept until the first 4DH message arrives, as
	// 2DH messages may still be in flight.
	s.MyRatchet2DH = nil
	return nil
}

// DiscardPeerRatchet2DH drops the peer 2DH ratchet once a 4DH message has
// been received.
func (s *Session) DiscardPeerRatchet2DH() {
	s.PeerRatchet2DH = nil
}

// State returns the session state.
func (s *Session) State() (State, error) {
	my2, my4 := s.MyRatchet2DH != nil, s.MyRatchet4DH != nil
	peer2, peer4 := s.PeerRatchet2DH != nil, s.PeerRatchet4DH != nil

	switch {
	case my2 && !my4 && !peer2 && !peer4:
		return StateL20, nil
	case !my2 && !my4 && peer2 && !peer4:
		return StateR20, nil
	case !my2 && my4 && peer2 && peer4:
		return StateR24, nil
	case !my2 && my4 && !peer2 && peer4:
		return StateRL44, nil
	default:
		return 0, fmt.Errorf("%w: session %v (my2DH=%v my4DH=%v peer2DH=%v peer4DH=%v)", ErrIllegalState, s.ID, my2, my4, peer2, peer4)
	}
}

// AcceptMediaKey appends k iff it is newer than every accepted media key.
func (s *Session) AcceptMediaKey(k MediaKey) bool {
	if n := len(s.MediaKeys); n > 0 && !s.MediaKeys[n-1].Less(&k) {
		return false
	}
	s.MediaKeys = append(s.MediaKeys, k)
	return true
}

// String returns a loggable description of the session without any key
// material.
func (s *Session) String() string {
	state, err := s.State()
	if err != nil {
		return fmt.Sprintf("%v (invalid)", s.ID)
	}
	return fmt.Sprintf("%v (%v)", s.ID, state)
}

// Wipe zeroes all key material held by the session.
func (s *Session) Wipe() {
	if s.MyEphemeralPrivateKey != nil {
		clear(s.MyEphemeralPrivateKey[:])
	}
	for _, r := range []*Ratchet{s.MyRatchet2DH, s.MyRatchet4DH, s.PeerRatchet2DH, s.PeerRatchet4DH} {
		if r != nil {
			clear(r.ChainKey[:])
		}
	}
	for i := range s.MediaKeys {
		clear(s.MediaKeys[i].Material)
	}
}

func (s *Session) initKDF2DH(staticStatic, staticEphemeral *nacl.SharedSecret, peer bool) {
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, staticStatic[:]...)
	ikm = append(ikm, staticEphemeral[:]...)
	defer clear(ikm)

	if peer {
		s.PeerRatchet2DH = newRatchet(1, deriveKey(ikm, salt2DHPrefix+s.PeerIdentity))
	} else {
		s.MyRatchet2DH = newRatchet(1, deriveKey(ikm, salt2DHPrefix+s.MyIdentity))
	}
}

func (s *Session) initKDF4DH(staticStatic, staticEphemeral, ephemeralStatic, ephemeralEphemeral *nacl.SharedSecret) {
	ikm := make([]byte, 0, 128)
	for _, k := range []*nacl.SharedSecret{staticStatic, staticEphemeral, ephemeralStatic, ephemeralEphemeral} {
		ikm = append(ikm, k[:]...)
	}
	h := blake2b.Sum512(ikm)
	clear(ikm)
	defer clear(h[:])

	s.MyRatchet4DH = newRatchet(1, deriveKey(h[:], salt4DHPrefix+s.MyIdentity))
	s.PeerRatchet4DH = newRatchet(1, deriveKey(h[:], salt4DHPrefix+s.PeerIdentity))
}
