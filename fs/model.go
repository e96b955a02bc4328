// model.go - Contacts, messages and collaborator interfaces.
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
	"context"
	"encoding/hex"
	"io"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/nonce"
)

const (
	// FeatureForwardSecurity is the contact feature mask bit advertising
	// forward security support.
	FeatureForwardSecurity uint64 = 0x40

	// MessageIDLength is the length of a MessageID in bytes.
	MessageIDLength = 8
)

// Inner message types handled by this package.
const (
	TypeForwardSecurityEnvelope uint8 = 0xa0
	TypeEmpty                   uint8 = 0xfc
)

// Contact is a peer identity.
type Contact struct {
	Identity    string
	PublicKey   [nacl.PublicKeySize]byte
	FeatureMask uint64
}

// SupportsForwardSecurity returns true iff the contact advertises forward
// security support.
func (c *Contact) SupportsForwardSecurity() bool {
	return c.FeatureMask&FeatureForwardSecurity != 0
}

// GroupIdentity identifies a group by its creator and ID.
type GroupIdentity struct {
	Creator string `cbor:"creator"`
	GroupID uint64 `cbor:"group_id"`
}

// IsEmpty returns true iff g does not reference a group.
func (g *GroupIdentity) IsEmpty() bool {
	return g == nil || (g.Creator == "" && g.GroupID == 0)
}

// MessageID identifies a message.
type MessageID [MessageIDLength]byte

// NewMessageID returns a random MessageID.
func NewMessageID(r io.Reader) (MessageID, error) {
	var id MessageID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// InnerMessage is a message as seen by the application.
type InnerMessage struct {
	ID    MessageID      `cbor:"id"`
	Type  uint8          `cbor:"type"`
	Body  []byte         `cbor:"body"`
	Group *GroupIdentity `cbor:"group,omitempty"`
}

// IsForwardSecurityEnvelope returns true iff m carries a forward security
// envelope.
func (m *InnerMessage) IsForwardSecurityEnvelope() bool {
	return m.Type == TypeForwardSecurityEnvelope
}

// OutgoingEnvelope is a message handed to the Transport.
type OutgoingEnvelope struct {
	Recipient string
	Nonce     nonce.Nonce
	Message   *InnerMessage
}

// IdentityStore is the local identity.
type IdentityStore interface {
	Identity() string

	// Nickname is announced to peers in Init envelopes, and may be empty.
	Nickname() string

	PublicKey() [nacl.PublicKeySize]byte
	CalcSharedSecret(publicKey []byte) (*nacl.SharedSecret, error)
}

// ContactStore looks up contacts.  An unknown identity returns nil.
type ContactStore interface {
	Contact(identity string) (*Contact, error)
}

// Transport sends envelopes to peers.  Send returns once the envelope has
// been acknowledged.
type Transport interface {
	Send(ctx context.Context, env *OutgoingEnvelope) error
}

// NonceSource hands out and records CSP nonces.
type NonceSource interface {
	Next(nonce.Scope) (nonce.Nonce, error)
	Store(nonce.Scope, nonce.Nonce) (bool, error)
}

// StaticIdentity is an IdentityStore backed by an in-memory key pair.
type StaticIdentity struct {
	identity string
	nickname string
	keypair  *nacl.KeyPair
}

// NewStaticIdentity creates an IdentityStore for identity and keypair,
// announcing nickname.
func NewStaticIdentity(identity string, keypair *nacl.KeyPair, nickname string) *StaticIdentity {
	return &StaticIdentity{
		identity: identity,
		nickname: nickname,
		keypair:  keypair,
	}
}

// Identity returns the identity string.
func (i *StaticIdentity) Identity() string {
	return i.identity
}

// Nickname returns the announced nickname.
func (i *StaticIdentity) Nickname() string {
	return i.nickname
}

// PublicKey returns the identity public key.
func (i *StaticIdentity) PublicKey() [nacl.PublicKeySize]byte {
	return i.keypair.PublicKey
}

// PrivateKey returns the identity private key.
func (i *StaticIdentity) PrivateKey() []byte {
	return i.keypair.PrivateKey[:]
}

// CalcSharedSecret derives the shared secret with publicKey.
func (i *StaticIdentity) CalcSharedSecret(publicKey []byte) (*nacl.SharedSecret, error) {
	return nacl.DeriveSharedSecret(i.keypair.PrivateKey[:], publicKey)
}

// Wipe zeroes the private key.
func (i *StaticIdentity) Wipe() {
	i.keypair.Reset()
}
