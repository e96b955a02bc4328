// session_test.go - DH session tests.
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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	"github.com/fscore/fscore/core/crypto/nacl"
)

func newTestIdentity(t *testing.T, identity string) (*StaticIdentity, *Contact) {
	kp, err := nacl.GenerateKeypair(nil)
	require.NoError(t, err)
	return NewStaticIdentity(identity, kp, ""), &Contact{
		Identity:    identity,
		PublicKey:   kp.PublicKey,
		FeatureMask: FeatureForwardSecurity,
	}
}

func TestSessionHandshake(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	alice, aliceContact := newTestIdentity(t, "ALICE001")
	bob, bobContact := newTestIdentity(t, "BOB00001")

	initiator, err := NewInitiatorSession(rand.Reader, bobContact, alice)
	require.NoError(err)
	state, err := initiator.State()
	require.NoError(err)
	assert.Equal(StateL20, state)
	require.NotNil(initiator.MyEphemeralPrivateKey)

	responder, err := NewResponderSession(initiator.ID, SupportedVersions, initiator.MyEphemeralPublicKey[:], aliceContact, bob)
	require.NoError(err)
	assert.Equal(&DHVersions{Local: MaxSupportedVersion, Remote: MaxSupportedVersion}, responder.Current4DHVersions)
	state, err = responder.State()
	require.NoError(err)
	assert.Equal(StateR24, state)
	assert.Nil(responder.MyEphemeralPrivateKey, "responder keeps no ephemeral private key")

	assert.Equal(initiator.MyRatchet2DH.ChainKey, responder.PeerRatchet2DH.ChainKey, "2DH agreement")

	assert.Equal(MinSupportedVersion, initiator.OutgoingAppliedVersion(), "no 4DH yet")
	err = initiator.ProcessAccept(VersionRange{Min: Version10, Max: Version11}, responder.MyEphemeralPublicKey[:], bobContact, alice)
	require.NoError(err)
	assert.Equal(&DHVersions{Local: Version11, Remote: Version11}, initiator.Current4DHVersions, "highest common version")
	assert.Equal(Version11, initiator.OutgoingAppliedVersion())
	state, err = initiator.State()
	require.NoError(err)
	assert.Equal(StateRL44, state)
	assert.Nil(initiator.MyEphemeralPrivateKey, "ephemeral private key discarded")
	assert.Nil(initiator.MyRatchet2DH)

	assert.Equal(initiator.MyRatchet4DH.ChainKey, responder.PeerRatchet4DH.ChainKey, "4DH agreement")
	assert.Equal(initiator.PeerRatchet4DH.ChainKey, responder.MyRatchet4DH.ChainKey, "4DH agreement")
	assert.NotEqual(initiator.MyRatchet4DH.ChainKey, initiator.PeerRatchet4DH.ChainKey, "directions differ")

	err = initiator.ProcessAccept(SupportedVersions, responder.MyEphemeralPublicKey[:], bobContact, alice)
	require.ErrorIs(err, ErrMissingEphemeralPrivateKey, "second Accept")

	responder.DiscardPeerRatchet2DH()
	state, err = responder.State()
	require.NoError(err)
	assert.Equal(StateRL44, state)

	_, err = NewResponderSession(initiator.ID, SupportedVersions, []byte{1, 2, 3}, aliceContact, bob)
	require.ErrorIs(err, nacl.ErrInvalidInput)
	_, err = NewResponderSession(initiator.ID, SupportedVersions, make([]byte, nacl.PublicKeySize), aliceContact, bob)
	require.ErrorIs(err, nacl.ErrCrypto, "low order ephemeral key")
	_, err = NewResponderSession(initiator.ID, VersionRange{Min: 0x0200, Max: 0x0201}, initiator.MyEphemeralPublicKey[:], aliceContact, bob)
	require.ErrorIs(err, ErrUnsupportedVersion)

	responder.PeerRatchet4DH = nil
	_, err = responder.State()
	require.ErrorIs(err, ErrIllegalState)
}

func TestMediaKeys(t *testing.T) {
	assert := assert.New(t)

	s := new(Session)
	assert.True(s.AcceptMediaKey(MediaKey{Epoch: 0, RatchetCounter: 0}))
	assert.True(s.AcceptMediaKey(MediaKey{Epoch: 0, RatchetCounter: 5}))
	assert.False(s.AcceptMediaKey(MediaKey{Epoch: 0, RatchetCounter: 5}), "same ordinal")
	assert.False(s.AcceptMediaKey(MediaKey{Epoch: 0, RatchetCounter: 4}), "lower counter")
	assert.True(s.AcceptMediaKey(MediaKey{Epoch: 1, RatchetCounter: 0}), "higher epoch")
	assert.False(s.AcceptMediaKey(MediaKey{Epoch: 0, RatchetCounter: 9}), "lower epoch")
	assert.Len(s.MediaKeys, 3)
}

func TestPadding(t *testing.T) {
	require := require.New(t)

	for _, sz := range []int{0, 1, 31, 32, 100} {
		b := bytes.Repeat([]byte{0xaa}, sz)
		padded, err := pad(rand.Reader, b)
		require.NoError(err)
		require.GreaterOrEqual(len(padded), minPaddedLength)
		require.Greater(len(padded), sz)

		out, err := unpad(padded)
		require.NoError(err)
		require.Equal(b, out)
	}

	_, err := unpad(nil)
	require.ErrorIs(err, ErrBadPadding)
	_, err = unpad([]byte{1, 2, 0})
	require.ErrorIs(err, ErrBadPadding)
	_, err = unpad([]byte{9, 2})
	require.ErrorIs(err, ErrBadPadding)
	_, err = unpad([]byte{1, 3, 3})
	require.ErrorIs(err, ErrBadPadding)
}

func TestFrame(t *testing.T) {
	require := require.New(t)

	text := &InnerMessage{
		Type:  0x01,
		Body:  []byte("hello"),
		Group: &GroupIdentity{Creator: "ALICE001", GroupID: 7},
	}
	text.ID[0] = 1

	b, err := EncodeFrame(rand.Reader, text)
	require.NoError(err)
	require.Equal(byte(0x01), b[0])
	m, err := DecodeFrame(b)
	require.NoError(err)
	require.Equal(text, m)

	body, err := EncodeEnvelope(&Terminate{Cause: TerminateReset})
	require.NoError(err)
	env := &InnerMessage{Type: TypeForwardSecurityEnvelope, Body: body}
	env.ID[7] = 9
	b, err = EncodeFrame(rand.Reader, env)
	require.NoError(err)
	require.Len(b, 1+MessageIDLength+len(body), "envelopes are not padded twice")
	m, err = DecodeFrame(b)
	require.NoError(err)
	require.Equal(env, m)

	_, err = DecodeFrame(nil)
	require.ErrorIs(err, ErrBadFrame)
	b, err = EncodeFrame(rand.Reader, text)
	require.NoError(err)
	b[0] = 0x02
	_, err = DecodeFrame(b)
	require.ErrorIs(err, ErrBadFrame, "type mismatch")
}

func TestEnvelope(t *testing.T) {
	require := require.New(t)

	var id SessionID
	id[0] = 0xff
	reject := &Reject{
		ID:            id,
		GroupIdentity: &GroupIdentity{Creator: "BOB00001", GroupID: 1},
		Cause:         RejectStateMismatch,
	}
	reject.RejectedMessageID[3] = 3

	for _, d := range []Data{
		&Init{ID: id, Versions: SupportedVersions, EphemeralPublicKey: bytes.Repeat([]byte{1}, 32), Nickname: "alice"},
		&Accept{ID: id, Versions: SupportedVersions, EphemeralPublicKey: bytes.Repeat([]byte{2}, 32), MediaKeys: []MediaKey{{Epoch: 1, Material: []byte{9}}}},
		reject,
		&Terminate{ID: id, Cause: TerminateDisabledByRemote},
		&Message{ID: id, DHType: FourDH, Counter: 42, OfferedVersion: Version12, AppliedVersion: Version11, Ciphertext: []byte("ciphertext")},
	} {
		b, err := EncodeEnvelope(d)
		require.NoError(err, "%T", d)
		out, err := DecodeEnvelope(b)
		require.NoError(err, "%T", d)
		require.Equal(d, out)
		require.Equal(id, out.SessionID())
	}

	_, err := DecodeEnvelope([]byte("garbage"))
	require.ErrorIs(err, ErrBadEnvelope)
}
