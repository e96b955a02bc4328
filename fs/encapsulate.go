// encapsulate.go - Outgoing message encapsulation.
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
	"fmt"
	"time"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/nonce"
)

// KeepAliveInterval is the age of the last outgoing message after which an
// empty message is sent ahead of the next one, to keep the session fresh.
const KeepAliveInterval = 24 * time.Hour

// EncryptionResult is the outcome of RunEncapsulationSteps: the envelopes
// to send, in order, and the session state to commit once they have all
// been acknowledged.
type EncryptionResult struct {
	Outgoing []*OutgoingEnvelope

	// DHType is the mode the message was encapsulated in, 0 if it was not.
	DHType DHType

	session *Session
}

// RunEncapsulationSteps prepares inner for sending to recipient with nonce
// n.  The message is encapsulated if both sides support forward security,
// preceded by an Init if there is no session, or by an empty message if
// the session has been idle for KeepAliveInterval.  Messages that already
// are forward security envelopes are never encapsulated again.
func (p *Processor) RunEncapsulationSteps(recipient *Contact, inner *InnerMessage, n nonce.Nonce) (*EncryptionResult, error) {
	result := new(EncryptionResult)
	messages := []*InnerMessage{inner}

	if p.Enabled() && recipient.SupportsForwardSecurity() && !inner.IsForwardSecurityEnvelope() {
		var err error
		messages, err = p.makeMessages(recipient, inner, result)
		if err != nil {
			return nil, err
		}
	}

	for i, m := range messages {
		env := &OutgoingEnvelope{
			Recipient: recipient.Identity,
			Message:   m,
		}
		if i == len(messages)-1 {
			env.Nonce = n
		} else {
			var err error
			if env.Nonce, err = p.nonces.Next(nonce.ScopeCSP); err != nil {
				return nil, err
			}
		}
		result.Outgoing = append(result.Outgoing, env)
	}
	return result, nil
}

func (p *Processor) makeMessages(contact *Contact, inner *InnerMessage, result *EncryptionResult) ([]*InnerMessage, error) {
	var messages []*InnerMessage

	session, err := p.sessions.GetBest(p.identity.Identity(), contact.Identity)
	if err != nil {
		return nil, err
	}
	isExisting := session != nil
	now := p.now()

	if !isExisting {
		if session, err = NewInitiatorSession(p.rand, contact, p.identity); err != nil {
			return nil, err
		}
		// The session is only stored once the Init has been acknowledged,
		// so that a retried send starts over with a new session.
		session.LastOutgoingMessageTimestamp = now
		p.log.Debugf("Starting new DH session %v with %v", session.ID, contact.Identity)
		p.bus.Publish(&SessionInitiatedEvent{
			SessionID: session.ID,
			Peer:      contact.Identity,
		})

		init, err := p.initMessage(session)
		if err != nil {
			return nil, err
		}
		messages = append(messages, init)
	} else if now.Sub(session.LastOutgoingMessageTimestamp) >= KeepAliveInterval {
		p.log.Infof("Empty message to enforce freshness of session %v required", session)
		empty, err := p.emptyMessage()
		if err != nil {
			return nil, err
		}
		m, _, err := p.encapsulate(session, empty, true)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if required, applied := inner.MinimumVersion(), session.OutgoingAppliedVersion(); required > applied {
		p.log.Infof("Sending message %v without forward security, session %v applies version %v but %v is required", inner.ID, session, applied, required)
		if len(messages) > 0 {
			session.LastOutgoingMessageTimestamp = now
		}
		result.session = session
		return append(messages, inner), nil
	}

	if state, err := session.State(); err == nil && state == StateR20 {
		p.log.Errorf("Encapsulating a message in R20 state is illegal (session %v)", session.ID)
	}

	session.LastOutgoingMessageTimestamp = now
	m, dhType, err := p.encapsulate(session, inner, isExisting)
	if err != nil {
		return nil, err
	}
	result.DHType = dhType
	result.session = session
	return append(messages, m), nil
}

func (p *Processor) initMessage(session *Session) (*InnerMessage, error) {
	body, err := EncodeEnvelope(&Init{
		ID:                 session.ID,
		Versions:           SupportedVersions,
		EphemeralPublicKey: session.MyEphemeralPublicKey[:],
		Nickname:           p.identity.Nickname(),
	})
	if err != nil {
		return nil, err
	}
	id, err := NewMessageID(p.rand)
	if err != nil {
		return nil, err
	}
	return &InnerMessage{
		ID:   id,
		Type: TypeForwardSecurityEnvelope,
		Body: body,
	}, nil
}

func (p *Processor) emptyMessage() (*InnerMessage, error) {
	id, err := NewMessageID(p.rand)
	if err != nil {
		return nil, err
	}
	return &InnerMessage{
		ID:   id,
		Type: TypeEmpty,
		Body: []byte{},
	}, nil
}

// encapsulate encrypts m with the best local ratchet of session, and turns
// it.  The session is only persisted if persist is set, as an unsaved new
// session is recreated when the send is retried.
func (p *Processor) encapsulate(session *Session, m *InnerMessage, persist bool) (*InnerMessage, DHType, error) {
	ratchet, dhType := session.MyRatchet4DH, FourDH
	if ratchet == nil {
		ratchet, dhType = session.MyRatchet2DH, TwoDH
		if ratchet == nil {
			return nil, 0, fmt.Errorf("%w: session %v with %v", ErrBadState, session.ID, session.PeerIdentity)
		}
	}
	key := ratchet.EncryptionKey()
	defer clear(key[:])
	counter := ratchet.Counter
	ratchet.Turn()

	if persist {
		if err := p.sessions.Put(session); err != nil {
			return nil, 0, err
		}
	}

	plaintext, err := encodeInner(p.rand, m)
	if err != nil {
		return nil, 0, err
	}
	ciphertext, err := nacl.Encrypt(key[:], zeroNonce[:], plaintext)
	if err != nil {
		return nil, 0, err
	}

	body, err := EncodeEnvelope(&Message{
		ID:             session.ID,
		DHType:         dhType,
		Counter:        counter,
		OfferedVersion: session.OutgoingOfferedVersion(),
		AppliedVersion: session.OutgoingAppliedVersion(),
		GroupIdentity:  m.Group,
		Ciphertext:     ciphertext,
	})
	if err != nil {
		return nil, 0, err
	}
	return &InnerMessage{
		ID:    m.ID,
		Type:  TypeForwardSecurityEnvelope,
		Body:  body,
		Group: m.Group,
	}, dhType, nil
}

// CommitSessionState persists the session state of result.  It must be
// called once every envelope of result has been acknowledged.
func (p *Processor) CommitSessionState(result *EncryptionResult) error {
	if result.session == nil {
		return nil
	}
	return p.sessions.Put(result.session)
}

// Send sends every envelope of result in order, storing their nonces, and
// commits the session state.
func (p *Processor) Send(ctx context.Context, result *EncryptionResult) error {
	for _, env := range result.Outgoing {
		if err := p.sendWithNonce(ctx, env.Recipient, env.Message, env.Nonce); err != nil {
			return err
		}
	}
	return p.CommitSessionState(result)
}

// RefreshSession sends an empty message in the best session with contact,
// or starts a new session if there is none.
func (p *Processor) RefreshSession(ctx context.Context, contact *Contact) error {
	if !p.Enabled() {
		return ErrDisabled
	}

	session, err := p.sessions.GetBest(p.identity.Identity(), contact.Identity)
	if err != nil {
		return err
	}
	if session == nil {
		return p.createAndSendNewSession(ctx, contact)
	}

	if err = p.sendEmptyMessage(ctx, contact, session); err != nil {
		return err
	}
	return p.sessions.Put(session)
}

// sendEmptyMessage sends an empty message in session.  The caller persists
// the session.
func (p *Processor) sendEmptyMessage(ctx context.Context, contact *Contact, session *Session) error {
	empty, err := p.emptyMessage()
	if err != nil {
		return err
	}
	m, _, err := p.encapsulate(session, empty, true)
	if err != nil {
		return err
	}
	p.log.Infof("Sending empty message %v in session %v with %v", empty.ID, session, contact.Identity)
	if err = p.send(ctx, contact.Identity, m); err != nil {
		return err
	}
	session.LastOutgoingMessageTimestamp = p.now()
	return nil
}

// createAndSendNewSession starts a new session with contact, unless one
// exists already.
func (p *Processor) createAndSendNewSession(ctx context.Context, contact *Contact) error {
	existing, err := p.sessions.GetBest(p.identity.Identity(), contact.Identity)
	if err != nil {
		return err
	}
	if existing != nil {
		p.log.Warningf("Not creating a session with %v, as one exists already", contact.Identity)
		return nil
	}

	session, err := NewInitiatorSession(p.rand, contact, p.identity)
	if err != nil {
		return err
	}
	session.LastOutgoingMessageTimestamp = p.now()
	p.log.Debugf("Starting new DH session %v with %v", session.ID, contact.Identity)
	p.bus.Publish(&SessionInitiatedEvent{
		SessionID: session.ID,
		Peer:      contact.Identity,
	})

	init, err := p.initMessage(session)
	if err != nil {
		return err
	}
	if err = p.send(ctx, contact.Identity, init); err != nil {
		return err
	}
	return p.sessions.Put(session)
}

// ClearAndTerminateAllSessions terminates and deletes every session with
// contact.  A new session is started in place of the last one, depending
// on cause.
func (p *Processor) ClearAndTerminateAllSessions(ctx context.Context, contact *Contact, cause TerminateCause) error {
	sessions, err := p.sessions.GetAll(p.identity.Identity(), contact.Identity)
	if err != nil {
		return err
	}

	for i, s := range sessions {
		opts := terminateRemove
		if i == len(sessions)-1 {
			opts = terminateRenew
		}
		if err = p.sendTerminateAndDeleteSession(ctx, contact, s.ID, cause, opts); err != nil {
			return err
		}
	}

	if len(sessions) > 0 {
		p.bus.Publish(&AllSessionsTerminatedEvent{
			Peer:  contact.Identity,
			Cause: cause,
		})
	}
	return nil
}

// TerminateAllInvalidSessions terminates every session with contact whose
// ratchets do not form a valid state, or that use 4DH in both directions
// without negotiated versions.
func (p *Processor) TerminateAllInvalidSessions(ctx context.Context, contact *Contact) error {
	sessions, err := p.sessions.GetAll(p.identity.Identity(), contact.Identity)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if state, err := s.State(); err == nil && (state != StateRL44 || s.Current4DHVersions != nil) {
			continue
		}
		p.log.Warningf("Terminating invalid session %v with %v", s.ID, contact.Identity)
		if err = p.sendTerminateAndDeleteSession(ctx, contact, s.ID, TerminateReset, terminateRenew); err != nil {
			return err
		}
	}
	return nil
}

// Sessions returns every session with peer, for inspection.  Key material
// is wiped from the returned copies.
func (p *Processor) Sessions(peer string) ([]SessionInfo, error) {
	sessions, err := p.sessions.GetAll(p.identity.Identity(), peer)
	if err != nil {
		return nil, err
	}
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
		s.Wipe()
	}
	return infos, nil
}

// SessionInfo is the key free description of a session.
type SessionInfo struct {
	ID                           SessionID
	Peer                         string
	State                        string
	Versions                     *DHVersions
	MyCounter                    uint64
	PeerCounter                  uint64
	LastOutgoingMessageTimestamp time.Time
	MediaKeys                    int
}

// Info returns the key free description of s.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:                           s.ID,
		Peer:                         s.PeerIdentity,
		LastOutgoingMessageTimestamp: s.LastOutgoingMessageTimestamp,
		MediaKeys:                    len(s.MediaKeys),
	}
	if s.Current4DHVersions != nil {
		v := *s.Current4DHVersions
		info.Versions = &v
	}
	if state, err := s.State(); err != nil {
		info.State = "invalid"
	} else {
		info.State = state.String()
	}
	for _, r := range []*Ratchet{s.MyRatchet4DH, s.MyRatchet2DH} {
		if r != nil {
			info.MyCounter = r.Counter
			break
		}
	}
	for _, r := range []*Ratchet{s.PeerRatchet4DH, s.PeerRatchet2DH} {
		if r != nil {
			info.PeerCounter = r.Counter
			break
		}
	}
	return info
}
