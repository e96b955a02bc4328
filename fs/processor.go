// processor.go - Forward security message processor.
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

// Package fs implements the forward security session protocol: DH sessions
// with KDF ratchets, the Init/Accept handshake, and the encapsulation and
// decapsulation of messages.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/secure/precis"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/core/events"
	"github.com/fscore/fscore/nonce"
)

var (
	// ErrOutOfOrder is the error returned for a message whose counter the
	// peer ratchet can not be turned to.  The envelope must be dropped.
	ErrOutOfOrder = errors.New("fs: out of order message")

	// ErrBadState is the error returned when a session has no ratchet to
	// encrypt with.
	ErrBadState = errors.New("fs: no DH mode negotiated")

	// ErrBadPeerData is the error returned for an authenticated envelope
	// whose content can never be processed.  The envelope must be dropped.
	ErrBadPeerData = errors.New("fs: invalid data from peer")

	// ErrDisabled is the error returned when forward security is needed
	// but disabled locally.
	ErrDisabled = errors.New("fs: forward security is disabled")

	zeroNonce [nacl.NonceSize]byte
)

// peerDataError marks err as caused by the content of a peer's envelope.
func peerDataError(err error) error {
	for _, target := range []error{nacl.ErrCrypto, nacl.ErrInvalidInput, ErrMissingEphemeralPrivateKey, ErrIllegalState, ErrUnsupportedVersion} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrBadPeerData, err)
		}
	}
	return err
}

// ResultKind is the kind of a DecryptionResult.
type ResultKind int

const (
	// ResultNone carries nothing to deliver.
	ResultNone ResultKind = iota

	// ResultMessage carries a decapsulated message.
	ResultMessage

	// ResultReject carries a Reject received from the peer.
	ResultReject

	// ResultTerminate is returned for a processed Terminate.
	ResultTerminate
)

func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultMessage:
		return "message"
	case ResultReject:
		return "reject"
	case ResultTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("[invalid result kind: %d]", int(k))
	}
}

// PeerRatchetIdentifier identifies the peer ratchet that decrypted a
// message, so it can be turned once the message has been handled.
type PeerRatchetIdentifier struct {
	SessionID    SessionID
	PeerIdentity string
	DHType       DHType
}

// DecryptionResult is the outcome of processing one envelope.
type DecryptionResult struct {
	Kind ResultKind

	// Message is set for ResultMessage.
	Message *InnerMessage

	// Reject is set for ResultReject.
	Reject *Reject

	// Ratchet is set whenever a peer ratchet was used, even if the inner
	// message could not be decoded, and must be passed to
	// CommitPeerRatchet after handling.
	Ratchet *PeerRatchetIdentifier
}

var resultNone = &DecryptionResult{Kind: ResultNone}

type terminateOptions int

const (
	// terminateRemove deletes the session without starting a new one.
	terminateRemove terminateOptions = iota

	// terminateRenew deletes the session, and starts a new one if the
	// cause is TerminateUnknownSession or TerminateReset.
	terminateRenew
)

// Config is the Processor configuration.
type Config struct {
	Log       *logging.Logger
	Sessions  SessionStore
	Contacts  ContactStore
	Identity  IdentityStore
	Nonces    NonceSource
	Transport Transport
	Bus       *events.Bus

	// TerminateRateLimit bounds the Terminates sent to a single peer per
	// second, 0 disables the limit.
	TerminateRateLimit float64

	// TerminateBurst is the per peer Terminate burst size.
	TerminateBurst int

	// Rand is the entropy source, if nil the system source is used.
	Rand io.Reader

	// Now is the clock, if nil time.Now is used.
	Now func() time.Time
}

// Processor processes incoming and outgoing forward security messages.
type Processor struct {
	log       *logging.Logger
	sessions  SessionStore
	contacts  ContactStore
	identity  IdentityStore
	nonces    NonceSource
	transport Transport
	bus       *events.Bus
	rand      io.Reader
	now       func() time.Time

	enabled atomic.Bool
	locks   peerLocks

	limiterLock    sync.Mutex
	limiters       map[string]*rate.Limiter
	terminateLimit rate.Limit
	terminateBurst int
}

// NewProcessor creates a Processor with forward security enabled.
func NewProcessor(cfg *Config) (*Processor, error) {
	switch {
	case cfg.Log == nil:
		return nil, errors.New("fs: no logger")
	case cfg.Sessions == nil:
		return nil, errors.New("fs: no session store")
	case cfg.Contacts == nil:
		return nil, errors.New("fs: no contact store")
	case cfg.Identity == nil:
		return nil, errors.New("fs: no identity store")
	case cfg.Nonces == nil:
		return nil, errors.New("fs: no nonce source")
	case cfg.Transport == nil:
		return nil, errors.New("fs: no transport")
	}

	p := &Processor{
		log:            cfg.Log,
		sessions:       cfg.Sessions,
		contacts:       cfg.Contacts,
		identity:       cfg.Identity,
		nonces:         cfg.Nonces,
		transport:      cfg.Transport,
		bus:            cfg.Bus,
		rand:           cfg.Rand,
		now:            cfg.Now,
		limiters:       make(map[string]*rate.Limiter),
		terminateLimit: rate.Inf,
		terminateBurst: cfg.TerminateBurst,
	}
	if p.bus == nil {
		p.bus = events.NewBus()
	}
	if p.rand == nil {
		p.rand = rand.Reader
	}
	if p.now == nil {
		p.now = time.Now
	}
	if cfg.TerminateRateLimit > 0 {
		p.terminateLimit = rate.Limit(cfg.TerminateRateLimit)
		if p.terminateBurst <= 0 {
			p.terminateBurst = 1
		}
	}
	p.enabled.Store(true)
	return p, nil
}

// Bus returns the bus status events are published on.
func (p *Processor) Bus() *events.Bus {
	return p.bus
}

// SetEnabled enables or disables forward security.  While disabled,
// outgoing messages are not encapsulated and incoming forward security
// messages are answered with a Terminate.
func (p *Processor) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// Enabled returns true iff forward security is enabled.
func (p *Processor) Enabled() bool {
	return p.enabled.Load()
}

// Lock serializes the processing of messages from peer, and returns the
// function that releases the lock.
func (p *Processor) Lock(peer string) func() {
	return p.locks.lock(peer)
}

// CanForwardSecurityMessageBeProcessed returns false iff forward security
// is disabled locally.  In that case, if sendTerminate is set, a Terminate
// is sent for sessionID and the session is deleted.  Ratchets are never
// modified.
func (p *Processor) CanForwardSecurityMessageBeProcessed(ctx context.Context, sender *Contact, sessionID SessionID, sendTerminate bool) (bool, error) {
	if p.Enabled() {
		return true, nil
	}
	if sendTerminate {
		if err := p.sendTerminateAndDeleteSession(ctx, sender, sessionID, TerminateDisabledByLocal, terminateRenew); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ProcessEnvelope processes an incoming forward security envelope from
// sender.  The caller must hold the sender's lock (see Lock).
func (p *Processor) ProcessEnvelope(ctx context.Context, sender *Contact, env *Envelope) (*DecryptionResult, error) {
	sendTerminate := true
	switch env.Data.(type) {
	case *Reject, *Terminate:
		// Answering these with a Terminate could start a terminate loop.
		sendTerminate = false
	}
	ok, err := p.CanForwardSecurityMessageBeProcessed(ctx, sender, env.Data.SessionID(), sendTerminate)
	if err != nil || !ok {
		return resultNone, err
	}

	switch d := env.Data.(type) {
	case *Init:
		return resultNone, p.processInit(ctx, sender, d)
	case *Accept:
		return resultNone, p.processAccept(ctx, sender, d)
	case *Reject:
		return p.processReject(sender, d)
	case *Terminate:
		return p.processTerminate(sender, d)
	case *Message:
		return p.processMessage(ctx, sender, env.MessageID, d)
	default:
		panic(fmt.Sprintf("BUG: fs: unhandled envelope type: %T", d))
	}
}

func (p *Processor) processInit(ctx context.Context, contact *Contact, init *Init) error {
	myIdentity := p.identity.Identity()

	existing, err := p.sessions.Get(myIdentity, contact.Identity, init.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.log.Warningf("Received Init for existing session %v from %v", init.ID, contact.Identity)
		return nil
	}

	var session *Session
	if contact.SupportsForwardSecurity() {
		if session, err = NewResponderSession(init.ID, init.Versions, init.EphemeralPublicKey, contact, p.identity); err != nil {
			return peerDataError(err)
		}
	}

	// The initiator only sends an Init when it has no session, so any 4DH
	// session with the peer is obsolete.  2DH sessions were initiated
	// locally and are kept, as messages may be in flight in them.
	preempted, err := p.sessions.DeleteAllExcept(myIdentity, contact.Identity, init.ID, true)
	if err != nil {
		return err
	}

	if session == nil {
		if preempted > 0 {
			p.bus.Publish(&SessionTerminatedEvent{
				Peer:  contact.Identity,
				Cause: TerminateDisabledByRemote,
			})
		}
		if err = p.sendTerminateAndDeleteSession(ctx, contact, init.ID, TerminateDisabledByRemote, terminateRenew); err != nil {
			return err
		}
		return p.ClearAndTerminateAllSessions(ctx, contact, TerminateDisabledByRemote)
	}
	session.LastOutgoingMessageTimestamp = p.now()

	mediaKey := MediaKey{Material: make([]byte, nacl.SymmetricKeySize)}
	if _, err = io.ReadFull(p.rand, mediaKey.Material); err != nil {
		return err
	}
	session.AcceptMediaKey(mediaKey)

	p.log.Debugf("Responding to new DH session %v from %v", session.ID, contact.Identity)
	accept := &Accept{
		ID:                 init.ID,
		Versions:           SupportedVersions,
		EphemeralPublicKey: session.MyEphemeralPublicKey[:],
		MediaKeys:          []MediaKey{mediaKey},
	}

	// If the Accept is sent but the session is never persisted, the next
	// Init generates new keys and the peer's next message is rejected.
	if err = p.sendControl(ctx, contact, accept); err != nil {
		return err
	}
	if err = p.sessions.Put(session); err != nil {
		return err
	}

	p.bus.Publish(&SessionEstablishedEvent{
		SessionID: session.ID,
		Peer:      contact.Identity,
		Preempted: preempted > 0,
		Nickname:  p.normalizeNickname(contact, init.Nickname),
	})
	return nil
}

func (p *Processor) normalizeNickname(contact *Contact, nickname string) string {
	if nickname == "" {
		return ""
	}
	n, err := precis.Nickname.String(nickname)
	if err != nil {
		p.log.Debugf("Discarding invalid nickname from %v: %v", contact.Identity, err)
		return ""
	}
	return n
}

func (p *Processor) processAccept(ctx context.Context, contact *Contact, accept *Accept) error {
	myIdentity := p.identity.Identity()

	session, err := p.sessions.Get(myIdentity, contact.Identity, accept.ID)
	if err != nil {
		return err
	}
	if session == nil {
		p.log.Warningf("No DH session found for accepted session %v from %v", accept.ID, contact.Identity)
		if err = p.sendTerminateAndDeleteSession(ctx, contact, accept.ID, TerminateUnknownSession, terminateRenew); err != nil {
			return err
		}
		p.bus.Publish(&SessionNotFoundEvent{
			SessionID: accept.ID,
			Peer:      contact.Identity,
		})
		return nil
	}

	if err = session.ProcessAccept(accept.Versions, accept.EphemeralPublicKey, contact, p.identity); err != nil {
		return peerDataError(err)
	}
	for _, k := range accept.MediaKeys {
		if !session.AcceptMediaKey(k) {
			p.log.Warningf("Discarding stale media key (epoch %v, counter %v) from %v", k.Epoch, k.RatchetCounter, contact.Identity)
		}
	}
	if err = p.sessions.Put(session); err != nil {
		return err
	}

	p.log.Infof("Established 4DH session %v with %v", session, contact.Identity)
	p.bus.Publish(&SessionEstablishedEvent{
		SessionID: session.ID,
		Peer:      contact.Identity,
		Initiator: true,
	})
	return nil
}

func (p *Processor) processReject(contact *Contact, reject *Reject) (*DecryptionResult, error) {
	myIdentity := p.identity.Identity()

	p.log.Warningf("Received reject for DH session %v from %v, cause: %v", reject.ID, contact.Identity, reject.Cause)
	deleted, err := p.sessions.Delete(myIdentity, contact.Identity, reject.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		p.log.Infof("No DH session found for rejected session %v from %v", reject.ID, contact.Identity)
	}

	p.bus.Publish(&RejectReceivedEvent{
		Reject:       reject,
		Peer:         contact.Identity,
		SessionKnown: deleted,
	})
	return &DecryptionResult{
		Kind:   ResultReject,
		Reject: reject,
	}, nil
}

func (p *Processor) processTerminate(contact *Contact, terminate *Terminate) (*DecryptionResult, error) {
	p.log.Debugf("Terminating DH session %v with %v, cause: %v", terminate.ID, contact.Identity, terminate.Cause)

	deleted, err := p.sessions.Delete(p.identity.Identity(), contact.Identity, terminate.ID)
	if err != nil {
		return nil, err
	}

	id := terminate.ID
	p.bus.Publish(&SessionTerminatedEvent{
		SessionID:      &id,
		Peer:           contact.Identity,
		Cause:          terminate.Cause,
		SessionUnknown: !deleted,
	})
	return &DecryptionResult{Kind: ResultTerminate}, nil
}

func (p *Processor) processMessage(ctx context.Context, contact *Contact, messageID MessageID, msg *Message) (*DecryptionResult, error) {
	myIdentity := p.identity.Identity()

	session, err := p.sessions.Get(myIdentity, contact.Identity, msg.ID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		p.log.Warningf("No DH session found for message %v in session %v from %v", messageID, msg.ID, contact.Identity)
		if err = p.sendReject(ctx, contact, msg.ID, messageID, msg.GroupIdentity, RejectUnknownSession); err != nil {
			return nil, err
		}
		id := messageID
		p.bus.Publish(&SessionNotFoundEvent{
			SessionID: msg.ID,
			Peer:      contact.Identity,
			MessageID: &id,
		})
		return resultNone, nil
	}

	versions, err := session.processIncomingVersion(msg)
	if err != nil {
		p.log.Warningf("Rejecting message %v in session %v with %v, cause: %v", messageID, session, contact.Identity, err)
		return resultNone, p.rejectAndDelete(ctx, contact, session, messageID, msg)
	}

	var ratchet *Ratchet
	switch msg.DHType {
	case TwoDH:
		ratchet = session.PeerRatchet2DH
	case FourDH:
		ratchet = session.PeerRatchet4DH
	}
	if ratchet == nil {
		// The Accept from the peer may have been lost, so that the peer
		// uses 4DH while this side still is in 2DH.
		p.log.Warningf("Rejecting message %v in session %v with %v, cause: DH type mismatch (%v)", messageID, session, contact.Identity, msg.DHType)
		return resultNone, p.rejectAndDelete(ctx, contact, session, messageID, msg)
	}

	skipped, err := ratchet.TurnUntil(msg.Counter)
	if err != nil {
		p.bus.Publish(&MessageOutOfOrderEvent{
			SessionID: msg.ID,
			Peer:      contact.Identity,
			MessageID: messageID,
		})
		return nil, fmt.Errorf("%w: %w", ErrOutOfOrder, err)
	}
	if skipped > 0 {
		p.bus.Publish(&MessagesSkippedEvent{
			SessionID: msg.ID,
			Peer:      contact.Identity,
			Skipped:   skipped,
		})
	}

	// Every message uses a fresh key, so the nonce can be zero.
	key := ratchet.EncryptionKey()
	plaintext, err := nacl.Decrypt(key[:], zeroNonce[:], msg.Ciphertext)
	clear(key[:])
	if err != nil {
		p.log.Warningf("Rejecting message %v in session %v with %v, cause: decryption failed", messageID, session, contact.Identity)
		return resultNone, p.rejectAndDelete(ctx, contact, session, messageID, msg)
	}

	updated := session.commitVersions(versions)
	if updated != nil {
		p.log.Infof("Versions of session %v with %v updated from %v to %v", session, contact.Identity, updated.Before, updated.After)
		p.bus.Publish(&VersionsUpdatedEvent{
			SessionID: session.ID,
			Peer:      contact.Identity,
			Before:    updated.Before,
			After:     updated.After,
		})
	}

	if msg.DHType == FourDH {
		// No further 2DH messages will be received in this session.
		if session.PeerRatchet2DH != nil {
			session.DiscardPeerRatchet2DH()
		}

		// If the message arrived in the best session, every other
		// session with the peer is obsolete.
		best, err := p.sessions.GetBest(myIdentity, contact.Identity)
		if err != nil {
			return nil, err
		}
		if best != nil && best.ID == session.ID {
			if _, err = p.sessions.DeleteAllExcept(myIdentity, contact.Identity, session.ID, false); err != nil {
				return nil, err
			}
		}

		if ratchet.Counter == 1 {
			p.bus.Publish(&First4DHMessageEvent{
				SessionID: session.ID,
				Peer:      contact.Identity,
			})
		}

		// The peer only learns of a raised local version from a message.
		if updated != nil && updated.After.Local > updated.Before.Local {
			if err = p.sendEmptyMessage(ctx, contact, session); err != nil {
				return nil, err
			}
		}
	}

	// The peer ratchet is not turned past this message yet, so that the
	// message can be processed again if handling it is aborted.
	if err = p.sessions.Put(session); err != nil {
		return nil, err
	}

	result := &DecryptionResult{
		Kind: ResultMessage,
		Ratchet: &PeerRatchetIdentifier{
			SessionID:    session.ID,
			PeerIdentity: contact.Identity,
			DHType:       msg.DHType,
		},
	}
	inner, err := decodeInner(plaintext)
	if err != nil {
		p.log.Warningf("Inner message %v from %v is invalid: %v", messageID, contact.Identity, err)
		result.Kind = ResultNone
		return result, nil
	}
	if inner.Group.IsEmpty() && !msg.GroupIdentity.IsEmpty() {
		inner.Group = msg.GroupIdentity
	}
	p.log.Debugf("Decapsulated message %v from %v (%v, session %v)", messageID, contact.Identity, msg.DHType, session)
	result.Message = inner
	return result, nil
}

func (p *Processor) rejectAndDelete(ctx context.Context, contact *Contact, session *Session, messageID MessageID, msg *Message) error {
	if err := p.sendReject(ctx, contact, session.ID, messageID, msg.GroupIdentity, RejectStateMismatch); err != nil {
		return err
	}
	if _, err := p.sessions.Delete(p.identity.Identity(), contact.Identity, session.ID); err != nil {
		return err
	}
	id := session.ID
	p.bus.Publish(&SessionTerminatedEvent{
		SessionID: &id,
		Peer:      contact.Identity,
		Cause:     TerminateReset,
		ByLocal:   true,
	})
	return nil
}

// WarnIfMessageWithoutForwardSecurity publishes a
// MessageWithoutForwardSecurityEvent if m, received from sender without
// forward security, could have been sent in the best session with them.
func (p *Processor) WarnIfMessageWithoutForwardSecurity(sender *Contact, m *InnerMessage) {
	if m.Type == TypeEmpty || m.IsForwardSecurityEnvelope() || !sender.SupportsForwardSecurity() {
		return
	}
	best, err := p.sessions.GetBest(p.identity.Identity(), sender.Identity)
	if err != nil {
		p.log.Errorf("Failed to look up the best session with %v: %v", sender.Identity, err)
		return
	}
	if best == nil {
		return
	}
	defer best.Wipe()
	if m.MinimumVersion() > best.MinimumIncomingAppliedVersion() {
		return
	}
	p.log.Warningf("Received message %v from %v without forward security (session %v)", m.ID, sender.Identity, best)
	p.bus.Publish(&MessageWithoutForwardSecurityEvent{
		SessionID: best.ID,
		Peer:      sender.Identity,
		MessageID: m.ID,
	})
}

// CommitPeerRatchet turns and persists the peer ratchet identified by id.
// It must be called once the message it decrypted has been handled.
func (p *Processor) CommitPeerRatchet(id *PeerRatchetIdentifier) error {
	session, err := p.sessions.Get(p.identity.Identity(), id.PeerIdentity, id.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		p.log.Warningf("Could not find session %v, %v ratchet can not be turned for the last message from %v", id.SessionID, id.DHType, id.PeerIdentity)
		return nil
	}

	var ratchet *Ratchet
	switch id.DHType {
	case TwoDH:
		ratchet = session.PeerRatchet2DH
	case FourDH:
		ratchet = session.PeerRatchet4DH
	}
	if ratchet == nil {
		p.log.Warningf("%v ratchet is missing in session %v with %v", id.DHType, id.SessionID, id.PeerIdentity)
		return nil
	}

	ratchet.Turn()
	return p.sessions.Put(session)
}

func (p *Processor) sendReject(ctx context.Context, contact *Contact, sessionID SessionID, messageID MessageID, group *GroupIdentity, cause RejectCause) error {
	return p.sendControl(ctx, contact, &Reject{
		ID:                sessionID,
		RejectedMessageID: messageID,
		GroupIdentity:     group,
		Cause:             cause,
	})
}

func (p *Processor) terminateAllowed(peer string) bool {
	if p.terminateLimit == rate.Inf {
		return true
	}
	p.limiterLock.Lock()
	defer p.limiterLock.Unlock()
	l, ok := p.limiters[peer]
	if !ok {
		l = rate.NewLimiter(p.terminateLimit, p.terminateBurst)
		p.limiters[peer] = l
	}
	return l.AllowN(p.now(), 1)
}

func (p *Processor) sendTerminateAndDeleteSession(ctx context.Context, contact *Contact, sessionID SessionID, cause TerminateCause, opts terminateOptions) error {
	if p.terminateAllowed(contact.Identity) {
		if err := p.sendControl(ctx, contact, &Terminate{ID: sessionID, Cause: cause}); err != nil {
			return err
		}
	} else {
		p.log.Warningf("Not sending Terminate for session %v to %v: rate limited", sessionID, contact.Identity)
	}

	if _, err := p.sessions.Delete(p.identity.Identity(), contact.Identity, sessionID); err != nil {
		p.log.Errorf("Unable to delete DH session %v: %v", sessionID, err)
	}

	if opts == terminateRenew && (cause == TerminateUnknownSession || cause == TerminateReset) {
		return p.createAndSendNewSession(ctx, contact)
	}
	return nil
}

// sendControl sends a control envelope to contact, outside of any session.
func (p *Processor) sendControl(ctx context.Context, contact *Contact, d Data) error {
	body, err := EncodeEnvelope(d)
	if err != nil {
		return err
	}
	id, err := NewMessageID(p.rand)
	if err != nil {
		return err
	}
	p.log.Infof("Sending %T for session %v to %v", d, d.SessionID(), contact.Identity)
	return p.send(ctx, contact.Identity, &InnerMessage{
		ID:   id,
		Type: TypeForwardSecurityEnvelope,
		Body: body,
	})
}

func (p *Processor) send(ctx context.Context, recipient string, m *InnerMessage) error {
	n, err := p.nonces.Next(nonce.ScopeCSP)
	if err != nil {
		return err
	}
	return p.sendWithNonce(ctx, recipient, m, n)
}

func (p *Processor) sendWithNonce(ctx context.Context, recipient string, m *InnerMessage, n nonce.Nonce) error {
	if err := p.transport.Send(ctx, &OutgoingEnvelope{
		Recipient: recipient,
		Nonce:     n,
		Message:   m,
	}); err != nil {
		return err
	}
	if _, err := p.nonces.Store(nonce.ScopeCSP, n); err != nil {
		return err
	}
	return nil
}

// peerLocks is a mutex per peer identity, dropped when unused.
type peerLocks struct {
	sync.Mutex

	m map[string]*peerLock
}

type peerLock struct {
	sync.Mutex

	refs int
}

func (l *peerLocks) lock(peer string) func() {
	l.Lock()
	if l.m == nil {
		l.m = make(map[string]*peerLock)
	}
	pl, ok := l.m[peer]
	if !ok {
		pl = new(peerLock)
		l.m[peer] = pl
	}
	pl.refs++
	l.Unlock()

	pl.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			pl.Unlock()
			l.Lock()
			pl.refs--
			if pl.refs == 0 {
				delete(l.m, peer)
			}
			l.Unlock()
		})
	}
}
