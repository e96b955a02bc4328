// processor_test.go - Forward security processor tests.
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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/core/events"
	"github.com/fscore/fscore/core/log"
	"github.com/fscore/fscore/nonce"
)

const testTypeText = 0x01

type contactMap map[string]*Contact

func (m contactMap) Contact(identity string) (*Contact, error) {
	return m[identity], nil
}

type queueTransport struct {
	sync.Mutex

	queue []*OutgoingEnvelope
}

func (q *queueTransport) Send(_ context.Context, env *OutgoingEnvelope) error {
	q.Lock()
	defer q.Unlock()
	q.queue = append(q.queue, env)
	return nil
}

func (q *queueTransport) drain() []*OutgoingEnvelope {
	q.Lock()
	defer q.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

type recorder struct {
	sync.Mutex

	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, ev)
}

func eventsOf[T events.Event](r *recorder) []T {
	r.Lock()
	defer r.Unlock()
	var out []T
	for _, ev := range r.events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type testClock struct {
	sync.Mutex

	now time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

type testParty struct {
	t *testing.T

	name      string
	identity  *StaticIdentity
	contact   *Contact
	contacts  contactMap
	sessions  *BoltSessionStore
	nonces    *nonce.Store
	factory   *nonce.Factory
	transport *queueTransport
	events    *recorder
	clock     *testClock
	proc      *Processor
}

func newTestParty(t *testing.T, name string, cfgFn func(*Config)) *testParty {
	require := require.New(t)

	dir := t.TempDir()
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	p := &testParty{
		t:         t,
		name:      name,
		contacts:  make(contactMap),
		transport: new(queueTransport),
		events:    new(recorder),
		clock:     &testClock{now: time.Unix(1700000000, 0)},
	}
	p.identity, p.contact = newTestIdentity(t, name)

	p.sessions, err = NewBoltSessionStore(filepath.Join(dir, "sessions.db"), testStoreKey(0x42))
	require.NoError(err)
	t.Cleanup(func() { p.sessions.Close() })

	p.nonces, err = nonce.New(filepath.Join(dir, "nonce.db"), name, &nonce.Options{
		BloomEntries: 1024,
		Log:          backend.GetLogger(name + "/nonce"),
	})
	require.NoError(err)
	t.Cleanup(func() { p.nonces.Close() })
	p.factory = nonce.NewFactory(p.nonces, nil)

	bus := events.NewBus()
	bus.Subscribe(p.events.handle)

	cfg := &Config{
		Log:       backend.GetLogger(name + "/fs"),
		Sessions:  p.sessions,
		Contacts:  p.contacts,
		Identity:  p.identity,
		Nonces:    p.factory,
		Transport: p.transport,
		Bus:       bus,
		Now:       p.clock.Now,
	}
	if cfgFn != nil {
		cfgFn(cfg)
	}
	p.proc, err = NewProcessor(cfg)
	require.NoError(err)
	return p
}

func newTestPair(t *testing.T) (*testParty, *testParty) {
	alice := newTestParty(t, "ALICE001", nil)
	bob := newTestParty(t, "BOB00001", nil)
	alice.contacts[bob.name] = bob.contact
	bob.contacts[alice.name] = alice.contact
	return alice, bob
}

func (p *testParty) sendText(to *testParty, text string) *EncryptionResult {
	require := require.New(p.t)

	id, err := NewMessageID(rand.Reader)
	require.NoError(err)
	n, err := p.factory.Next(nonce.ScopeCSP)
	require.NoError(err)

	res, err := p.proc.RunEncapsulationSteps(to.contact, &InnerMessage{
		ID:   id,
		Type: testTypeText,
		Body: []byte(text),
	}, n)
	require.NoError(err)
	require.NoError(p.proc.Send(context.Background(), res))
	return res
}

func (p *testParty) receive(sender *Contact, m *InnerMessage) (*DecryptionResult, error) {
	if !m.IsForwardSecurityEnvelope() {
		return &DecryptionResult{Kind: ResultMessage, Message: m}, nil
	}
	d, err := DecodeEnvelope(m.Body)
	if err != nil {
		return nil, err
	}

	unlock := p.proc.Lock(sender.Identity)
	defer unlock()
	res, err := p.proc.ProcessEnvelope(context.Background(), sender, &Envelope{MessageID: m.ID, Data: d})
	if err != nil {
		return nil, err
	}
	if res.Ratchet != nil {
		if err = p.proc.CommitPeerRatchet(res.Ratchet); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (p *testParty) state(peer *testParty) State {
	s, err := p.sessions.GetBest(p.name, peer.name)
	require.NoError(p.t, err)
	require.NotNil(p.t, s, "%v has no session with %v", p.name, peer.name)
	state, err := s.State()
	require.NoError(p.t, err)
	return state
}

func (p *testParty) sessionCount(peer *testParty) int {
	all, err := p.sessions.GetAll(p.name, peer.name)
	require.NoError(p.t, err)
	return len(all)
}

// deliver hands every envelope queued by from to to, in order.
func deliver(t *testing.T, from, to *testParty) []*DecryptionResult {
	var results []*DecryptionResult
	for _, env := range from.transport.drain() {
		require.Equal(t, to.name, env.Recipient)
		res, err := to.receive(from.contact, env.Message)
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func envelopeData(t *testing.T, env *OutgoingEnvelope) Data {
	require.True(t, env.Message.IsForwardSecurityEnvelope())
	d, err := DecodeEnvelope(env.Message.Body)
	require.NoError(t, err)
	return d
}

// handshake runs the exchange up to both sides using 4DH.
func handshake(t *testing.T, alice, bob *testParty) {
	alice.sendText(bob, "hello")
	deliver(t, alice, bob)
	deliver(t, bob, alice)
	alice.sendText(bob, "4dh")
	deliver(t, alice, bob)
	require.Equal(t, StateRL44, alice.state(bob))
	require.Equal(t, StateRL44, bob.state(alice))
}

func TestProcessorHandshake(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	res := alice.sendText(bob, "hello")
	require.Len(res.Outgoing, 2, "Init and message")
	assert.Equal(TwoDH, res.DHType)
	init, ok := envelopeData(t, res.Outgoing[0]).(*Init)
	require.True(ok)
	assert.Equal(SupportedVersions, init.Versions)
	assert.Empty(init.Nickname)
	msg, ok := envelopeData(t, res.Outgoing[1]).(*Message)
	require.True(ok)
	assert.Equal(TwoDH, msg.DHType)
	assert.Equal(MaxSupportedVersion, msg.OfferedVersion)
	assert.Equal(MinSupportedVersion, msg.AppliedVersion, "no 4DH yet")
	assert.EqualValues(1, msg.Counter)
	assert.Equal(StateL20, alice.state(bob))
	for _, env := range res.Outgoing {
		ok, err := alice.nonces.Exists(nonce.ScopeCSP, env.Nonce)
		require.NoError(err)
		assert.True(ok, "nonces are stored once sent")
	}
	require.Len(eventsOf[*SessionInitiatedEvent](alice.events), 1)

	results := deliver(t, alice, bob)
	require.Len(results, 2)
	assert.Equal(ResultNone, results[0].Kind)
	require.Equal(ResultMessage, results[1].Kind)
	assert.Equal([]byte("hello"), results[1].Message.Body)
	assert.Equal(res.Outgoing[1].Message.ID, results[1].Message.ID)
	assert.Equal(StateR24, bob.state(alice))

	established := eventsOf[*SessionEstablishedEvent](bob.events)
	require.Len(established, 1)
	assert.False(established[0].Initiator)

	// Bob answered the Init with an Accept.
	accepts := bob.transport.drain()
	require.Len(accepts, 1)
	accept, ok := envelopeData(t, accepts[0]).(*Accept)
	require.True(ok)
	require.Len(accept.MediaKeys, 1)
	_, err := alice.receive(bob.contact, accepts[0].Message)
	require.NoError(err)
	assert.Equal(StateRL44, alice.state(bob))
	established = eventsOf[*SessionEstablishedEvent](alice.events)
	require.Len(established, 1)
	assert.True(established[0].Initiator)

	res = alice.sendText(bob, "4dh")
	require.Len(res.Outgoing, 1)
	assert.Equal(FourDH, res.DHType)
	results = deliver(t, alice, bob)
	require.Equal(ResultMessage, results[0].Kind)
	assert.Equal([]byte("4dh"), results[0].Message.Body)
	assert.Equal(StateRL44, bob.state(alice), "peer 2DH ratchet discarded")
	assert.Len(eventsOf[*First4DHMessageEvent](bob.events), 1)

	res = bob.sendText(alice, "reply")
	assert.Equal(FourDH, res.DHType)
	results = deliver(t, bob, alice)
	require.Equal(ResultMessage, results[0].Kind)
	assert.Equal([]byte("reply"), results[0].Message.Body)
	assert.Len(eventsOf[*First4DHMessageEvent](alice.events), 1)

	infos, err := alice.proc.Sessions(bob.name)
	require.NoError(err)
	require.Len(infos, 1)
	assert.Equal("RL44", infos[0].State)
	assert.Equal(1, infos[0].MediaKeys)
	assert.EqualValues(2, infos[0].MyCounter, "one 4DH message sent")
	assert.EqualValues(2, infos[0].PeerCounter)

	assert.Empty(alice.transport.drain())
	assert.Empty(bob.transport.drain())
}

func TestProcessorUnknownSession(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	res := alice.sendText(bob, "lost init")
	queued := alice.transport.drain()
	require.Len(queued, 2)

	// Only the message arrives.
	r, err := bob.receive(alice.contact, queued[1].Message)
	require.NoError(err)
	assert.Equal(ResultNone, r.Kind)
	assert.Equal(0, bob.sessionCount(alice))
	assert.Len(eventsOf[*SessionNotFoundEvent](bob.events), 1)

	rejects := bob.transport.drain()
	require.Len(rejects, 1)
	reject, ok := envelopeData(t, rejects[0]).(*Reject)
	require.True(ok)
	assert.Equal(RejectUnknownSession, reject.Cause)
	assert.Equal(res.Outgoing[1].Message.ID, reject.RejectedMessageID)

	r, err = alice.receive(bob.contact, rejects[0].Message)
	require.NoError(err)
	require.Equal(ResultReject, r.Kind)
	assert.Equal(reject, r.Reject)
	assert.Equal(0, alice.sessionCount(bob), "rejected session deleted")
	received := eventsOf[*RejectReceivedEvent](alice.events)
	require.Len(received, 1)
	assert.True(received[0].SessionKnown)
	assert.Empty(alice.transport.drain(), "rejects are never answered")
}

func TestProcessorStateMismatch(t *testing.T) {
	for _, tc := range []struct {
		name   string
		tamper func(*Message)
	}{
		{"ciphertext", func(m *Message) { m.Ciphertext[len(m.Ciphertext)-1] ^= 0x01 }},
		{"dh type", func(m *Message) { m.DHType = TwoDH }},
		{"downgraded version", func(m *Message) { m.OfferedVersion, m.AppliedVersion = Version11, Version11 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			assert := assert.New(t)
			alice, bob := newTestPair(t)
			handshake(t, alice, bob)

			alice.sendText(bob, "tampered")
			queued := alice.transport.drain()
			require.Len(queued, 1)
			msg, ok := envelopeData(t, queued[0]).(*Message)
			require.True(ok)
			tc.tamper(msg)
			body, err := EncodeEnvelope(msg)
			require.NoError(err)
			queued[0].Message.Body = body

			r, err := bob.receive(alice.contact, queued[0].Message)
			require.NoError(err)
			assert.Equal(ResultNone, r.Kind)
			assert.Nil(r.Ratchet)
			assert.Equal(0, bob.sessionCount(alice), "session deleted")

			rejects := bob.transport.drain()
			require.Len(rejects, 1)
			reject, ok := envelopeData(t, rejects[0]).(*Reject)
			require.True(ok)
			assert.Equal(RejectStateMismatch, reject.Cause)
			assert.Equal(queued[0].Message.ID, reject.RejectedMessageID)

			r, err = alice.receive(bob.contact, rejects[0].Message)
			require.NoError(err)
			assert.Equal(ResultReject, r.Kind)
			assert.Equal(0, alice.sessionCount(bob))
		})
	}
}

func TestProcessorOutOfOrder(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	for _, text := range []string{"one", "two", "three"} {
		alice.sendText(bob, text)
	}
	queued := alice.transport.drain()
	require.Len(queued, 3)

	r, err := bob.receive(alice.contact, queued[2].Message)
	require.NoError(err)
	require.Equal(ResultMessage, r.Kind)
	assert.Equal([]byte("three"), r.Message.Body)
	skipped := eventsOf[*MessagesSkippedEvent](bob.events)
	require.Len(skipped, 1)
	assert.EqualValues(2, skipped[0].Skipped)

	_, err = bob.receive(alice.contact, queued[0].Message)
	require.ErrorIs(err, ErrOutOfOrder)
	require.ErrorIs(err, ErrRatchetRotation)
	assert.Len(eventsOf[*MessageOutOfOrderEvent](bob.events), 1)

	_, err = bob.receive(alice.contact, queued[2].Message)
	require.ErrorIs(err, ErrOutOfOrder, "replay")

	assert.Empty(bob.transport.drain(), "out of order messages are dropped silently")
	assert.Equal(StateRL44, bob.state(alice))

	alice.sendText(bob, "four")
	results := deliver(t, alice, bob)
	require.Equal(ResultMessage, results[0].Kind)
	assert.Equal([]byte("four"), results[0].Message.Body)
}

func TestProcessorUncommittedRatchet(t *testing.T) {
	require := require.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	alice.sendText(bob, "again")
	queued := alice.transport.drain()
	require.Len(queued, 1)
	d, err := DecodeEnvelope(queued[0].Message.Body)
	require.NoError(err)

	// Without CommitPeerRatchet the message can be processed again.
	for i := 0; i < 2; i++ {
		r, err := bob.proc.ProcessEnvelope(context.Background(), alice.contact, &Envelope{MessageID: queued[0].Message.ID, Data: d})
		require.NoError(err)
		require.Equal(ResultMessage, r.Kind)
		require.Equal([]byte("again"), r.Message.Body)
	}
}

func TestProcessorTerminate(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	err := alice.proc.ClearAndTerminateAllSessions(context.Background(), bob.contact, TerminateDisabledByLocal)
	require.NoError(err)
	assert.Equal(0, alice.sessionCount(bob))
	assert.Len(eventsOf[*AllSessionsTerminatedEvent](alice.events), 1)

	queued := alice.transport.drain()
	require.Len(queued, 1, "no new session for DISABLED_BY_LOCAL")
	terminate, ok := envelopeData(t, queued[0]).(*Terminate)
	require.True(ok)
	assert.Equal(TerminateDisabledByLocal, terminate.Cause)

	for i := 0; i < 2; i++ {
		r, err := bob.receive(alice.contact, queued[0].Message)
		require.NoError(err)
		assert.Equal(ResultTerminate, r.Kind)
	}
	assert.Equal(0, bob.sessionCount(alice))
	assert.Empty(bob.transport.drain(), "terminates are never answered")

	terminated := eventsOf[*SessionTerminatedEvent](bob.events)
	require.Len(terminated, 2)
	assert.False(terminated[0].SessionUnknown)
	assert.True(terminated[1].SessionUnknown)
	assert.Equal(TerminateDisabledByLocal, terminated[0].Cause)
}

func TestProcessorTerminateRenew(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	err := alice.proc.ClearAndTerminateAllSessions(context.Background(), bob.contact, TerminateReset)
	require.NoError(err)

	queued := alice.transport.drain()
	require.Len(queued, 2, "Terminate followed by a new Init")
	assert.IsType(&Terminate{}, envelopeData(t, queued[0]))
	init, ok := envelopeData(t, queued[1]).(*Init)
	require.True(ok)
	assert.Equal(StateL20, alice.state(bob))

	for _, env := range queued {
		_, err := bob.receive(alice.contact, env.Message)
		require.NoError(err)
	}
	s, err := bob.sessions.GetBest(bob.name, alice.name)
	require.NoError(err)
	require.NotNil(s)
	assert.Equal(init.ID, s.ID)

	deliver(t, bob, alice)
	assert.Equal(StateRL44, alice.state(bob))
}

func TestProcessorDisabled(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	bob.proc.SetEnabled(false)
	require.False(bob.proc.Enabled())

	s, err := bob.sessions.GetBest(bob.name, alice.name)
	require.NoError(err)
	ok, err := bob.proc.CanForwardSecurityMessageBeProcessed(context.Background(), alice.contact, s.ID, false)
	require.NoError(err)
	assert.False(ok)
	assert.Empty(bob.transport.drain(), "no Terminate unless requested")
	assert.Equal(1, bob.sessionCount(alice), "session untouched")

	alice.sendText(bob, "disabled")
	results := deliver(t, alice, bob)
	require.Len(results, 1)
	assert.Equal(ResultNone, results[0].Kind)
	assert.Nil(results[0].Ratchet)
	assert.Equal(0, bob.sessionCount(alice))

	queued := bob.transport.drain()
	require.Len(queued, 1)
	terminate, ok := envelopeData(t, queued[0]).(*Terminate)
	require.True(ok)
	assert.Equal(TerminateDisabledByLocal, terminate.Cause)
	assert.Equal(s.ID, terminate.ID)

	// A Reject is dropped without a Terminate.
	r, err := bob.receive(alice.contact, &InnerMessage{
		Type: TypeForwardSecurityEnvelope,
		Body: mustEncodeEnvelope(t, &Reject{ID: s.ID, Cause: RejectStateMismatch}),
	})
	require.NoError(err)
	assert.Equal(ResultNone, r.Kind)
	assert.Empty(bob.transport.drain())

	// Outgoing messages are not encapsulated.
	res := bob.sendText(alice, "plain")
	require.Len(res.Outgoing, 1)
	assert.Equal(DHType(0), res.DHType)
	assert.Equal(uint8(testTypeText), res.Outgoing[0].Message.Type)
	require.ErrorIs(bob.proc.RefreshSession(context.Background(), alice.contact), ErrDisabled)
}

func mustEncodeEnvelope(t *testing.T, d Data) []byte {
	b, err := EncodeEnvelope(d)
	require.NoError(t, err)
	return b
}

func TestProcessorTerminateRateLimit(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	alice := newTestParty(t, "ALICE001", nil)
	bob := newTestParty(t, "BOB00001", func(cfg *Config) {
		cfg.TerminateRateLimit = 0.001
		cfg.TerminateBurst = 1
	})
	alice.contacts[bob.name] = bob.contact
	bob.contacts[alice.name] = alice.contact
	bob.proc.SetEnabled(false)

	for _, text := range []string{"one", "two", "three"} {
		alice.sendText(bob, text)
	}
	results := deliver(t, alice, bob)
	require.Len(results, 4, "Init and three messages")

	queued := bob.transport.drain()
	require.Len(queued, 1, "one Terminate per burst")
	assert.IsType(&Terminate{}, envelopeData(t, queued[0]))

	bob.clock.advance(time.Hour)
	alice.sendText(bob, "later")
	deliver(t, alice, bob)
	assert.Len(bob.transport.drain(), 1, "limiter refilled")
}

func TestProcessorInitFromLegacyPeer(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	// Bob's view of Alice lacks the forward security feature.
	legacy := *alice.contact
	legacy.FeatureMask = 0

	alice.sendText(bob, "hello")
	queued := alice.transport.drain()
	_, err := bob.receive(&legacy, queued[0].Message)
	require.NoError(err)
	assert.Equal(0, bob.sessionCount(alice))

	out := bob.transport.drain()
	require.Len(out, 1)
	terminate, ok := envelopeData(t, out[0]).(*Terminate)
	require.True(ok)
	assert.Equal(TerminateDisabledByRemote, terminate.Cause)
}

func TestProcessorKeepAlive(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	res := alice.sendText(bob, "soon")
	require.Len(res.Outgoing, 1)
	deliver(t, alice, bob)

	alice.clock.advance(KeepAliveInterval + time.Minute)
	res = alice.sendText(bob, "later")
	require.Len(res.Outgoing, 2, "empty message first")
	assert.NotEqual(res.Outgoing[0].Nonce, res.Outgoing[1].Nonce)

	results := deliver(t, alice, bob)
	require.Len(results, 2)
	require.Equal(ResultMessage, results[0].Kind)
	assert.Equal(uint8(TypeEmpty), results[0].Message.Type)
	require.Equal(ResultMessage, results[1].Kind)
	assert.Equal([]byte("later"), results[1].Message.Body)

	res = alice.sendText(bob, "fresh")
	require.Len(res.Outgoing, 1)
	deliver(t, alice, bob)

	// RefreshSession sends an empty message in the existing session.
	require.NoError(alice.proc.RefreshSession(context.Background(), bob.contact))
	results = deliver(t, alice, bob)
	require.Len(results, 1)
	assert.Equal(uint8(TypeEmpty), results[0].Message.Type)
}

func TestProcessorNoReencapsulation(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	m := &InnerMessage{
		Type: TypeForwardSecurityEnvelope,
		Body: mustEncodeEnvelope(t, &Terminate{Cause: TerminateReset}),
	}
	n, err := alice.factory.Next(nonce.ScopeCSP)
	require.NoError(err)
	res, err := alice.proc.RunEncapsulationSteps(bob.contact, m, n)
	require.NoError(err)
	require.Len(res.Outgoing, 1)
	assert.Same(m, res.Outgoing[0].Message)
	assert.Equal(n, res.Outgoing[0].Nonce)
	assert.Equal(0, alice.sessionCount(bob))

	// Neither are messages to peers without forward security.
	legacy := *bob.contact
	legacy.FeatureMask = 0
	text := &InnerMessage{Type: testTypeText, Body: []byte("plain")}
	res, err = alice.proc.RunEncapsulationSteps(&legacy, text, n)
	require.NoError(err)
	require.Len(res.Outgoing, 1)
	assert.Same(text, res.Outgoing[0].Message)
}

func TestProcessorInvalidSessions(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)

	s, err := alice.sessions.GetBest(alice.name, bob.name)
	require.NoError(err)
	s.PeerRatchet4DH = nil
	require.NoError(alice.sessions.Put(s))

	require.NoError(alice.proc.TerminateAllInvalidSessions(context.Background(), bob.contact))
	queued := alice.transport.drain()
	require.Len(queued, 2, "Terminate and renewal Init")
	terminate, ok := envelopeData(t, queued[0]).(*Terminate)
	require.True(ok)
	assert.Equal(TerminateReset, terminate.Cause)
	assert.Equal(s.ID, terminate.ID)
	assert.Equal(StateL20, alice.state(bob))

	// A 4DH session stored without negotiated versions is invalid too.
	s, err = bob.sessions.GetBest(bob.name, alice.name)
	require.NoError(err)
	s.Current4DHVersions = nil
	require.NoError(bob.sessions.Put(s))
	require.NoError(bob.proc.TerminateAllInvalidSessions(context.Background(), alice.contact))
	queued = bob.transport.drain()
	require.Len(queued, 2)
	terminate, ok = envelopeData(t, queued[0]).(*Terminate)
	require.True(ok)
	assert.Equal(s.ID, terminate.ID)
}

func TestProcessorLock(t *testing.T) {
	alice, _ := newTestPair(t)

	unlock := alice.proc.Lock("BOB00001")
	other := alice.proc.Lock("CAROL001")
	other()

	acquired := make(chan struct{})
	go func() {
		u := alice.proc.Lock("BOB00001")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired twice")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not released")
	}
}

func reencode(t *testing.T, m *InnerMessage, d Data) {
	body, err := EncodeEnvelope(d)
	require.NoError(t, err)
	m.Body = body
}

func TestProcessorBadPeerData(t *testing.T) {
	t.Run("low order accept key", func(t *testing.T) {
		require := require.New(t)
		alice, bob := newTestPair(t)

		alice.sendText(bob, "hello")
		deliver(t, alice, bob)
		queued := bob.transport.drain()
		require.Len(queued, 1)
		accept, ok := envelopeData(t, queued[0]).(*Accept)
		require.True(ok)
		accept.EphemeralPublicKey = make([]byte, 32)
		reencode(t, queued[0].Message, accept)

		_, err := alice.receive(bob.contact, queued[0].Message)
		require.ErrorIs(err, ErrBadPeerData)
		require.ErrorIs(err, nacl.ErrCrypto)
		require.Equal(StateL20, alice.state(bob), "session untouched")
	})

	t.Run("accept for completed session", func(t *testing.T) {
		require := require.New(t)
		alice, bob := newTestPair(t)

		alice.sendText(bob, "hello")
		deliver(t, alice, bob)
		queued := bob.transport.drain()
		require.Len(queued, 1)
		_, err := alice.receive(bob.contact, queued[0].Message)
		require.NoError(err)

		_, err = alice.receive(bob.contact, queued[0].Message)
		require.ErrorIs(err, ErrBadPeerData)
		require.ErrorIs(err, ErrMissingEphemeralPrivateKey)
		require.Equal(StateRL44, alice.state(bob))
	})

	t.Run("init key length", func(t *testing.T) {
		require := require.New(t)
		alice, bob := newTestPair(t)
		handshake(t, alice, bob)

		id, err := NewSessionID(rand.Reader)
		require.NoError(err)
		m := &InnerMessage{Type: TypeForwardSecurityEnvelope}
		reencode(t, m, &Init{ID: id, Versions: SupportedVersions, EphemeralPublicKey: []byte{1, 2, 3}})

		_, err = bob.receive(alice.contact, m)
		require.ErrorIs(err, ErrBadPeerData)
		require.ErrorIs(err, nacl.ErrInvalidInput)
		require.Equal(1, bob.sessionCount(alice), "existing session kept")
		require.Empty(bob.transport.drain())
	})

	t.Run("init versions", func(t *testing.T) {
		require := require.New(t)
		alice, bob := newTestPair(t)

		alice.sendText(bob, "hello")
		queued := alice.transport.drain()
		init, ok := envelopeData(t, queued[0]).(*Init)
		require.True(ok)
		init.Versions = VersionRange{Min: 0x0200, Max: 0x0200}
		reencode(t, queued[0].Message, init)

		_, err := bob.receive(alice.contact, queued[0].Message)
		require.ErrorIs(err, ErrBadPeerData)
		require.ErrorIs(err, ErrUnsupportedVersion)
		require.Equal(0, bob.sessionCount(alice))
	})
}

func TestProcessorNickname(t *testing.T) {
	for _, tc := range []struct {
		name     string
		nickname string
		want     string
	}{
		{"normalized", "  Alice\u00a0\u00a0Smith ", "Alice Smith"},
		{"invalid", "Al\u0007ice", ""},
		{"none", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			alice := newTestParty(t, "ALICE001", func(cfg *Config) {
				id := cfg.Identity.(*StaticIdentity)
				cfg.Identity = NewStaticIdentity(id.identity, id.keypair, tc.nickname)
			})
			bob := newTestParty(t, "BOB00001", nil)
			alice.contacts[bob.name] = bob.contact
			bob.contacts[alice.name] = alice.contact

			res := alice.sendText(bob, "hello")
			init, ok := envelopeData(t, res.Outgoing[0]).(*Init)
			require.True(ok)
			require.Equal(tc.nickname, init.Nickname, "sent as configured")

			deliver(t, alice, bob)
			established := eventsOf[*SessionEstablishedEvent](bob.events)
			require.Len(established, 1)
			require.Equal(tc.want, established[0].Nickname)
		})
	}
}

func TestProcessorVersionUpgrade(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)
	handshake(t, alice, bob)
	require.Empty(eventsOf[*VersionsUpdatedEvent](alice.events))

	// Alice's session was negotiated before she supported 1.2.
	s, err := alice.sessions.GetBest(alice.name, bob.name)
	require.NoError(err)
	s.Current4DHVersions = &DHVersions{Local: Version11, Remote: Version11}
	require.NoError(alice.sessions.Put(s))

	bob.sendText(alice, "1.2")
	results := deliver(t, bob, alice)
	require.Equal(ResultMessage, results[0].Kind)
	updated := eventsOf[*VersionsUpdatedEvent](alice.events)
	require.Len(updated, 1)
	assert.Equal(DHVersions{Local: Version11, Remote: Version11}, updated[0].Before)
	assert.Equal(DHVersions{Local: Version12, Remote: Version12}, updated[0].After)

	// The raised local version is announced with an empty message.
	queued := alice.transport.drain()
	require.Len(queued, 1)
	msg, ok := envelopeData(t, queued[0]).(*Message)
	require.True(ok)
	assert.Equal(FourDH, msg.DHType)
	assert.Equal(Version12, msg.AppliedVersion)
	r, err := bob.receive(alice.contact, queued[0].Message)
	require.NoError(err)
	require.Equal(ResultMessage, r.Kind)
	assert.Equal(uint8(TypeEmpty), r.Message.Type)
	assert.Empty(eventsOf[*VersionsUpdatedEvent](bob.events))

	infos, err := alice.proc.Sessions(bob.name)
	require.NoError(err)
	require.Len(infos, 1)
	assert.Equal(&DHVersions{Local: Version12, Remote: Version12}, infos[0].Versions)
}

func TestProcessorGroupMessageVersion(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	group := &InnerMessage{Type: testTypeText, Body: []byte("group"), Group: &GroupIdentity{Creator: alice.name, GroupID: 1}}
	n, err := alice.factory.Next(nonce.ScopeCSP)
	require.NoError(err)
	res, err := alice.proc.RunEncapsulationSteps(bob.contact, group, n)
	require.NoError(err)
	require.Len(res.Outgoing, 2)
	assert.IsType(&Init{}, envelopeData(t, res.Outgoing[0]))
	assert.Same(group, res.Outgoing[1].Message, "a new session cannot carry group messages")
	assert.Zero(res.DHType)
	require.NoError(alice.proc.Send(context.Background(), res))
	assert.Equal(StateL20, alice.state(bob), "session kept")

	deliver(t, alice, bob)
	deliver(t, bob, alice)
	group.ID[0] = 1
	n, err = alice.factory.Next(nonce.ScopeCSP)
	require.NoError(err)
	res, err = alice.proc.RunEncapsulationSteps(bob.contact, group, n)
	require.NoError(err)
	require.Len(res.Outgoing, 1)
	assert.Equal(FourDH, res.DHType)
}

func TestProcessorMessageWithoutForwardSecurity(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	alice, bob := newTestPair(t)

	text := &InnerMessage{Type: testTypeText, Body: []byte("plain")}
	bob.proc.WarnIfMessageWithoutForwardSecurity(alice.contact, text)
	assert.Empty(eventsOf[*MessageWithoutForwardSecurityEvent](bob.events), "no session")

	handshake(t, alice, bob)
	bob.proc.WarnIfMessageWithoutForwardSecurity(alice.contact, &InnerMessage{Type: TypeEmpty})
	assert.Empty(eventsOf[*MessageWithoutForwardSecurityEvent](bob.events))

	bob.proc.WarnIfMessageWithoutForwardSecurity(alice.contact, text)
	warned := eventsOf[*MessageWithoutForwardSecurityEvent](bob.events)
	require.Len(warned, 1)
	assert.Equal(alice.name, warned[0].Peer)
	assert.Equal(text.ID, warned[0].MessageID)

	// A peer that last applied 1.1 cannot send group messages with forward
	// security.
	s, err := bob.sessions.GetBest(bob.name, alice.name)
	require.NoError(err)
	s.Current4DHVersions.Remote = Version11
	require.NoError(bob.sessions.Put(s))
	bob.proc.WarnIfMessageWithoutForwardSecurity(alice.contact, &InnerMessage{Type: testTypeText, Group: &GroupIdentity{Creator: alice.name, GroupID: 1}})
	assert.Len(eventsOf[*MessageWithoutForwardSecurityEvent](bob.events), 1)

	legacy := *alice.contact
	legacy.FeatureMask = 0
	bob.proc.WarnIfMessageWithoutForwardSecurity(&legacy, text)
	assert.Len(eventsOf[*MessageWithoutForwardSecurityEvent](bob.events), 1, "downgraded contact")
}
