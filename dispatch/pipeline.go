// pipeline.go - Incoming envelope pipeline.
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

// Package dispatch implements the processing of incoming envelopes: replay
// screening, decryption of the outer box, forward security decapsulation,
// and the side effects of the result on the message model.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/fs"
	"github.com/fscore/fscore/internal/instrument"
	"github.com/fscore/fscore/nonce"
)

// ErrUnknownRecipient is the error returned when sending to an identity
// that is not a known contact.
var ErrUnknownRecipient = errors.New("dispatch: unknown recipient")

// IncomingEnvelope is an envelope as received from the transport.
type IncomingEnvelope struct {
	Sender string
	Nonce  nonce.Nonce

	// Box is the frame sealed for the recipient.
	Box []byte
}

// Outcome is the fate of an incoming envelope.
type Outcome int

const (
	// OutcomeProcessed envelopes have been handled and their nonce stored.
	OutcomeProcessed Outcome = iota

	// OutcomeReplay envelopes carry a nonce that was seen before, and are
	// discarded without being decrypted.
	OutcomeReplay

	// OutcomeDropped envelopes could not be processed.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeReplay:
		return "replay"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("[invalid outcome: %d]", int(o))
	}
}

// NonceStore is the replay store used by the Pipeline.
type NonceStore interface {
	Exists(nonce.Scope, nonce.Nonce) (bool, error)
	Store(nonce.Scope, nonce.Nonce) (bool, error)
}

// Config is the Pipeline configuration.
type Config struct {
	Log *logging.Logger

	// Identity is the local identity.
	Identity string

	Nonces    NonceStore
	Contacts  fs.ContactStore
	Boxes     *nacl.SessionCache
	Processor *fs.Processor

	Messages     MessageHandler
	MessageStore MessageStore
	Notifier     Notifier
	CallState    CallState
	Groups       GroupDirectory
	GroupSync    GroupSync

	// Now is the clock, if nil time.Now is used.
	Now func() time.Time
}

// Pipeline processes incoming envelopes.
type Pipeline struct {
	log *logging.Logger

	nonces    NonceStore
	contacts  fs.ContactStore
	boxes     *nacl.SessionCache
	processor *fs.Processor
	messages  MessageHandler
	rejects   *rejectTask
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	switch {
	case cfg.Log == nil:
		return nil, errors.New("dispatch: no logger")
	case cfg.Nonces == nil:
		return nil, errors.New("dispatch: no nonce store")
	case cfg.Contacts == nil:
		return nil, errors.New("dispatch: no contact store")
	case cfg.Boxes == nil:
		return nil, errors.New("dispatch: no session cache")
	case cfg.Processor == nil:
		return nil, errors.New("dispatch: no processor")
	case cfg.Messages == nil:
		return nil, errors.New("dispatch: no message handler")
	case cfg.MessageStore == nil, cfg.Notifier == nil, cfg.CallState == nil, cfg.Groups == nil, cfg.GroupSync == nil:
		return nil, errors.New("dispatch: incomplete message model")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		log:       cfg.Log,
		nonces:    cfg.Nonces,
		contacts:  cfg.Contacts,
		boxes:     cfg.Boxes,
		processor: cfg.Processor,
		messages:  cfg.Messages,
		rejects: &rejectTask{
			log:       cfg.Log,
			identity:  cfg.Identity,
			contacts:  cfg.Contacts,
			messages:  cfg.MessageStore,
			notifier:  cfg.Notifier,
			calls:     cfg.CallState,
			groups:    cfg.Groups,
			groupSync: cfg.GroupSync,
			now:       now,
		},
	}, nil
}

// Handle processes env.  Envelopes from the same sender are processed one
// at a time.  Replays are discarded before any decryption is attempted.
// The nonce of an envelope that fails to authenticate is never stored.  If
// ctx is done before the envelope has any effect its nonce is not stored so
// that it can be processed again.  Once handling has started the nonce is
// always stored.
func (p *Pipeline) Handle(ctx context.Context, env *IncomingEnvelope) (Outcome, error) {
	outcome, err := p.handle(ctx, env)
	instrument.Envelope(outcome.String())
	return outcome, err
}

func (p *Pipeline) handle(ctx context.Context, env *IncomingEnvelope) (Outcome, error) {
	unlock := p.processor.Lock(env.Sender)
	defer unlock()

	seen, err := p.nonces.Exists(nonce.ScopeCSP, env.Nonce)
	if err != nil {
		return OutcomeDropped, err
	}
	if seen {
		p.log.Warningf("Discarding envelope from %v with reused nonce", env.Sender)
		instrument.Replay()
		return OutcomeReplay, nil
	}

	sender, err := p.contacts.Contact(env.Sender)
	if err != nil {
		return OutcomeDropped, err
	}
	if sender == nil {
		p.log.Warningf("Dropping envelope from unknown identity %v", env.Sender)
		return OutcomeDropped, nil
	}

	box, err := p.boxes.Get(sender.PublicKey[:])
	if err != nil {
		return OutcomeDropped, err
	}
	frame, err := box.Decrypt(env.Nonce, env.Box)
	if err != nil {
		// Anyone can forge a box under a nonce they observed.
		instrument.CryptoFailure()
		p.log.Warningf("Failed to decrypt envelope from %v: %v", env.Sender, err)
		return OutcomeDropped, err
	}
	m, err := fs.DecodeFrame(frame)
	if err != nil {
		p.log.Warningf("Dropping malformed envelope from %v: %v", env.Sender, err)
		p.discard(env)
		return OutcomeDropped, err
	}

	var ratchet *fs.PeerRatchetIdentifier
	if m.IsForwardSecurityEnvelope() {
		data, err := fs.DecodeEnvelope(m.Body)
		if err != nil {
			p.log.Warningf("Dropping malformed forward security envelope %v from %v: %v", m.ID, env.Sender, err)
			p.discard(env)
			return OutcomeDropped, err
		}
		if err = ctx.Err(); err != nil {
			return OutcomeDropped, err
		}
		res, err := p.processor.ProcessEnvelope(ctx, sender, &fs.Envelope{MessageID: m.ID, Data: data})
		switch {
		case errors.Is(err, fs.ErrOutOfOrder), errors.Is(err, fs.ErrBadPeerData):
			p.log.Warningf("Dropping message %v from %v: %v", m.ID, env.Sender, err)
			p.discard(env)
			return OutcomeDropped, nil
		case err != nil:
			return OutcomeDropped, err
		}
		if err = p.dispatch(ctx, sender, res); err != nil {
			return OutcomeDropped, err
		}
		ratchet = res.Ratchet
	} else {
		if err = ctx.Err(); err != nil {
			return OutcomeDropped, err
		}
		p.processor.WarnIfMessageWithoutForwardSecurity(sender, m)
		if err = p.handleMessage(ctx, sender, m); err != nil {
			return OutcomeDropped, err
		}
	}

	if stored, err := p.nonces.Store(nonce.ScopeCSP, env.Nonce); err != nil {
		return OutcomeDropped, err
	} else if !stored {
		p.log.Warningf("Nonce of envelope %v from %v was stored concurrently", m.ID, env.Sender)
	}
	if ratchet != nil {
		if err = p.processor.CommitPeerRatchet(ratchet); err != nil {
			return OutcomeDropped, err
		}
	}
	return OutcomeProcessed, nil
}

// discard stores the nonce of an envelope that can never be processed, so
// that it is not processed again.
func (p *Pipeline) discard(env *IncomingEnvelope) {
	if _, err := p.nonces.Store(nonce.ScopeCSP, env.Nonce); err != nil {
		p.log.Errorf("Failed to store nonce of discarded envelope from %v: %v", env.Sender, err)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, sender *fs.Contact, res *fs.DecryptionResult) error {
	instrument.DecryptionResult(res.Kind.String())
	switch res.Kind {
	case fs.ResultMessage:
		return p.handleMessage(ctx, sender, res.Message)
	case fs.ResultReject:
		return p.rejects.handle(ctx, sender, res.Reject)
	case fs.ResultTerminate, fs.ResultNone:
		return nil
	default:
		panic(fmt.Sprintf("BUG: dispatch: unhandled result kind: %v", res.Kind))
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, sender *fs.Contact, m *fs.InnerMessage) error {
	if m.Type == fs.TypeEmpty {
		p.log.Debugf("Discarding empty message %v from %v", m.ID, sender.Identity)
		return nil
	}
	return p.messages.HandleMessage(ctx, sender, m)
}

// Sink hands sealed envelopes to the transport.
type Sink interface {
	Deliver(ctx context.Context, recipient string, env *IncomingEnvelope) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, recipient string, env *IncomingEnvelope) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, recipient string, env *IncomingEnvelope) error {
	return f(ctx, recipient, env)
}

// BoxTransport is a fs.Transport that frames outgoing messages and seals
// them in a box for the recipient, the counterpart of the Pipeline.
type BoxTransport struct {
	identity string
	contacts fs.ContactStore
	boxes    *nacl.SessionCache
	sink     Sink
	rand     io.Reader
}

// NewBoxTransport creates a BoxTransport sending as identity.
func NewBoxTransport(identity string, contacts fs.ContactStore, boxes *nacl.SessionCache, sink Sink) *BoxTransport {
	return &BoxTransport{
		identity: identity,
		contacts: contacts,
		boxes:    boxes,
		sink:     sink,
		rand:     rand.Reader,
	}
}

// Send implements fs.Transport.
func (t *BoxTransport) Send(ctx context.Context, env *fs.OutgoingEnvelope) error {
	c, err := t.contacts.Contact(env.Recipient)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %v", ErrUnknownRecipient, env.Recipient)
	}

	frame, err := fs.EncodeFrame(t.rand, env.Message)
	if err != nil {
		return err
	}
	box, err := t.boxes.Get(c.PublicKey[:])
	if err != nil {
		return err
	}
	sealed, err := box.Encrypt(env.Nonce, frame)
	if err != nil {
		return err
	}
	return t.sink.Deliver(ctx, env.Recipient, &IncomingEnvelope{
		Sender: t.identity,
		Nonce:  env.Nonce,
		Box:    sealed,
	})
}
