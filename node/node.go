// node.go - fscore node.
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

// Package node composes the fscore components into a running node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/fscore/fscore/config"
	"github.com/fscore/fscore/core/crypto/nacl"
	"github.com/fscore/fscore/core/events"
	"github.com/fscore/fscore/core/log"
	"github.com/fscore/fscore/core/worker"
	"github.com/fscore/fscore/dispatch"
	"github.com/fscore/fscore/fs"
	"github.com/fscore/fscore/internal/instrument"
	"github.com/fscore/fscore/nonce"
)

// ErrLocked is the error returned when the node has been locked.
var ErrLocked = errors.New("node: locked")

// Deps are the application collaborators of a Node.
type Deps struct {
	// KeyPair is the identity key pair, if nil it is loaded from the
	// configured PrivateKeyFile.  The Node takes ownership of it.
	KeyPair *nacl.KeyPair

	// Passphrase unlocks the identity key file and the session store.
	Passphrase []byte

	Contacts fs.ContactStore

	// Sink receives the sealed outgoing envelopes.
	Sink dispatch.Sink

	Messages     dispatch.MessageHandler
	MessageStore dispatch.MessageStore
	Notifier     dispatch.Notifier
	CallState    dispatch.CallState
	Groups       dispatch.GroupDirectory
	GroupSync    dispatch.GroupSync
}

// Node is a fscore instance.
type Node struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	contacts   fs.ContactStore
	keypair    *nacl.KeyPair
	storageKey *[nacl.SymmetricKeySize]byte
	nonces     *nonce.Store
	factory    *nonce.Factory
	sessions   *fs.BoltSessionStore
	boxes      *nacl.SessionCache
	processor  *fs.Processor
	pipeline   *dispatch.Pipeline
	sub        *events.Subscription

	stateLock sync.RWMutex
	locked    bool
}

// New creates and starts a Node.
func New(cfg *config.Config, deps *Deps) (*Node, error) {
	if deps.Contacts == nil || deps.Sink == nil {
		return nil, errors.New("node: incomplete dependencies")
	}
	if len(deps.Passphrase) == 0 {
		return nil, errors.New("node: missing storage passphrase")
	}

	n := &Node{
		cfg:      cfg,
		contacts: deps.Contacts,
		keypair:  deps.KeyPair,
	}

	var err error
	if n.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, err
	}
	n.log = n.logBackend.GetLogger("node")

	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	if err = os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, err
	}
	n.storageKey = StorageKey(deps.Passphrase)
	if n.keypair == nil {
		if n.keypair, err = LoadKeyPair(cfg.PrivateKeyFile(), n.storageKey); err != nil {
			n.log.Errorf("Failed to load the identity key: %v", err)
			return nil, err
		}
	}

	if n.nonces, err = nonce.New(cfg.NonceDB(), cfg.Identity.Identity, &nonce.Options{
		BloomEntries:           cfg.Nonce.BloomEntries,
		BloomFalsePositiveRate: cfg.Nonce.BloomFalsePositiveRate,
		NoSync:                 true,
		Log:                    n.logBackend.GetLogger("nonce"),
	}); err != nil {
		n.log.Errorf("Failed to open the nonce store: %v", err)
		return nil, err
	}
	n.factory = nonce.NewFactory(n.nonces, rand.Reader)

	if n.sessions, err = fs.NewBoltSessionStore(cfg.SessionDB(), n.storageKey); err != nil {
		n.log.Errorf("Failed to open the session store: %v", err)
		return nil, err
	}
	if n.boxes, err = nacl.NewSessionCache(n.keypair.PrivateKey[:], n.logBackend.GetLogger("nacl")); err != nil {
		return nil, err
	}

	bus := events.NewBus()
	n.sub = bus.Subscribe(n.onEvent)
	if n.processor, err = fs.NewProcessor(&fs.Config{
		Log:                n.logBackend.GetLogger("fs"),
		Sessions:           n.sessions,
		Contacts:           n.contacts,
		Identity:           fs.NewStaticIdentity(cfg.Identity.Identity, n.keypair, cfg.Identity.Nickname),
		Nonces:             n.factory,
		Transport:          dispatch.NewBoxTransport(cfg.Identity.Identity, n.contacts, n.boxes, deps.Sink),
		Bus:                bus,
		TerminateRateLimit: cfg.ForwardSecurity.TerminateRateLimit,
		TerminateBurst:     cfg.ForwardSecurity.TerminateBurst,
	}); err != nil {
		return nil, err
	}
	n.processor.SetEnabled(!cfg.ForwardSecurity.Disable)

	if n.pipeline, err = dispatch.NewPipeline(&dispatch.Config{
		Log:          n.logBackend.GetLogger("dispatch"),
		Identity:     cfg.Identity.Identity,
		Nonces:       n.nonces,
		Contacts:     n.contacts,
		Boxes:        n.boxes,
		Processor:    n.processor,
		Messages:     deps.Messages,
		MessageStore: deps.MessageStore,
		Notifier:     deps.Notifier,
		CallState:    deps.CallState,
		Groups:       deps.Groups,
		GroupSync:    deps.GroupSync,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		instrument.Init()
		n.startMetrics(cfg.Metrics.Address)
	}
	n.Go(n.syncWorker)

	isOk = true
	n.log.Noticef("Node started as %v.", cfg.Identity.Identity)
	return n, nil
}

func (n *Node) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case *fs.SessionTerminatedEvent:
		instrument.SessionTerminated(e.Cause.String())
	case *fs.AllSessionsTerminatedEvent:
		instrument.SessionTerminated(e.Cause.String())
	}
	n.log.Debugf("%v", ev)
}

func (n *Node) startMetrics(addr string) {
	srv := instrument.NewServer(addr)
	n.Go(func() {
		n.log.Noticef("Serving metrics on %v.", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Errorf("Metrics server failed: %v", err)
		}
	})
	n.Go(func() {
		<-n.HaltCh()
		srv.Close()
	})
}

func (n *Node) syncWorker() {
	t := time.NewTicker(time.Duration(n.cfg.Nonce.SyncInterval) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-n.HaltCh():
			n.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		if err := n.SyncNonces(); err != nil && !errors.Is(err, ErrLocked) {
			n.log.Warningf("Failed to sync the nonce store: %v", err)
		}
	}
}

// SyncNonces flushes the nonce store to disk.
func (n *Node) SyncNonces() error {
	n.stateLock.RLock()
	defer n.stateLock.RUnlock()
	if n.locked {
		return ErrLocked
	}
	return n.nonces.Sync()
}

// Handle processes an incoming envelope.
func (n *Node) Handle(ctx context.Context, env *dispatch.IncomingEnvelope) (dispatch.Outcome, error) {
	n.stateLock.RLock()
	defer n.stateLock.RUnlock()
	if n.locked {
		return dispatch.OutcomeDropped, ErrLocked
	}
	return n.pipeline.Handle(ctx, env)
}

// Send sends m to recipient, encapsulated when forward security is
// available with them.  A message ID is assigned if m has none.
func (n *Node) Send(ctx context.Context, recipient string, m *fs.InnerMessage) error {
	n.stateLock.RLock()
	defer n.stateLock.RUnlock()
	if n.locked {
		return ErrLocked
	}

	c, err := n.contacts.Contact(recipient)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %v", dispatch.ErrUnknownRecipient, recipient)
	}
	if m.ID == (fs.MessageID{}) {
		if m.ID, err = fs.NewMessageID(rand.Reader); err != nil {
			return err
		}
	}

	unlock := n.processor.Lock(recipient)
	defer unlock()
	nc, err := n.factory.Next(nonce.ScopeCSP)
	if err != nil {
		return err
	}
	res, err := n.processor.RunEncapsulationSteps(c, m, nc)
	if err != nil {
		return err
	}
	return n.processor.Send(ctx, res)
}

// Processor returns the forward security processor.
func (n *Node) Processor() *fs.Processor {
	return n.processor
}

// Nonces returns the nonce store.
func (n *Node) Nonces() *nonce.Store {
	return n.nonces
}

// Sessions returns the session store.
func (n *Node) Sessions() *fs.BoltSessionStore {
	return n.sessions
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() error {
	return n.logBackend.Rotate()
}

// Lock closes the durable stores and wipes the cached key material.  Every
// further operation fails with ErrLocked.  Lock may be called more than
// once.
func (n *Node) Lock() error {
	n.stateLock.Lock()
	defer n.stateLock.Unlock()
	if n.locked {
		return nil
	}
	n.locked = true

	var errs []error
	if n.sub != nil {
		n.sub.Close()
	}
	if n.nonces != nil {
		if err := n.nonces.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := n.nonces.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.sessions != nil {
		if err := n.sessions.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.boxes != nil {
		n.boxes.Wipe()
	}
	if n.keypair != nil {
		n.keypair.Reset()
	}
	if n.storageKey != nil {
		clear(n.storageKey[:])
	}
	n.log.Noticef("Node locked.")
	return errors.Join(errs...)
}

// Locked returns true iff the node has been locked.
func (n *Node) Locked() bool {
	n.stateLock.RLock()
	defer n.stateLock.RUnlock()
	return n.locked
}

// Shutdown stops the background workers and locks the node.
func (n *Node) Shutdown() {
	n.Halt()
	if err := n.Lock(); err != nil {
		n.log.Warningf("Failed to close the stores: %v", err)
	}
	n.log.Noticef("Shutdown complete.")
	n.logBackend.Close()
}
