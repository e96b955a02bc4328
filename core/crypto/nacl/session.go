// session.go - Cached crypto sessions.
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

package nacl

import (
	"encoding/hex"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Session is a box between a local private key and a remote public key,
// with the shared secret derived once and cached for the life of the
// Session.
type Session struct {
	sync.RWMutex

	secret *SharedSecret
}

// NewSession derives the shared secret for privateKey and publicKey.
func NewSession(privateKey, publicKey []byte) (*Session, error) {
	secret, err := DeriveSharedSecret(privateKey, publicKey)
	if err != nil {
		return nil, err
	}
	return &Session{secret: secret}, nil
}

func (s *Session) key() ([]byte, error) {
	if s.secret == nil {
		return nil, fmt.Errorf("%w: session has been wiped", ErrInvalidInput)
	}
	return s.secret[:], nil
}

// Encrypt seals plaintext under the cached shared secret.
func (s *Session) Encrypt(nonce Nonce, plaintext []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	k, err := s.key()
	if err != nil {
		return nil, err
	}
	return Encrypt(k, nonce[:], plaintext)
}

// Decrypt opens ciphertext under the cached shared secret.
func (s *Session) Decrypt(nonce Nonce, ciphertext []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	k, err := s.key()
	if err != nil {
		return nil, err
	}
	return Decrypt(k, nonce[:], ciphertext)
}

// Wipe zeroes the shared secret.  The Session is unusable afterwards.
func (s *Session) Wipe() {
	s.Lock()
	defer s.Unlock()
	if s.secret != nil {
		s.secret.Wipe()
		s.secret = nil
	}
}

// SessionCache caches a Session per remote public key for one local
// private key.
type SessionCache struct {
	sync.Mutex

	log        *logging.Logger
	privateKey [PrivateKeySize]byte
	sessions   map[[PublicKeySize]byte]*Session
	wiped      bool
}

// NewSessionCache creates a SessionCache for the local privateKey.
func NewSessionCache(privateKey []byte, log *logging.Logger) (*SessionCache, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidInput, len(privateKey))
	}
	c := &SessionCache{
		log:      log,
		sessions: make(map[[PublicKeySize]byte]*Session),
	}
	copy(c.privateKey[:], privateKey)
	return c, nil
}

// Get returns the Session for publicKey, deriving it on first use.
func (c *SessionCache) Get(publicKey []byte) (*Session, error) {
	if len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidInput, len(publicKey))
	}
	var k [PublicKeySize]byte
	copy(k[:], publicKey)

	c.Lock()
	defer c.Unlock()
	if c.wiped {
		return nil, fmt.Errorf("%w: session cache has been wiped", ErrInvalidInput)
	}
	if s, ok := c.sessions[k]; ok {
		return s, nil
	}
	s, err := NewSession(c.privateKey[:], publicKey)
	if err != nil {
		c.log.Warningf("Failed to derive session for %v: %v", hex.EncodeToString(publicKey), err)
		return nil, err
	}
	c.sessions[k] = s
	return s, nil
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.sessions)
}

// Wipe zeroes every cached shared secret and the local private key.
func (c *SessionCache) Wipe() {
	c.Lock()
	defer c.Unlock()
	for k, s := range c.sessions {
		s.Wipe()
		delete(c.sessions, k)
	}
	clear(c.privateKey[:])
	c.wiped = true
	c.log.Debugf("Wiped session cache")
}
