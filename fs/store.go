// store.go - Persistent DH session store.
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
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/fscore/fscore/core/crypto/nacl"
)

const sessionsBucket = "sessions"

// ErrStoreClosed is the error returned when the session store has been
// closed.
var ErrStoreClosed = errors.New("fs: session store is closed")

// SessionStore persists DH sessions.  Lookups of absent sessions return a
// nil session and no error.
type SessionStore interface {
	// Get returns the session with the given ID.
	Get(myIdentity, peerIdentity string, id SessionID) (*Session, error)

	// GetBest returns the session to send new messages in: sessions that
	// have completed the handshake are preferred, then the lowest ID.
	GetBest(myIdentity, peerIdentity string) (*Session, error)

	// GetAll returns every session with the peer, ordered by ID.
	GetAll(myIdentity, peerIdentity string) ([]*Session, error)

	// Put stores (or replaces) the session.
	Put(s *Session) error

	// Delete removes the session, and returns true iff it existed.
	Delete(myIdentity, peerIdentity string, id SessionID) (bool, error)

	// DeleteAllExcept removes every session with the peer other than
	// except.  If fourDHOnly is set only sessions that have a local 4DH
	// ratchet are removed.  It returns the number of removed sessions.
	DeleteAllExcept(myIdentity, peerIdentity string, except SessionID, fourDHOnly bool) (int, error)

	// Close closes the store.
	Close() error
}

// BoltSessionStore is a SessionStore backed by bbolt, with sessions
// serialized as CBOR and sealed under a storage key.
type BoltSessionStore struct {
	sync.RWMutex

	db  *bolt.DB
	key *[nacl.SymmetricKeySize]byte
}

// NewBoltSessionStore opens (or creates) the session database at path.  The
// store keeps a copy of key, which is wiped on Close.
func NewBoltSessionStore(path string, key *[nacl.SymmetricKeySize]byte) (*BoltSessionStore, error) {
	if key == nil {
		return nil, fmt.Errorf("fs: missing session store key: %w", nacl.ErrInvalidInput)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:        time.Second,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	k := new([nacl.SymmetricKeySize]byte)
	*k = *key
	return &BoltSessionStore{db: db, key: k}, nil
}

func (b *BoltSessionStore) view(fn func(*bolt.Tx) error) error {
	b.RLock()
	defer b.RUnlock()
	if b.db == nil {
		return ErrStoreClosed
	}
	return b.db.View(fn)
}

func (b *BoltSessionStore) update(fn func(*bolt.Tx) error) error {
	b.RLock()
	defer b.RUnlock()
	if b.db == nil {
		return ErrStoreClosed
	}
	return b.db.Update(fn)
}

// peerBucket returns the bucket holding the sessions between myIdentity and
// peerIdentity, creating it if create is set.
func peerBucket(tx *bolt.Tx, myIdentity, peerIdentity string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(sessionsBucket))
	if !create {
		my := root.Bucket([]byte(myIdentity))
		if my == nil {
			return nil, nil
		}
		return my.Bucket([]byte(peerIdentity)), nil
	}
	my, err := root.CreateBucketIfNotExists([]byte(myIdentity))
	if err != nil {
		return nil, err
	}
	return my.CreateBucketIfNotExists([]byte(peerIdentity))
}

func (b *BoltSessionStore) decodeSession(sealed []byte) (*Session, error) {
	raw, err := nacl.Open(b.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("fs: unreadable session: %w", err)
	}
	defer clear(raw)
	s := new(Session)
	if err := cbor.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("fs: corrupted session: %w", err)
	}
	return s, nil
}

// Get implements SessionStore.
func (b *BoltSessionStore) Get(myIdentity, peerIdentity string, id SessionID) (*Session, error) {
	var s *Session
	err := b.view(func(tx *bolt.Tx) error {
		bkt, _ := peerBucket(tx, myIdentity, peerIdentity, false)
		if bkt == nil {
			return nil
		}
		raw := bkt.Get(id[:])
		if raw == nil {
			return nil
		}
		var err error
		s, err = b.decodeSession(raw)
		return err
	})
	return s, err
}

// GetAll implements SessionStore.
func (b *BoltSessionStore) GetAll(myIdentity, peerIdentity string) ([]*Session, error) {
	var sessions []*Session
	err := b.view(func(tx *bolt.Tx) error {
		bkt, _ := peerBucket(tx, myIdentity, peerIdentity, false)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, raw []byte) error {
			s, err := b.decodeSession(raw)
			if err != nil {
				return err
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	return sessions, err
}

// GetBest implements SessionStore.
func (b *BoltSessionStore) GetBest(myIdentity, peerIdentity string) (*Session, error) {
	sessions, err := b.GetAll(myIdentity, peerIdentity)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return bestSession(sessions), nil
}

func bestSession(sessions []*Session) *Session {
	sort.SliceStable(sessions, func(i, j int) bool {
		a4, b4 := sessions[i].MyRatchet4DH != nil, sessions[j].MyRatchet4DH != nil
		if a4 != b4 {
			return a4
		}
		return sessions[i].ID.Compare(sessions[j].ID) < 0
	})
	return sessions[0]
}

// Put implements SessionStore.
func (b *BoltSessionStore) Put(s *Session) error {
	raw, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	defer clear(raw)
	return b.update(func(tx *bolt.Tx) error {
		sealed, err := nacl.Seal(b.key, raw)
		if err != nil {
			return err
		}
		bkt, err := peerBucket(tx, s.MyIdentity, s.PeerIdentity, true)
		if err != nil {
			return err
		}
		return bkt.Put(s.ID[:], sealed)
	})
}

// Delete implements SessionStore.
func (b *BoltSessionStore) Delete(myIdentity, peerIdentity string, id SessionID) (bool, error) {
	deleted := false
	err := b.update(func(tx *bolt.Tx) error {
		bkt, _ := peerBucket(tx, myIdentity, peerIdentity, false)
		if bkt == nil || bkt.Get(id[:]) == nil {
			return nil
		}
		deleted = true
		return bkt.Delete(id[:])
	})
	return deleted, err
}

// DeleteAllExcept implements SessionStore.
func (b *BoltSessionStore) DeleteAllExcept(myIdentity, peerIdentity string, except SessionID, fourDHOnly bool) (int, error) {
	n := 0
	err := b.update(func(tx *bolt.Tx) error {
		bkt, _ := peerBucket(tx, myIdentity, peerIdentity, false)
		if bkt == nil {
			return nil
		}

		var victims [][]byte
		if err := bkt.ForEach(func(k, raw []byte) error {
			if string(k) == string(except[:]) {
				return nil
			}
			if fourDHOnly {
				s, err := b.decodeSession(raw)
				if err != nil {
					return err
				}
				if s.MyRatchet4DH == nil {
					return nil
				}
			}
			victims = append(victims, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}

		for _, k := range victims {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(victims)
		return nil
	})
	return n, err
}

// Peers returns every peer identity myIdentity holds sessions with.
func (b *BoltSessionStore) Peers(myIdentity string) ([]string, error) {
	var peers []string
	err := b.view(func(tx *bolt.Tx) error {
		my := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(myIdentity))
		if my == nil {
			return nil
		}
		return my.ForEachBucket(func(k []byte) error {
			peers = append(peers, string(k))
			return nil
		})
	})
	return peers, err
}

// Close implements SessionStore.
func (b *BoltSessionStore) Close() error {
	b.Lock()
	defer b.Unlock()
	if b.db == nil {
		return ErrStoreClosed
	}
	err := b.db.Sync()
	if cErr := b.db.Close(); err == nil {
		err = cErr
	}
	b.db = nil
	clear(b.key[:])
	return err
}
