// store.go - Hashed nonce replay store.
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

// Package nonce provides the persistent replay protection store for nonces,
// and a factory for known unused nonces.
package nonce

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/fscore/fscore/core/crypto/nacl"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	identityKey    = "identity"

	storeVersion = 0

	// HashedNonceSize is the size of a hashed nonce in bytes.
	HashedNonceSize = sha256.Size

	// DefaultBloomEntries is the default number of entries each scope's
	// bloom filter is sized for.
	DefaultBloomEntries = 1 << 20

	// DefaultBloomFalsePositiveRate is the default bloom filter false
	// positive rate.
	DefaultBloomFalsePositiveRate = 0.001
)

var (
	// ErrClosed is the error returned when the store has been closed.
	ErrClosed = errors.New("nonce: store is closed")

	// ErrInvalidScope is the error returned for an unknown scope.
	ErrInvalidScope = errors.New("nonce: invalid scope")

	// ErrIdentityMismatch is the error returned when a store is opened
	// with an identity other than the one it was created with.
	ErrIdentityMismatch = errors.New("nonce: store belongs to a different identity")

	// ErrIncompatibleVersion is the error returned when a store was
	// written with an unknown on-disk format.
	ErrIncompatibleVersion = errors.New("nonce: incompatible store version")

	identityCheckLabel = []byte("fscore nonce store identity")
)

// Nonce is a 24 byte nonce.
type Nonce = nacl.Nonce

// HashedNonce is the HMAC-SHA256 of a nonce keyed by the local identity.
type HashedNonce [HashedNonceSize]byte

// Scope is an isolated nonce space.
type Scope int

const (
	// ScopeCSP is the chat server protocol scope.
	ScopeCSP Scope = iota

	// ScopeD2D is the device to device protocol scope.
	ScopeD2D
)

// Scopes is every valid Scope.
var Scopes = []Scope{ScopeCSP, ScopeD2D}

func (s Scope) String() string {
	switch s {
	case ScopeCSP:
		return "csp"
	case ScopeD2D:
		return "d2d"
	default:
		return fmt.Sprintf("[invalid scope: %d]", int(s))
	}
}

func (s Scope) bucket() ([]byte, error) {
	switch s {
	case ScopeCSP, ScopeD2D:
		return []byte("nonces-" + s.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidScope, int(s))
	}
}

// ParseScope parses the string representation of a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "csp":
		return ScopeCSP, nil
	case "d2d":
		return ScopeD2D, nil
	default:
		return 0, fmt.Errorf("%w: '%v'", ErrInvalidScope, s)
	}
}

// Options are the optional Store parameters.
type Options struct {
	// BloomEntries is the number of entries each bloom filter is sized for.
	BloomEntries int

	// BloomFalsePositiveRate is the bloom filter false positive rate.
	BloomFalsePositiveRate float64

	// NoSync disables the fsync on every commit, leaving it to Sync.
	NoSync bool

	// Log is the logger, if nil logging is discarded.
	Log *logging.Logger
}

func (o *Options) applyDefaults() {
	if o.BloomEntries <= 0 {
		o.BloomEntries = DefaultBloomEntries
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		o.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}
	if o.Log == nil {
		o.Log = logging.MustGetLogger("nonce")
		o.Log.SetBackend(logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0)))
	}
}

// Store is the persistent hashed nonce store.  Only hashed nonces are ever
// written to disk.
type Store struct {
	sync.Mutex

	log      *logging.Logger
	db       *bolt.DB
	identity []byte
	filters  map[Scope]*bloom.Filter

	saturationWarned map[Scope]bool
}

// New opens (or creates) the nonce store at path for the local identity.
func New(path, identity string, opts *Options) (*Store, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.applyDefaults()

	s := &Store{
		log:              o.Log,
		identity:         []byte(identity),
		filters:          make(map[Scope]*bloom.Filter),
		saturationWarned: make(map[Scope]bool),
	}

	mLn2 := bloom.DeriveSize(o.BloomEntries, o.BloomFalsePositiveRate)
	for _, scope := range Scopes {
		f, err := bloom.New(rand.Reader, mLn2, o.BloomFalsePositiveRate)
		if err != nil {
			return nil, err
		}
		s.filters[scope] = f
	}

	var err error
	s.db, err = bolt.Open(path, 0600, &bolt.Options{
		Timeout:        time.Second,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, err
	}
	s.db.NoSync = o.NoSync

	check := s.identityCheck()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("%w: %x", ErrIncompatibleVersion, b)
			}
			if !hmac.Equal(bkt.Get([]byte(identityKey)), check) {
				return ErrIdentityMismatch
			}
		} else {
			if err = bkt.Put([]byte(versionKey), []byte{storeVersion}); err != nil {
				return err
			}
			if err = bkt.Put([]byte(identityKey), check); err != nil {
				return err
			}
		}

		for _, scope := range Scopes {
			name, _ := scope.bucket()
			nBkt, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return err
			}

			// Rebuild the bloom filter.
			f := s.filters[scope]
			if err = nBkt.ForEach(func(k, _ []byte) error {
				f.TestAndSet(k)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	for _, scope := range Scopes {
		s.log.Debugf("Loaded %v scope: %v entries", scope, s.filters[scope].Entries())
	}
	return s, nil
}

func (s *Store) identityCheck() []byte {
	m := hmac.New(sha256.New, s.identity)
	m.Write(identityCheckLabel)
	return m.Sum(nil)
}

// Hash returns the hashed form of n.
func (s *Store) Hash(n Nonce) HashedNonce {
	var h HashedNonce
	m := hmac.New(sha256.New, s.identity)
	m.Write(n[:])
	m.Sum(h[:0])
	return h
}

// lockedBucket must be called with the lock held.
func (s *Store) lockedBucket(scope Scope) ([]byte, *bloom.Filter, error) {
	if s.db == nil {
		return nil, nil, ErrClosed
	}
	name, err := scope.bucket()
	if err != nil {
		return nil, nil, err
	}
	return name, s.filters[scope], nil
}

// Exists returns true iff n has been stored in scope.
func (s *Store) Exists(scope Scope, n Nonce) (bool, error) {
	h := s.Hash(n)

	s.Lock()
	defer s.Unlock()

	name, f, err := s.lockedBucket(scope)
	if err != nil {
		return false, err
	}
	if !f.Test(h[:]) {
		return false, nil
	}

	// Slow path, either a false positive or a stored nonce.
	var found bool
	err = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(name).Get(h[:]) != nil
		return nil
	})
	return found, err
}

// Store atomically stores n in scope, and returns false iff it was already
// present (a replay).
func (s *Store) Store(scope Scope, n Nonce) (bool, error) {
	h := s.Hash(n)
	return s.storeHashed(scope, h)
}

func (s *Store) storeHashed(scope Scope, h HashedNonce) (bool, error) {
	s.Lock()
	defer s.Unlock()

	name, f, err := s.lockedBucket(scope)
	if err != nil {
		return false, err
	}

	stored := false
	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(name)
		if f.Test(h[:]) && bkt.Get(h[:]) != nil {
			return nil
		}
		stored = true
		return bkt.Put(h[:], []byte{})
	}); err != nil {
		return false, err
	}
	if stored {
		s.addToFilter(scope, f, h)
	}
	return stored, nil
}

// addToFilter must be called with the lock held, after the commit.
func (s *Store) addToFilter(scope Scope, f *bloom.Filter, h HashedNonce) {
	f.TestAndSet(h[:])
	if f.Entries() >= f.MaxEntries() && !s.saturationWarned[scope] {
		s.log.Warningf("Bloom filter for %v scope saturated (%v entries), lookups will hit the database more often", scope, f.Entries())
		s.saturationWarned[scope] = true
	}
}

// Count returns the number of nonces stored in scope.
func (s *Store) Count(scope Scope) (int, error) {
	s.Lock()
	defer s.Unlock()

	name, _, err := s.lockedBucket(scope)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(name).Stats().KeyN
		return nil
	})
	return n, err
}

// AllHashedNonces returns every hashed nonce stored in scope.
func (s *Store) AllHashedNonces(scope Scope) ([]HashedNonce, error) {
	var out []HashedNonce
	if err := s.AddHashedNoncesChunk(scope, -1, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddHashedNoncesChunk appends at most chunkSize hashed nonces of scope to
// out, starting at position offset in key order.  A negative chunkSize
// appends every remaining nonce.
func (s *Store) AddHashedNoncesChunk(scope Scope, chunkSize, offset int, out *[]HashedNonce) error {
	if out == nil {
		panic("BUG: nonce: nil output slice")
	}
	if offset < 0 {
		return fmt.Errorf("nonce: invalid offset: %d", offset)
	}

	s.Lock()
	defer s.Unlock()

	name, _, err := s.lockedBucket(scope)
	if err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(name).Cursor()
		i, n := 0, 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i < offset {
				i++
				continue
			}
			if chunkSize >= 0 && n >= chunkSize {
				break
			}
			if len(k) != HashedNonceSize {
				return fmt.Errorf("nonce: corrupted entry in %v scope", scope)
			}
			var h HashedNonce
			copy(h[:], k)
			*out = append(*out, h)
			n++
		}
		return nil
	})
}

// InsertHashedNonces imports hashed nonces into scope.  Entries that are
// already present are skipped.  It returns true once the batch has been
// committed.
func (s *Store) InsertHashedNonces(scope Scope, nonces []HashedNonce) (bool, error) {
	s.Lock()
	defer s.Unlock()

	name, f, err := s.lockedBucket(scope)
	if err != nil {
		return false, err
	}

	var added []HashedNonce
	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(name)
		for _, h := range nonces {
			if bkt.Get(h[:]) != nil {
				continue
			}
			if err := bkt.Put(bytes.Clone(h[:]), []byte{}); err != nil {
				return err
			}
			added = append(added, h)
		}
		return nil
	}); err != nil {
		return false, err
	}

	for _, h := range added {
		s.addToFilter(scope, f, h)
	}
	s.log.Debugf("Imported %v of %v hashed nonces into %v scope", len(added), len(nonces), scope)
	return true, nil
}

// Sync flushes the database to disk.
func (s *Store) Sync() error {
	s.Lock()
	defer s.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close flushes and closes the store.  Further calls return ErrClosed.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Sync()
	if cErr := s.db.Close(); err == nil {
		err = cErr
	}
	s.db = nil
	return err
}
