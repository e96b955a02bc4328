// factory.go - Nonce factory.
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

package nonce

import (
	"io"

	"github.com/katzenpost/hpqc/rand"
)

// Checker is the subset of the Store used by the Factory.
type Checker interface {
	Exists(Scope, Nonce) (bool, error)
	Store(Scope, Nonce) (bool, error)
}

// Factory hands out random nonces that are known to be unused.
type Factory struct {
	store Checker
	rand  io.Reader
}

// NewFactory creates a Factory backed by store.  If r is nil the system
// entropy source is used.
func NewFactory(store Checker, r io.Reader) *Factory {
	if r == nil {
		r = rand.Reader
	}
	return &Factory{
		store: store,
		rand:  r,
	}
}

// Next returns a random nonce that has not been stored in scope.  The nonce
// is not stored, callers must Store it once it has been used.
func (f *Factory) Next(scope Scope) (Nonce, error) {
	var n Nonce
	for {
		if _, err := io.ReadFull(f.rand, n[:]); err != nil {
			return n, err
		}
		exists, err := f.store.Exists(scope, n)
		if err != nil {
			return n, err
		}
		if !exists {
			return n, nil
		}
	}
}

// Exists returns true iff n has been stored in scope.
func (f *Factory) Exists(scope Scope, n Nonce) (bool, error) {
	return f.store.Exists(scope, n)
}

// Store stores n in scope, and returns false if it was already present.
func (f *Factory) Store(scope Scope, n Nonce) (bool, error) {
	return f.store.Store(scope, n)
}
