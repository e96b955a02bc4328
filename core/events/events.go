// events.go - Event bus.
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

// Package events provides a component scoped event bus with explicit
// subscription handles.
package events

import (
	"sync"
)

// Event is the generic event published on a Bus.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// Handler is a subscriber callback.
type Handler func(Event)

// Bus delivers published events synchronously to every subscriber, in
// subscription order.
type Bus struct {
	sync.RWMutex

	subs   []*Subscription
	closed bool
}

// Subscription is a handle to a Handler registered on a Bus.
type Subscription struct {
	bus *Bus
	fn  Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return new(Bus)
}

// Subscribe registers fn, and returns the handle used to unregister it.
// Subscribing to a closed Bus returns a handle that never fires.
func (b *Bus) Subscribe(fn Handler) *Subscription {
	if fn == nil {
		panic("BUG: events: nil handler")
	}
	s := &Subscription{
		bus: b,
		fn:  fn,
	}

	b.Lock()
	defer b.Unlock()
	if !b.closed {
		b.subs = append(b.subs, s)
	}
	return s
}

// Close unregisters the subscription.  It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.Lock()
	defer b.Unlock()
	for i, v := range b.subs {
		if v == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every current subscriber.  Handlers must not call
// Subscribe or Close on the same Bus.
func (b *Bus) Publish(ev Event) {
	b.RLock()
	defer b.RUnlock()
	for _, s := range b.subs {
		s.fn(ev)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.subs)
}

// Close drops every subscription.  Further events are discarded.
func (b *Bus) Close() {
	b.Lock()
	defer b.Unlock()
	b.subs = nil
	b.closed = true
}
