// fakes_test.go - Message model fakes.
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

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/fscore/fscore/fs"
)

type contactMap map[string]*fs.Contact

func (m contactMap) Contact(identity string) (*fs.Contact, error) {
	return m[identity], nil
}

type recordedReject struct {
	id       fs.MessageID
	rejecter string
	group    int64
}

type fakeMessageStore struct {
	sync.Mutex

	contactMessages map[fs.MessageID]*StoredMessage
	groupMessages   map[fs.MessageID]*StoredMessage
	updates         []*StoredMessage
	rejects         []recordedReject
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		contactMessages: make(map[fs.MessageID]*StoredMessage),
		groupMessages:   make(map[fs.MessageID]*StoredMessage),
	}
}

func (s *fakeMessageStore) OutgoingContactMessage(_ context.Context, id fs.MessageID, peer string) (*StoredMessage, error) {
	s.Lock()
	defer s.Unlock()
	m := s.contactMessages[id]
	if m == nil || !m.Outbox || m.Identity != peer {
		return nil, nil
	}
	return m, nil
}

func (s *fakeMessageStore) GroupMessage(_ context.Context, id fs.MessageID, _ *Group) (*StoredMessage, error) {
	s.Lock()
	defer s.Unlock()
	return s.groupMessages[id], nil
}

func (s *fakeMessageStore) UpdateOutgoingMessageState(_ context.Context, m *StoredMessage, state MessageState, _ time.Time) error {
	s.Lock()
	defer s.Unlock()
	m.State = state
	s.updates = append(s.updates, m)
	return nil
}

func (s *fakeMessageStore) InsertMessageReject(_ context.Context, id fs.MessageID, rejecter string, group int64) error {
	s.Lock()
	defer s.Unlock()
	s.rejects = append(s.rejects, recordedReject{id, rejecter, group})
	return nil
}

type fakeNotifier struct {
	sync.Mutex

	receivers []*Receiver
	onNotify  func()
}

func (n *fakeNotifier) MessageRejected(_ context.Context, r *Receiver) {
	n.Lock()
	n.receivers = append(n.receivers, r)
	hook := n.onNotify
	n.Unlock()
	if hook != nil {
		hook()
	}
}

type fakeCallState struct {
	sync.Mutex

	rejected []fs.MessageID
}

func (c *fakeCallState) HandlePotentialCallMessageReject(_ context.Context, id fs.MessageID) error {
	c.Lock()
	defer c.Unlock()
	c.rejected = append(c.rejected, id)
	return nil
}

type fakeGroups map[fs.GroupIdentity]*Group

func (g fakeGroups) Group(_ context.Context, id fs.GroupIdentity, _ string) (*Group, error) {
	return g[id], nil
}

type fakeGroupSync struct {
	sync.Mutex

	requesters []string
}

func (s *fakeGroupSync) HandleGroupSyncRequest(_ context.Context, _ *Group, requester *fs.Contact) error {
	s.Lock()
	defer s.Unlock()
	s.requesters = append(s.requesters, requester.Identity)
	return nil
}

// model bundles the message model fakes of one party.
type model struct {
	store     *fakeMessageStore
	notifier  *fakeNotifier
	calls     *fakeCallState
	groups    fakeGroups
	groupSync *fakeGroupSync
}

func newModel() *model {
	return &model{
		store:     newFakeMessageStore(),
		notifier:  new(fakeNotifier),
		calls:     new(fakeCallState),
		groups:    make(fakeGroups),
		groupSync: new(fakeGroupSync),
	}
}
