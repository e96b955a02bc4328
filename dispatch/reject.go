// reject.go - Reject routing.
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
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fscore/fscore/fs"
	"github.com/fscore/fscore/internal/instrument"
)

// rejectTask applies a Reject received from a peer to the message model.
type rejectTask struct {
	log *logging.Logger

	identity  string
	contacts  fs.ContactStore
	messages  MessageStore
	notifier  Notifier
	calls     CallState
	groups    GroupDirectory
	groupSync GroupSync
	now       func() time.Time
}

func (t *rejectTask) handle(ctx context.Context, sender *fs.Contact, reject *fs.Reject) error {
	t.log.Infof("Received a reject for message %v from %v", reject.RejectedMessageID, sender.Identity)
	if reject.GroupIdentity.IsEmpty() {
		return t.handleContactReject(ctx, sender, reject)
	}
	return t.handleGroupReject(ctx, sender, reject)
}

func (t *rejectTask) handleContactReject(ctx context.Context, sender *fs.Contact, reject *fs.Reject) error {
	m, err := t.messages.OutgoingContactMessage(ctx, reject.RejectedMessageID, sender.Identity)
	if err != nil {
		return err
	}
	if m == nil {
		instrument.Reject("call")
		return t.calls.HandlePotentialCallMessageReject(ctx, reject.RejectedMessageID)
	}
	return t.markResendRequested(ctx, sender, m, nil)
}

func (t *rejectTask) handleGroupReject(ctx context.Context, sender *fs.Contact, reject *fs.Reject) error {
	gid := *reject.GroupIdentity
	group, err := t.groups.Group(ctx, gid, sender.Identity)
	if err != nil {
		return err
	}
	if group == nil {
		t.log.Warningf("Received reject of a message in unknown group %v/%v", gid.Creator, gid.GroupID)
		instrument.Reject("unknown_group")
		return nil
	}

	m, err := t.messages.GroupMessage(ctx, reject.RejectedMessageID, group)
	if err != nil {
		return err
	}
	if m == nil {
		// Only the creator answers group sync requests.
		if gid.Creator != t.identity {
			return nil
		}
		t.log.Infof("Rejected message %v not found, handling as group sync request from %v", reject.RejectedMessageID, sender.Identity)
		instrument.Reject("group_sync")
		return t.groupSync.HandleGroupSyncRequest(ctx, group, sender)
	}

	if !m.Outbox {
		t.log.Warningf("Received reject of message %v not sent by the user", m.ID)
		return nil
	}
	return t.markResendRequested(ctx, sender, m, group)
}

// markResendRequested marks m for re-send.  The message model is not
// modified if ctx is done.
func (t *rejectTask) markResendRequested(ctx context.Context, sender *fs.Contact, m *StoredMessage, group *Group) error {
	switch m.Type.RejectClass() {
	case RejectDeprecated:
		t.log.Warningf("Received a reject for deprecated message %v (%v)", m.ID, m.Type)
		return nil
	case RejectStatus:
		t.log.Warningf("Received a reject for status message %v (%v)", m.ID, m.Type)
		return nil
	case RejectUnknown:
		t.log.Warningf("Received a reject for message %v of unknown type %v", m.ID, m.Type)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.messages.UpdateOutgoingMessageState(ctx, m, StateResendRequested, t.now()); err != nil {
		return err
	}

	if group == nil {
		instrument.Reject("contact")
		c, err := t.contacts.Contact(m.Identity)
		if err != nil {
			return err
		}
		if c != nil {
			t.notifier.MessageRejected(ctx, &Receiver{Contact: c})
		}
		return nil
	}

	instrument.Reject("group")
	if err := t.messages.InsertMessageReject(ctx, m.ID, sender.Identity, group.DatabaseID); err != nil {
		return err
	}
	t.notifier.MessageRejected(ctx, &Receiver{Group: group})
	return nil
}
