// message.go - Message model consumed by envelope dispatch.
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
	"fmt"
	"time"

	"github.com/fscore/fscore/fs"
)

// MessageType is the kind of a stored message.
type MessageType int

const (
	TypeText MessageType = iota
	TypeImage
	TypeVideo
	TypeVoiceMessage
	TypeLocation
	TypeContact
	TypeStatus
	TypeBallot
	TypeFile
	TypeVoIPStatus
	TypeDateSeparator
	TypeGroupCallStatus
	TypeForwardSecurityStatus
	TypeGroupStatus
)

// MessageTypes lists every MessageType.
var MessageTypes = []MessageType{
	TypeText,
	TypeImage,
	TypeVideo,
	TypeVoiceMessage,
	TypeLocation,
	TypeContact,
	TypeStatus,
	TypeBallot,
	TypeFile,
	TypeVoIPStatus,
	TypeDateSeparator,
	TypeGroupCallStatus,
	TypeForwardSecurityStatus,
	TypeGroupStatus,
}

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "TEXT"
	case TypeImage:
		return "IMAGE"
	case TypeVideo:
		return "VIDEO"
	case TypeVoiceMessage:
		return "VOICEMESSAGE"
	case TypeLocation:
		return "LOCATION"
	case TypeContact:
		return "CONTACT"
	case TypeStatus:
		return "STATUS"
	case TypeBallot:
		return "BALLOT"
	case TypeFile:
		return "FILE"
	case TypeVoIPStatus:
		return "VOIP_STATUS"
	case TypeDateSeparator:
		return "DATE_SEPARATOR"
	case TypeGroupCallStatus:
		return "GROUP_CALL_STATUS"
	case TypeForwardSecurityStatus:
		return "FORWARD_SECURITY_STATUS"
	case TypeGroupStatus:
		return "GROUP_STATUS"
	default:
		return fmt.Sprintf("[invalid message type: %d]", int(t))
	}
}

// RejectClass is how a rejected message of a given type is handled.
type RejectClass int

const (
	// RejectResendable messages are marked for re-send.
	RejectResendable RejectClass = iota

	// RejectDeprecated messages are legacy types that are never re-sent.
	RejectDeprecated

	// RejectStatus messages are local status entries that are never sent.
	RejectStatus

	// RejectUnknown messages have a type this node does not know, and are
	// never re-sent.
	RejectUnknown
)

// RejectClass returns the reject class of t.
func (t MessageType) RejectClass() RejectClass {
	switch t {
	case TypeText, TypeLocation, TypeFile, TypeBallot:
		return RejectResendable
	case TypeImage, TypeVideo, TypeVoiceMessage, TypeContact:
		return RejectDeprecated
	case TypeStatus, TypeVoIPStatus, TypeDateSeparator, TypeGroupCallStatus, TypeForwardSecurityStatus, TypeGroupStatus:
		return RejectStatus
	default:
		return RejectUnknown
	}
}

// MessageState is the delivery state of an outgoing message.
type MessageState string

const (
	StateSending         MessageState = "sending"
	StateSent            MessageState = "sent"
	StateDelivered       MessageState = "delivered"
	StateResendRequested MessageState = "resend-requested"
)

// StoredMessage is a message held by the MessageStore.
type StoredMessage struct {
	ID   fs.MessageID
	Type MessageType

	// Identity is the peer of a contact message.
	Identity string

	// Outbox is true for messages sent by the local user.
	Outbox bool
	State  MessageState
}

// Group is a group known to the GroupDirectory.
type Group struct {
	Identity   fs.GroupIdentity
	DatabaseID int64
}

// Receiver is the target of a notification: a contact or a group.
type Receiver struct {
	Contact *fs.Contact
	Group   *Group
}

// MessageStore is the message model.  Lookups of absent messages return
// nil and no error.
type MessageStore interface {
	// OutgoingContactMessage returns the outbox message id sent to peer.
	OutgoingContactMessage(ctx context.Context, id fs.MessageID, peer string) (*StoredMessage, error)

	// GroupMessage returns the message id in group.
	GroupMessage(ctx context.Context, id fs.MessageID, group *Group) (*StoredMessage, error)

	// UpdateOutgoingMessageState sets the state of m.
	UpdateOutgoingMessageState(ctx context.Context, m *StoredMessage, state MessageState, at time.Time) error

	// InsertMessageReject records that rejecter requested a re-send of
	// the group message id.
	InsertMessageReject(ctx context.Context, id fs.MessageID, rejecter string, groupDatabaseID int64) error
}

// Notifier surfaces rejected messages to the user.
type Notifier interface {
	MessageRejected(ctx context.Context, r *Receiver)
}

// CallState receives rejects that may refer to call signaling messages,
// which are not kept in the MessageStore.
type CallState interface {
	HandlePotentialCallMessageReject(ctx context.Context, id fs.MessageID) error
}

// GroupDirectory runs the common group receive steps for a message from
// sender, and returns nil if the group is unknown.
type GroupDirectory interface {
	Group(ctx context.Context, id fs.GroupIdentity, sender string) (*Group, error)
}

// GroupSync handles group sync requests from group members.
type GroupSync interface {
	HandleGroupSyncRequest(ctx context.Context, group *Group, requester *fs.Contact) error
}

// MessageHandler processes decrypted messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sender *fs.Contact, m *fs.InnerMessage) error
}

// MessageHandlerFunc adapts a function to a MessageHandler.
type MessageHandlerFunc func(ctx context.Context, sender *fs.Contact, m *fs.InnerMessage) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, sender *fs.Contact, m *fs.InnerMessage) error {
	return f(ctx, sender, m)
}
