// events.go - Forward security status events.
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
	"fmt"
)

// SessionInitiatedEvent is published when a new session is started locally.
type SessionInitiatedEvent struct {
	SessionID SessionID
	Peer      string
}

func (e *SessionInitiatedEvent) String() string {
	return fmt.Sprintf("SessionInitiated: %v with %v", e.SessionID, e.Peer)
}

// SessionEstablishedEvent is published when a session handshake completes,
// on either side.
type SessionEstablishedEvent struct {
	SessionID SessionID
	Peer      string

	// Initiator is true if the local side sent the Init.
	Initiator bool

	// Preempted is true if establishing the session replaced existing
	// sessions.
	Preempted bool

	// Nickname is the normalized nickname from the Init, if any.
	Nickname string
}

func (e *SessionEstablishedEvent) String() string {
	return fmt.Sprintf("SessionEstablished: %v with %v (initiator: %v)", e.SessionID, e.Peer, e.Initiator)
}

// SessionTerminatedEvent is published when a session is terminated by
// either side.
type SessionTerminatedEvent struct {
	// SessionID is nil if no specific session was terminated.
	SessionID *SessionID
	Peer      string
	Cause     TerminateCause

	// SessionUnknown is true if the referenced session did not exist.
	SessionUnknown bool

	// ByLocal is true if the termination was decided locally.
	ByLocal bool
}

func (e *SessionTerminatedEvent) String() string {
	return fmt.Sprintf("SessionTerminated: %v with %v (%v)", e.SessionID, e.Peer, e.Cause)
}

// AllSessionsTerminatedEvent is published when every session with a peer
// was terminated at once.
type AllSessionsTerminatedEvent struct {
	Peer  string
	Cause TerminateCause
}

func (e *AllSessionsTerminatedEvent) String() string {
	return fmt.Sprintf("AllSessionsTerminated: %v (%v)", e.Peer, e.Cause)
}

// SessionNotFoundEvent is published when a peer references an unknown
// session.
type SessionNotFoundEvent struct {
	SessionID SessionID
	Peer      string
	MessageID *MessageID
}

func (e *SessionNotFoundEvent) String() string {
	return fmt.Sprintf("SessionNotFound: %v with %v", e.SessionID, e.Peer)
}

// RejectReceivedEvent is published when a peer rejects a message.
type RejectReceivedEvent struct {
	Reject *Reject
	Peer   string

	// SessionKnown is true if the rejected session existed locally.
	SessionKnown bool
}

func (e *RejectReceivedEvent) String() string {
	return fmt.Sprintf("RejectReceived: %v from %v (%v)", e.Reject.RejectedMessageID, e.Peer, e.Reject.Cause)
}

// MessagesSkippedEvent is published when a peer ratchet had to skip
// messages that never arrived.
type MessagesSkippedEvent struct {
	SessionID SessionID
	Peer      string
	Skipped   uint64
}

func (e *MessagesSkippedEvent) String() string {
	return fmt.Sprintf("MessagesSkipped: %v in %v with %v", e.Skipped, e.SessionID, e.Peer)
}

// MessageOutOfOrderEvent is published when a message arrives for a counter
// the peer ratchet has already passed.
type MessageOutOfOrderEvent struct {
	SessionID SessionID
	Peer      string
	MessageID MessageID
}

func (e *MessageOutOfOrderEvent) String() string {
	return fmt.Sprintf("MessageOutOfOrder: %v in %v with %v", e.MessageID, e.SessionID, e.Peer)
}

// First4DHMessageEvent is published when the first 4DH message of a
// session is received.
type First4DHMessageEvent struct {
	SessionID SessionID
	Peer      string
}

func (e *First4DHMessageEvent) String() string {
	return fmt.Sprintf("First4DHMessage: %v with %v", e.SessionID, e.Peer)
}

// VersionsUpdatedEvent is published when a message changes the versions
// negotiated in a 4DH session.
type VersionsUpdatedEvent struct {
	SessionID SessionID
	Peer      string
	Before    DHVersions
	After     DHVersions
}

func (e *VersionsUpdatedEvent) String() string {
	return fmt.Sprintf("VersionsUpdated: %v with %v (%v -> %v)", e.SessionID, e.Peer, e.Before, e.After)
}

// MessageWithoutForwardSecurityEvent is published when a peer sends a
// message without forward security that the session with them could have
// carried.
type MessageWithoutForwardSecurityEvent struct {
	SessionID SessionID
	Peer      string
	MessageID MessageID
}

func (e *MessageWithoutForwardSecurityEvent) String() string {
	return fmt.Sprintf("MessageWithoutForwardSecurity: %v from %v (session %v)", e.MessageID, e.Peer, e.SessionID)
}
