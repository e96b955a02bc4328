// version.go - Forward security protocol versions.
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
)

var (
	// ErrUnsupportedVersion is the error returned when a peer offers no
	// version that is supported locally.
	ErrUnsupportedVersion = errors.New("fs: unsupported protocol version")

	// ErrVersionMismatch is the error returned for a message whose versions
	// contradict the versions negotiated in its session.
	ErrVersionMismatch = errors.New("fs: protocol version mismatch")
)

// Version is a forward security protocol version, major in the high byte.
type Version uint32

const (
	// Version10 is the initial protocol version.
	Version10 Version = 0x0100

	// Version11 adds versions to every message.
	Version11 Version = 0x0101

	// Version12 adds group messages.
	Version12 Version = 0x0102

	MinSupportedVersion = Version10
	MaxSupportedVersion = Version12
)

// SupportedVersions is the range of versions announced in Init and Accept.
var SupportedVersions = VersionRange{Min: MinSupportedVersion, Max: MaxSupportedVersion}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", uint32(v)>>8, uint32(v)&0xff)
}

func (v Version) supported() bool {
	return v >= MinSupportedVersion && v <= MaxSupportedVersion
}

// VersionRange is an inclusive range of versions.
type VersionRange struct {
	Min Version `cbor:"min"`
	Max Version `cbor:"max"`
}

func (r VersionRange) String() string {
	return fmt.Sprintf("[%v, %v]", r.Min, r.Max)
}

// negotiateVersion returns the highest version in both the remote range and
// SupportedVersions.  Peers that announce no range only speak Version10.
func negotiateVersion(remote VersionRange) (Version, error) {
	if remote == (VersionRange{}) {
		return Version10, nil
	}
	if remote.Min > remote.Max || remote.Min > MaxSupportedVersion || remote.Max < MinSupportedVersion {
		return 0, fmt.Errorf("%w: remote range %v, local range %v", ErrUnsupportedVersion, remote, SupportedVersions)
	}
	return min(remote.Max, MaxSupportedVersion), nil
}

// DHVersions are the versions negotiated in a 4DH session: Local is the
// highest version both sides support, Remote the version last applied by
// the peer.
type DHVersions struct {
	Local  Version `cbor:"local"`
	Remote Version `cbor:"remote"`
}

func (v DHVersions) String() string {
	return fmt.Sprintf("local %v, remote %v", v.Local, v.Remote)
}

// VersionsSnapshot is the change made by committing a message's versions.
type VersionsSnapshot struct {
	Before DHVersions
	After  DHVersions
}

// processedVersions are the validated versions of an incoming message,
// committed once the message decrypts.
type processedVersions struct {
	Offered Version
	Applied Version

	pending *DHVersions
}

// OutgoingOfferedVersion is the version offered in outgoing messages.
func (s *Session) OutgoingOfferedVersion() Version {
	return MaxSupportedVersion
}

// OutgoingAppliedVersion is the version outgoing messages are encoded
// with.
func (s *Session) OutgoingAppliedVersion() Version {
	if s.MyRatchet4DH == nil || s.Current4DHVersions == nil {
		return MinSupportedVersion
	}
	return s.Current4DHVersions.Local
}

// MinimumIncomingAppliedVersion is the lowest version the peer may still
// apply to messages in this session.
func (s *Session) MinimumIncomingAppliedVersion() Version {
	if s.Current4DHVersions == nil {
		return MinSupportedVersion
	}
	return s.Current4DHVersions.Remote
}

// processIncomingVersion validates the versions of msg against the
// session.  Nothing is changed until commitVersions.
func (s *Session) processIncomingVersion(msg *Message) (*processedVersions, error) {
	offered := msg.OfferedVersion
	if offered == 0 {
		offered = Version10
	}
	applied := msg.AppliedVersion
	if applied == 0 {
		applied = offered
	}
	if offered < MinSupportedVersion {
		return nil, fmt.Errorf("%w: offered version %v", ErrUnsupportedVersion, offered)
	}

	pv := &processedVersions{Offered: offered, Applied: applied}
	switch msg.DHType {
	case TwoDH:
		if !applied.supported() || applied > offered {
			return nil, fmt.Errorf("%w: 2DH message applies %v, offers %v", ErrVersionMismatch, applied, offered)
		}
	case FourDH:
		current := s.Current4DHVersions
		if current == nil {
			return nil, fmt.Errorf("%w: no versions negotiated in session %v", ErrVersionMismatch, s.ID)
		}
		if offered < current.Local {
			return nil, fmt.Errorf("%w: offered version %v below negotiated %v", ErrVersionMismatch, offered, current.Local)
		}
		local := min(offered, MaxSupportedVersion)
		if applied > local || applied < current.Remote {
			return nil, fmt.Errorf("%w: applied version %v outside [%v, %v]", ErrVersionMismatch, applied, current.Remote, local)
		}
		pv.pending = &DHVersions{Local: local, Remote: applied}
	default:
		return nil, fmt.Errorf("%w: DH type %v", ErrVersionMismatch, msg.DHType)
	}
	return pv, nil
}

// commitVersions applies pv, returning the change if there is one.
func (s *Session) commitVersions(pv *processedVersions) *VersionsSnapshot {
	if pv.pending == nil || s.Current4DHVersions == nil || *pv.pending == *s.Current4DHVersions {
		return nil
	}
	snap := &VersionsSnapshot{Before: *s.Current4DHVersions, After: *pv.pending}
	*s.Current4DHVersions = *pv.pending
	return snap
}

// MinimumVersion is the lowest version that can carry m.
func (m *InnerMessage) MinimumVersion() Version {
	if !m.Group.IsEmpty() {
		return Version12
	}
	return Version10
}
