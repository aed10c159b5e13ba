// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// RoomLinkKind discriminates the two mutually exclusive room link shapes.
type RoomLinkKind string

const (
	// RoomLinkDirect is a 1:1 conversation room keyed by remote contact id.
	RoomLinkDirect RoomLinkKind = "direct"
	// RoomLinkGroup is a multi-party room keyed by remote room id.
	RoomLinkGroup RoomLinkKind = "group"
)

// UserLink ties a hub ghost to the remote contact it projects, scoped to
// the owner whose session sees that contact.
type UserLink struct {
	Owner     id.UserID `json:"owner"`
	ContactID string    `json:"contact_id"`
}

// Validate reports ErrInconsistent if required fields are missing.
func (l *UserLink) Validate() error {
	if l.Owner == "" || l.ContactID == "" {
		return fmt.Errorf("%w: user link missing owner or contact id", ErrInconsistent)
	}
	return nil
}

// RoomLink ties a hub room to its remote counterpart under one owner. The
// Kind tag selects which target field is meaningful; carrying both (or
// neither) is a modeling bug that Validate surfaces.
type RoomLink struct {
	Owner        id.UserID    `json:"owner"`
	Kind         RoomLinkKind `json:"kind"`
	ContactID    string       `json:"contact_id,omitempty"`
	RemoteRoomID string       `json:"room_id,omitempty"`
}

// DirectRoomLink builds the link for a 1:1 conversation room.
func DirectRoomLink(owner id.UserID, contactID string) *RoomLink {
	return &RoomLink{Owner: owner, Kind: RoomLinkDirect, ContactID: contactID}
}

// GroupRoomLink builds the link for a multi-party room.
func GroupRoomLink(owner id.UserID, remoteRoomID string) *RoomLink {
	return &RoomLink{Owner: owner, Kind: RoomLinkGroup, RemoteRoomID: remoteRoomID}
}

// Validate reports ErrInconsistent unless exactly the field selected by
// Kind is set.
func (l *RoomLink) Validate() error {
	if l.Owner == "" {
		return fmt.Errorf("%w: room link missing owner", ErrInconsistent)
	}
	switch l.Kind {
	case RoomLinkDirect:
		if l.ContactID == "" || l.RemoteRoomID != "" {
			return fmt.Errorf("%w: direct room link must carry exactly a contact id", ErrInconsistent)
		}
	case RoomLinkGroup:
		if l.RemoteRoomID == "" || l.ContactID != "" {
			return fmt.Errorf("%w: group room link must carry exactly a remote room id", ErrInconsistent)
		}
	default:
		return fmt.Errorf("%w: unknown room link kind %q", ErrInconsistent, l.Kind)
	}
	return nil
}

// Target converts the link back into a sendable remote target.
func (l *RoomLink) Target() RemoteTarget {
	if l.Kind == RoomLinkDirect {
		return DirectTarget(l.ContactID)
	}
	return GroupTarget(l.RemoteRoomID)
}

// UserRecord is a persisted hub user. Managed users (owners) carry the
// enablement flag, session options and management room; ghost users carry
// a UserLink instead.
type UserRecord struct {
	ID             id.UserID       `json:"id"`
	Enabled        bool            `json:"enabled"`
	RemoteOptions  json.RawMessage `json:"remote_options,omitempty"`
	ManagementRoom id.RoomID       `json:"management_room,omitempty"`
	Link           *UserLink       `json:"link,omitempty"`
}

// RoomRecord is a persisted hub room. Bridged rooms carry a RoomLink.
type RoomRecord struct {
	ID   id.RoomID `json:"id"`
	Link *RoomLink `json:"link,omitempty"`
}

// UserQuery is an exact-match attribute filter over user records. Zero
// fields are ignored.
type UserQuery struct {
	LinkOwner     id.UserID
	LinkContactID string
	Enabled       *bool
}

// Matches reports whether the record satisfies every set filter field.
func (q UserQuery) Matches(rec *UserRecord) bool {
	if q.LinkOwner != "" && (rec.Link == nil || rec.Link.Owner != q.LinkOwner) {
		return false
	}
	if q.LinkContactID != "" && (rec.Link == nil || rec.Link.ContactID != q.LinkContactID) {
		return false
	}
	if q.Enabled != nil && rec.Enabled != *q.Enabled {
		return false
	}
	return true
}

// RoomQuery is an exact-match attribute filter over room link data. Zero
// fields are ignored. Only linked rooms ever match.
type RoomQuery struct {
	LinkOwner    id.UserID
	Kind         RoomLinkKind
	ContactID    string
	RemoteRoomID string
}

// Matches reports whether the record's link satisfies every set filter field.
func (q RoomQuery) Matches(rec *RoomRecord) bool {
	if rec.Link == nil {
		return false
	}
	if q.LinkOwner != "" && rec.Link.Owner != q.LinkOwner {
		return false
	}
	if q.Kind != "" && rec.Link.Kind != q.Kind {
		return false
	}
	if q.ContactID != "" && rec.Link.ContactID != q.ContactID {
		return false
	}
	if q.RemoteRoomID != "" && rec.Link.RemoteRoomID != q.RemoteRoomID {
		return false
	}
	return true
}

// EntityStore is the persistence capability consumed by the mapper. It is
// the single source of truth: everything the mapper and pool hold in
// memory must be reconstructable from here.
//
// Get methods return (nil, nil) when the record does not exist; errors are
// reserved for storage failures. Put is an upsert by id.
type EntityStore interface {
	GetUser(ctx context.Context, userID id.UserID) (*UserRecord, error)
	PutUser(ctx context.Context, rec *UserRecord) error
	QueryUsers(ctx context.Context, q UserQuery) ([]*UserRecord, error)

	GetRoom(ctx context.Context, roomID id.RoomID) (*RoomRecord, error)
	PutRoom(ctx context.Context, rec *RoomRecord) error
	QueryRooms(ctx context.Context, q RoomQuery) ([]*RoomRecord, error)
}
