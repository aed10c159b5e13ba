// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"
)

// LoginState tracks where a remote session is in its QR login lifecycle.
type LoginState string

const (
	LoginLoggedOut    LoginState = "logged_out"
	LoginAwaitingScan LoginState = "awaiting_scan"
	LoginScanned      LoginState = "scanned"
	LoginConfirmed    LoginState = "confirmed"
	LoginLoggedIn     LoginState = "logged_in"
)

// ChallengeStatus is the status attached to a QR login challenge event.
// Each transition produces a distinct user-facing message.
type ChallengeStatus string

const (
	ChallengeWaiting   ChallengeStatus = "waiting"
	ChallengeScanned   ChallengeStatus = "scanned"
	ChallengeConfirmed ChallengeStatus = "confirmed"
	ChallengeTimeout   ChallengeStatus = "timeout"
)

// LoginState maps a challenge status onto the session login state it implies.
func (s ChallengeStatus) LoginState() LoginState {
	switch s {
	case ChallengeWaiting:
		return LoginAwaitingScan
	case ChallengeScanned:
		return LoginScanned
	case ChallengeConfirmed:
		return LoginConfirmed
	default:
		return LoginLoggedOut
	}
}

// RemoteContact is a contact on the remote network.
type RemoteContact struct {
	ID   string
	Name string
}

// RemoteRoom is a multi-party room on the remote network.
type RemoteRoom struct {
	ID    string
	Topic string
}

// RemoteTarget addresses either a remote contact (1:1) or a remote room
// (group). Exactly one field is set.
type RemoteTarget struct {
	ContactID string
	RoomID    string
}

// DirectTarget addresses a 1:1 conversation with a contact.
func DirectTarget(contactID string) RemoteTarget {
	return RemoteTarget{ContactID: contactID}
}

// GroupTarget addresses a multi-party remote room.
func GroupTarget(roomID string) RemoteTarget {
	return RemoteTarget{RoomID: roomID}
}

func (t RemoteTarget) IsDirect() bool {
	return t.ContactID != ""
}

func (t RemoteTarget) IsZero() bool {
	return t.ContactID == "" && t.RoomID == ""
}

// key returns a stable string for per-key serialization of get-or-create.
func (t RemoteTarget) key() string {
	if t.IsDirect() {
		return "contact/" + t.ContactID
	}
	return "room/" + t.RoomID
}

// RemoteEvent is an event emitted by a remote session. The concrete types
// are RemoteMessage, RemoteLogin, RemoteLogout and RemoteLoginChallenge.
type RemoteEvent interface {
	isRemoteEvent()
}

// RemoteMessage is an incoming message from the remote network. RoomID is
// empty for 1:1 messages.
type RemoteMessage struct {
	SenderID  string
	RoomID    string
	Text      string
	Timestamp time.Time
	FromMe    bool
}

// RemoteLogin signals that the session finished logging in as Self.
type RemoteLogin struct {
	Self RemoteContact
}

// RemoteLogout signals that the remote network ended the session.
type RemoteLogout struct {
	Self   RemoteContact
	Reason string
}

// RemoteLoginChallenge carries a scannable login code and its status.
type RemoteLoginChallenge struct {
	Code   string
	Status ChallengeStatus
}

func (*RemoteMessage) isRemoteEvent()        {}
func (*RemoteLogin) isRemoteEvent()          {}
func (*RemoteLogout) isRemoteEvent()         {}
func (*RemoteLoginChallenge) isRemoteEvent() {}

// RemoteClient is one authenticated (or authenticating) connection to the
// remote network. Events are delivered over an explicit channel rather than
// registered listeners so that shutdown and draining stay deterministic:
// the channel must exist from construction, before Start, and is closed
// when the client stops for good.
type RemoteClient interface {
	// Start begins connecting. It may fail and be retried; the events
	// channel stays valid across retries.
	Start(ctx context.Context) error
	// Stop tears the connection down. Safe to call on a client that never
	// finished connecting, and safe to call more than once.
	Stop()
	Events() <-chan RemoteEvent

	FindContact(ctx context.Context, contactID string) (*RemoteContact, error)
	FindRoom(ctx context.Context, roomID string) (*RemoteRoom, error)
	RoomMembers(ctx context.Context, roomID string) ([]RemoteContact, error)
	SendText(ctx context.Context, target RemoteTarget, text string) error
}

// RemoteClientFactory builds the remote client for one owner. The options
// blob comes from the owner's ManagedUser record and is opaque to the pool.
type RemoteClientFactory func(owner id.UserID, options json.RawMessage) (RemoteClient, error)

// RemoteEventSink consumes events pumped out of pooled sessions. The
// router implements it; tests substitute a recorder.
type RemoteEventSink interface {
	HandleRemoteEvent(ctx context.Context, owner id.UserID, evt RemoteEvent)
}
