// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func TestRemoteDirectMessageCreatesRoomAndGhost(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	tb.enabledUser(t, owner, "!control:example.com")
	tb.loggedInSession(t, owner, RemoteContact{ID: "wt-self"})

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteMessage{
		SenderID:  "wt-contact-1",
		Text:      "ni hao",
		Timestamp: time.Now(),
	})

	rooms := tb.hub.Rooms()
	if len(rooms) != 1 {
		t.Fatalf("created rooms: got %d, want 1", len(rooms))
	}
	if !rooms[0].Request.IsDirect {
		t.Error("1:1 remote message created a non-direct room")
	}

	texts := tb.hub.Texts()
	if len(texts) != 1 {
		t.Fatalf("delivered messages: got %d, want 1", len(texts))
	}
	if texts[0].Room != rooms[0].ID {
		t.Errorf("delivered to %s, want %s", texts[0].Room, rooms[0].ID)
	}
	if texts[0].Text != "ni hao" {
		t.Errorf("delivered text: got %q", texts[0].Text)
	}
	// Delivery happens as the sender's ghost, not the bot.
	if !tb.hub.IsRemoteProjectedIdentity(texts[0].Acting) {
		t.Errorf("delivered as %s, want a ghost", texts[0].Acting)
	}
}

func TestRemoteGroupMessageUsesGroupRoom(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	self := RemoteContact{ID: "wt-self"}
	tb.remote.Members["wt-room-1"] = []RemoteContact{self, {ID: "wt-contact-1"}}
	tb.loggedInSession(t, owner, self)

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteMessage{
		SenderID:  "wt-contact-1",
		RoomID:    "wt-room-1",
		Text:      "group hello",
		Timestamp: time.Now(),
	})

	rooms := tb.hub.Rooms()
	if len(rooms) != 1 {
		t.Fatalf("created rooms: got %d, want 1", len(rooms))
	}
	if rooms[0].Request.IsDirect {
		t.Error("group remote message created a direct room")
	}
	link, err := tb.mapper.RemoteRoomFor(context.Background(), rooms[0].ID)
	if err != nil {
		t.Fatalf("RemoteRoomFor: %v", err)
	}
	if link.Kind != RoomLinkGroup || link.RemoteRoomID != "wt-room-1" {
		t.Errorf("stored link: got %+v", link)
	}
}

func TestRemoteEchoAndStaleMessagesDropped(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	tb.loggedInSession(t, owner, RemoteContact{ID: "wt-self"})

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteMessage{
		SenderID:  "wt-self",
		Text:      "my own message",
		Timestamp: time.Now(),
		FromMe:    true,
	})
	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteMessage{
		SenderID:  "wt-contact-1",
		Text:      "ancient history",
		Timestamp: time.Now().Add(-time.Hour),
	})

	if len(tb.hub.Rooms()) != 0 || len(tb.hub.Texts()) != 0 {
		t.Error("echo or stale remote message produced hub traffic")
	}
}

func TestRemoteLoginUpdatesSessionAndNotifies(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	control := id.RoomID("!control:example.com")
	tb.enabledUser(t, owner, control)
	handle, err := tb.pool.Create(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLogin{
		Self: RemoteContact{ID: "wt-self", Name: "Alice"},
	})

	if !handle.LoggedIn() {
		t.Error("login event did not mark the session logged in")
	}
	if got := handle.RemoteIdentity().ID; got != "wt-self" {
		t.Errorf("remote identity: got %q, want %q", got, "wt-self")
	}
	texts := tb.hub.Texts()
	if len(texts) != 1 || texts[0].Room != control || !strings.Contains(texts[0].Text, "Connected to WeTalk as Alice") {
		t.Fatalf("login notice: got %v", texts)
	}
}

func TestRemoteLogoutDestroysSession(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	control := id.RoomID("!control:example.com")
	tb.enabledUser(t, owner, control)
	tb.loggedInSession(t, owner, RemoteContact{ID: "wt-self"})

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLogout{
		Self:   RemoteContact{ID: "wt-self"},
		Reason: "logged in elsewhere",
	})

	if tb.pool.Get(owner) != nil {
		t.Error("logout event left the session pooled")
	}
	texts := tb.hub.Texts()
	if len(texts) != 1 || !strings.Contains(texts[0].Text, "logged in elsewhere") {
		t.Fatalf("logout notice: got %v", texts)
	}
}

func TestLoginChallengeSendsQRCode(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	control := id.RoomID("!control:example.com")
	tb.enabledUser(t, owner, control)
	handle, err := tb.pool.Create(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLoginChallenge{
		Code:   "wetalk://login/abc123",
		Status: ChallengeWaiting,
	})

	if handle.State() != LoginAwaitingScan {
		t.Errorf("session state: got %s, want %s", handle.State(), LoginAwaitingScan)
	}
	images := tb.hub.Images()
	if len(images) != 1 {
		t.Fatalf("QR images: got %d, want 1", len(images))
	}
	img := images[0]
	if img.Room != control || img.MimeType != "image/png" || len(img.Data) == 0 {
		t.Errorf("QR image: got %+v", img)
	}
	texts := tb.hub.Texts()
	if len(texts) != 1 || !strings.Contains(texts[0].Text, "wetalk://login/abc123") {
		t.Fatalf("QR prompt: got %v", texts)
	}
}

func TestLoginChallengeTransitions(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	control := id.RoomID("!control:example.com")
	tb.enabledUser(t, owner, control)
	handle, err := tb.pool.Create(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []struct {
		status ChallengeStatus
		state  LoginState
		want   string
	}{
		{ChallengeScanned, LoginScanned, "scanned"},
		{ChallengeConfirmed, LoginConfirmed, "confirmed"},
		{ChallengeTimeout, LoginLoggedOut, "expired"},
	}
	for _, step := range steps {
		tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLoginChallenge{
			Code:   "wetalk://login/abc123",
			Status: step.status,
		})
		if handle.State() != step.state {
			t.Errorf("%s: session state got %s, want %s", step.status, handle.State(), step.state)
		}
		texts := tb.hub.Texts()
		last := texts[len(texts)-1]
		if !strings.Contains(strings.ToLower(last.Text), step.want) {
			t.Errorf("%s: notice %q does not mention %q", step.status, last.Text, step.want)
		}
	}
	if len(tb.hub.Images()) != 0 {
		t.Error("non-waiting challenge statuses sent images")
	}
}

func TestLoginChallengeTimeoutDropsSession(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	control := id.RoomID("!control:example.com")
	tb.enabledUser(t, owner, control)
	if _, err := tb.pool.Create(context.Background(), owner, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLoginChallenge{
		Code:   "wetalk://login/abc123",
		Status: ChallengeTimeout,
	})

	if tb.pool.Get(owner) != nil {
		t.Error("expired challenge left the session pooled")
	}
	texts := tb.hub.Texts()
	if len(texts) != 1 || !strings.Contains(texts[0].Text, "expired") {
		t.Fatalf("expiry notice: got %v", texts)
	}

	// "login" now builds a fresh session instead of nudging a dead one.
	tb.router.OnHubEvent(context.Background(), hubMessage(owner, control, "login"))
	if tb.pool.Get(owner) == nil {
		t.Fatal("login after expiry did not create a session")
	}
}

func TestLoginChallengeWithoutControlRoomDropped(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	owner := id.UserID("@alice:example.com")
	if _, err := tb.pool.Create(context.Background(), owner, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tb.router.HandleRemoteEvent(context.Background(), owner, &RemoteLoginChallenge{
		Code:   "wetalk://login/abc123",
		Status: ChallengeWaiting,
	})

	if len(tb.hub.Images()) != 0 || len(tb.hub.Texts()) != 0 {
		t.Error("challenge without a control room produced hub traffic")
	}
}
