// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	testDomain      = "example.com"
	testGhostPrefix = "wetalk_"
	testBotID       = id.UserID("@wetalkbot:example.com")
)

// sentText is one recorded SendText call on the fake hub.
type sentText struct {
	Acting id.UserID
	Room   id.RoomID
	Text   string
}

// sentImage is one recorded SendImage call on the fake hub.
type sentImage struct {
	Acting   id.UserID
	Room     id.RoomID
	Filename string
	MimeType string
	Data     []byte
}

// createdRoom is one recorded CreateRoom call on the fake hub.
type createdRoom struct {
	ID      id.RoomID
	Acting  id.UserID
	Request CreateRoomRequest
}

// fakeHub records every hub-side operation for assertions. Room ids are
// allocated sequentially.
type fakeHub struct {
	mu       sync.Mutex
	texts    []sentText
	images   []sentImage
	rooms    []createdRoom
	joins    []id.RoomID
	names    map[id.UserID]string
	nextRoom int

	// SendTextErr, when set, fails every SendText call.
	SendTextErr error
}

var _ HubClient = (*fakeHub)(nil)

func newFakeHub() *fakeHub {
	return &fakeHub{names: make(map[id.UserID]string)}
}

func (h *fakeHub) BotID() id.UserID {
	return testBotID
}

func (h *fakeHub) SendText(_ context.Context, acting id.UserID, room id.RoomID, text string) error {
	if h.SendTextErr != nil {
		return h.SendTextErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, sentText{Acting: acting, Room: room, Text: text})
	return nil
}

func (h *fakeHub) SendImage(_ context.Context, acting id.UserID, room id.RoomID, filename, mimeType string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.images = append(h.images, sentImage{Acting: acting, Room: room, Filename: filename, MimeType: mimeType, Data: data})
	return nil
}

func (h *fakeHub) CreateRoom(_ context.Context, acting id.UserID, req CreateRoomRequest) (id.RoomID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", h.nextRoom, testDomain))
	h.rooms = append(h.rooms, createdRoom{ID: roomID, Acting: acting, Request: req})
	return roomID, nil
}

func (h *fakeHub) JoinRoom(_ context.Context, _ id.UserID, room id.RoomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins = append(h.joins, room)
	return nil
}

func (h *fakeHub) SetDisplayName(_ context.Context, acting id.UserID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[acting] = name
	return nil
}

func (h *fakeHub) IsRemoteProjectedIdentity(user id.UserID) bool {
	localpart, homeserver, err := user.Parse()
	if err != nil {
		return false
	}
	return homeserver == testDomain && strings.HasPrefix(localpart, testGhostPrefix)
}

func (h *fakeHub) Texts() []sentText {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]sentText, len(h.texts))
	copy(cp, h.texts)
	return cp
}

func (h *fakeHub) Images() []sentImage {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]sentImage, len(h.images))
	copy(cp, h.images)
	return cp
}

func (h *fakeHub) Rooms() []createdRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]createdRoom, len(h.rooms))
	copy(cp, h.rooms)
	return cp
}

func (h *fakeHub) Joins() []id.RoomID {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]id.RoomID, len(h.joins))
	copy(cp, h.joins)
	return cp
}

func (h *fakeHub) DisplayName(user id.UserID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.names[user]
}

// fakeRemote is a scripted RemoteClient. Tests push events through Emit and
// read outbound sends back out of Sent.
type fakeRemote struct {
	mu      sync.Mutex
	started bool
	stopped bool
	sent    []remoteSend

	events chan RemoteEvent

	// StartErr, when set, fails Start.
	StartErr error
	// SendErr, when set, fails SendText.
	SendErr error
	// Contacts and Rooms serve FindContact/FindRoom/RoomMembers lookups.
	Contacts map[string]RemoteContact
	Rooms    map[string]RemoteRoom
	Members  map[string][]RemoteContact
}

type remoteSend struct {
	Target RemoteTarget
	Text   string
}

var _ RemoteClient = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		events:   make(chan RemoteEvent, 16),
		Contacts: make(map[string]RemoteContact),
		Rooms:    make(map[string]RemoteRoom),
		Members:  make(map[string][]RemoteContact),
	}
}

func (f *fakeRemote) Start(_ context.Context) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeRemote) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.events)
	}
}

func (f *fakeRemote) Events() <-chan RemoteEvent {
	return f.events
}

func (f *fakeRemote) Emit(evt RemoteEvent) {
	f.events <- evt
}

func (f *fakeRemote) FindContact(_ context.Context, contactID string) (*RemoteContact, error) {
	if contact, ok := f.Contacts[contactID]; ok {
		return &contact, nil
	}
	return nil, fmt.Errorf("contact %q: %w", contactID, ErrNotFound)
}

func (f *fakeRemote) FindRoom(_ context.Context, roomID string) (*RemoteRoom, error) {
	if room, ok := f.Rooms[roomID]; ok {
		return &room, nil
	}
	return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
}

func (f *fakeRemote) RoomMembers(_ context.Context, roomID string) ([]RemoteContact, error) {
	members, ok := f.Members[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return members, nil
}

func (f *fakeRemote) SendText(_ context.Context, target RemoteTarget, text string) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, remoteSend{Target: target, Text: text})
	return nil
}

func (f *fakeRemote) Sent() []remoteSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]remoteSend, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeRemote) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// recordingSink captures pumped session events for pool tests.
type recordingSink struct {
	mu     sync.Mutex
	events []sunkEvent
	notify chan struct{}
}

type sunkEvent struct {
	Owner id.UserID
	Event RemoteEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) HandleRemoteEvent(_ context.Context, owner id.UserID, evt RemoteEvent) {
	s.mu.Lock()
	s.events = append(s.events, sunkEvent{Owner: owner, Event: evt})
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) Events() []sunkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]sunkEvent, len(s.events))
	copy(cp, s.events)
	return cp
}

// testBridge bundles a fully wired bridge over fakes and a memory store.
type testBridge struct {
	cfg    *Config
	store  *MemoryStore
	hub    *fakeHub
	remote *fakeRemote
	pool   *SessionPool
	mapper *Mapper
	router *Router
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: testDomain},
		Bridge: BridgeConfig{
			GhostPrefix:        testGhostPrefix,
			MaxEventAgeSeconds: 300,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestBridge wires the bridge so that every pooled session resolves to
// the same fakeRemote.
func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	cfg := newTestConfig(t)
	log := zerolog.Nop()
	store := NewMemoryStore()
	hub := newFakeHub()
	remote := newFakeRemote()

	factory := func(id.UserID, json.RawMessage) (RemoteClient, error) {
		return remote, nil
	}
	pool := NewSessionPool(factory, log)
	mapper := NewMapper(cfg, store, hub, pool, log)
	router := NewRouter(cfg, hub, mapper, pool, log)
	pool.SetSink(router)
	t.Cleanup(pool.Shutdown)

	return &testBridge{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		remote: remote,
		pool:   pool,
		mapper: mapper,
		router: router,
	}
}

// loggedInSession creates, starts and marks logged-in a session for owner.
func (tb *testBridge) loggedInSession(t *testing.T, owner id.UserID, self RemoteContact) *SessionHandle {
	t.Helper()
	handle, err := tb.pool.Create(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	if err = tb.pool.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start session: %v", err)
	}
	handle.SetRemoteIdentity(self)
	handle.SetState(LoginLoggedIn)
	return handle
}

// enabledUser persists an enabled owner record with an optional management
// room, bypassing the dialog flows.
func (tb *testBridge) enabledUser(t *testing.T, owner id.UserID, mgmtRoom id.RoomID) {
	t.Helper()
	err := tb.store.PutUser(context.Background(), &UserRecord{
		ID:             owner,
		Enabled:        true,
		ManagementRoom: mgmtRoom,
	})
	if err != nil {
		t.Fatalf("PutUser: %v", err)
	}
}
