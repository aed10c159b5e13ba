// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// MemoryStore is an EntityStore held entirely in memory. It backs tests
// and single-process development setups; production deployments use
// SQLStore. Records are copied on the way in and out so callers can never
// alias the store's internal state.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[id.UserID]*UserRecord
	rooms map[id.RoomID]*RoomRecord
}

var _ EntityStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[id.UserID]*UserRecord),
		rooms: make(map[id.RoomID]*RoomRecord),
	}
}

func copyUser(rec *UserRecord) *UserRecord {
	cp := *rec
	if rec.Link != nil {
		link := *rec.Link
		cp.Link = &link
	}
	if rec.RemoteOptions != nil {
		cp.RemoteOptions = append([]byte(nil), rec.RemoteOptions...)
	}
	return &cp
}

func copyRoom(rec *RoomRecord) *RoomRecord {
	cp := *rec
	if rec.Link != nil {
		link := *rec.Link
		cp.Link = &link
	}
	return &cp
}

func (s *MemoryStore) GetUser(_ context.Context, userID id.UserID) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return copyUser(rec), nil
}

func (s *MemoryStore) PutUser(_ context.Context, rec *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[rec.ID] = copyUser(rec)
	return nil
}

func (s *MemoryStore) QueryUsers(_ context.Context, q UserQuery) ([]*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UserRecord
	for _, rec := range s.users {
		if q.Matches(rec) {
			out = append(out, copyUser(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID id.RoomID) (*RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return copyRoom(rec), nil
}

func (s *MemoryStore) PutRoom(_ context.Context, rec *RoomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rec.ID] = copyRoom(rec)
	return nil
}

func (s *MemoryStore) QueryRooms(_ context.Context, q RoomQuery) ([]*RoomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RoomRecord
	for _, rec := range s.rooms {
		if q.Matches(rec) {
			out = append(out, copyRoom(rec))
		}
	}
	return out, nil
}
