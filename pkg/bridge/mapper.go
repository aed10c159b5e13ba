// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"
)

// keyedMutex serializes get-or-create per mapping key so two events
// referencing the same (owner, contact) or (owner, room) key cannot race
// to create divergent links. Locks are retained for the process lifetime;
// the key space is bounded by the mapped graph.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = new(sync.Mutex)
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Mapper is the bidirectional identity mapping engine between hub entities
// and remote entities. All operations are owner-scoped and store-backed:
// every get-or-create re-checks the store under its key lock, and negative
// lookups are never cached.
type Mapper struct {
	log   zerolog.Logger
	cfg   *Config
	store EntityStore
	hub   HubClient
	pool  *SessionPool
	keys  keyedMutex
}

func NewMapper(cfg *Config, store EntityStore, hub HubClient, pool *SessionPool, log zerolog.Logger) *Mapper {
	return &Mapper{
		log:   log.With().Str("component", "mapper").Logger(),
		cfg:   cfg,
		store: store,
		hub:   hub,
		pool:  pool,
	}
}

// newGhostID allocates a fresh ghost user id with a collision-resistant
// random localpart.
func (m *Mapper) newGhostID() id.UserID {
	localpart := m.cfg.Bridge.GhostPrefix + strings.ToLower(random.String(16))
	return id.NewUserID(localpart, m.cfg.Homeserver.Domain)
}

// GhostFor returns the hub ghost projecting the given remote contact for
// this owner, creating and persisting it on first reference. Concurrent
// calls for the same key converge to one ghost.
func (m *Mapper) GhostFor(ctx context.Context, owner id.UserID, contactID string) (id.UserID, error) {
	if owner == "" || contactID == "" {
		return "", fmt.Errorf("%w: ghost lookup needs owner and contact id", ErrNoRemoteTarget)
	}
	unlock := m.keys.lock("ghost/" + owner.String() + "/" + contactID)
	defer unlock()

	recs, err := m.store.QueryUsers(ctx, UserQuery{LinkOwner: owner, LinkContactID: contactID})
	if err != nil {
		return "", fmt.Errorf("failed to query ghost link: %w", err)
	}
	if len(recs) > 0 {
		rec := recs[0]
		if err = rec.Link.Validate(); err != nil {
			return "", err
		}
		return rec.ID, nil
	}

	ghostID := m.newGhostID()
	rec := &UserRecord{
		ID:   ghostID,
		Link: &UserLink{Owner: owner, ContactID: contactID},
	}
	if err = m.store.PutUser(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist ghost link: %w", err)
	}
	m.log.Info().
		Str("owner", owner.String()).
		Str("contact_id", contactID).
		Str("ghost", ghostID.String()).
		Msg("Created ghost for remote contact")

	m.applyGhostProfile(ctx, owner, contactID, ghostID)
	return ghostID, nil
}

// applyGhostProfile sets the ghost's display name from the remote contact
// when the owner's session can resolve it. Best effort only.
func (m *Mapper) applyGhostProfile(ctx context.Context, owner id.UserID, contactID string, ghost id.UserID) {
	handle := m.pool.Get(owner)
	if handle == nil || !handle.LoggedIn() {
		return
	}
	contact, err := handle.Client().FindContact(ctx, contactID)
	if err != nil || contact == nil {
		return
	}
	name := m.cfg.Bridge.FormatDisplayname(DisplaynameParams{Name: contact.Name, ContactID: contact.ID})
	if name == "" {
		return
	}
	if err = m.hub.SetDisplayName(ctx, ghost, name); err != nil {
		m.log.Debug().Err(err).
			Str("ghost", ghost.String()).
			Msg("Failed to set ghost display name")
	}
}

// ContactFor is the reverse of GhostFor: it resolves which remote contact
// a hub ghost projects. Fails with ErrNotFound if the user carries no link
// data and ErrInconsistent if the link is malformed.
func (m *Mapper) ContactFor(ctx context.Context, ghost id.UserID) (*UserLink, error) {
	rec, err := m.store.GetUser(ctx, ghost)
	if err != nil {
		return nil, fmt.Errorf("failed to get user record: %w", err)
	}
	if rec == nil || rec.Link == nil {
		return nil, fmt.Errorf("%w: %s carries no contact link", ErrNotFound, ghost)
	}
	if err = rec.Link.Validate(); err != nil {
		return nil, err
	}
	return rec.Link, nil
}

// RoomFor returns the hub room mapped to the remote target for this
// owner, creating it on first reference. Direct targets produce a 1:1
// room with the counterpart ghost; group targets resolve the remote room's
// membership and invite a ghost per member.
func (m *Mapper) RoomFor(ctx context.Context, owner id.UserID, target RemoteTarget) (id.RoomID, error) {
	if target.IsZero() {
		return "", fmt.Errorf("%w: empty room target", ErrNoRemoteTarget)
	}
	unlock := m.keys.lock("room/" + owner.String() + "/" + target.key())
	defer unlock()

	query := RoomQuery{LinkOwner: owner}
	if target.IsDirect() {
		query.Kind = RoomLinkDirect
		query.ContactID = target.ContactID
	} else {
		query.Kind = RoomLinkGroup
		query.RemoteRoomID = target.RoomID
	}
	recs, err := m.store.QueryRooms(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to query room link: %w", err)
	}
	if len(recs) > 0 {
		rec := recs[0]
		if err = rec.Link.Validate(); err != nil {
			return "", err
		}
		return rec.ID, nil
	}

	if target.IsDirect() {
		return m.createDirectRoom(ctx, owner, target.ContactID)
	}
	return m.createGroupRoom(ctx, owner, target.RoomID)
}

func (m *Mapper) createDirectRoom(ctx context.Context, owner id.UserID, contactID string) (id.RoomID, error) {
	ghost, err := m.GhostFor(ctx, owner, contactID)
	if err != nil {
		return "", err
	}

	name := ""
	if handle := m.pool.Get(owner); handle != nil && handle.LoggedIn() {
		if contact, cerr := handle.Client().FindContact(ctx, contactID); cerr == nil && contact != nil {
			name = contact.Name
		}
	}

	roomID, err := m.hub.CreateRoom(ctx, m.hub.BotID(), CreateRoomRequest{
		Invite:   []id.UserID{owner, ghost},
		Name:     name,
		IsDirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}

	rec := &RoomRecord{ID: roomID, Link: DirectRoomLink(owner, contactID)}
	if err = m.store.PutRoom(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist direct room link: %w", err)
	}
	m.log.Info().
		Str("owner", owner.String()).
		Str("contact_id", contactID).
		Str("room", roomID.String()).
		Msg("Created direct room")
	return roomID, nil
}

func (m *Mapper) createGroupRoom(ctx context.Context, owner id.UserID, remoteRoomID string) (id.RoomID, error) {
	handle := m.pool.Get(owner)
	if handle == nil || !handle.LoggedIn() {
		return "", fmt.Errorf("%w: cannot resolve members of %s for %s", ErrNoSession, remoteRoomID, owner)
	}

	members, err := handle.Client().RoomMembers(ctx, remoteRoomID)
	if err != nil {
		return "", fmt.Errorf("failed to enumerate remote room members: %w", err)
	}

	self := handle.RemoteIdentity()
	invite := []id.UserID{owner}
	for _, member := range members {
		if member.ID == self.ID {
			// The owner's own contact is represented by the owner.
			continue
		}
		ghost, gerr := m.GhostFor(ctx, owner, member.ID)
		if gerr != nil {
			return "", gerr
		}
		invite = append(invite, ghost)
	}

	name := remoteRoomID
	if room, rerr := handle.Client().FindRoom(ctx, remoteRoomID); rerr == nil && room != nil && room.Topic != "" {
		name = room.Topic
	}

	roomID, err := m.hub.CreateRoom(ctx, m.hub.BotID(), CreateRoomRequest{
		Invite: invite,
		Name:   name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create group room: %w", err)
	}

	rec := &RoomRecord{ID: roomID, Link: GroupRoomLink(owner, remoteRoomID)}
	if err = m.store.PutRoom(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist group room link: %w", err)
	}
	m.log.Info().
		Str("owner", owner.String()).
		Str("remote_room_id", remoteRoomID).
		Str("room", roomID.String()).
		Int("members", len(invite)).
		Msg("Created group room")
	return roomID, nil
}

// RemoteRoomFor is the reverse of RoomFor: it resolves the remote
// counterpart of a hub room. Fails with ErrNotFound if the room carries no
// link data and ErrInconsistent if the link is malformed.
func (m *Mapper) RemoteRoomFor(ctx context.Context, roomID id.RoomID) (*RoomLink, error) {
	rec, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room record: %w", err)
	}
	if rec == nil || rec.Link == nil {
		return nil, fmt.Errorf("%w: %s carries no remote link", ErrNotFound, roomID)
	}
	if err = rec.Link.Validate(); err != nil {
		return nil, err
	}
	return rec.Link, nil
}

// IsDirectRoom reports whether the room's stored link is direct-shaped.
func (m *Mapper) IsDirectRoom(ctx context.Context, roomID id.RoomID) (bool, error) {
	link, err := m.RemoteRoomFor(ctx, roomID)
	if err != nil {
		return false, err
	}
	return link.Kind == RoomLinkDirect, nil
}

// DirectMessageChannel returns the owner's control conversation room, or
// empty (with no error) before one has been bound.
func (m *Mapper) DirectMessageChannel(ctx context.Context, owner id.UserID) (id.RoomID, error) {
	rec, err := m.store.GetUser(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to get user record: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.ManagementRoom, nil
}

// SetDirectMessageChannel binds the owner's control conversation room. The
// binding is set-once: a second call fails with ErrAlreadyBound.
func (m *Mapper) SetDirectMessageChannel(ctx context.Context, owner id.UserID, roomID id.RoomID) error {
	unlock := m.keys.lock("user/" + owner.String())
	defer unlock()

	rec, err := m.store.GetUser(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to get user record: %w", err)
	}
	if rec == nil {
		rec = &UserRecord{ID: owner}
	}
	if rec.ManagementRoom != "" {
		return fmt.Errorf("%w: %s already has management room %s", ErrAlreadyBound, owner, rec.ManagementRoom)
	}
	rec.ManagementRoom = roomID
	if err = m.store.PutUser(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist management room: %w", err)
	}
	m.log.Info().
		Str("owner", owner.String()).
		Str("room", roomID.String()).
		Msg("Bound management room")
	return nil
}

// ManagedUser returns the owner's record, or nil if they have never
// interacted with the bridge.
func (m *Mapper) ManagedUser(ctx context.Context, owner id.UserID) (*UserRecord, error) {
	return m.store.GetUser(ctx, owner)
}

// EnableUser flips the owner's record to enabled, creating it on first
// enable. Fails with ErrAlreadyEnabled if the bridge is already on for
// them; records are never deleted, only soft-disabled.
func (m *Mapper) EnableUser(ctx context.Context, owner id.UserID) error {
	unlock := m.keys.lock("user/" + owner.String())
	defer unlock()

	rec, err := m.store.GetUser(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to get user record: %w", err)
	}
	if rec == nil {
		rec = &UserRecord{ID: owner}
	}
	if rec.Enabled {
		return fmt.Errorf("%w: %s", ErrAlreadyEnabled, owner)
	}
	rec.Enabled = true
	if err = m.store.PutUser(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist enablement: %w", err)
	}
	m.log.Info().Str("owner", owner.String()).Msg("Enabled bridge for user")
	return nil
}

// DisableUser soft-disables the owner. Fails with ErrNotFound if they were
// never enabled.
func (m *Mapper) DisableUser(ctx context.Context, owner id.UserID) error {
	unlock := m.keys.lock("user/" + owner.String())
	defer unlock()

	rec, err := m.store.GetUser(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to get user record: %w", err)
	}
	if rec == nil || !rec.Enabled {
		return fmt.Errorf("%w: %s is not enabled", ErrNotFound, owner)
	}
	rec.Enabled = false
	if err = m.store.PutUser(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist disablement: %w", err)
	}
	m.log.Info().Str("owner", owner.String()).Msg("Disabled bridge for user")
	return nil
}
