// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// SessionHandle is one live remote session bound to exactly one owner.
// Login state and remote identity are mutated by the router as lifecycle
// events arrive; all accessors are safe for concurrent use.
type SessionHandle struct {
	// ID is an opaque handle identity. The pool's reverse index is keyed
	// by it instead of by pointer so a destroyed handle keeps nothing
	// alive and a stale handle simply resolves to nothing.
	ID    string
	Owner id.UserID

	client RemoteClient

	mu       sync.Mutex
	state    LoginState
	remote   RemoteContact
	stopPump context.CancelFunc
}

// Client exposes the underlying remote client for sends and lookups.
func (h *SessionHandle) Client() RemoteClient {
	return h.client
}

func (h *SessionHandle) State() LoginState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *SessionHandle) SetState(state LoginState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *SessionHandle) LoggedIn() bool {
	return h.State() == LoginLoggedIn
}

// RemoteIdentity is the contact the session is logged in as. Zero before
// login completes.
func (h *SessionHandle) RemoteIdentity() RemoteContact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

func (h *SessionHandle) SetRemoteIdentity(contact RemoteContact) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = contact
}

// SessionPool owns the lifecycle of one remote session per opted-in owner.
// The owner index is injective: Create rejects a second session for the
// same owner until Destroy removes the first.
type SessionPool struct {
	log     zerolog.Logger
	factory RemoteClientFactory

	sinkMu sync.RWMutex
	sink   RemoteEventSink

	mu        sync.RWMutex
	byOwner   map[id.UserID]*SessionHandle
	ownerByID map[string]id.UserID
}

func NewSessionPool(factory RemoteClientFactory, log zerolog.Logger) *SessionPool {
	return &SessionPool{
		log:       log.With().Str("component", "session_pool").Logger(),
		factory:   factory,
		byOwner:   make(map[id.UserID]*SessionHandle),
		ownerByID: make(map[string]id.UserID),
	}
}

// SetSink wires the consumer of session events. It must be called before
// the first Create; the pool and router reference each other, so the sink
// cannot be a constructor argument.
func (p *SessionPool) SetSink(sink RemoteEventSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = sink
}

func (p *SessionPool) getSink() RemoteEventSink {
	p.sinkMu.RLock()
	defer p.sinkMu.RUnlock()
	return p.sink
}

// Create builds a session for the owner and begins pumping its events
// before the caller's explicit Start, so nothing emitted during connect is
// lost. Fails with ErrAlreadyExists if the owner already has a session.
func (p *SessionPool) Create(_ context.Context, owner id.UserID, options json.RawMessage) (*SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byOwner[owner]; exists {
		return nil, fmt.Errorf("%w: session for %s", ErrAlreadyExists, owner)
	}

	client, err := p.factory(owner, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	handle := &SessionHandle{
		ID:       uuid.NewString(),
		Owner:    owner,
		client:   client,
		state:    LoginLoggedOut,
		stopPump: cancel,
	}
	p.byOwner[owner] = handle
	p.ownerByID[handle.ID] = owner
	go p.pump(pumpCtx, handle)

	p.log.Info().
		Str("owner", owner.String()).
		Str("session_id", handle.ID).
		Msg("Created remote session")
	return handle, nil
}

// pump forwards session events to the sink until the client's channel
// closes or the session is destroyed. The owner is re-resolved through the
// reverse index on every event so callbacks racing a destroy are dropped
// instead of delivered for a dead session.
func (p *SessionPool) pump(ctx context.Context, handle *SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-handle.client.Events():
			if !ok {
				p.log.Debug().
					Str("session_id", handle.ID).
					Msg("Session event channel closed")
				return
			}
			owner, err := p.OwnerOf(handle)
			if err != nil {
				p.log.Debug().
					Str("session_id", handle.ID).
					Msg("Dropping event from untracked session")
				continue
			}
			if sink := p.getSink(); sink != nil {
				sink.HandleRemoteEvent(ctx, owner, evt)
			}
		}
	}
}

// Start begins connecting. A failure is reported as ErrConnect; the handle
// stays in the pool so Start may be retried.
func (p *SessionPool) Start(ctx context.Context, handle *SessionHandle) error {
	if err := handle.client.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return nil
}

// Get is a pure lookup; it never creates.
func (p *SessionPool) Get(owner id.UserID) *SessionHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byOwner[owner]
}

// OwnerOf resolves a handle back to its owner through the reverse index.
// Fails with ErrNotFound once the session has been destroyed.
func (p *SessionPool) OwnerOf(handle *SessionHandle) (id.UserID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	owner, ok := p.ownerByID[handle.ID]
	if !ok {
		return "", fmt.Errorf("%w: session %s is not tracked", ErrNotFound, handle.ID)
	}
	return owner, nil
}

// Destroy stops the owner's session and removes both index entries. It is
// idempotent: destroying an unknown owner is a no-op, and it tolerates a
// session that never finished connecting.
func (p *SessionPool) Destroy(owner id.UserID) {
	p.mu.Lock()
	handle, ok := p.byOwner[owner]
	if ok {
		delete(p.byOwner, owner)
		delete(p.ownerByID, handle.ID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	handle.client.Stop()
	handle.stopPump()
	handle.SetState(LoginLoggedOut)
	p.log.Info().
		Str("owner", owner.String()).
		Str("session_id", handle.ID).
		Msg("Destroyed remote session")
}

// Shutdown destroys every pooled session.
func (p *SessionPool) Shutdown() {
	p.mu.RLock()
	owners := make([]id.UserID, 0, len(p.byOwner))
	for owner := range p.byOwner {
		owners = append(owners, owner)
	}
	p.mu.RUnlock()
	for _, owner := range owners {
		p.Destroy(owner)
	}
}
