// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Dialog flows. Each is a short, idempotent procedure over the mapper and
// session pool; durable state lives in the ManagedUser record and the
// session handle, never in the flow itself.

// EnableDialog opts a hub user into the bridge: opt-in prompt, enable,
// confirmation, all in the room they wrote in. A failing enable propagates;
// the router should never route an already-enabled user here.
func (r *Router) EnableDialog(ctx context.Context, owner id.UserID, room id.RoomID) error {
	if err := r.hub.SendText(ctx, r.hub.BotID(), room,
		"Hi! I bridge WeTalk chats into this network. Setting you up…"); err != nil {
		return fmt.Errorf("failed to send opt-in prompt: %w", err)
	}
	if err := r.mapper.EnableUser(ctx, owner); err != nil {
		return err
	}
	// First contact doubles as the control conversation when none is
	// bound yet; ErrAlreadyBound just means the invite handler won.
	if err := r.mapper.SetDirectMessageChannel(ctx, owner, room); err != nil && !errors.Is(err, ErrAlreadyBound) {
		return err
	}
	return r.hub.SendText(ctx, r.hub.BotID(), room,
		"Bridge enabled. Send \"login\" here to link your WeTalk account.")
}

// SetupDialog makes sure the owner has a remote session on its way to
// being logged in: create-if-absent plus start, a login nudge for an
// existing logged-out session, and a no-op for a logged-in one.
func (r *Router) SetupDialog(ctx context.Context, owner id.UserID) error {
	user, err := r.mapper.ManagedUser(ctx, owner)
	if err != nil {
		return err
	}
	if user == nil || !user.Enabled {
		return fmt.Errorf("%w: setup for %s before enable", ErrNotFound, owner)
	}

	handle := r.pool.Get(owner)
	if handle == nil {
		handle, err = r.pool.Create(ctx, owner, user.RemoteOptions)
		if err != nil {
			if errors.Is(err, ErrConnect) {
				r.notifyOwner(ctx, owner, "Could not set up a WeTalk session. Check the bridge configuration.")
			}
			return err
		}
		if err = r.pool.Start(ctx, handle); err != nil {
			r.notifyOwner(ctx, owner, "Could not reach WeTalk right now. Send \"login\" again in a moment.")
			return err
		}
		r.notifyOwner(ctx, owner, "Starting your WeTalk session. A login QR code will arrive here shortly.")
		return nil
	}
	if handle.LoggedIn() {
		r.notifyOwner(ctx, owner, fmt.Sprintf("Already connected as %s.", displayName(handle.RemoteIdentity())))
		return nil
	}
	return r.LoginDialog(ctx, owner)
}

// LoginDialog is a marker entry point: the user-facing QR prompts come
// from the session's login challenge events, not from this call.
func (r *Router) LoginDialog(_ context.Context, owner id.UserID) error {
	handle := r.pool.Get(owner)
	if handle == nil {
		return fmt.Errorf("%w: login for %s without a session", ErrNoSession, owner)
	}
	r.log.Debug().
		Str("owner", owner.String()).
		Str("state", string(handle.State())).
		Msg("Awaiting login challenge")
	return nil
}

// ForwardFlow sends text to a remote target through the owner's session.
// Resolution misses fail with ErrNoSession/ErrNoRemoteTarget; the caller
// logs and drops. Delivery is at-most-once, never queued or retried.
func (r *Router) ForwardFlow(ctx context.Context, owner id.UserID, target RemoteTarget, text string) error {
	if target.IsZero() {
		return fmt.Errorf("%w: forward for %s", ErrNoRemoteTarget, owner)
	}
	handle := r.pool.Get(owner)
	if handle == nil {
		return fmt.Errorf("%w: forward for %s", ErrNoSession, owner)
	}
	if !handle.LoggedIn() {
		// Kick the login flow so the next attempt can succeed.
		_ = r.LoginDialog(ctx, owner)
		return fmt.Errorf("%w: session for %s is %s", ErrNoSession, owner, handle.State())
	}
	if err := handle.Client().SendText(ctx, target, text); err != nil {
		return fmt.Errorf("failed to forward to %s: %w", target.key(), err)
	}
	return nil
}
