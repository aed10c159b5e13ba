// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// HandleRemoteEvent is the dispatch boundary for remote-network events,
// called by the session pool's event pump. Like OnHubEvent, it swallows
// panics and errors after logging them.
func (r *Router) HandleRemoteEvent(ctx context.Context, owner id.UserID, evt RemoteEvent) {
	defer func() {
		if panicked := recover(); panicked != nil {
			r.log.Error().
				Any("panic", panicked).
				Str("owner", owner.String()).
				Msg("Panic while routing remote event")
		}
	}()

	var err error
	switch evt := evt.(type) {
	case *RemoteMessage:
		err = r.handleRemoteMessage(ctx, owner, evt)
	case *RemoteLogin:
		err = r.handleRemoteLogin(ctx, owner, evt)
	case *RemoteLogout:
		err = r.handleRemoteLogout(ctx, owner, evt)
	case *RemoteLoginChallenge:
		err = r.handleLoginChallenge(ctx, owner, evt)
	default:
		r.log.Trace().
			Str("owner", owner.String()).
			Type("event", evt).
			Msg("Unhandled remote event type")
	}
	if err != nil {
		r.logRouteError(err, r.log.Error().Str("owner", owner.String()))
	}
}

// handleRemoteMessage delivers a remote message into its mapped hub room
// as the sender's ghost, creating ghost and room on first reference.
func (r *Router) handleRemoteMessage(ctx context.Context, owner id.UserID, msg *RemoteMessage) error {
	// Same echo and staleness policy as the hub side.
	if msg.FromMe {
		return nil
	}
	if r.tooOld(msg.Timestamp) {
		r.log.Trace().Str("owner", owner.String()).Msg("Dropped stale remote message")
		return nil
	}

	var target RemoteTarget
	if msg.RoomID != "" {
		target = GroupTarget(msg.RoomID)
	} else {
		target = DirectTarget(msg.SenderID)
	}

	roomID, err := r.mapper.RoomFor(ctx, owner, target)
	if err != nil {
		return err
	}
	ghost, err := r.mapper.GhostFor(ctx, owner, msg.SenderID)
	if err != nil {
		return err
	}
	if err = r.hub.SendText(ctx, ghost, roomID, msg.Text); err != nil {
		return fmt.Errorf("failed to deliver remote message: %w", err)
	}
	return nil
}

func (r *Router) handleRemoteLogin(ctx context.Context, owner id.UserID, evt *RemoteLogin) error {
	handle := r.pool.Get(owner)
	if handle == nil {
		return fmt.Errorf("%w: login event for %s", ErrNoSession, owner)
	}
	handle.SetRemoteIdentity(evt.Self)
	handle.SetState(LoginLoggedIn)
	r.log.Info().
		Str("owner", owner.String()).
		Str("remote_id", evt.Self.ID).
		Msg("Remote session logged in")
	r.notifyOwner(ctx, owner, fmt.Sprintf("Connected to WeTalk as %s. Your chats will appear here as they arrive.", displayName(evt.Self)))
	return nil
}

// handleRemoteLogout notifies the owner and fully destroys the session,
// forcing a fresh login next time.
func (r *Router) handleRemoteLogout(ctx context.Context, owner id.UserID, evt *RemoteLogout) error {
	reason := evt.Reason
	if reason == "" {
		reason = "the session ended on the WeTalk side"
	}
	r.notifyOwner(ctx, owner, fmt.Sprintf("Disconnected from WeTalk: %s. Send \"login\" to reconnect.", reason))
	r.pool.Destroy(owner)
	return nil
}

// handleLoginChallenge pushes the QR login artifact into the owner's
// control conversation. Each status transition produces a distinct
// message; the waiting state additionally carries a scannable image.
func (r *Router) handleLoginChallenge(ctx context.Context, owner id.UserID, evt *RemoteLoginChallenge) error {
	if handle := r.pool.Get(owner); handle != nil {
		handle.SetState(evt.Status.LoginState())
	}

	channel, err := r.mapper.DirectMessageChannel(ctx, owner)
	if err != nil {
		return err
	}
	if channel == "" {
		r.log.Warn().
			Str("owner", owner.String()).
			Msg("Login challenge with no management room, dropping")
		return nil
	}

	switch evt.Status {
	case ChallengeWaiting:
		png, qerr := loginQRPNG(evt.Code)
		if qerr != nil {
			r.log.Warn().Err(qerr).Msg("Failed to render login QR code")
		} else if serr := r.hub.SendImage(ctx, r.hub.BotID(), channel, "login-qr.png", "image/png", png); serr != nil {
			r.log.Warn().Err(serr).Msg("Failed to send login QR image")
		}
		return r.hub.SendText(ctx, r.hub.BotID(), channel,
			fmt.Sprintf("Scan the QR code with the WeTalk app to log in, or open: %s", evt.Code))
	case ChallengeScanned:
		return r.hub.SendText(ctx, r.hub.BotID(), channel, "QR code scanned. Confirm the login on your phone.")
	case ChallengeConfirmed:
		return r.hub.SendText(ctx, r.hub.BotID(), channel, "Login confirmed, connecting…")
	case ChallengeTimeout:
		serr := r.hub.SendText(ctx, r.hub.BotID(), channel, "The QR code expired. Send \"login\" to get a new one.")
		// An expired session cannot mint another code; drop it so the
		// next "login" starts a fresh one.
		r.pool.Destroy(owner)
		return serr
	default:
		r.log.Warn().
			Str("status", string(evt.Status)).
			Msg("Unknown login challenge status")
		return nil
	}
}
