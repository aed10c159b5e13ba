// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Router classifies inbound events from both networks and drives the
// dialog flows. Its dispatch entry points (OnHubEvent, HandleRemoteEvent)
// are the only places that swallow errors and panics; one bad event must
// never take down the loop.
type Router struct {
	log    zerolog.Logger
	cfg    *Config
	hub    HubClient
	mapper *Mapper
	pool   *SessionPool
}

var _ RemoteEventSink = (*Router)(nil)

func NewRouter(cfg *Config, hub HubClient, mapper *Mapper, pool *SessionPool, log zerolog.Logger) *Router {
	return &Router{
		log:    log.With().Str("component", "router").Logger(),
		cfg:    cfg,
		hub:    hub,
		mapper: mapper,
		pool:   pool,
	}
}

// tooOld applies the staleness policy shared by both network sides. The
// threshold is measured against the event's own timestamp, protecting
// against replay storms after reconnects.
func (r *Router) tooOld(ts time.Time) bool {
	maxAge := r.cfg.Bridge.MaxEventAge()
	return maxAge > 0 && time.Since(ts) > maxAge
}

// logRouteError logs a routing failure at a severity matching its class:
// expected forwarding misses stay quiet, invariant violations do not.
func (r *Router) logRouteError(err error, evt *zerolog.Event) {
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrNoRemoteTarget), errors.Is(err, ErrNotFound):
		r.log.Debug().Err(err).Msg("Dropped unroutable event")
	default:
		evt.Err(err).Msg("Failed to route event")
	}
}

// OnHubEvent is the dispatch boundary for hub-network events. External
// collaborators (the appservice event processor) call it for message and
// membership events.
func (r *Router) OnHubEvent(ctx context.Context, evt *event.Event) {
	defer func() {
		if panicked := recover(); panicked != nil {
			r.log.Error().
				Any("panic", panicked).
				Str("event_id", evt.ID.String()).
				Msg("Panic while routing hub event")
		}
	}()
	if err := r.routeHubEvent(ctx, evt); err != nil {
		r.logRouteError(err, r.log.Error().Str("event_id", evt.ID.String()))
	}
}

func (r *Router) routeHubEvent(ctx context.Context, evt *event.Event) error {
	if r.tooOld(time.UnixMilli(evt.Timestamp)) {
		r.log.Trace().Str("event_id", evt.ID.String()).Msg("Dropped stale hub event")
		return nil
	}
	// The bridge never reacts to its own projections.
	if r.hub.IsRemoteProjectedIdentity(evt.Sender) || evt.Sender == r.hub.BotID() {
		return nil
	}

	switch evt.Type {
	case event.StateMember:
		return r.handleHubMembership(ctx, evt)
	case event.EventMessage:
		return r.handleHubMessage(ctx, evt)
	default:
		r.log.Trace().Str("type", evt.Type.String()).Msg("Unhandled hub event type")
		return nil
	}
}

// handleHubMembership accepts invitations targeted at the bridge's own
// control identity and ignores all other membership changes. Accepting an
// invite from an owner without a control conversation binds the invited
// room as their DirectMessageChannel.
func (r *Router) handleHubMembership(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipInvite {
		return nil
	}
	if id.UserID(evt.GetStateKey()) != r.hub.BotID() {
		return nil
	}

	if err := r.hub.JoinRoom(ctx, r.hub.BotID(), evt.RoomID); err != nil {
		return fmt.Errorf("failed to accept invite to %s: %w", evt.RoomID, err)
	}
	r.log.Info().
		Str("room", evt.RoomID.String()).
		Str("inviter", evt.Sender.String()).
		Msg("Accepted invite")

	channel, err := r.mapper.DirectMessageChannel(ctx, evt.Sender)
	if err != nil {
		return err
	}
	if channel != "" {
		return nil
	}
	err = r.mapper.SetDirectMessageChannel(ctx, evt.Sender, evt.RoomID)
	if errors.Is(err, ErrAlreadyBound) {
		// Lost a benign race with another invite; the first binding wins.
		return nil
	}
	return err
}

// handleHubMessage routes a hub message: mapped rooms forward to the
// remote side, everything else lands in the onboarding or control flows.
func (r *Router) handleHubMessage(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return nil
	}
	sender := evt.Sender
	room := evt.RoomID

	link, err := r.mapper.RemoteRoomFor(ctx, room)
	if err == nil {
		return r.forwardWithNotice(ctx, link.Owner, link.Target(), content.Body)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	// Unmapped room: branch by the sender's enablement.
	user, err := r.mapper.ManagedUser(ctx, sender)
	if err != nil {
		return err
	}
	if user == nil || !user.Enabled {
		return r.EnableDialog(ctx, sender, room)
	}
	if user.ManagementRoom == "" || user.ManagementRoom == room {
		return r.handleControlMessage(ctx, sender, room, content.Body)
	}

	r.log.Debug().
		Str("room", room.String()).
		Str("sender", sender.String()).
		Msg("Ignoring message in unmapped room")
	return nil
}

// forwardWithNotice runs the forward flow and, when the owner has no
// usable session, sends at most one notice before dropping the message.
func (r *Router) forwardWithNotice(ctx context.Context, owner id.UserID, target RemoteTarget, text string) error {
	err := r.ForwardFlow(ctx, owner, target, text)
	if errors.Is(err, ErrNoSession) || errors.Is(err, ErrSessionGone) {
		r.notifyOwner(ctx, owner, "Your WeTalk session is not connected. Send \"login\" here to reconnect; the message was not delivered.")
	}
	return err
}

// handleControlMessage interprets messages in the owner's control
// conversation. Unrecognized text drives the setup flow, which is where a
// freshly enabled owner lands next.
func (r *Router) handleControlMessage(ctx context.Context, owner id.UserID, room id.RoomID, body string) error {
	// Bind the control conversation on first contact if the invite
	// handler did not get to it (e.g. the room predates the bridge).
	if user, err := r.mapper.ManagedUser(ctx, owner); err == nil && user != nil && user.ManagementRoom == "" {
		if err = r.mapper.SetDirectMessageChannel(ctx, owner, room); err != nil && !errors.Is(err, ErrAlreadyBound) {
			return err
		}
	}

	command := strings.ToLower(strings.TrimSpace(body))
	if fields := strings.Fields(command); len(fields) > 0 {
		command = fields[0]
	}

	switch command {
	case "help":
		return r.hub.SendText(ctx, r.hub.BotID(), room,
			"Commands: login – link your WeTalk account · status – session state · logout – drop the session · disable – turn the bridge off · help")
	case "status":
		return r.sendStatus(ctx, owner, room)
	case "logout":
		r.pool.Destroy(owner)
		return r.hub.SendText(ctx, r.hub.BotID(), room, "Logged out. Send \"login\" to link your WeTalk account again.")
	case "disable":
		if err := r.mapper.DisableUser(ctx, owner); err != nil {
			return err
		}
		r.pool.Destroy(owner)
		return r.hub.SendText(ctx, r.hub.BotID(), room, "Bridge disabled. Message me again any time to re-enable it.")
	default:
		// "login", "setup" and anything else drive the session flow.
		return r.SetupDialog(ctx, owner)
	}
}

func (r *Router) sendStatus(ctx context.Context, owner id.UserID, room id.RoomID) error {
	handle := r.pool.Get(owner)
	if handle == nil {
		return r.hub.SendText(ctx, r.hub.BotID(), room, "No active WeTalk session. Send \"login\" to start one.")
	}
	text := fmt.Sprintf("Session state: %s", handle.State())
	if self := handle.RemoteIdentity(); self.ID != "" {
		text = fmt.Sprintf("%s (logged in as %s)", text, displayName(self))
	}
	return r.hub.SendText(ctx, r.hub.BotID(), room, text)
}

// notifyOwner pushes a message into the owner's control conversation.
// Without a bound channel the notification is dropped with a debug log.
func (r *Router) notifyOwner(ctx context.Context, owner id.UserID, text string) {
	channel, err := r.mapper.DirectMessageChannel(ctx, owner)
	if err != nil || channel == "" {
		r.log.Debug().
			Str("owner", owner.String()).
			Msg("No management room to notify")
		return
	}
	if err = r.hub.SendText(ctx, r.hub.BotID(), channel, text); err != nil {
		r.log.Warn().Err(err).
			Str("owner", owner.String()).
			Msg("Failed to notify owner")
	}
}

func displayName(contact RemoteContact) string {
	if contact.Name != "" {
		return contact.Name
	}
	return contact.ID
}
