// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppserviceHub implements HubClient on top of a Matrix application
// service. Ghost identities act through per-user intents; everything else
// goes through the bot intent.
type AppserviceHub struct {
	as          *appservice.AppService
	log         zerolog.Logger
	ghostPrefix string
	domain      string
}

var _ HubClient = (*AppserviceHub)(nil)

func NewAppserviceHub(as *appservice.AppService, cfg *Config, log zerolog.Logger) *AppserviceHub {
	return &AppserviceHub{
		as:          as,
		log:         log.With().Str("component", "appservice_hub").Logger(),
		ghostPrefix: cfg.Bridge.GhostPrefix,
		domain:      cfg.Homeserver.Domain,
	}
}

func (h *AppserviceHub) intent(acting id.UserID) *appservice.IntentAPI {
	if acting == "" || acting == h.BotID() {
		return h.as.BotIntent()
	}
	return h.as.Intent(acting)
}

func (h *AppserviceHub) BotID() id.UserID {
	return h.as.BotMXID()
}

func (h *AppserviceHub) SendText(ctx context.Context, acting id.UserID, room id.RoomID, text string) error {
	intent := h.intent(acting)
	if err := intent.EnsureJoined(ctx, room); err != nil {
		return fmt.Errorf("failed to join %s as %s: %w", room, acting, err)
	}
	if _, err := intent.SendText(ctx, room, text); err != nil {
		return fmt.Errorf("failed to send text to %s: %w", room, err)
	}
	return nil
}

func (h *AppserviceHub) SendImage(ctx context.Context, acting id.UserID, room id.RoomID, filename, mimeType string, data []byte) error {
	intent := h.intent(acting)
	if err := intent.EnsureJoined(ctx, room); err != nil {
		return fmt.Errorf("failed to join %s as %s: %w", room, acting, err)
	}
	upload, err := intent.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	_, err = intent.SendMessageEvent(ctx, room, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    filename,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send image to %s: %w", room, err)
	}
	return nil
}

func (h *AppserviceHub) CreateRoom(ctx context.Context, acting id.UserID, req CreateRoomRequest) (id.RoomID, error) {
	createReq := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       req.Name,
		Topic:      req.Topic,
		Invite:     req.Invite,
		IsDirect:   req.IsDirect,
	}
	resp, err := h.intent(acting).CreateRoom(ctx, createReq)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	h.log.Debug().
		Str("room", resp.RoomID.String()).
		Int("invites", len(req.Invite)).
		Bool("direct", req.IsDirect).
		Msg("Created room")
	return resp.RoomID, nil
}

func (h *AppserviceHub) JoinRoom(ctx context.Context, acting id.UserID, room id.RoomID) error {
	if err := h.intent(acting).EnsureJoined(ctx, room); err != nil {
		return fmt.Errorf("failed to join %s: %w", room, err)
	}
	return nil
}

func (h *AppserviceHub) SetDisplayName(ctx context.Context, acting id.UserID, name string) error {
	return h.intent(acting).SetDisplayName(ctx, name)
}

// IsRemoteProjectedIdentity reports whether the user is one of this
// bridge's ghosts: local to our domain and carrying the ghost prefix.
func (h *AppserviceHub) IsRemoteProjectedIdentity(user id.UserID) bool {
	localpart, homeserver, err := user.Parse()
	if err != nil {
		return false
	}
	return homeserver == h.domain && strings.HasPrefix(localpart, h.ghostPrefix)
}
