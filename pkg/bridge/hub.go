// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// CreateRoomRequest carries the parameters for creating a hub room.
type CreateRoomRequest struct {
	Invite   []id.UserID
	Name     string
	Topic    string
	IsDirect bool
}

// HubClient is the hub-network capability consumed by the mapper, router
// and dialog flows. The acting identity selects whose intent performs the
// operation: the bridge bot or one of its ghosts. AppserviceHub is the
// production implementation.
type HubClient interface {
	// BotID is the bridge's own control identity on the hub network.
	BotID() id.UserID

	SendText(ctx context.Context, acting id.UserID, room id.RoomID, text string) error
	SendImage(ctx context.Context, acting id.UserID, room id.RoomID, filename, mimeType string, data []byte) error
	CreateRoom(ctx context.Context, acting id.UserID, req CreateRoomRequest) (id.RoomID, error)
	JoinRoom(ctx context.Context, acting id.UserID, room id.RoomID) error
	SetDisplayName(ctx context.Context, acting id.UserID, name string) error

	// IsRemoteProjectedIdentity reports whether the hub user is one of the
	// bridge's own projections (a ghost). The router uses it to drop
	// reflected events.
	IsRemoteProjectedIdentity(user id.UserID) bool
}
