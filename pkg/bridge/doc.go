// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a Matrix-WeTalk bridge: it projects identities
// and conversations from a closed consumer chat network (WeTalk) into a
// federated Matrix deployment and routes messages between the two.
//
// WeTalk has no open API. Each opted-in Matrix user runs a personal remote
// session through a puppet gateway that logs in as them (QR scan on their
// phone) and relays their chats. The bridge never sees more of the remote
// network than each user's own session does.
//
// # Core Types
//
// [SessionPool] owns at most one live remote session per opted-in user and
// pumps each session's events into the router. Sessions are handed out as
// [SessionHandle] values carrying login state and the remote identity.
//
// [Mapper] is the identity engine: it translates remote contacts into ghost
// users and remote conversations into Matrix rooms, creating them on first
// reference. All mappings live in an [EntityStore]; the store is the single
// source of truth and the mapper never caches a miss.
//
// [Router] dispatches events from both networks. It enforces the echo and
// staleness policies, drives the user-facing dialog flows (enable, setup,
// QR login, forward) and is the only layer that swallows errors.
//
// # Echo Prevention
//
// Events sent by the bridge's own identities must never be routed back.
// The router drops hub events whose sender is the bridge bot or any ghost,
// and remote events flagged as the session owner's own messages. These
// checks sit at the dispatch boundary, before any mapping work.
//
// # Adapters
//
// [AppserviceHub] binds the hub side to a Matrix application service.
// [GatewayClient] binds the remote side to a WebSocket puppet gateway.
// [SQLStore] persists the entity records; [MemoryStore] backs tests.
package bridge
