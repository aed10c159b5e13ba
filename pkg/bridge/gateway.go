// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// GatewayOptions is the per-owner remote session configuration blob. An
// owner record without one falls back to the bridge-wide gateway URL.
type GatewayOptions struct {
	URL   string `json:"gateway_url"`
	Token string `json:"auth_token,omitempty"`
}

// NewGatewayFactory builds the production RemoteClientFactory: one
// GatewayClient per owner, pointed at their puppet gateway.
func NewGatewayFactory(cfg *Config, log zerolog.Logger) RemoteClientFactory {
	return func(owner id.UserID, options json.RawMessage) (RemoteClient, error) {
		opts := GatewayOptions{URL: cfg.Bridge.GatewayURL}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &opts); err != nil {
				return nil, fmt.Errorf("invalid remote session options: %w", err)
			}
		}
		if opts.URL == "" {
			return nil, fmt.Errorf("no gateway URL configured for %s", owner)
		}
		return NewGatewayClient(owner, opts, log), nil
	}
}

// gatewayEnvelope is the JSON frame exchanged with the puppet gateway.
// Events arrive without an id; request/response pairs correlate on it.
type gatewayEnvelope struct {
	ID    int64           `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type gatewayMessage struct {
	SenderID    string `json:"sender_id"`
	RoomID      string `json:"room_id,omitempty"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp"`
	FromMe      bool   `json:"from_me,omitempty"`
}

type gatewayContact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type gatewaySession struct {
	Contact gatewayContact `json:"contact"`
	Reason  string         `json:"reason,omitempty"`
}

type gatewayChallenge struct {
	Code   string `json:"code"`
	Status string `json:"status"`
}

type gatewayRoom struct {
	ID      string           `json:"id"`
	Topic   string           `json:"topic,omitempty"`
	Members []gatewayContact `json:"members,omitempty"`
}

type gatewaySend struct {
	ContactID string `json:"contact_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Text      string `json:"text"`
}

type gatewayLookup struct {
	ContactID string `json:"contact_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
}

const gatewayRequestTimeout = 30 * time.Second

// GatewayClient implements RemoteClient over a JSON WebSocket connection
// to a per-owner puppet gateway daemon, which speaks the remote network's
// actual protocol.
type GatewayClient struct {
	log   zerolog.Logger
	owner id.UserID
	opts  GatewayOptions

	events chan RemoteEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan gatewayEnvelope
	nextID  int64

	stopOnce   sync.Once
	stopChan   chan struct{}
	eventsOnce sync.Once
}

var _ RemoteClient = (*GatewayClient)(nil)

func NewGatewayClient(owner id.UserID, opts GatewayOptions, log zerolog.Logger) *GatewayClient {
	return &GatewayClient{
		log:      log.With().Str("component", "gateway_client").Str("owner", owner.String()).Logger(),
		owner:    owner,
		opts:     opts,
		events:   make(chan RemoteEvent, 32),
		pending:  make(map[int64]chan gatewayEnvelope),
		stopChan: make(chan struct{}),
	}
}

func (g *GatewayClient) Events() <-chan RemoteEvent {
	return g.events
}

// Start dials the gateway and begins reading frames. A dial failure
// leaves the client in a retryable state.
func (g *GatewayClient) Start(ctx context.Context) error {
	select {
	case <-g.stopChan:
		return ErrSessionGone
	default:
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if g.opts.Token != "" {
		header.Set("Authorization", "Bearer "+g.opts.Token)
	}
	conn, _, err := dialer.DialContext(ctx, g.opts.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	go g.readLoop(conn)
	g.log.Info().Str("url", g.opts.URL).Msg("Connected to puppet gateway")
	return nil
}

// Stop tears the connection down. Safe on a never-started client and safe
// to call twice. In-flight requests fail with ErrSessionGone.
func (g *GatewayClient) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (g *GatewayClient) stopped() bool {
	select {
	case <-g.stopChan:
		return true
	default:
		return false
	}
}

func (g *GatewayClient) readLoop(conn *websocket.Conn) {
	defer func() {
		if g.stopped() {
			g.eventsOnce.Do(func() {
				close(g.events)
			})
		}
	}()
	for {
		var env gatewayEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if !g.stopped() {
				g.log.Warn().Err(err).Msg("Gateway connection lost")
			}
			return
		}
		if env.Type == "response" {
			g.deliverResponse(env)
			continue
		}
		evt, err := decodeGatewayEvent(env)
		if err != nil {
			g.log.Warn().Err(err).Str("type", env.Type).Msg("Bad gateway frame")
			continue
		}
		select {
		case g.events <- evt:
		case <-g.stopChan:
			return
		}
	}
}

func decodeGatewayEvent(env gatewayEnvelope) (RemoteEvent, error) {
	switch env.Type {
	case "message":
		var msg gatewayMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
		return &RemoteMessage{
			SenderID:  msg.SenderID,
			RoomID:    msg.RoomID,
			Text:      msg.Text,
			Timestamp: time.UnixMilli(msg.TimestampMS),
			FromMe:    msg.FromMe,
		}, nil
	case "login":
		var sess gatewaySession
		if err := json.Unmarshal(env.Data, &sess); err != nil {
			return nil, err
		}
		return &RemoteLogin{Self: RemoteContact(sess.Contact)}, nil
	case "logout":
		var sess gatewaySession
		if err := json.Unmarshal(env.Data, &sess); err != nil {
			return nil, err
		}
		return &RemoteLogout{Self: RemoteContact(sess.Contact), Reason: sess.Reason}, nil
	case "login_challenge":
		var ch gatewayChallenge
		if err := json.Unmarshal(env.Data, &ch); err != nil {
			return nil, err
		}
		return &RemoteLoginChallenge{Code: ch.Code, Status: ChallengeStatus(ch.Status)}, nil
	default:
		return nil, fmt.Errorf("unknown gateway event type %q", env.Type)
	}
}

func (g *GatewayClient) deliverResponse(env gatewayEnvelope) {
	g.mu.Lock()
	ch, ok := g.pending[env.ID]
	delete(g.pending, env.ID)
	g.mu.Unlock()
	if ok {
		ch <- env
	}
}

// request sends one frame and waits for the correlated response.
func (g *GatewayClient) request(ctx context.Context, reqType string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	conn := g.conn
	if conn == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: gateway is not connected", ErrSessionGone)
	}
	g.nextID++
	reqID := g.nextID
	ch := make(chan gatewayEnvelope, 1)
	g.pending[reqID] = ch
	err = conn.WriteJSON(gatewayEnvelope{ID: reqID, Type: reqType, Data: data})
	g.mu.Unlock()
	if err != nil {
		g.dropPending(reqID)
		return nil, fmt.Errorf("%w: %w", ErrSessionGone, err)
	}

	timeout := time.NewTimer(gatewayRequestTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		g.dropPending(reqID)
		return nil, ctx.Err()
	case <-g.stopChan:
		g.dropPending(reqID)
		return nil, fmt.Errorf("%w: session destroyed mid-request", ErrSessionGone)
	case <-timeout.C:
		g.dropPending(reqID)
		return nil, fmt.Errorf("gateway request %q timed out", reqType)
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("gateway error: %s", resp.Error)
		}
		return resp.Data, nil
	}
}

func (g *GatewayClient) dropPending(reqID int64) {
	g.mu.Lock()
	delete(g.pending, reqID)
	g.mu.Unlock()
}

func (g *GatewayClient) SendText(ctx context.Context, target RemoteTarget, text string) error {
	if target.IsZero() {
		return ErrNoRemoteTarget
	}
	_, err := g.request(ctx, "send_text", gatewaySend{
		ContactID: target.ContactID,
		RoomID:    target.RoomID,
		Text:      text,
	})
	return err
}

func (g *GatewayClient) FindContact(ctx context.Context, contactID string) (*RemoteContact, error) {
	data, err := g.request(ctx, "find_contact", gatewayLookup{ContactID: contactID})
	if err != nil {
		return nil, err
	}
	var contact gatewayContact
	if err = json.Unmarshal(data, &contact); err != nil {
		return nil, fmt.Errorf("bad find_contact response: %w", err)
	}
	out := RemoteContact(contact)
	return &out, nil
}

func (g *GatewayClient) FindRoom(ctx context.Context, roomID string) (*RemoteRoom, error) {
	data, err := g.request(ctx, "find_room", gatewayLookup{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	var room gatewayRoom
	if err = json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("bad find_room response: %w", err)
	}
	return &RemoteRoom{ID: room.ID, Topic: room.Topic}, nil
}

func (g *GatewayClient) RoomMembers(ctx context.Context, roomID string) ([]RemoteContact, error) {
	data, err := g.request(ctx, "room_members", gatewayLookup{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	var room gatewayRoom
	if err = json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("bad room_members response: %w", err)
	}
	members := make([]RemoteContact, len(room.Members))
	for i, member := range room.Members {
		members[i] = RemoteContact(member)
	}
	return members, nil
}
