package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 256
)

var newline = []byte{'\n'}

var ErrConnectionClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type State int

const (
	StateConnected State = iota
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Inbound is a client event.
type Inbound struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

const (
	inJoinRoom  = "joinRoom"
	inLeaveRoom = "leaveRoom"
	inTyping    = "typing"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal model.Principal

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu    sync.Mutex
	state State
	rooms map[string]*model.Room
}

func newClient(hub *Hub, conn *websocket.Conn, p model.Principal) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		principal: p,
		send:      make(chan []byte, sendBuffer),
		rooms:     make(map[string]*model.Room),
	}
}

// enqueue queues data for the write pump. It reports false when the
// client is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) reply(ev model.Event) {
	bus.Stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.hub.log.Warn().Str("principal", c.principal.ID).Str("type", string(ev.Type)).Msg("reply dropped")
	}
}

func (c *Client) fail(roomID, msg string) {
	c.reply(model.Event{Type: model.EventError, RoomID: roomID, Error: msg})
}

// handle applies one client event. Protocol errors are reported to the
// client; only a closed connection is returned.
func (c *Client) handle(ctx context.Context, raw []byte) error {
	if c.State() == StateDisconnected || c.isClosed() {
		return ErrConnectionClosed
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.fail("", "invalid event")
		return nil
	}
	if in.RoomID == "" {
		c.fail("", "roomId is required")
		return nil
	}

	switch in.Type {
	case inJoinRoom:
		c.joinRoom(ctx, in.RoomID)
	case inLeaveRoom:
		c.leaveRoom(ctx, in.RoomID)
	case inTyping:
		c.typing(ctx, in.RoomID, in.IsTyping)
	default:
		c.fail(in.RoomID, "unknown event type "+in.Type)
	}
	return nil
}

func (c *Client) joinedRoom(roomID string) *model.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

func (c *Client) joinRoom(ctx context.Context, roomID string) {
	room, err := c.hub.store.GetRoom(ctx, c.principal.TenantID, roomID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !room.HasParticipant(c.principal.ID)) {
		c.fail(roomID, "room not found")
		return
	}
	if err != nil {
		c.hub.log.Error().Err(err).Str("room", roomID).Msg("failed to load room")
		c.fail(roomID, "could not join room")
		return
	}

	c.mu.Lock()
	c.rooms[roomID] = room
	c.state = StateInRoom
	c.mu.Unlock()
	c.hub.setMembership(c, roomID, true)

	if err := c.hub.presence.SetCurrentRoom(ctx, c.principal.ID, roomID); err != nil {
		c.hub.log.Warn().Err(err).Msg("failed to set current room")
	}

	c.reply(model.Event{Type: model.EventJoinedRoom, RoomID: roomID, PrincipalID: c.principal.ID})
	c.hub.publish(ctx, model.Event{
		Type:         model.EventJoinedRoom,
		TenantID:     c.principal.TenantID,
		RoomID:       roomID,
		PrincipalID:  c.principal.ID,
		Participants: room.Participants,
	})
}

func (c *Client) leaveRoom(ctx context.Context, roomID string) {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
		if len(c.rooms) == 0 {
			c.state = StateConnected
		}
	}
	c.mu.Unlock()
	if !ok {
		c.fail(roomID, "not in room")
		return
	}

	c.hub.setMembership(c, roomID, false)
	c.left(ctx, room)
	c.reply(model.Event{Type: model.EventLeftRoom, RoomID: roomID, PrincipalID: c.principal.ID})
}

// left clears per-room ephemeral state and tells the room.
func (c *Client) left(ctx context.Context, room *model.Room) {
	if err := c.hub.presence.ClearCurrentRoom(ctx, c.principal.ID, room.ID); err != nil {
		c.hub.log.Warn().Err(err).Msg("failed to clear current room")
	}
	if err := c.hub.presence.ClearTyping(ctx, room.ID, c.principal.ID); err != nil {
		c.hub.log.Warn().Err(err).Msg("failed to clear typing")
	}
	c.hub.publish(ctx, model.Event{
		Type:         model.EventLeftRoom,
		TenantID:     c.principal.TenantID,
		RoomID:       room.ID,
		PrincipalID:  c.principal.ID,
		Participants: room.Participants,
	})
}

func (c *Client) typing(ctx context.Context, roomID string, isTyping bool) {
	room := c.joinedRoom(roomID)
	if room == nil {
		c.fail(roomID, "not in room")
		return
	}

	var err error
	if isTyping {
		err = c.hub.presence.SetTyping(ctx, roomID, c.principal.ID)
	} else {
		err = c.hub.presence.ClearTyping(ctx, roomID, c.principal.ID)
	}
	if err != nil {
		c.hub.log.Warn().Err(err).Msg("failed to update typing")
	}

	c.hub.publish(ctx, model.Event{
		Type:         model.EventUserTyping,
		TenantID:     c.principal.TenantID,
		RoomID:       roomID,
		PrincipalID:  c.principal.ID,
		Participants: room.Participants,
		IsTyping:     isTyping,
	})
}

// disconnect leaves every room and marks the principal offline. The
// client accepts no further events.
func (c *Client) disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	rooms := c.rooms
	c.rooms = make(map[string]*model.Room)
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, room := range rooms {
		c.left(ctx, room)
	}
	if err := c.hub.presence.SetOffline(ctx, c.principal.ID); err != nil {
		c.hub.log.Warn().Err(err).Msg("failed to set offline")
	}
	c.hub.drop(c)
}

// readPump pumps events from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		c.disconnect(ctx)
		cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.hub.presence.Touch(ctx, c.principal.ID); err != nil {
			c.hub.log.Warn().Err(err).Msg("failed to refresh presence")
		}
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("principal", c.principal.ID).Msg("read error")
			}
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err = c.handle(ctx, message)
		cancel()
		if err != nil {
			break
		}
	}
}

// writePump pumps events from the hub to the websocket connection. Queued
// events are batched into one frame, one JSON object per line.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs authenticates the peer and starts its pumps.
func serveWs(hub *Hub, signer *auth.Signer, w http.ResponseWriter, r *http.Request) {
	p, err := signer.Authenticate(r)
	if err != nil {
		hub.log.Info().Err(err).Msg("rejected websocket connection")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	if err := hub.presence.SetOnline(ctx, p.ID); err != nil {
		hub.log.Warn().Err(err).Msg("failed to set online")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		hub.presence.SetOffline(ctx, p.ID)
		return
	}

	client := newClient(hub, conn, p)
	if !hub.add(client) {
		hub.presence.SetOffline(ctx, p.ID)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
