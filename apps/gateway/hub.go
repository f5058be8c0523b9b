package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
)

// Presence is the ephemeral state a connection maintains.
type Presence interface {
	SetOnline(ctx context.Context, principalID string) error
	Touch(ctx context.Context, principalID string) error
	SetOffline(ctx context.Context, principalID string) error
	SetCurrentRoom(ctx context.Context, principalID, roomID string) error
	ClearCurrentRoom(ctx context.Context, principalID, roomID string) error
	SetTyping(ctx context.Context, roomID, principalID string) error
	ClearTyping(ctx context.Context, roomID, principalID string) error
}

type RoomLookup interface {
	GetRoom(ctx context.Context, tenantID, roomID string) (*model.Room, error)
}

type membership struct {
	client *Client
	roomID string
	join   bool
}

// Hub tracks live connections on this gateway and delivers bus events to
// them. All map writes happen on the Run goroutine.
type Hub struct {
	rooms map[string]map[*Client]bool // room id -> joined clients
	users map[string]map[*Client]bool // principal id -> clients
	mu    sync.RWMutex

	register   chan *Client
	unregister chan *Client
	membership chan membership
	done       chan struct{}

	bus      bus.Bus
	presence Presence
	store    RoomLookup
	log      zerolog.Logger
}

func NewHub(b bus.Bus, presence Presence, store RoomLookup, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		membership: make(chan membership),
		done:       make(chan struct{}),
		bus:        b,
		presence:   presence,
		store:      store,
		log:        logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to every bus event and serves the hub until ctx is done
// or the bus closes.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, err := h.bus.Subscribe(ctx, "")
	if err != nil {
		return err
	}
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.principal.ID] == nil {
				h.users[client.principal.ID] = make(map[*Client]bool)
			}
			h.users[client.principal.ID][client] = true
			h.mu.Unlock()
			metrics.GatewayConnections.Inc()
			h.log.Info().Str("principal", client.principal.ID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.membership:
			h.mu.Lock()
			if m.join {
				// A client removed while its join was in flight stays out.
				if h.users[m.client.principal.ID][m.client] {
					if h.rooms[m.roomID] == nil {
						h.rooms[m.roomID] = make(map[*Client]bool)
					}
					h.rooms[m.roomID][m.client] = true
				}
			} else if clients, ok := h.rooms[m.roomID]; ok {
				delete(clients, m.client)
				if len(clients) == 0 {
					delete(h.rooms, m.roomID)
				}
			}
			h.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				return bus.ErrClosed
			}
			h.route(ev)
		}
	}
}

// route delivers ev to its audience on this gateway. Message and read
// events reach every connection of the room's participants; typing and
// membership events reach other connections joined to the room.
func (h *Hub) route(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	var targets []*Client
	h.mu.RLock()
	switch ev.Type {
	case model.EventMessageAdded, model.EventMessageDeleted, model.EventReadReceipt:
		for _, p := range ev.Participants {
			for c := range h.users[p] {
				if c.principal.TenantID == ev.TenantID {
					targets = append(targets, c)
				}
			}
		}
	case model.EventUserTyping, model.EventJoinedRoom, model.EventLeftRoom:
		for c := range h.rooms[ev.RoomID] {
			if c.principal.TenantID == ev.TenantID && c.principal.ID != ev.PrincipalID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.log.Warn().Str("principal", c.principal.ID).Msg("dropping slow client")
			h.remove(c)
		}
	}
}

// remove forgets client and closes its send channel. It is a no-op for a
// client already removed.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	clients, ok := h.users[client.principal.ID]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.users, client.principal.ID)
	}
	for roomID, members := range h.rooms {
		if members[client] {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()

	client.close()
	metrics.GatewayConnections.Dec()
	h.log.Info().Str("principal", client.principal.ID).Msg("client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Client
	for _, clients := range h.users {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

// The helpers below never block once Run has returned.

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) setMembership(c *Client, roomID string, join bool) {
	select {
	case h.membership <- membership{client: c, roomID: roomID, join: join}:
	case <-h.done:
	}
}

func (h *Hub) publish(ctx context.Context, ev model.Event) {
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}

// Connections returns the number of live connections for principalID.
func (h *Hub) Connections(principalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[principalID])
}

// Members returns the number of connections joined to roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

const opTimeout = 5 * time.Second
