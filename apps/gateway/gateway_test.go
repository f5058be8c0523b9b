package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/chat"
	"github.com/mahaj/schoolchat/pkg/directory"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/presence"
	"github.com/mahaj/schoolchat/pkg/rooms"
	"github.com/mahaj/schoolchat/pkg/snowflake"
	"github.com/mahaj/schoolchat/pkg/store/sqlstore"
)

var (
	teacher  = model.Principal{ID: "u-teacher", TenantID: "t1", Role: model.RoleStaff}
	student  = model.Principal{ID: "u-stu", TenantID: "t1", Role: model.RoleStudent}
	outsider = model.Principal{ID: "u-other", TenantID: "t1", Role: model.RoleStudent}
)

type env struct {
	hub      *Hub
	srv      *httptest.Server
	signer   *auth.Signer
	presence *presence.Redis
	chat     *chat.Service
	room     *model.Room
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := sqlstore.OpenMemory(ctx, "gateway-"+t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pres := presence.NewRedis(client, presence.DefaultOptions())

	b := bus.NewInProc(64)
	t.Cleanup(func() { b.Close() })

	resolver := rooms.NewResolver(st)
	room, err := resolver.Resolve(ctx, "t1", model.KindDirect,
		rooms.Participant{PrincipalID: teacher.ID, Role: teacher.Role},
		rooms.Participant{PrincipalID: student.ID, Role: student.Role})
	if err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(2)
	svc := chat.NewService(chat.Deps{
		Store:     st,
		Rooms:     resolver,
		Ephemeral: pres,
		Bus:       b,
		Directory: directory.NewStatic(directory.Seed{Tenants: []directory.TenantSeed{{
			ID:       "t1",
			Staff:    []directory.PersonSeed{{ID: "staff-1", Principal: teacher.ID}},
			Students: []directory.PersonSeed{{ID: "stu-1", Principal: student.ID}, {ID: "stu-2", Principal: outsider.ID}},
		}}}),
		IDs:    node,
		Logger: zerolog.Nop(),
	}, chat.DefaultOptions())

	hub := NewHub(b, pres, st, zerolog.Nop())
	go hub.Run(ctx)

	signer := auth.NewSigner("test-secret")
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, signer, w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{hub: hub, srv: srv, signer: signer, presence: pres, chat: svc, room: room}
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []model.Event
}

func (e *env) dial(t *testing.T, p model.Principal) *peer {
	t.Helper()
	token, err := e.signer.GenerateToken(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	eventually(t, func() bool { return e.hub.Connections(p.ID) > 0 })
	return &peer{t: t, conn: conn}
}

func (p *peer) sendEvent(in Inbound) {
	p.t.Helper()
	if err := p.conn.WriteJSON(in); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// expect reads events until one of type typ arrives.
func (p *peer) expect(typ model.EventType) model.Event {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for i, ev := range p.pending {
			if ev.Type == typ {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				return ev
			}
		}
		p.conn.SetReadDeadline(deadline)
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", typ, err)
		}
		for _, line := range bytes.Split(data, newline) {
			var ev model.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				p.t.Fatalf("bad frame %q: %v", line, err)
			}
			p.pending = append(p.pending, ev)
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRejectsMissingToken(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestJoinTypingLeave(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.dial(t, teacher)
	b := e.dial(t, student)

	if online, _ := e.presence.IsOnline(ctx, teacher.ID); !online {
		t.Fatal("teacher not online after connect")
	}

	a.sendEvent(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	if ev := a.expect(model.EventJoinedRoom); ev.RoomID != e.room.ID {
		t.Fatalf("join ack = %+v", ev)
	}
	if cur, _ := e.presence.CurrentRoom(ctx, teacher.ID); cur != e.room.ID {
		t.Errorf("current room = %q", cur)
	}

	b.sendEvent(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	b.expect(model.EventJoinedRoom)
	if ev := a.expect(model.EventJoinedRoom); ev.PrincipalID != student.ID {
		t.Fatalf("room notice = %+v", ev)
	}

	b.sendEvent(Inbound{Type: inTyping, RoomID: e.room.ID, IsTyping: true})
	ev := a.expect(model.EventUserTyping)
	if ev.PrincipalID != student.ID || !ev.IsTyping {
		t.Fatalf("typing = %+v", ev)
	}
	users, _ := e.presence.TypingUsers(ctx, e.room.ID)
	if len(users) != 1 || users[0] != student.ID {
		t.Errorf("typing users = %v", users)
	}

	b.sendEvent(Inbound{Type: inLeaveRoom, RoomID: e.room.ID})
	b.expect(model.EventLeftRoom)
	if ev := a.expect(model.EventLeftRoom); ev.PrincipalID != student.ID {
		t.Fatalf("leave notice = %+v", ev)
	}
	users, _ = e.presence.TypingUsers(ctx, e.room.ID)
	if len(users) != 0 {
		t.Errorf("typing users after leave = %v", users)
	}
	eventually(t, func() bool { return e.hub.Members(e.room.ID) == 1 })
}

func TestRejectsForeignRoom(t *testing.T) {
	e := newEnv(t)
	p := e.dial(t, outsider)

	p.sendEvent(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	if ev := p.expect(model.EventError); ev.RoomID != e.room.ID {
		t.Fatalf("error = %+v", ev)
	}
	p.sendEvent(Inbound{Type: inTyping, RoomID: e.room.ID, IsTyping: true})
	p.expect(model.EventError)
	p.sendEvent(Inbound{Type: "shout", RoomID: e.room.ID})
	p.expect(model.EventError)
}

func TestMessagesReachParticipantsWithoutJoin(t *testing.T) {
	e := newEnv(t)
	b := e.dial(t, student)
	o := e.dial(t, outsider)

	msg, err := e.chat.SendDirect(context.Background(), teacher, student.ID, model.RoleStudent, chat.Content{Body: "quiz tomorrow"})
	if err != nil {
		t.Fatal(err)
	}
	ev := b.expect(model.EventMessageAdded)
	if ev.Message == nil || ev.Message.ID != msg.ID {
		t.Fatalf("messageAdded = %+v", ev)
	}

	if _, err := e.chat.MarkRead(context.Background(), student, msg.RoomID); err != nil {
		t.Fatal(err)
	}
	b.expect(model.EventReadReceipt)

	// The outsider gets nothing; an error reply proves the stream is live
	// and holds no message events.
	o.sendEvent(Inbound{Type: inTyping, RoomID: msg.RoomID})
	o.expect(model.EventError)
	for _, ev := range o.pending {
		if ev.Type == model.EventMessageAdded {
			t.Fatal("outsider received a message event")
		}
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.dial(t, teacher)
	a.sendEvent(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	a.expect(model.EventJoinedRoom)

	a.conn.Close()
	eventually(t, func() bool { return e.hub.Connections(teacher.ID) == 0 })

	online, _ := e.presence.IsOnline(ctx, teacher.ID)
	if online {
		t.Error("still online after disconnect")
	}
	if _, ok, _ := e.presence.LastSeen(ctx, teacher.ID); !ok {
		t.Error("last seen not recorded")
	}
	if cur, _ := e.presence.CurrentRoom(ctx, teacher.ID); cur != "" {
		t.Errorf("current room not cleared: %q", cur)
	}
	if n := e.hub.Members(e.room.ID); n != 0 {
		t.Errorf("room still has %d members", n)
	}
}

func TestClientStateMachine(t *testing.T) {
	e := newEnv(t)
	c := newClient(e.hub, nil, teacher)
	if !e.hub.add(c) {
		t.Fatal("hub not running")
	}
	ctx := context.Background()

	if c.State() != StateConnected {
		t.Fatalf("initial state = %s", c.State())
	}
	join, _ := json.Marshal(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	if err := c.handle(ctx, join); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateInRoom {
		t.Fatalf("after join = %s", c.State())
	}
	leave, _ := json.Marshal(Inbound{Type: inLeaveRoom, RoomID: e.room.ID})
	if err := c.handle(ctx, leave); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateConnected {
		t.Fatalf("after leave = %s", c.State())
	}

	c.disconnect(ctx)
	if c.State() != StateDisconnected {
		t.Fatalf("after disconnect = %s", c.State())
	}
	if err := c.handle(ctx, join); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestDroppedClientCannotRejoin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	c := newClient(e.hub, nil, teacher)
	if !e.hub.add(c) {
		t.Fatal("hub not running")
	}
	e.hub.drop(c)

	join, _ := json.Marshal(Inbound{Type: inJoinRoom, RoomID: e.room.ID})
	if err := c.handle(ctx, join); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("join after drop: expected ErrConnectionClosed, got %v", err)
	}

	// A join already queued when the client was dropped is ignored.
	e.hub.setMembership(c, e.room.ID, true)
	other := newClient(e.hub, nil, student)
	if !e.hub.add(other) {
		t.Fatal("hub not running")
	}
	c.disconnect(ctx)

	if n := e.hub.Members(e.room.ID); n != 0 {
		t.Errorf("room holds %d dead clients", n)
	}
	if n := e.hub.Connections(teacher.ID); n != 0 {
		t.Errorf("teacher still has %d connections", n)
	}
}
