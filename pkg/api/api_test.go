package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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
	teacher = model.Principal{ID: "u-teacher", TenantID: "t1", Role: model.RoleStaff}
	student = model.Principal{ID: "u-stu", TenantID: "t1", Role: model.RoleStudent}
	parent  = model.Principal{ID: "u-par", TenantID: "t1", Role: model.RoleParent}
)

type testServer struct {
	srv      *httptest.Server
	signer   *auth.Signer
	presence *presence.Redis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.OpenMemory(ctx, "api-"+t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pres := presence.NewRedis(client, presence.DefaultOptions())

	b := bus.NewInProc(16)
	t.Cleanup(func() { b.Close() })
	node, _ := snowflake.NewNode(1)

	dir := directory.NewStatic(directory.Seed{Tenants: []directory.TenantSeed{{
		ID:       "t1",
		Staff:    []directory.PersonSeed{{ID: "staff-1", Principal: "u-teacher"}},
		Students: []directory.PersonSeed{{ID: "stu-1", Principal: "u-stu", Grade: "g1"}},
		Parents:  []directory.PersonSeed{{ID: "par-1", Principal: "u-par"}},
	}}})

	svc := chat.NewService(chat.Deps{
		Store:     st,
		Rooms:     rooms.NewResolver(st),
		Ephemeral: pres,
		Bus:       b,
		Directory: dir,
		IDs:       node,
		Logger:    zerolog.Nop(),
	}, chat.DefaultOptions())

	signer := auth.NewSigner("test-secret")
	h := NewHandler(svc, pres, st, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h, signer, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, signer: signer, presence: pres}
}

func (ts *testServer) do(t *testing.T, as *model.Principal, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if as != nil {
		token, err := ts.signer.GenerateToken(*as, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	raw := new(bytes.Buffer)
	raw.ReadFrom(resp.Body)
	if strings.HasPrefix(strings.TrimSpace(raw.String()), "{") {
		json.Unmarshal(raw.Bytes(), &out)
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, nil, http.MethodGet, "/health", nil)
	if status != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", status, body)
	}
}

func TestRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, nil, http.MethodGet, "/unread", nil)
	if status != http.StatusUnauthorized || body["code"] != "unauthorized" {
		t.Fatalf("got %d %v", status, body)
	}
}

func TestSendHistoryRead(t *testing.T) {
	ts := newTestServer(t)

	status, msg := ts.do(t, &teacher, http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId":   "u-stu",
		"recipientRole": "STUDENT",
		"subject":       "Homework",
		"body":          "Chapter 4, questions 1-5",
	})
	if status != http.StatusCreated {
		t.Fatalf("send = %d %v", status, msg)
	}
	roomID, _ := msg["roomId"].(string)
	if roomID == "" {
		t.Fatalf("no room id in %v", msg)
	}

	status, hist := ts.do(t, &student, http.MethodGet, "/rooms/"+roomID+"/messages?limit=10", nil)
	if status != http.StatusOK {
		t.Fatalf("history = %d %v", status, hist)
	}
	if msgs, _ := hist["messages"].([]interface{}); len(msgs) != 1 {
		t.Fatalf("history messages = %v", hist["messages"])
	}

	_, unread := ts.do(t, &student, http.MethodGet, "/unread", nil)
	if unread["total"] != float64(1) {
		t.Fatalf("unread = %v", unread)
	}

	if status, _ := ts.do(t, &student, http.MethodPost, "/rooms/"+roomID+"/read", nil); status != http.StatusOK {
		t.Fatalf("read = %d", status)
	}
	_, unread = ts.do(t, &student, http.MethodGet, "/unread", nil)
	if unread["total"] != float64(0) {
		t.Fatalf("unread after read = %v", unread)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, &teacher, http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId": "u-par", "recipientRole": "PARENT", "body": "hello",
	})
	if status != http.StatusForbidden || body["code"] != "relationship_not_authorized" {
		t.Errorf("unlinked parent: %d %v", status, body)
	}

	status, body = ts.do(t, &teacher, http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId": "u-ghost", "recipientRole": "STUDENT", "body": "hello",
	})
	if status != http.StatusNotFound || body["code"] != "not_found" {
		t.Errorf("unknown recipient: %d %v", status, body)
	}

	status, _ = ts.do(t, &teacher, http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId": "u-stu", "recipientRole": "JANITOR", "body": "hello",
	})
	if status != http.StatusBadRequest {
		t.Errorf("bad role: %d", status)
	}

	status, body = ts.do(t, &teacher, http.MethodPost, "/broadcasts", map[string]interface{}{
		"audience": "studentsInGrades", "gradeLevelIds": []string{"g42"}, "body": "hello",
	})
	if status != http.StatusBadRequest || body["code"] != "bad_request" {
		t.Errorf("empty audience: %d %v", status, body)
	}

	status, body = ts.do(t, &student, http.MethodPost, "/broadcasts", map[string]interface{}{
		"audience": "allStudents", "body": "hello",
	})
	if status != http.StatusForbidden || body["code"] != "forbidden" {
		t.Errorf("student broadcast: %d %v", status, body)
	}

	if status, _ := ts.do(t, &teacher, http.MethodDelete, "/messages/not-a-number", nil); status != http.StatusBadRequest {
		t.Errorf("bad message id: %d", status)
	}
	if status, _ := ts.do(t, &teacher, http.MethodGet, "/rooms/nope/messages", nil); status != http.StatusNotFound {
		t.Errorf("unknown room: %d", status)
	}
}

func TestDeleteAndPresence(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, msg := ts.do(t, &teacher, http.MethodPost, "/rooms/direct/messages", map[string]string{
		"recipientId": "u-stu", "recipientRole": "STUDENT", "body": "see you tomorrow",
	})
	id, _ := msg["id"].(string)
	roomID, _ := msg["roomId"].(string)

	status, body := ts.do(t, &student, http.MethodDelete, "/messages/"+id, nil)
	if status != http.StatusForbidden || body["code"] != "forbidden" {
		t.Fatalf("non-sender delete: %d %v", status, body)
	}
	status, body = ts.do(t, &teacher, http.MethodDelete, fmt.Sprintf("/messages/%s?hard=true", id), nil)
	if status != http.StatusOK || body["deleted"] != true {
		t.Fatalf("hard delete: %d %v", status, body)
	}

	if err := ts.presence.SetOnline(ctx, "u-stu"); err != nil {
		t.Fatal(err)
	}
	if err := ts.presence.SetTyping(ctx, roomID, "u-stu"); err != nil {
		t.Fatal(err)
	}
	status, body = ts.do(t, &teacher, http.MethodGet, "/rooms/"+roomID+"/presence", nil)
	if status != http.StatusOK {
		t.Fatalf("room presence: %d %v", status, body)
	}
	online, _ := body["online"].([]interface{})
	typing, _ := body["typing"].([]interface{})
	if len(online) != 1 || online[0] != "u-stu" || len(typing) != 1 {
		t.Errorf("room presence = %v", body)
	}

	status, _ = ts.do(t, &parent, http.MethodGet, "/rooms/"+roomID+"/presence", nil)
	if status != http.StatusForbidden {
		t.Errorf("non-participant presence: %d", status)
	}

	if err := ts.presence.SetOffline(ctx, "u-stu"); err != nil {
		t.Fatal(err)
	}
	_, body = ts.do(t, &teacher, http.MethodGet, "/users/u-stu/presence", nil)
	if body["online"] != false || body["lastSeen"] == nil {
		t.Errorf("user presence = %v", body)
	}
}
