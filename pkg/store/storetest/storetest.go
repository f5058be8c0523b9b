// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/store"
)

// Factory returns an empty store. Each call must be isolated from others.
type Factory func(t *testing.T) store.Store

var nextID atomic.Int64

func init() {
	nextID.Store(time.Now().UnixNano())
}

func newRoom(tenant, name string, participants ...string) *model.Room {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Room{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		Name:         name,
		Label:        "Staff / Student",
		Kind:         model.KindDirect,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newMessage(room *model.Room, sender, body string, at time.Time) *model.Message {
	return &model.Message{
		ID:         nextID.Add(1),
		TenantID:   room.TenantID,
		RoomID:     room.ID,
		SenderID:   sender,
		SenderRole: model.RoleStaff,
		Body:       body,
		CreatedAt:  at.UTC().Truncate(time.Millisecond),
	}
}

// Run executes the suite against stores built by f.
func Run(t *testing.T, f Factory) {
	t.Run("RoomRoundTrip", func(t *testing.T) { testRoomRoundTrip(t, f(t)) })
	t.Run("RoomNameUnique", func(t *testing.T) { testRoomNameUnique(t, f(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, f(t)) })
	t.Run("ConflictLeavesNoTrace", func(t *testing.T) { testConflictLeavesNoTrace(t, f(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, f(t)) })
	t.Run("MessageOrdering", func(t *testing.T) { testMessageOrdering(t, f(t)) })
	t.Run("Deletes", func(t *testing.T) { testDeletes(t, f(t)) })
	t.Run("MarkReadAndCount", func(t *testing.T) { testMarkReadAndCount(t, f(t)) })
	t.Run("ListRooms", func(t *testing.T) { testListRooms(t, f(t)) })
}

func testRoomRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := newRoom("t1", "direct:staff-a:student-b", "a", "b")
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	got, err := s.GetRoom(ctx, "t1", room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Name != room.Name || got.Kind != model.KindDirect || len(got.Participants) != 2 {
		t.Errorf("GetRoom = %+v", got)
	}
	if !got.CreatedAt.Equal(room.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, room.CreatedAt)
	}

	byName, err := s.GetRoomByName(ctx, "t1", room.Name)
	if err != nil {
		t.Fatalf("GetRoomByName: %v", err)
	}
	if byName.ID != room.ID {
		t.Errorf("GetRoomByName id = %s, want %s", byName.ID, room.ID)
	}

	if _, err := s.GetRoomByName(ctx, "t1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing room: expected ErrNotFound, got %v", err)
	}
}

func testRoomNameUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateRoom(ctx, newRoom("t1", "dup", "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRoom(ctx, newRoom("t1", "dup", "a", "b")); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	// Same name in another tenant is a different room.
	if err := s.CreateRoom(ctx, newRoom("t2", "dup", "a", "b")); err != nil {
		t.Errorf("other tenant: %v", err)
	}
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room := newRoom("t1", "race", "a", "b")
			err := s.CreateRoom(ctx, room)
			switch {
			case err == nil:
				created.Add(1)
				ids[i] = room.ID
			case errors.Is(err, store.ErrConflict):
				conflicts.Add(1)
				// A loser must see the winner straight away.
				winner, err := s.GetRoomByName(ctx, "t1", "race")
				if err != nil {
					t.Errorf("GetRoomByName after conflict: %v", err)
					return
				}
				ids[i] = winner.ID
			default:
				t.Errorf("CreateRoom: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 || conflicts.Load() != workers-1 {
		t.Errorf("created=%d conflicts=%d, want 1/%d", created.Load(), conflicts.Load(), workers-1)
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("worker %d saw room %s, worker 0 saw %s", i, id, ids[0])
		}
	}
}

func testConflictLeavesNoTrace(t *testing.T, s store.Store) {
	ctx := context.Background()
	winner := newRoom("t1", "pair", "a", "b")
	if err := s.CreateRoom(ctx, winner); err != nil {
		t.Fatal(err)
	}
	loser := newRoom("t1", "pair", "a", "b")
	if err := s.CreateRoom(ctx, loser); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetRoomByName(ctx, "t1", "pair")
	if err != nil {
		t.Fatalf("GetRoomByName: %v", err)
	}
	if got.ID != winner.ID {
		t.Errorf("name resolves to %s, want %s", got.ID, winner.ID)
	}
	if _, err := s.GetRoom(ctx, "t1", loser.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("losing room still stored: %v", err)
	}
	rooms, err := s.ListRoomsForPrincipal(ctx, "t1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 {
		t.Errorf("principal lists %d rooms, want 1", len(rooms))
	}
}

func testTenantIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := newRoom("t1", "iso", "a", "b")
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	msg := newMessage(room, "a", "hello", time.Now())
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetRoom(ctx, "t2", room.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRoom other tenant: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetMessage(ctx, "t2", msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage other tenant: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteMessage(ctx, "t2", msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteMessage other tenant: expected ErrNotFound, got %v", err)
	}
}

func testMessageOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := newRoom("t1", "order", "a", "b")
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	var ids []int64
	for i := 0; i < 5; i++ {
		// Messages 2 and 3 share a timestamp; id breaks the tie.
		at := base.Add(time.Duration(i) * time.Second)
		if i == 3 {
			at = base.Add(2 * time.Second)
		}
		m := newMessage(room, "a", fmt.Sprintf("m%d", i), at)
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	got, err := s.ListMessages(ctx, "t1", room.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{ids[4], ids[3], ids[2], ids[1], ids[0]}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: id %d, want %d", i, got[i].ID, want[i])
		}
	}

	page, err := s.ListMessages(ctx, "t1", room.ID, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("page = %+v", page)
	}

	updated, err := s.GetRoom(ctx, "t1", room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.UpdatedAt.Before(base.Add(4 * time.Second).Truncate(time.Millisecond)) {
		t.Errorf("room UpdatedAt not bumped: %v", updated.UpdatedAt)
	}
}

func testDeletes(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := newRoom("t1", "del", "a", "b")
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	soft := newMessage(room, "a", "soft", time.Now())
	hard := newMessage(room, "a", "hard", time.Now())
	for _, m := range []*model.Message{soft, hard} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SoftDeleteMessage(ctx, "t1", soft.ID); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	got, err := s.GetMessage(ctx, "t1", soft.ID)
	if err != nil {
		t.Fatalf("soft deleted row should stay queryable: %v", err)
	}
	if !got.Deleted {
		t.Error("expected deleted=true")
	}

	if err := s.DeleteMessage(ctx, "t1", hard.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.GetMessage(ctx, "t1", hard.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("hard deleted row: expected ErrNotFound, got %v", err)
	}

	visible, err := s.ListMessages(ctx, "t1", room.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Errorf("expected no visible messages, got %d", len(visible))
	}
}

func testMarkReadAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := newRoom("t1", "read", "a", "b")
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, m := range []*model.Message{
		newMessage(room, "a", "1", now),
		newMessage(room, "a", "2", now.Add(time.Millisecond)),
		newMessage(room, "b", "reply", now.Add(2*time.Millisecond)),
	} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.CountUnread(ctx, "t1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if counts[room.ID] != 2 {
		t.Errorf("unread for b = %d, want 2", counts[room.ID])
	}

	n, err := s.MarkRoomRead(ctx, "t1", room.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("MarkRoomRead changed %d, want 2", n)
	}

	msgs, _ := s.ListMessages(ctx, "t1", room.ID, 10, 0)
	for _, m := range msgs {
		if m.SenderID == "a" && !m.Read {
			t.Errorf("message %d from a not read", m.ID)
		}
		if m.SenderID == "b" && m.Read {
			t.Errorf("b's own message %d marked read", m.ID)
		}
	}

	counts, _ = s.CountUnread(ctx, "t1", "b")
	if counts[room.ID] != 0 {
		t.Errorf("unread after mark = %d", counts[room.ID])
	}
	counts, _ = s.CountUnread(ctx, "t1", "a")
	if counts[room.ID] != 1 {
		t.Errorf("unread for a = %d, want 1", counts[room.ID])
	}
}

func testListRooms(t *testing.T, s store.Store) {
	ctx := context.Background()
	older := newRoom("t1", "r-older", "a", "b")
	newer := newRoom("t1", "r-newer", "a", "c")
	other := newRoom("t1", "r-other", "b", "c")
	for _, r := range []*model.Room{older, newer, other} {
		if err := s.CreateRoom(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertMessage(ctx, newMessage(newer, "a", "bump", time.Now().Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.ListRoomsForPrincipal(ctx, "t1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if rooms[0].ID != newer.ID {
		t.Errorf("most recently updated room should come first, got %s", rooms[0].Name)
	}
	for _, r := range rooms {
		if !r.HasParticipant("a") || len(r.Participants) != 2 {
			t.Errorf("room %s participants = %v", r.Name, r.Participants)
		}
	}
}
