package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/schoolchat/pkg/model"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	opts := DefaultOptions()
	opts.RecentSize = 5
	return NewRedis(client, opts), mr
}

func TestPresenceLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if online, _ := s.IsOnline(ctx, "u1"); online {
		t.Fatal("unknown principal reported online")
	}

	// Two connections: one disconnect keeps the principal online.
	for i := 0; i < 2; i++ {
		if err := s.SetOnline(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetOffline(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if online, _ := s.IsOnline(ctx, "u1"); !online {
		t.Error("principal with a remaining connection should be online")
	}

	if err := s.SetOffline(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if online, _ := s.IsOnline(ctx, "u1"); online {
		t.Error("principal should be offline after last disconnect")
	}

	seen, ok, err := s.LastSeen(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("LastSeen: ok=%v err=%v", ok, err)
	}
	if !seen.Equal(fixed) {
		t.Errorf("LastSeen = %v, want %v", seen, fixed)
	}
}

func TestLastSeenRetention(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	s.SetOnline(ctx, "u1")
	s.SetOffline(ctx, "u1")

	mr.FastForward(s.opts.LastSeenRetention + time.Second)
	if _, ok, _ := s.LastSeen(ctx, "u1"); ok {
		t.Error("last-seen should expire after the retention window")
	}
}

func TestOnlineLeaseExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	s.SetOnline(ctx, "u1")

	mr.FastForward(s.opts.OnlineLease / 2)
	s.Touch(ctx, "u1")
	mr.FastForward(s.opts.OnlineLease / 2)
	if online, _ := s.IsOnline(ctx, "u1"); !online {
		t.Error("touched lease should still be valid")
	}

	mr.FastForward(s.opts.OnlineLease + time.Second)
	if online, _ := s.IsOnline(ctx, "u1"); online {
		t.Error("lease should lapse without a heartbeat")
	}
}

func TestOnlineAmong(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.SetOnline(ctx, "a")

	got, err := s.OnlineAmong(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !got["a"] || got["b"] {
		t.Errorf("OnlineAmong = %v", got)
	}
}

func TestCurrentRoomPointer(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetCurrentRoom(ctx, "u1", "r1")
	s.SetCurrentRoom(ctx, "u1", "r2")
	// Leaving r1 must not clear the newer r2 pointer.
	s.ClearCurrentRoom(ctx, "u1", "r1")
	if room, _ := s.CurrentRoom(ctx, "u1"); room != "r2" {
		t.Errorf("CurrentRoom = %q, want r2", room)
	}
	s.ClearCurrentRoom(ctx, "u1", "r2")
	if room, _ := s.CurrentRoom(ctx, "u1"); room != "" {
		t.Errorf("CurrentRoom = %q, want empty", room)
	}
}

func TestUnreadCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Unseeded counters skip increments.
	if err := s.IncrementUnread(ctx, "u1", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, seeded, _ := s.UnreadCounts(ctx, "u1"); seeded {
		t.Fatal("increment must not create the counter hash")
	}

	if err := s.SeedUnread(ctx, "u1", map[string]int64{"r1": 2}); err != nil {
		t.Fatal(err)
	}
	// A second seed loses to the first.
	s.SeedUnread(ctx, "u1", map[string]int64{"r1": 40})

	s.IncrementUnread(ctx, "u1", "r1")
	s.IncrementUnread(ctx, "u1", "r2")

	counts, seeded, err := s.UnreadCounts(ctx, "u1")
	if err != nil || !seeded {
		t.Fatalf("UnreadCounts: seeded=%v err=%v", seeded, err)
	}
	if counts["r1"] != 3 || counts["r2"] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v", counts)
	}

	s.ClearUnread(ctx, "u1", "r1")
	n, seeded, _ := s.GetUnread(ctx, "u1", "r1")
	if n != 0 || !seeded {
		t.Errorf("after clear: n=%d seeded=%v", n, seeded)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.SeedUnread(ctx, "u1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementUnread(ctx, "u1", "r1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	n, _, _ := s.GetUnread(ctx, "u1", "r1")
	if n != 50 {
		t.Errorf("unread = %d, want 50", n)
	}
}

func TestRecentMessagesBounded(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		msg := model.Message{ID: int64(i), RoomID: "r1", Body: fmt.Sprintf("m%d", i)}
		if err := s.PushRecentMessage(ctx, "r1", msg); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentMessages(ctx, "r1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("cache holds %d messages, want 5", len(got))
	}
	if got[0].ID != 7 || got[4].ID != 3 {
		t.Errorf("cache order = %d..%d, want 7..3", got[0].ID, got[4].ID)
	}

	if err := s.RemoveRecentMessage(ctx, "r1", 5); err != nil {
		t.Fatal(err)
	}
	got, _ = s.RecentMessages(ctx, "r1", 100)
	for _, m := range got {
		if m.ID == 5 {
			t.Error("removed message still cached")
		}
	}

	mr.FastForward(s.opts.RecentTTL + time.Second)
	got, _ = s.RecentMessages(ctx, "r1", 100)
	if len(got) != 0 {
		t.Errorf("cache should expire, still has %d", len(got))
	}
}

func TestCorruptRecentEntryDropsCache(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.PushRecentMessage(ctx, "r1", model.Message{ID: 1, RoomID: "r1", Body: "ok"}); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.Lpush(recentKey("r1"), "{not json"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RecentMessages(ctx, "r1", 10); !errors.Is(err, ErrCacheCorrupt) {
		t.Fatalf("expected ErrCacheCorrupt, got %v", err)
	}
	if mr.Exists(recentKey("r1")) {
		t.Error("corrupt cache left in place")
	}
	got, err := s.RecentMessages(ctx, "r1", 10)
	if err != nil || len(got) != 0 {
		t.Errorf("after drop: %v, %v", got, err)
	}
}

func TestTypingExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	s.SetTyping(ctx, "r1", "a")
	s.SetTyping(ctx, "r1", "b")

	users, err := s.TypingUsers(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("typing = %v", users)
	}

	mr.FastForward(20 * time.Second)
	s.SetTyping(ctx, "r1", "b") // refresh
	mr.FastForward(15 * time.Second)

	users, _ = s.TypingUsers(ctx, "r1")
	if len(users) != 1 || users[0] != "b" {
		t.Errorf("after TTL without refresh: typing = %v, want [b]", users)
	}

	s.ClearTyping(ctx, "r1", "b")
	users, _ = s.TypingUsers(ctx, "r1")
	if len(users) != 0 {
		t.Errorf("after clear: typing = %v", users)
	}
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	err := s.SetOnline(context.Background(), "u1")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
