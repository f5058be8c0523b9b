package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/mahaj/schoolchat/pkg/model"
)

func TestBroadcastToGrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// g1 has three active students; g2 only an inactive one.
	res, err := f.svc.Broadcast(ctx, teacher, Audience{Kind: AudienceStudentsInGrades, GradeLevelIDs: []string{"g1", "g2"}}, Content{Subject: "Trip", Body: "Bring lunch"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 3 || len(res.Failures) != 0 {
		t.Fatalf("got %d messages, %d failures; want 3, 0", len(res.Messages), len(res.Failures))
	}
	seen := map[string]bool{}
	for _, m := range res.Messages {
		if m.Room == nil || m.Room.Kind != model.KindBroadcast {
			t.Fatalf("message %d not in a broadcast room", m.ID)
		}
		if seen[m.RoomID] {
			t.Fatalf("room %s used twice", m.RoomID)
		}
		seen[m.RoomID] = true
	}

	// The direct room between the same pair stays separate.
	direct := f.send(t, teacher, studentA.ID, model.RoleStudent, "see me after class")
	if seen[direct.RoomID] {
		t.Error("direct message landed in a broadcast room")
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four active students, one without a linked account.
	res, err := f.svc.Broadcast(ctx, teacher, Audience{Kind: AudienceAllStudents}, Content{Body: "School closed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(res.Messages))
	}
	if len(res.Failures) != 1 || res.Failures[0].RecipientID != "stu-nologin" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if !errors.Is(res.Failures[0].Err, errNoLogin) {
		t.Errorf("failure reason = %v", res.Failures[0].Err)
	}

	if got := f.unread(t, studentA); got != 1 {
		t.Errorf("recipient unread = %d, want 1", got)
	}
}

func TestBroadcastDedupesPrincipals(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Broadcast(context.Background(), teacher, Audience{Kind: AudienceAllParents}, Content{Body: "Parents evening"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(res.Messages))
	}
	if res.Messages[0].RoomID == res.Messages[1].RoomID {
		t.Error("two parents share a room")
	}
}

func TestBroadcastRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Broadcast(ctx, teacher, Audience{Kind: AudienceStudentsInGrades, GradeLevelIDs: []string{"g9"}}, Content{Body: "anyone?"})
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty audience: expected ErrBadRequest, got %v", err)
	}
	_, err = f.svc.Broadcast(ctx, teacher, Audience{Kind: AudienceParentsInGrades}, Content{Body: "anyone?"})
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("missing grades: expected ErrBadRequest, got %v", err)
	}
	_, err = f.svc.Broadcast(ctx, teacher, Audience{Kind: AudienceAllStudents}, Content{Body: " "})
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty body: expected ErrBadRequest, got %v", err)
	}
	_, err = f.svc.Broadcast(ctx, parentA, Audience{Kind: AudienceAllParents}, Content{Body: "hello all"})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("parent broadcast: expected ErrForbidden, got %v", err)
	}

	convs, err := f.svc.Conversations(ctx, teacher)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("rejected broadcasts created %d rooms", len(convs))
	}
}

func TestBroadcastParentsInGrades(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Broadcast(context.Background(), teacher, Audience{Kind: AudienceParentsInGrades, GradeLevelIDs: []string{"g1"}}, Content{Body: "Report cards"})
	if err != nil {
		t.Fatal(err)
	}
	// par-a and par-a2 share a login, par-b is separate.
	if len(res.Messages) != 2 || len(res.Failures) != 0 {
		t.Errorf("got %d messages, %d failures", len(res.Messages), len(res.Failures))
	}
}
