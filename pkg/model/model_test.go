package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"STAFF":    RoleStaff,
		"teacher":  RoleStaff,
		" Parent ": RoleParent,
		"student":  RoleStudent,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseRole(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseRole("janitor"); err != ErrUnknownRole {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: 1, CreatedAt: base},
		{ID: 3, CreatedAt: base.Add(time.Second)},
		{ID: 2, CreatedAt: base},
	}
	SortNewestFirst(msgs)
	want := []int64{3, 2, 1}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("position %d: got id %d, want %d", i, m.ID, want[i])
		}
	}
}

func TestRoomHasParticipant(t *testing.T) {
	r := Room{Participants: []string{"a", "b"}}
	if !r.HasParticipant("a") || r.HasParticipant("c") {
		t.Fatal("HasParticipant mismatch")
	}
}

func TestMessageWithoutRoleDecodes(t *testing.T) {
	data, err := json.Marshal(Message{ID: 42, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if got.ID != 42 || got.SenderRole != "" {
		t.Errorf("decoded %+v", got)
	}

	var p Principal
	if err := json.Unmarshal([]byte(`{"role":"janitor"}`), &p); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}
