// Package rooms maps a pair of participants onto their single shared room.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/store"
)

var ErrInvalidParticipants = errors.New("a room needs two distinct participants")

type Participant struct {
	PrincipalID string
	Role        model.Role
}

func (p Participant) slug() string {
	return p.Role.Slug() + "-" + p.PrincipalID
}

// less orders participants by principal id, then role.
func less(a, b Participant) bool {
	if a.PrincipalID != b.PrincipalID {
		return a.PrincipalID < b.PrincipalID
	}
	return a.Role < b.Role
}

// CanonicalName is the tenant-unique name of the room shared by a and b.
// It does not depend on argument order.
func CanonicalName(kind model.RoomKind, a, b Participant) string {
	if less(b, a) {
		a, b = b, a
	}
	return strings.Join([]string{string(kind), a.slug(), b.slug()}, ":")
}

// DefaultLabel renders "<Role> / <Role>" in canonical order.
func DefaultLabel(a, b Participant) string {
	if less(b, a) {
		a, b = b, a
	}
	return a.Role.Label() + " / " + b.Role.Label()
}

type roomStore interface {
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoomByName(ctx context.Context, tenantID, name string) (*model.Room, error)
}

// Resolver finds or creates rooms. Creation relies on the store's
// uniqueness of (tenant, name), so concurrent resolutions of the same
// pair agree on one room.
type Resolver struct {
	store roomStore
	now   func() time.Time
}

func NewResolver(s roomStore) *Resolver {
	return &Resolver{store: s, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, tenantID string, kind model.RoomKind, a, b Participant) (*model.Room, error) {
	if a.PrincipalID == "" || b.PrincipalID == "" || a.PrincipalID == b.PrincipalID {
		return nil, ErrInvalidParticipants
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown room kind %q", kind)
	}
	name := CanonicalName(kind, a, b)

	room, err := r.store.GetRoomByName(ctx, tenantID, name)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup room: %w", err)
	}

	if less(b, a) {
		a, b = b, a
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	room = &model.Room{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Label:        DefaultLabel(a, b),
		Kind:         kind,
		Participants: []string{a.PrincipalID, b.PrincipalID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = r.store.CreateRoom(ctx, room)
	switch {
	case err == nil:
		return room, nil
	case errors.Is(err, store.ErrConflict):
		// Lost the race; the winner's row is the room.
		winner, err := r.store.GetRoomByName(ctx, tenantID, name)
		if err != nil {
			return nil, fmt.Errorf("reread room: %w", err)
		}
		return winner, nil
	default:
		return nil, fmt.Errorf("create room: %w", err)
	}
}
