package store

import (
	"context"
	"errors"

	"github.com/mahaj/schoolchat/pkg/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a room with the same canonical name
	// already exists in the tenant.
	ErrConflict = errors.New("conflict")
)

// Store is the source of truth for rooms, messages and read flags. Every
// lookup is tenant scoped; a row in another tenant is reported as
// ErrNotFound.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// CreateRoom inserts room. It returns ErrConflict when the
	// (tenant, name) pair is taken.
	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, tenantID, roomID string) (*model.Room, error)
	GetRoomByName(ctx context.Context, tenantID, name string) (*model.Room, error)
	// ListRoomsForPrincipal returns the principal's rooms, most recently
	// updated first.
	ListRoomsForPrincipal(ctx context.Context, tenantID, principalID string) ([]model.Room, error)

	// InsertMessage persists msg and bumps its room's UpdatedAt.
	InsertMessage(ctx context.Context, msg *model.Message) error
	// GetMessage returns the message whether or not it is soft deleted.
	GetMessage(ctx context.Context, tenantID string, id int64) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, tenantID string, id int64) error
	DeleteMessage(ctx context.Context, tenantID string, id int64) error
	// ListMessages returns visible (not deleted) messages newest first.
	ListMessages(ctx context.Context, tenantID, roomID string, limit, offset int) ([]model.Message, error)
	// MarkRoomRead flags every message in the room not sent by reader as
	// read and returns how many changed.
	MarkRoomRead(ctx context.Context, tenantID, roomID, readerID string) (int64, error)
	// CountUnread returns, per room id, the visible unread messages the
	// principal did not send. Rooms with zero are omitted.
	CountUnread(ctx context.Context, tenantID, principalID string) (map[string]int64, error)
}
