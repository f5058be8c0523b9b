// Package scylla stores rooms and messages in ScyllaDB. Messages cluster
// by snowflake id, whose embedded timestamp is the creation time, so id
// order is creation order.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/schoolchat/pkg/db"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/store"
)

type Store struct {
	session *db.Session
}

var _ store.Store = (*Store)(nil)

func New(session *db.Session) *Store {
	return &Store{session: session}
}

// Migrate creates the tables in the session's keyspace.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes every table.
func (s *Store) Drop(ctx context.Context) error {
	for _, t := range tables {
		if err := s.session.Query("DROP TABLE IF EXISTS " + t).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Truncate empties every table; used between test runs.
func (s *Store) Truncate(ctx context.Context) error {
	for _, t := range tables {
		if err := s.session.Query("TRUNCATE " + t).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return store.ErrNotFound
	}
	return err
}

// CreateRoom writes the room row first and then claims its name, so a
// name that resolves always has a row behind it. The loser of the claim
// deletes its row again.
func (s *Store) CreateRoom(ctx context.Context, room *model.Room) error {
	defer observe("create_room", time.Now())

	if err := s.session.Query(`
		INSERT INTO rooms (tenant_id, id, name, label, kind, participants, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, room.TenantID, room.ID, room.Name, room.Label, string(room.Kind), room.Participants,
		room.CreatedAt, room.UpdatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("write room: %w", err)
	}

	applied, err := s.session.Query(`
		INSERT INTO rooms_by_name (tenant_id, name, room_id) VALUES (?, ?, ?) IF NOT EXISTS
	`, room.TenantID, room.Name, room.ID).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("claim room name: %w", err)
	}
	if !applied {
		if err := s.session.Query(`DELETE FROM rooms WHERE tenant_id = ? AND id = ?`,
			room.TenantID, room.ID).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("discard losing room: %w", err)
		}
		return store.ErrConflict
	}

	// InsertMessage upserts these rows too, so a crash here heals on the
	// room's next message.
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, p := range room.Participants {
		batch.Query(`
			INSERT INTO rooms_by_principal (tenant_id, principal_id, room_id, updated_at) VALUES (?, ?, ?, ?)
		`, room.TenantID, p, room.ID, room.UpdatedAt)
	}
	return s.session.ExecuteBatch(batch)
}

func (s *Store) GetRoom(ctx context.Context, tenantID, roomID string) (*model.Room, error) {
	defer observe("get_room", time.Now())

	r := model.Room{TenantID: tenantID, ID: roomID}
	var kind string
	err := s.session.Query(`
		SELECT name, label, kind, participants, created_at, updated_at FROM rooms WHERE tenant_id = ? AND id = ?
	`, tenantID, roomID).WithContext(ctx).Scan(&r.Name, &r.Label, &kind, &r.Participants, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Kind = model.RoomKind(kind)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	sort.Strings(r.Participants)
	return &r, nil
}

func (s *Store) GetRoomByName(ctx context.Context, tenantID, name string) (*model.Room, error) {
	var roomID string
	err := s.session.Query(`
		SELECT room_id FROM rooms_by_name WHERE tenant_id = ? AND name = ?
	`, tenantID, name).WithContext(ctx).Scan(&roomID)
	if err != nil {
		return nil, notFound(err)
	}
	return s.GetRoom(ctx, tenantID, roomID)
}

func (s *Store) ListRoomsForPrincipal(ctx context.Context, tenantID, principalID string) ([]model.Room, error) {
	defer observe("list_rooms", time.Now())

	iter := s.session.Query(`
		SELECT room_id FROM rooms_by_principal WHERE tenant_id = ? AND principal_id = ?
	`, tenantID, principalID).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	rooms := make([]model.Room, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRoom(ctx, tenantID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) error {
	defer observe("insert_message", time.Now())

	room, err := s.GetRoom(ctx, msg.TenantID, msg.RoomID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
		INSERT INTO messages (tenant_id, room_id, id, sender_id, sender_role, subject, body, attachment_url, is_read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.TenantID, msg.RoomID, msg.ID, msg.SenderID, string(msg.SenderRole), msg.Subject, msg.Body,
		msg.AttachmentURL, msg.Read, msg.Deleted, msg.CreatedAt)
	batch.Query(`INSERT INTO messages_by_id (tenant_id, id, room_id) VALUES (?, ?, ?)`, msg.TenantID, msg.ID, msg.RoomID)
	if msg.CreatedAt.After(room.UpdatedAt) {
		batch.Query(`UPDATE rooms SET updated_at = ? WHERE tenant_id = ? AND id = ?`, msg.CreatedAt, msg.TenantID, msg.RoomID)
		for _, p := range room.Participants {
			batch.Query(`UPDATE rooms_by_principal SET updated_at = ? WHERE tenant_id = ? AND principal_id = ? AND room_id = ?`,
				msg.CreatedAt, msg.TenantID, p, msg.RoomID)
		}
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) roomOf(ctx context.Context, tenantID string, id int64) (string, error) {
	var roomID string
	err := s.session.Query(`SELECT room_id FROM messages_by_id WHERE tenant_id = ? AND id = ?`, tenantID, id).
		WithContext(ctx).Scan(&roomID)
	return roomID, notFound(err)
}

const messageColumns = `id, sender_id, sender_role, subject, body, attachment_url, is_read, deleted, created_at`

func scanInto(m *model.Message, role *string) []interface{} {
	return []interface{}{&m.ID, &m.SenderID, role, &m.Subject, &m.Body, &m.AttachmentURL, &m.Read, &m.Deleted, &m.CreatedAt}
}

func (s *Store) GetMessage(ctx context.Context, tenantID string, id int64) (*model.Message, error) {
	defer observe("get_message", time.Now())

	roomID, err := s.roomOf(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	m := model.Message{TenantID: tenantID, RoomID: roomID}
	var role string
	err = s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND room_id = ? AND id = ?`,
		tenantID, roomID, id).WithContext(ctx).Scan(scanInto(&m, &role)...)
	if err != nil {
		return nil, notFound(err)
	}
	m.SenderRole = model.Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, tenantID string, id int64) error {
	defer observe("soft_delete", time.Now())

	roomID, err := s.roomOf(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return s.session.Query(`UPDATE messages SET deleted = true WHERE tenant_id = ? AND room_id = ? AND id = ?`,
		tenantID, roomID, id).WithContext(ctx).Exec()
}

func (s *Store) DeleteMessage(ctx context.Context, tenantID string, id int64) error {
	defer observe("hard_delete", time.Now())

	roomID, err := s.roomOf(ctx, tenantID, id)
	if err != nil {
		return err
	}
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM messages WHERE tenant_id = ? AND room_id = ? AND id = ?`, tenantID, roomID, id)
	batch.Query(`DELETE FROM messages_by_id WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return s.session.ExecuteBatch(batch)
}

// scanRoom walks a room partition newest first and calls fn for every
// row until fn returns false.
func (s *Store) scanRoom(ctx context.Context, tenantID, roomID string, fn func(m model.Message) bool) error {
	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND room_id = ?`,
		tenantID, roomID).WithContext(ctx).PageSize(200).Iter()

	for {
		m := model.Message{TenantID: tenantID, RoomID: roomID}
		var role string
		if !iter.Scan(scanInto(&m, &role)...) {
			break
		}
		m.SenderRole = model.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if !fn(m) {
			break
		}
	}
	return iter.Close()
}

func (s *Store) ListMessages(ctx context.Context, tenantID, roomID string, limit, offset int) ([]model.Message, error) {
	defer observe("list_messages", time.Now())

	msgs := make([]model.Message, 0, limit)
	skipped := 0
	err := s.scanRoom(ctx, tenantID, roomID, func(m model.Message) bool {
		if m.Deleted {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		msgs = append(msgs, m)
		return len(msgs) < limit
	})
	return msgs, err
}

func (s *Store) MarkRoomRead(ctx context.Context, tenantID, roomID, readerID string) (int64, error) {
	defer observe("mark_read", time.Now())

	var ids []int64
	err := s.scanRoom(ctx, tenantID, roomID, func(m model.Message) bool {
		if !m.Read && m.SenderID != readerID {
			ids = append(ids, m.ID)
		}
		return true
	})
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	// Single partition, so an unlogged batch stays atomic per partition.
	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, id := range ids {
		batch.Query(`UPDATE messages SET is_read = true WHERE tenant_id = ? AND room_id = ? AND id = ?`, tenantID, roomID, id)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (s *Store) CountUnread(ctx context.Context, tenantID, principalID string) (map[string]int64, error) {
	defer observe("count_unread", time.Now())

	rooms, err := s.ListRoomsForPrincipal(ctx, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, r := range rooms {
		var n int64
		err := s.scanRoom(ctx, tenantID, r.ID, func(m model.Message) bool {
			if !m.Read && !m.Deleted && m.SenderID != principalID {
				n++
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[r.ID] = n
		}
	}
	return counts, nil
}
