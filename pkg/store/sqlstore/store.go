package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/store"
)

// Store implements store.Store on database/sql. The same statements run
// on SQLite (modernc, single node and tests) and Postgres (pgx).
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects with the dialect's driver and verifies the connection.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY
		// under concurrent senders and keeps in-memory databases shared.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, dialect: d}
	if d == SQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, s.dialect.Rebind(query), args...)
	}
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Store) CreateRoom(ctx context.Context, room *model.Room) error {
	defer observe("create_room", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx, `
		INSERT INTO rooms (id, tenant_id, name, label, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, name) DO NOTHING
	`, room.ID, room.TenantID, room.Name, room.Label, string(room.Kind),
		room.CreatedAt.UnixMilli(), room.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}

	for _, p := range room.Participants {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO room_participants (room_id, tenant_id, principal_id) VALUES (?, ?, ?)
		`, room.ID, room.TenantID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const roomColumns = `id, tenant_id, name, label, kind, created_at, updated_at`

func (s *Store) GetRoom(ctx context.Context, tenantID, roomID string) (*model.Room, error) {
	defer observe("get_room", time.Now())
	return s.getRoom(ctx, `SELECT `+roomColumns+` FROM rooms WHERE tenant_id = ? AND id = ?`, tenantID, roomID)
}

func (s *Store) GetRoomByName(ctx context.Context, tenantID, name string) (*model.Room, error) {
	defer observe("get_room_by_name", time.Now())
	return s.getRoom(ctx, `SELECT `+roomColumns+` FROM rooms WHERE tenant_id = ? AND name = ?`, tenantID, name)
}

func (s *Store) getRoom(ctx context.Context, query string, args ...any) (*model.Room, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadParticipants(ctx, []*model.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*model.Room, error) {
	var (
		r                model.Room
		kind             string
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Label, &kind, &created, &updated); err != nil {
		return nil, err
	}
	r.Kind = model.RoomKind(kind)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return &r, nil
}

func (s *Store) loadParticipants(ctx context.Context, rooms []*model.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	byID := make(map[string]*model.Room, len(rooms))
	placeholders := make([]string, 0, len(rooms))
	args := make([]any, 0, len(rooms))
	for _, r := range rooms {
		byID[r.ID] = r
		r.Participants = r.Participants[:0]
		placeholders = append(placeholders, "?")
		args = append(args, r.ID)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT room_id, principal_id FROM room_participants
		WHERE room_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY principal_id
	`), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var roomID, principalID string
		if err := rows.Scan(&roomID, &principalID); err != nil {
			return err
		}
		if r, ok := byID[roomID]; ok {
			r.Participants = append(r.Participants, principalID)
		}
	}
	return rows.Err()
}

func (s *Store) ListRoomsForPrincipal(ctx context.Context, tenantID, principalID string) ([]model.Room, error) {
	defer observe("list_rooms", time.Now())

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT r.id, r.tenant_id, r.name, r.label, r.kind, r.created_at, r.updated_at
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.tenant_id = ? AND p.principal_id = ?
		ORDER BY r.updated_at DESC, r.id
	`), tenantID, principalID)
	if err != nil {
		return nil, err
	}

	var rooms []*model.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadParticipants(ctx, rooms); err != nil {
		return nil, err
	}
	out := make([]model.Room, len(rooms))
	for i, r := range rooms {
		out[i] = *r
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) error {
	defer observe("insert_message", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `
		INSERT INTO messages (id, tenant_id, room_id, sender_id, sender_role, subject, body,
			attachment_url, is_read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.TenantID, msg.RoomID, msg.SenderID, string(msg.SenderRole), msg.Subject, msg.Body,
		msg.AttachmentURL, msg.Read, msg.Deleted, msg.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.exec(ctx, tx, `
		UPDATE rooms SET updated_at = ? WHERE id = ? AND updated_at < ?
	`, msg.CreatedAt.UnixMilli(), msg.RoomID, msg.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return tx.Commit()
}

const messageColumns = `id, tenant_id, room_id, sender_id, sender_role, subject, body, attachment_url, is_read, deleted, created_at`

func scanMessage(row scanner) (model.Message, error) {
	var (
		m       model.Message
		role    string
		created int64
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.RoomID, &m.SenderID, &role, &m.Subject, &m.Body,
		&m.AttachmentURL, &m.Read, &m.Deleted, &created)
	m.SenderRole = model.Role(role)
	m.CreatedAt = time.UnixMilli(created).UTC()
	return m, err
}

func (s *Store) GetMessage(ctx context.Context, tenantID string, id int64) (*model.Message, error) {
	defer observe("get_message", time.Now())

	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?
	`), tenantID, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, tenantID string, id int64) error {
	defer observe("soft_delete", time.Now())

	res, err := s.exec(ctx, nil, `UPDATE messages SET deleted = ? WHERE tenant_id = ? AND id = ?`, true, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteMessage(ctx context.Context, tenantID string, id int64) error {
	defer observe("hard_delete", time.Now())

	res, err := s.exec(ctx, nil, `DELETE FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, roomID string, limit, offset int) ([]model.Message, error) {
	defer observe("list_messages", time.Now())

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND room_id = ? AND deleted = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), tenantID, roomID, false, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) MarkRoomRead(ctx context.Context, tenantID, roomID, readerID string) (int64, error) {
	defer observe("mark_read", time.Now())

	res, err := s.exec(ctx, nil, `
		UPDATE messages SET is_read = ?
		WHERE tenant_id = ? AND room_id = ? AND sender_id <> ? AND is_read = ?
	`, true, tenantID, roomID, readerID, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountUnread(ctx context.Context, tenantID, principalID string) (map[string]int64, error) {
	defer observe("count_unread", time.Now())

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT m.room_id, COUNT(*) FROM messages m
		JOIN room_participants p ON p.room_id = m.room_id AND p.principal_id = ?
		WHERE m.tenant_id = ? AND m.sender_id <> ? AND m.is_read = ? AND m.deleted = ?
		GROUP BY m.room_id
	`), principalID, tenantID, principalID, false, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var roomID string
		var n int64
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, err
		}
		counts[roomID] = n
	}
	return counts, rows.Err()
}

// OpenMemory opens a private in-memory SQLite database with the schema
// applied. name must be unique per database.
func OpenMemory(ctx context.Context, name string) (*Store, error) {
	s, err := Open(ctx, SQLite, "file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
