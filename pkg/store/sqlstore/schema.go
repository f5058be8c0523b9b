package sqlstore

import "context"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (tenant_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS room_participants (
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		tenant_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		PRIMARY KEY (room_id, principal_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_room_participants_principal ON room_participants(tenant_id, principal_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		attachment_url TEXT NOT NULL DEFAULT '',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(tenant_id, room_id, created_at DESC, id DESC)`,
}

var dropSchema = []string{
	`DROP TABLE IF EXISTS messages`,
	`DROP TABLE IF EXISTS room_participants`,
	`DROP TABLE IF EXISTS rooms`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes every table.
func (s *Store) Drop(ctx context.Context) error {
	for _, stmt := range dropSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
