package scylla

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		tenant_id text,
		id text,
		name text,
		label text,
		kind text,
		participants set<text>,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((tenant_id, id))
	)`,
	// Uniqueness of (tenant, canonical name) is enforced with a
	// lightweight transaction on this table.
	`CREATE TABLE IF NOT EXISTS rooms_by_name (
		tenant_id text,
		name text,
		room_id text,
		PRIMARY KEY ((tenant_id, name))
	)`,
	`CREATE TABLE IF NOT EXISTS rooms_by_principal (
		tenant_id text,
		principal_id text,
		room_id text,
		updated_at timestamp,
		PRIMARY KEY ((tenant_id, principal_id), room_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		tenant_id text,
		room_id text,
		id bigint,
		sender_id text,
		sender_role text,
		subject text,
		body text,
		attachment_url text,
		is_read boolean,
		deleted boolean,
		created_at timestamp,
		PRIMARY KEY ((tenant_id, room_id), id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		tenant_id text,
		id bigint,
		room_id text,
		PRIMARY KEY ((tenant_id, id))
	)`,
}

var tables = []string{"messages_by_id", "messages", "rooms_by_principal", "rooms_by_name", "rooms"}
