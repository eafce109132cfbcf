package queue

// Schemas returns the DDL for the durable queue store, executed in order at
// open time. Statements are idempotent so reopening an existing data file is
// safe.
func Schemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS pubsub_message (
			cluster_id      TEXT NOT NULL,
			topic_name      TEXT NOT NULL,
			msg_id          TEXT NOT NULL,
			correl_id       TEXT NOT NULL DEFAULT '',
			in_reply_to     TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 5,
			mime_type       TEXT NOT NULL DEFAULT '',
			ext_client_id   TEXT NOT NULL DEFAULT '',
			pub_time        INTEGER NOT NULL,
			recv_time       INTEGER NOT NULL,
			expiration      INTEGER NOT NULL DEFAULT 0,
			expiration_time INTEGER NOT NULL DEFAULT 0,
			size            INTEGER NOT NULL DEFAULT 0,
			data            BLOB,
			is_compressed   INTEGER NOT NULL DEFAULT 0,
			is_in_sub_queue INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (cluster_id, topic_name, msg_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pubsub_message_expiration
			ON pubsub_message (cluster_id, expiration_time)
			WHERE expiration_time > 0`,

		`CREATE TABLE IF NOT EXISTS pubsub_enqueued (
			cluster_id     TEXT NOT NULL,
			sub_key        TEXT NOT NULL,
			msg_id         TEXT NOT NULL,
			topic_name     TEXT NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			is_delivered   INTEGER NOT NULL DEFAULT 0,
			delivery_time  INTEGER NOT NULL DEFAULT 0,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			claimed_until  INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (cluster_id, sub_key, msg_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pubsub_enqueued_pending
			ON pubsub_enqueued (cluster_id, sub_key, is_delivered, is_deleted)`,

		`CREATE TABLE IF NOT EXISTS pubsub_topic (
			cluster_id           TEXT NOT NULL,
			topic_name           TEXT NOT NULL,
			hook_service_name    TEXT NOT NULL DEFAULT '',
			delivery_interval_ms INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			PRIMARY KEY (cluster_id, topic_name)
		)`,

		`CREATE TABLE IF NOT EXISTS pubsub_subscription (
			cluster_id     TEXT NOT NULL,
			sub_key        TEXT NOT NULL,
			topic_name     TEXT NOT NULL,
			endpoint       TEXT NOT NULL DEFAULT '',
			sec_name       TEXT NOT NULL DEFAULT '',
			delivery_type  TEXT NOT NULL,
			push_type      TEXT NOT NULL DEFAULT '',
			rest_target    TEXT NOT NULL DEFAULT '',
			service_target TEXT NOT NULL DEFAULT '',
			has_gd         INTEGER NOT NULL DEFAULT 0,
			is_wsx         INTEGER NOT NULL DEFAULT 0,
			server_name    TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (cluster_id, sub_key)
		)`,
	}
}
