package store

import (
	"context"
	"fmt"
)

// schema is the full set of tables the gateway owns (spec §3/§6), grounded
// on the original's db.py SQLAlchemy models. Applied by `orchestratord
// migrate`.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
  device_id     TEXT PRIMARY KEY,
  modules       JSONB NOT NULL DEFAULT '[]',
  capabilities  JSONB NOT NULL DEFAULT '{}',
  labels        JSONB NOT NULL DEFAULT '[]',
  version       TEXT NOT NULL DEFAULT '',
  last_seen     TIMESTAMPTZ NOT NULL,
  online        BOOLEAN NOT NULL DEFAULT false,
  metadata      JSONB NOT NULL DEFAULT '{}',
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS module_status (
  id            UUID PRIMARY KEY,
  device_id     TEXT NOT NULL,
  module_name   TEXT NOT NULL,
  state         TEXT NOT NULL,
  fields        JSONB NOT NULL DEFAULT '{}',
  online        BOOLEAN NOT NULL DEFAULT false,
  timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_module_status_device_module ON module_status (device_id, module_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS heartbeats (
  id            UUID PRIMARY KEY,
  device_id     TEXT NOT NULL,
  online        BOOLEAN NOT NULL,
  timestamp     TIMESTAMPTZ NOT NULL,
  metadata      JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp ON heartbeats (timestamp);

CREATE TABLE IF NOT EXISTS commands (
  id                UUID PRIMARY KEY,
  req_id            TEXT NOT NULL UNIQUE,
  device_id         TEXT NOT NULL,
  module_name       TEXT,
  actor             TEXT NOT NULL,
  action            TEXT NOT NULL,
  params            JSONB NOT NULL DEFAULT '{}',
  status            TEXT NOT NULL,
  dispatched_at     TIMESTAMPTZ NOT NULL,
  acked_at          TIMESTAMPTZ,
  success           BOOLEAN,
  error_message     TEXT,
  response_details  JSONB NOT NULL DEFAULT '{}',
  duration_ms       BIGINT
);

CREATE TABLE IF NOT EXISTS events (
  id            UUID PRIMARY KEY,
  event_type    TEXT NOT NULL,
  device_id     TEXT,
  module_name   TEXT,
  actor         TEXT,
  description   TEXT NOT NULL DEFAULT '',
  metadata      JSONB NOT NULL DEFAULT '{}',
  timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);

CREATE TABLE IF NOT EXISTS schedules (
  id            UUID PRIMARY KEY,
  name          TEXT NOT NULL,
  device_id     TEXT NOT NULL,
  module_name   TEXT,
  actor         TEXT NOT NULL,
  schedule_type TEXT NOT NULL,
  schedule_expr TEXT NOT NULL,
  commands      JSONB NOT NULL DEFAULT '[]',
  active        BOOLEAN NOT NULL DEFAULT true,
  last_run      TIMESTAMPTZ,
  next_run      TIMESTAMPTZ,
  run_count     INTEGER NOT NULL DEFAULT 0,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- dead_letter_records is the concrete table the original left as a stub
-- (Open Question #2, resolved in DESIGN.md).
CREATE TABLE IF NOT EXISTS dead_letter_records (
  id                UUID PRIMARY KEY,
  original_topic    TEXT NOT NULL,
  original_payload  BYTEA NOT NULL,
  failure_reason    TEXT NOT NULL,
  error_message     TEXT NOT NULL DEFAULT '',
  device_id         TEXT,
  module_name       TEXT,
  req_id            TEXT,
  retry_count       INTEGER NOT NULL DEFAULT 0,
  first_failed_at   TIMESTAMPTZ NOT NULL,
  last_failed_at    TIMESTAMPTZ NOT NULL,
  metadata          JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_dlq_device_module ON dead_letter_records (device_id, module_name);
CREATE INDEX IF NOT EXISTS idx_dlq_last_failed_at ON dead_letter_records (last_failed_at);
`

// Migrate applies the schema idempotently (every statement is IF NOT
// EXISTS), matching the original's create-on-boot behavior.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
