// Package store implements the C3 persistence gateway: idempotent writes
// for devices, module-status, heartbeats, commands, events, schedules, and
// dead-letter records, grounded on the original's db.py SQLAlchemy schema
// and restated atop jackc/pgx/v5 (stdlib driver) + jmoiron/sqlx the way the
// teacher's corpus pairs those two for Postgres access. Methods make a
// single attempt and do not retry; no caller wraps them in
// retrypolicy.PersistencePolicy, so a failed call fails its caller at once.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/farahorfaly04/lab-orchestrator/internal/model"
)

// Store is the persistence gateway. All methods are safe for concurrent
// use; each call uses its own connection from the pool (spec §5: "persistence
// sessions are per-operation and never shared across goroutines").
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn using the pgx stdlib driver wrapped by sqlx.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies connectivity, feeding C9 readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func fromJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// UpsertDevice inserts or updates a device row keyed by device_id.
func (s *Store) UpsertDevice(ctx context.Context, d model.Device) error {
	modules, err := toJSON(d.Modules)
	if err != nil {
		return err
	}
	caps, err := toJSON(d.Capabilities)
	if err != nil {
		return err
	}
	labels, err := toJSON(d.Labels)
	if err != nil {
		return err
	}
	meta, err := toJSON(d.Metadata)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO devices (device_id, modules, capabilities, labels, version, last_seen, online, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (device_id) DO UPDATE SET
  modules = EXCLUDED.modules,
  capabilities = EXCLUDED.capabilities,
  labels = EXCLUDED.labels,
  version = EXCLUDED.version,
  last_seen = EXCLUDED.last_seen,
  online = EXCLUDED.online,
  metadata = EXCLUDED.metadata,
  updated_at = now()`

	_, err = s.db.ExecContext(ctx, q, d.ID, modules, caps, labels, d.Version, d.LastSeen, d.Online, meta)
	if err != nil {
		return fmt.Errorf("store: upsert_device: %w", err)
	}
	return nil
}

type deviceRow struct {
	DeviceID     string         `db:"device_id"`
	Modules      []byte         `db:"modules"`
	Capabilities []byte         `db:"capabilities"`
	Labels       []byte         `db:"labels"`
	Version      string         `db:"version"`
	LastSeen     time.Time      `db:"last_seen"`
	Online       bool           `db:"online"`
	Metadata     []byte         `db:"metadata"`
}

func (r deviceRow) toModel() (model.Device, error) {
	d := model.Device{ID: r.DeviceID, Version: r.Version, LastSeen: r.LastSeen, Online: r.Online}
	if err := fromJSON(r.Modules, &d.Modules); err != nil {
		return d, err
	}
	if err := fromJSON(r.Capabilities, &d.Capabilities); err != nil {
		return d, err
	}
	if err := fromJSON(r.Labels, &d.Labels); err != nil {
		return d, err
	}
	if err := fromJSON(r.Metadata, &d.Metadata); err != nil {
		return d, err
	}
	return d, nil
}

// GetDevice fetches one device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (model.Device, bool, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `SELECT device_id, modules, capabilities, labels, version, last_seen, online, metadata FROM devices WHERE device_id = $1`, deviceID)
	if err == sql.ErrNoRows {
		return model.Device{}, false, nil
	}
	if err != nil {
		return model.Device{}, false, fmt.Errorf("store: get_device: %w", err)
	}
	d, err := row.toModel()
	return d, true, err
}

// ListDevices returns every device, optionally restricted to online ones.
func (s *Store) ListDevices(ctx context.Context, onlineOnly bool) ([]model.Device, error) {
	q := `SELECT device_id, modules, capabilities, labels, version, last_seen, online, metadata FROM devices`
	if onlineOnly {
		q += ` WHERE online = true`
	}
	var rows []deviceRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("store: list_devices: %w", err)
	}
	out := make([]model.Device, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RecordModuleStatus appends a module-status snapshot (history retained).
func (s *Store) RecordModuleStatus(ctx context.Context, ms model.ModuleStatus) error {
	fields, err := toJSON(ms.Fields)
	if err != nil {
		return err
	}
	const q = `INSERT INTO module_status (id, device_id, module_name, state, fields, online, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, q, uuid.New(), ms.DeviceID, ms.Module, ms.State, fields, ms.Online, ms.Timestamp)
	if err != nil {
		return fmt.Errorf("store: record_module_status: %w", err)
	}
	return nil
}

// GetLatestModuleStatus returns the most recent snapshot for (device, module).
func (s *Store) GetLatestModuleStatus(ctx context.Context, deviceID, module string) (model.ModuleStatus, bool, error) {
	var row struct {
		DeviceID  string    `db:"device_id"`
		Module    string    `db:"module_name"`
		State     string    `db:"state"`
		Fields    []byte    `db:"fields"`
		Online    bool      `db:"online"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT device_id, module_name, state, fields, online, timestamp
FROM module_status WHERE device_id = $1 AND module_name = $2 ORDER BY timestamp DESC LIMIT 1`, deviceID, module)
	if err == sql.ErrNoRows {
		return model.ModuleStatus{}, false, nil
	}
	if err != nil {
		return model.ModuleStatus{}, false, fmt.Errorf("store: get_latest_module_status: %w", err)
	}
	ms := model.ModuleStatus{DeviceID: row.DeviceID, Module: row.Module, State: row.State, Online: row.Online, Timestamp: row.Timestamp}
	if err := fromJSON(row.Fields, &ms.Fields); err != nil {
		return ms, true, err
	}
	return ms, true, nil
}

// RecordHeartbeat appends a heartbeat row.
func (s *Store) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	meta, err := toJSON(hb.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO heartbeats (id, device_id, online, timestamp, metadata) VALUES ($1, $2, $3, $4, $5)`
	_, err = s.db.ExecContext(ctx, q, uuid.New(), hb.DeviceID, hb.Online, hb.Timestamp, meta)
	if err != nil {
		return fmt.Errorf("store: record_heartbeat: %w", err)
	}
	return nil
}

// RecordCommandDispatch inserts the dispatch row for a new command. The
// req_id unique index makes a duplicate dispatch attempt fail loudly rather
// than silently double-writing.
func (s *Store) RecordCommandDispatch(ctx context.Context, cmd model.Command) error {
	params, err := toJSON(cmd.Params)
	if err != nil {
		return err
	}
	const q = `INSERT INTO commands (id, req_id, device_id, module_name, actor, action, params, status, dispatched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, q, cmd.ID, cmd.ReqID, cmd.DeviceID, cmd.Module, cmd.Actor, cmd.Action, params, cmd.Status, cmd.DispatchedAt)
	if err != nil {
		return fmt.Errorf("store: record_command_dispatch: %w", err)
	}
	return nil
}

// RecordCommandAck applies a terminal ack/failure/timeout outcome. It is
// idempotent by req_id: if the command is already terminal, the existing
// row is returned unchanged rather than overwritten (spec §8 invariant 3).
func (s *Store) RecordCommandAck(ctx context.Context, reqID string, status model.CommandStatus, success bool, errMsg string, details map[string]any, ackedAt time.Time) (model.Command, error) {
	existing, ok, err := s.GetCommandByReqID(ctx, reqID)
	if err != nil {
		return model.Command{}, err
	}
	if ok && existing.Status.Terminal() {
		return existing, nil
	}

	detailsJSON, err := toJSON(details)
	if err != nil {
		return model.Command{}, err
	}
	durationMS := ackedAt.Sub(existing.DispatchedAt).Milliseconds()

	const q = `UPDATE commands SET status=$1, acked_at=$2, success=$3, error_message=$4, response_details=$5, duration_ms=$6
WHERE req_id=$7`
	_, err = s.db.ExecContext(ctx, q, status, ackedAt, success, errMsg, detailsJSON, durationMS, reqID)
	if err != nil {
		return model.Command{}, fmt.Errorf("store: record_command_ack: %w", err)
	}
	return s.mustGetCommandByReqID(ctx, reqID)
}

func (s *Store) mustGetCommandByReqID(ctx context.Context, reqID string) (model.Command, error) {
	cmd, ok, err := s.GetCommandByReqID(ctx, reqID)
	if err != nil {
		return model.Command{}, err
	}
	if !ok {
		return model.Command{}, fmt.Errorf("store: command %s vanished after update", reqID)
	}
	return cmd, nil
}

type commandRow struct {
	ID              uuid.UUID      `db:"id"`
	ReqID           string         `db:"req_id"`
	DeviceID        string         `db:"device_id"`
	Module          sql.NullString `db:"module_name"`
	Actor           string         `db:"actor"`
	Action          string         `db:"action"`
	Params          []byte         `db:"params"`
	Status          string         `db:"status"`
	DispatchedAt    time.Time      `db:"dispatched_at"`
	AckedAt         sql.NullTime   `db:"acked_at"`
	Success         sql.NullBool   `db:"success"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ResponseDetails []byte         `db:"response_details"`
	DurationMS      sql.NullInt64  `db:"duration_ms"`
}

func (r commandRow) toModel() (model.Command, error) {
	cmd := model.Command{
		ID:           r.ID,
		ReqID:        r.ReqID,
		DeviceID:     r.DeviceID,
		Module:       r.Module.String,
		Actor:        r.Actor,
		Action:       r.Action,
		Status:       model.CommandStatus(r.Status),
		DispatchedAt: r.DispatchedAt,
		ErrorMessage: r.ErrorMessage.String,
	}
	if err := fromJSON(r.Params, &cmd.Params); err != nil {
		return cmd, err
	}
	if err := fromJSON(r.ResponseDetails, &cmd.ResponseDetails); err != nil {
		return cmd, err
	}
	if r.AckedAt.Valid {
		t := r.AckedAt.Time
		cmd.AckedAt = &t
	}
	if r.Success.Valid {
		b := r.Success.Bool
		cmd.Success = &b
	}
	if r.DurationMS.Valid {
		v := r.DurationMS.Int64
		cmd.DurationMS = &v
	}
	return cmd, nil
}

// GetCommandByReqID looks up a command by its unique req_id.
func (s *Store) GetCommandByReqID(ctx context.Context, reqID string) (model.Command, bool, error) {
	var row commandRow
	err := s.db.GetContext(ctx, &row, `SELECT id, req_id, device_id, module_name, actor, action, params, status, dispatched_at, acked_at, success, error_message, response_details, duration_ms
FROM commands WHERE req_id = $1`, reqID)
	if err == sql.ErrNoRows {
		return model.Command{}, false, nil
	}
	if err != nil {
		return model.Command{}, false, fmt.Errorf("store: get_command: %w", err)
	}
	cmd, err := row.toModel()
	return cmd, true, err
}

// RecordEvent appends an audit event.
func (s *Store) RecordEvent(ctx context.Context, ev model.Event) error {
	meta, err := toJSON(ev.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO events (id, event_type, device_id, module_name, actor, description, metadata, timestamp)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, q, uuid.New(), ev.EventType, ev.DeviceID, ev.Module, ev.Actor, ev.Description, meta, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("store: record_event: %w", err)
	}
	return nil
}

// CleanupOld prunes heartbeats, module_status, and events older than the
// cutoff computed from days. Commands are never pruned (spec §4.3). The
// cutoff is `start_of_today_UTC - days`, correcting the original's buggy
// `datetime.timedelta` cutoff computation (see DESIGN.md).
func (s *Store) CleanupOld(ctx context.Context, days int, now time.Time) error {
	cutoff := RetentionCutoff(now, days)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: cleanup_old: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"heartbeats", "module_status", "events"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < $1`, table), cutoff); err != nil {
			return fmt.Errorf("store: cleanup_old: delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: cleanup_old: commit: %w", err)
	}
	return nil
}

// RetentionCutoff computes `start_of_today_UTC - days`, the corrected
// formula replacing the original's buggy `datetime.timedelta` cutoff
// computation (see DESIGN.md). Extracted as a pure function so the boundary
// is independently testable without a database.
func RetentionCutoff(now time.Time, days int) time.Time {
	now = now.UTC()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return startOfToday.AddDate(0, 0, -days)
}
