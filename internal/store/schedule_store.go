package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/farahorfaly04/lab-orchestrator/internal/model"
)

// UpsertSchedule inserts or updates a schedule keyed by id.
func (s *Store) UpsertSchedule(ctx context.Context, sch model.Schedule) error {
	commands, err := toJSON(sch.Commands)
	if err != nil {
		return err
	}
	const q = `INSERT INTO schedules (id, name, device_id, module_name, actor, schedule_type, schedule_expr, commands, active, last_run, next_run, run_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,'orchestrator',$5,$6,$7,$8,$9,$10,$11,now(),now())
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, device_id=EXCLUDED.device_id, module_name=EXCLUDED.module_name,
  schedule_type=EXCLUDED.schedule_type, schedule_expr=EXCLUDED.schedule_expr,
  commands=EXCLUDED.commands, active=EXCLUDED.active, last_run=EXCLUDED.last_run,
  next_run=EXCLUDED.next_run, run_count=EXCLUDED.run_count, updated_at=now()`
	_, err = s.db.ExecContext(ctx, q, sch.ID, sch.Name, sch.DeviceID, nullable(sch.Module),
		sch.Type, sch.Expression, commands, sch.Active, nullTime(sch.LastRun), nullTime(sch.NextRun), sch.RunCount)
	if err != nil {
		return fmt.Errorf("store: upsert_schedule: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

type scheduleRow struct {
	ID           uuid.UUID      `db:"id"`
	Name         string         `db:"name"`
	DeviceID     string         `db:"device_id"`
	Module       sql.NullString `db:"module_name"`
	ScheduleType string         `db:"schedule_type"`
	ScheduleExpr string         `db:"schedule_expr"`
	Commands     []byte         `db:"commands"`
	Active       bool           `db:"active"`
	LastRun      sql.NullTime   `db:"last_run"`
	NextRun      sql.NullTime   `db:"next_run"`
	RunCount     int            `db:"run_count"`
}

func (r scheduleRow) toModel() (model.Schedule, error) {
	sch := model.Schedule{
		ID:         r.ID,
		Name:       r.Name,
		DeviceID:   r.DeviceID,
		Module:     r.Module.String,
		Type:       model.ScheduleType(r.ScheduleType),
		Expression: r.ScheduleExpr,
		Active:     r.Active,
		RunCount:   r.RunCount,
	}
	if err := fromJSON(r.Commands, &sch.Commands); err != nil {
		return sch, err
	}
	if r.LastRun.Valid {
		t := r.LastRun.Time
		sch.LastRun = &t
	}
	if r.NextRun.Valid {
		t := r.NextRun.Time
		sch.NextRun = &t
	}
	return sch, nil
}

// ListActiveSchedules returns every schedule with active=true, loaded at
// startup to seed the cron run-loop.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]model.Schedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, name, device_id, module_name, schedule_type, schedule_expr, commands, active, last_run, next_run, run_count
FROM schedules WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("store: list_active_schedules: %w", err)
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, r := range rows {
		sch, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, nil
}
