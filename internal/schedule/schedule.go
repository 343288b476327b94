// Package schedule implements the secondary Schedule model (spec §3): named
// one-shot or cron-recurring sets of commands. No scheduler module survived
// the original's code-only retrieval filter (see _INDEX.md), so the run-loop
// itself is designed from spec.md's Schedule/ScheduleType definitions rather
// than any original file; the cron-arity and once-timestamp validation rules
// it calls into are grounded on schema.py's field validators. It is restated
// atop robfig/cron/v3, the teacher corpus's own cron dependency, for
// expression parsing and the recurring run-loop. One-shot (`once`) schedules
// are driven by a plain timer since robfig/cron only expresses recurring
// expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/engine"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/validation"
)

// Store is the narrow persistence surface the runner depends on.
type Store interface {
	ListActiveSchedules(ctx context.Context) ([]model.Schedule, error)
	UpsertSchedule(ctx context.Context, sch model.Schedule) error
}

// Submitter is the narrow engine surface a schedule fires commands through.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error)
}

// Runner owns the cron scheduler and the set of one-shot timers, and is the
// sole writer of each Schedule's last_run/next_run/run_count (mirroring
// C3's "sole writer for persisted tables" ownership rule, delegated here to
// schedule bookkeeping specifically).
type Runner struct {
	log    *zap.Logger
	store  Store
	engine Submitter
	cron   *cron.Cron

	mu       sync.Mutex
	onceStop map[uuid.UUID]*time.Timer
}

// New builds a Runner. The cron scheduler uses the library's default
// 5-field standard parser (minute hour dom month dow), matching spec §8's
// "cron expressions with exactly 5 parts accepted" boundary.
func New(log *zap.Logger, store Store, eng Submitter) *Runner {
	return &Runner{
		log:      log,
		store:    store,
		engine:   eng,
		cron:     cron.New(),
		onceStop: make(map[uuid.UUID]*time.Timer),
	}
}

// ValidateExpression enforces the per-type expression grammar (spec §3/§8)
// before a schedule is accepted: exactly 5 cron fields, or a parseable
// ISO-8601 timestamp for `once`.
func ValidateExpression(scheduleType model.ScheduleType, expr string) error {
	switch scheduleType {
	case model.ScheduleCron:
		if err := validation.CheckCronArity(expr); err != nil {
			return err
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
		}
		return nil
	case model.ScheduleOnce:
		return validation.CheckOnceTimestamp(expr)
	default:
		return fmt.Errorf("schedule: unknown schedule type %q", scheduleType)
	}
}

// LoadActive seeds the runner with every active schedule at startup,
// matching the original's load-on-boot behavior, and starts the cron loop.
func (r *Runner) LoadActive(ctx context.Context) error {
	schedules, err := r.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("schedule: load active: %w", err)
	}
	for _, sch := range schedules {
		if err := r.Arm(ctx, sch); err != nil {
			r.log.Error("schedule: failed to arm", zap.String("name", sch.Name), zap.Error(err))
		}
	}
	r.cron.Start()
	return nil
}

// Arm registers one schedule's run trigger: a cron entry for recurring
// schedules, a one-shot timer for `once` schedules already in the future.
func (r *Runner) Arm(ctx context.Context, sch model.Schedule) error {
	if !sch.Active {
		return nil
	}
	switch sch.Type {
	case model.ScheduleCron:
		_, err := r.cron.AddFunc(sch.Expression, func() { r.fire(context.Background(), sch) })
		if err != nil {
			return fmt.Errorf("schedule: add cron entry: %w", err)
		}
		return nil
	case model.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, sch.Expression)
		if err != nil {
			return fmt.Errorf("schedule: parse once expression: %w", err)
		}
		delay := time.Until(at)
		if delay < 0 {
			r.log.Warn("schedule: once expression already elapsed, skipping", zap.String("name", sch.Name))
			return nil
		}
		timer := time.AfterFunc(delay, func() { r.fire(context.Background(), sch) })
		r.mu.Lock()
		r.onceStop[sch.ID] = timer
		r.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("schedule: unknown schedule type %q", sch.Type)
	}
}

// fire submits every command in the schedule's list through the engine and
// records the run.
func (r *Runner) fire(ctx context.Context, sch model.Schedule) {
	now := time.Now().UTC()
	for _, cmd := range sch.Commands {
		deviceID := cmd.DeviceID
		if deviceID == "" {
			deviceID = sch.DeviceID
		}
		_, err := r.engine.Submit(ctx, engine.SubmitRequest{
			DeviceID: deviceID,
			Module:   sch.Module,
			Actor:    "orchestrator",
			Action:   cmd.Action,
			Params:   cmd.Params,
			ReqID:    uuid.NewString(),
		})
		if err != nil {
			r.log.Error("schedule: submit failed", zap.String("name", sch.Name), zap.String("action", cmd.Action), zap.Error(err))
		}
	}

	sch.LastRun = &now
	sch.RunCount++
	if sch.Type == model.ScheduleCron {
		if cronSchedule, err := cron.ParseStandard(sch.Expression); err == nil {
			next := cronSchedule.Next(now)
			sch.NextRun = &next
		}
	} else {
		sch.Active = false
	}

	if err := r.store.UpsertSchedule(ctx, sch); err != nil {
		r.log.Error("schedule: failed to persist run", zap.String("name", sch.Name), zap.Error(err))
	}
}

// Stop halts the cron loop and every pending one-shot timer.
func (r *Runner) Stop() {
	r.cron.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.onceStop {
		t.Stop()
	}
}
