package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/farahorfaly04/lab-orchestrator/internal/model"
)

// InsertDeadLetter persists a new dead-letter record.
func (s *Store) InsertDeadLetter(ctx context.Context, r model.DeadLetterRecord) error {
	meta, err := toJSON(r.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO dead_letter_records
(id, original_topic, original_payload, failure_reason, error_message, device_id, module_name, req_id, retry_count, first_failed_at, last_failed_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = s.db.ExecContext(ctx, q, r.ID, r.OriginalTopic, r.OriginalPayload, r.FailureReason, r.ErrorMessage,
		nullable(r.DeviceID), nullable(r.Module), nullable(r.ReqID), r.RetryCount, r.FirstFailedAt, r.LastFailedAt, meta)
	if err != nil {
		return fmt.Errorf("store: insert_dead_letter: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type dlqRow struct {
	ID              uuid.UUID      `db:"id"`
	OriginalTopic   string         `db:"original_topic"`
	OriginalPayload []byte         `db:"original_payload"`
	FailureReason   string         `db:"failure_reason"`
	ErrorMessage    string         `db:"error_message"`
	DeviceID        sql.NullString `db:"device_id"`
	Module          sql.NullString `db:"module_name"`
	ReqID           sql.NullString `db:"req_id"`
	RetryCount      int            `db:"retry_count"`
	FirstFailedAt   time.Time      `db:"first_failed_at"`
	LastFailedAt    time.Time      `db:"last_failed_at"`
	Metadata        []byte         `db:"metadata"`
}

func (r dlqRow) toModel() (model.DeadLetterRecord, error) {
	rec := model.DeadLetterRecord{
		ID:              r.ID,
		OriginalTopic:   r.OriginalTopic,
		OriginalPayload: r.OriginalPayload,
		FailureReason:   model.FailureReason(r.FailureReason),
		ErrorMessage:    r.ErrorMessage,
		DeviceID:        r.DeviceID.String,
		Module:          r.Module.String,
		ReqID:           r.ReqID.String,
		RetryCount:      r.RetryCount,
		FirstFailedAt:   r.FirstFailedAt,
		LastFailedAt:    r.LastFailedAt,
	}
	if err := fromJSON(r.Metadata, &rec.Metadata); err != nil {
		return rec, err
	}
	return rec, nil
}

// GetDeadLetter fetches one record by id.
func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (model.DeadLetterRecord, bool, error) {
	var row dlqRow
	err := s.db.GetContext(ctx, &row, `SELECT id, original_topic, original_payload, failure_reason, error_message, device_id, module_name, req_id, retry_count, first_failed_at, last_failed_at, metadata
FROM dead_letter_records WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return model.DeadLetterRecord{}, false, nil
	}
	if err != nil {
		return model.DeadLetterRecord{}, false, fmt.Errorf("store: get_dead_letter: %w", err)
	}
	rec, err := row.toModel()
	return rec, true, err
}

// DLQFilter narrows ListDeadLetters, matching the DLQ control-plane `list`
// action's optional filters.
type DLQFilter struct {
	DeviceID string
	Module   string
	Reason   model.FailureReason
}

// ListDeadLetters returns records matching the (optional, AND-combined) filter.
func (s *Store) ListDeadLetters(ctx context.Context, f DLQFilter) ([]model.DeadLetterRecord, error) {
	q := `SELECT id, original_topic, original_payload, failure_reason, error_message, device_id, module_name, req_id, retry_count, first_failed_at, last_failed_at, metadata
FROM dead_letter_records WHERE 1=1`
	var args []any
	idx := 1
	if f.DeviceID != "" {
		q += fmt.Sprintf(" AND device_id = $%d", idx)
		args = append(args, f.DeviceID)
		idx++
	}
	if f.Module != "" {
		q += fmt.Sprintf(" AND module_name = $%d", idx)
		args = append(args, f.Module)
		idx++
	}
	if f.Reason != "" {
		q += fmt.Sprintf(" AND failure_reason = $%d", idx)
		args = append(args, f.Reason)
		idx++
	}
	q += " ORDER BY last_failed_at DESC"

	var rows []dlqRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("store: list_dead_letters: %w", err)
	}
	out := make([]model.DeadLetterRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// IncrementDLQRetry bumps retry_count and last_failed_at for an existing
// record. retry_count is monotone (spec §3).
func (s *Store) IncrementDLQRetry(ctx context.Context, id uuid.UUID, now time.Time) (model.DeadLetterRecord, error) {
	const q = `UPDATE dead_letter_records SET retry_count = retry_count + 1, last_failed_at = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, now); err != nil {
		return model.DeadLetterRecord{}, fmt.Errorf("store: increment_dlq_retry: %w", err)
	}
	rec, ok, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return model.DeadLetterRecord{}, err
	}
	if !ok {
		return model.DeadLetterRecord{}, fmt.Errorf("store: dead letter %s vanished after retry increment", id)
	}
	return rec, nil
}

// PurgeDeadLettersOlderThan deletes records whose last_failed_at predates
// the cutoff and returns the number removed.
func (s *Store) PurgeDeadLettersOlderThan(ctx context.Context, olderThanDays int, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_records WHERE last_failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge_dead_letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge_dead_letters: rows affected: %w", err)
	}
	return n, nil
}

// DLQStats is a breakdown by failure-reason, device, and module, matching
// the original's get_dlq_stats.
type DLQStats struct {
	Total      int
	ByReason   map[model.FailureReason]int
	ByDevice   map[string]int
	ByModule   map[string]int
}

// DLQStats aggregates current dead-letter records.
func (s *Store) DLQStats(ctx context.Context) (DLQStats, error) {
	records, err := s.ListDeadLetters(ctx, DLQFilter{})
	if err != nil {
		return DLQStats{}, err
	}
	stats := DLQStats{
		ByReason: make(map[model.FailureReason]int),
		ByDevice: make(map[string]int),
		ByModule: make(map[string]int),
	}
	for _, r := range records {
		stats.Total++
		stats.ByReason[r.FailureReason]++
		if r.DeviceID != "" {
			stats.ByDevice[r.DeviceID]++
		}
		if r.Module != "" {
			stats.ByModule[r.Module]++
		}
	}
	return stats, nil
}
