// Package dlq implements the C7 dead-letter queue: persisted failure
// records, scope-based topic routing, and an operator control plane for
// retry/purge/stats/list, grounded verbatim on the original's
// dead_letter.py (DeadLetterQueue, FailureReason, _handle_dlq_command) with
// the persistence the original left as a stub replaced by a concrete table
// (internal/store's dead_letter_records).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/store"
)

// DeadLetterStore is the narrow persistence surface the queue depends on,
// letting tests substitute an in-memory fake instead of internal/store.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, r model.DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (model.DeadLetterRecord, bool, error)
	ListDeadLetters(ctx context.Context, f store.DLQFilter) ([]model.DeadLetterRecord, error)
	IncrementDLQRetry(ctx context.Context, id uuid.UUID, now time.Time) (model.DeadLetterRecord, error)
	PurgeDeadLettersOlderThan(ctx context.Context, olderThanDays int, now time.Time) (int64, error)
	DLQStats(ctx context.Context) (store.DLQStats, error)
}

// Queue is the dead-letter queue component.
type Queue struct {
	log        *zap.Logger
	store      DeadLetterStore
	pub        bus.Publisher
	maxRetries int
}

// New builds a Queue. maxRetries is the default 3 from spec §4.7.
func New(log *zap.Logger, s DeadLetterStore, pub bus.Publisher, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{log: log, store: s, pub: pub, maxRetries: maxRetries}
}

// scopeTopic picks the publish topic for a failure record by scope (spec
// §4.7's table): device+module known, device only, or neither.
func scopeTopic(deviceID, module string) string {
	switch {
	case deviceID != "" && module != "":
		return bus.DLQDeviceModuleTopic(deviceID, module)
	case deviceID != "":
		return bus.DLQDeviceTopic(deviceID)
	default:
		return bus.DLQOrchestratorTopic
	}
}

// Send persists a new dead-letter record and republishes a copy to its
// scope topic. Never returns an error to the caller for publish failure —
// a DLQ message that can't be republished is still durably on disk, and
// losing the publish copy must not mask the persisted record (spec §7:
// "never silently drop a message").
func (q *Queue) Send(ctx context.Context, reason model.FailureReason, originalTopic string, payload []byte, deviceID, module, reqID, errMsg string, metadata map[string]any) (model.DeadLetterRecord, error) {
	now := time.Now().UTC()
	rec := model.DeadLetterRecord{
		ID:              uuid.New(),
		OriginalTopic:   originalTopic,
		OriginalPayload: payload,
		FailureReason:   reason,
		ErrorMessage:    errMsg,
		DeviceID:        deviceID,
		Module:          module,
		ReqID:           reqID,
		RetryCount:      0,
		FirstFailedAt:   now,
		LastFailedAt:    now,
		Metadata:        metadata,
	}
	if err := q.store.InsertDeadLetter(ctx, rec); err != nil {
		return model.DeadLetterRecord{}, fmt.Errorf("dlq: send: %w", err)
	}

	body, err := json.Marshal(rec)
	if err == nil {
		if perr := q.pub.Publish(ctx, scopeTopic(deviceID, module), body, bus.QoSAtLeastOnce, false); perr != nil {
			q.log.Warn("dlq: failed to publish record copy", zap.Error(perr), zap.String("req_id", reqID))
		}
	}
	return rec, nil
}

// controlRequest is the shape of messages on /lab/dlq/cmd.
type controlRequest struct {
	Action        string `json:"action"`
	ReqID         string `json:"req_id"`
	DLQID         string `json:"dlq_id"`
	OlderThanDays int    `json:"older_than_days"`
	Filters       struct {
		DeviceID string `json:"device_id"`
		Module   string `json:"module"`
		Reason   string `json:"reason"`
	} `json:"filters"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	ReqID   string `json:"req_id"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// HandleControlMessage implements the operator control-plane handler (spec
// §4.7): dispatches retry/purge/stats/list and always answers on
// /lab/dlq/response carrying the operator's req_id, matching
// _handle_dlq_command verbatim.
func (q *Queue) HandleControlMessage(ctx context.Context, msg bus.InboundMessage) error {
	var req controlRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return q.respond(ctx, controlResponse{Success: false, Error: "bad_json"})
	}

	switch req.Action {
	case "retry":
		return q.handleRetry(ctx, req)
	case "purge":
		return q.handlePurge(ctx, req)
	case "stats":
		return q.handleStats(ctx, req)
	case "list":
		return q.handleList(ctx, req)
	default:
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "unknown_action"})
	}
}

func (q *Queue) handleRetry(ctx context.Context, req controlRequest) error {
	id, err := uuid.Parse(req.DLQID)
	if err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "bad_dlq_id"})
	}

	rec, ok, err := q.store.GetDeadLetter(ctx, id)
	if err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "lookup_failed"})
	}
	if !ok {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "not_found"})
	}
	if rec.RetryCount >= q.maxRetries {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: string(model.ReasonRetryExhausted)})
	}

	if err := q.pub.Publish(ctx, rec.OriginalTopic, rec.OriginalPayload, bus.QoSAtLeastOnce, false); err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "republish_failed"})
	}
	if _, err := q.store.IncrementDLQRetry(ctx, id, time.Now().UTC()); err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "increment_failed"})
	}
	return q.respond(ctx, controlResponse{Success: true, ReqID: req.ReqID})
}

func (q *Queue) handlePurge(ctx context.Context, req controlRequest) error {
	n, err := q.store.PurgeDeadLettersOlderThan(ctx, req.OlderThanDays, time.Now().UTC())
	if err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "purge_failed"})
	}
	return q.respond(ctx, controlResponse{Success: true, ReqID: req.ReqID, Data: map[string]any{"purged": n}})
}

func (q *Queue) handleStats(ctx context.Context, req controlRequest) error {
	stats, err := q.store.DLQStats(ctx)
	if err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "stats_failed"})
	}
	return q.respond(ctx, controlResponse{Success: true, ReqID: req.ReqID, Data: stats})
}

func (q *Queue) handleList(ctx context.Context, req controlRequest) error {
	f := store.DLQFilter{
		DeviceID: req.Filters.DeviceID,
		Module:   req.Filters.Module,
		Reason:   model.FailureReason(req.Filters.Reason),
	}
	records, err := q.store.ListDeadLetters(ctx, f)
	if err != nil {
		return q.respond(ctx, controlResponse{Success: false, ReqID: req.ReqID, Error: "list_failed"})
	}
	return q.respond(ctx, controlResponse{Success: true, ReqID: req.ReqID, Data: records})
}

func (q *Queue) respond(ctx context.Context, resp controlResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("dlq: marshal response: %w", err)
	}
	return q.pub.Publish(ctx, bus.DLQResponseTopic, body, bus.QoSAtLeastOnce, false)
}
