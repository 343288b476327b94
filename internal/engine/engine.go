// Package engine implements the C6 command lifecycle engine — the primary
// state machine (spec §4.6): NEW -> DEDUP_CHECK -> ROUTE -> PUBLISH ->
// AWAIT -> ACK|TIMEOUT -> FINAL. Grounded on the original's command
// dispatch flow (deduplication.py + dead_letter.py's failure taxonomy) and,
// for the ack-vs-timeout race, on xmidt-org-webpa-common's device
// transaction correlation (sendRequest/awaitResponse) — a single
// "whichever wins" removal under one lock, restated idiomatically with a
// per-correlation done flag instead of a thread-local transaction key.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/dedup"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/registry"
	"github.com/farahorfaly04/lab-orchestrator/internal/validation"
)

// Store is the narrow persistence surface the engine depends on.
type Store interface {
	RecordCommandDispatch(ctx context.Context, cmd model.Command) error
	RecordCommandAck(ctx context.Context, reqID string, status model.CommandStatus, success bool, errMsg string, details map[string]any, ackedAt time.Time) (model.Command, error)
	RecordEvent(ctx context.Context, ev model.Event) error
}

// DeadLetterSink is the narrow DLQ surface the engine depends on.
type DeadLetterSink interface {
	Send(ctx context.Context, reason model.FailureReason, originalTopic string, payload []byte, deviceID, module, reqID, errMsg string, metadata map[string]any) (model.DeadLetterRecord, error)
}

// Metrics is the narrow telemetry surface the engine reports through.
type Metrics interface {
	ObserveCommand(deviceID, module, action, status string, durationSeconds float64)
	SetPendingCorrelations(n int)
}

// SubmitRequest is the engine's inbound command request (spec §4.6 Inputs).
type SubmitRequest struct {
	DeviceID string
	Module   string
	Actor    string
	Action   string
	Params   map[string]any
	ReqID    string        // caller-supplied or generated if empty
	Timeout  time.Duration // engine's default timeout applied if zero
}

// ResultStatus is the outcome Submit reports to its caller.
type ResultStatus string

const (
	ResultAcked     ResultStatus = "acked"
	ResultFailed    ResultStatus = "failed"
	ResultTimeout   ResultStatus = "timeout"
	ResultProcessing ResultStatus = "processing"
)

// SubmitResult is what Submit returns to the caller.
type SubmitResult struct {
	ReqID   string
	Status  ResultStatus
	Success bool
	Code    model.AckCode
	Details map[string]any
	Error   string
}

// pendingCorrelation is the in-memory record of a dispatched command
// awaiting either an ack or its own deadline (spec §3 PendingCorrelation).
type pendingCorrelation struct {
	reqID     string
	deviceID  string
	module    string
	action    string
	deadline  time.Time
	resultCh  chan SubmitResult
	done      int32 // atomic: CAS-guarded single resolution
	wasOffline bool
}

// Engine is the command lifecycle engine.
type Engine struct {
	log     *zap.Logger
	dedup   *dedup.Cache
	reg     *registry.Registry
	store   Store
	pub     bus.Publisher
	dlq     DeadLetterSink
	metrics Metrics

	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCorrelation
}

// New builds an Engine.
func New(log *zap.Logger, d *dedup.Cache, reg *registry.Registry, st Store, pub bus.Publisher, dlqSink DeadLetterSink, metrics Metrics, defaultTimeout time.Duration) *Engine {
	return &Engine{
		log:            log,
		dedup:          d,
		reg:            reg,
		store:          st,
		pub:            pub,
		dlq:            dlqSink,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCorrelation),
	}
}

// Submit runs one command through the full lifecycle state machine
// (spec §4.6 steps 1-9), blocking until ack, timeout, or an immediate local
// resolution (dedup hit, unknown device/module).
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	// 0. C2 schema validation: a malformed request never reaches dedup or
	// routing — it is rejected outright and dead-lettered as schema_violation
	// (spec §4.1/§4.2), the same rule internal/ingest applies to inbound
	// meta/status/heartbeat envelopes.
	env := validation.CommandEnvelope{
		ReqID: req.ReqID, Actor: req.Actor, TS: time.Now().UTC().Format(time.RFC3339),
		Action: req.Action, Params: req.Params,
	}
	if err := validation.Validate(env); err != nil {
		return e.rejectSubmit(ctx, req, err.Error()), nil
	}
	if err := validation.CheckParamsSize(req.Params); err != nil {
		return e.rejectSubmit(ctx, req, err.Error()), nil
	}

	// 1. DEDUP_CHECK
	switch e.dedup.Check(req.ReqID, req.DeviceID, req.Action) {
	case dedup.Completed:
		result, failed, errMsg, ok := e.dedup.Result(req.ReqID)
		if ok {
			return e.cachedResult(req.ReqID, result, failed, errMsg), nil
		}
	case dedup.Processing:
		return SubmitResult{ReqID: req.ReqID, Status: ResultProcessing, Code: model.AckDispatched}, nil
	}

	// 2. ROUTE: device lookup
	device, ok := e.reg.Get(req.DeviceID)
	if !ok {
		return e.failLocally(ctx, req, model.ReasonUnknownDevice, model.AckDeviceErr, "unknown device"), nil
	}

	// 3. ROUTE: module lookup
	if req.Module != "" && !device.HasModule(req.Module) {
		return e.failLocally(ctx, req, model.ReasonUnknownModule, model.AckModuleErr, "unknown module"), nil
	}

	// 5. DEDUP begin (single-flight claim)
	if !e.dedup.Begin(req.ReqID, req.DeviceID, req.Action) {
		return SubmitResult{ReqID: req.ReqID, Status: ResultProcessing, Code: model.AckDispatched}, nil
	}

	now := time.Now().UTC()
	cmd := model.Command{
		ID:           uuid.New(),
		ReqID:        req.ReqID,
		DeviceID:     req.DeviceID,
		Module:       req.Module,
		Actor:        req.Actor,
		Action:       req.Action,
		Params:       req.Params,
		Status:       model.CommandDispatched,
		DispatchedAt: now,
	}

	// 6. persist dispatch
	if err := e.store.RecordCommandDispatch(ctx, cmd); err != nil {
		e.dedup.FinishErr(req.ReqID, "processing_error")
		e.sendToDLQ(ctx, model.ReasonProcessingError, "", nil, req, fmt.Sprintf("dispatch persistence failed: %v", err))
		return SubmitResult{ReqID: req.ReqID, Status: ResultFailed, Code: model.AckException, Error: "processing_error"}, nil
	}

	// 7. register pending correlation
	pc := &pendingCorrelation{
		reqID:      req.ReqID,
		deviceID:   req.DeviceID,
		module:     req.Module,
		action:     req.Action,
		deadline:   now.Add(timeout),
		resultCh:   make(chan SubmitResult, 1),
		wasOffline: !device.Online,
	}
	e.mu.Lock()
	e.pending[req.ReqID] = pc
	if e.metrics != nil {
		e.metrics.SetPendingCorrelations(len(e.pending))
	}
	e.mu.Unlock()

	// 8. publish
	topic := bus.ModuleCmdTopic(req.DeviceID, req.Module)
	payload, err := json.Marshal(validation.CommandEnvelope{
		ReqID: req.ReqID, Actor: req.Actor, TS: now.Format(time.RFC3339), Action: req.Action, Params: req.Params,
	})
	if err != nil {
		return e.publishFailure(ctx, req, err), nil
	}
	if err := e.pub.Publish(ctx, topic, payload, bus.QoSAtLeastOnce, false); err != nil {
		e.removePending(req.ReqID)
		e.dedup.FinishErr(req.ReqID, "processing_error")
		e.sendToDLQ(ctx, model.ReasonProcessingError, topic, payload, req, fmt.Sprintf("publish failed: %v", err))
		return SubmitResult{ReqID: req.ReqID, Status: ResultFailed, Code: model.AckException, Error: "processing_error"}, nil
	}

	// 9. await ack or timeout
	return e.await(ctx, pc, topic, payload, req), nil
}

func (e *Engine) publishFailure(ctx context.Context, req SubmitRequest, err error) SubmitResult {
	e.removePending(req.ReqID)
	e.dedup.FinishErr(req.ReqID, "processing_error")
	e.sendToDLQ(ctx, model.ReasonProcessingError, "", nil, req, fmt.Sprintf("encode failed: %v", err))
	return SubmitResult{ReqID: req.ReqID, Status: ResultFailed, Code: model.AckException, Error: "processing_error"}
}

func (e *Engine) cachedResult(reqID string, result any, failed bool, errMsg string) SubmitResult {
	res := SubmitResult{ReqID: reqID, Success: !failed}
	if failed {
		res.Status = ResultFailed
		res.Error = errMsg
	} else {
		res.Status = ResultAcked
		if m, ok := result.(map[string]any); ok {
			res.Details = m
		}
	}
	return res
}

// failLocally synthesizes an ack locally for a routing failure (unknown
// device/module), records a failed command, and sends to the DLQ — spec §7.
func (e *Engine) failLocally(ctx context.Context, req SubmitRequest, reason model.FailureReason, code model.AckCode, errMsg string) SubmitResult {
	now := time.Now().UTC()
	cmd := model.Command{
		ID: uuid.New(), ReqID: req.ReqID, DeviceID: req.DeviceID, Module: req.Module,
		Actor: req.Actor, Action: req.Action, Params: req.Params,
		Status: model.CommandDispatched, DispatchedAt: now,
	}
	if err := e.store.RecordCommandDispatch(ctx, cmd); err != nil {
		e.log.Error("failed to persist routing-failure dispatch row", zap.Error(err))
	}
	success := false
	if _, err := e.store.RecordCommandAck(ctx, req.ReqID, model.CommandFailed, success, errMsg, nil, now); err != nil {
		e.log.Error("failed to persist routing-failure ack", zap.Error(err))
	}
	e.sendToDLQ(ctx, reason, "", nil, req, errMsg)
	return SubmitResult{ReqID: req.ReqID, Status: ResultFailed, Success: false, Code: code, Error: errMsg}
}

// rejectSubmit handles a command envelope that fails C2 validation: it is
// dead-lettered as schema_violation and never reaches dedup, routing, or
// dispatch (spec §4.1 "validation failure ... is not delivered to handlers").
func (e *Engine) rejectSubmit(ctx context.Context, req SubmitRequest, errMsg string) SubmitResult {
	e.sendToDLQ(ctx, model.ReasonSchemaViolation, "", nil, req, errMsg)
	return SubmitResult{ReqID: req.ReqID, Status: ResultFailed, Success: false, Code: model.AckBadRequest, Error: errMsg}
}

func (e *Engine) sendToDLQ(ctx context.Context, reason model.FailureReason, topic string, payload []byte, req SubmitRequest, errMsg string) {
	if e.dlq == nil {
		return
	}
	if payload == nil {
		payload, _ = json.Marshal(req)
	}
	if _, err := e.dlq.Send(ctx, reason, topic, payload, req.DeviceID, req.Module, req.ReqID, errMsg, nil); err != nil {
		e.log.Error("dlq send failed", zap.Error(err), zap.String("req_id", req.ReqID))
	}
}

// rejectAck dead-letters an ack that fails C2 validation. No pending
// correlation is touched: the waiter (if any) stays pending and resolves via
// its own timeout, exactly as if the malformed message had never arrived.
func (e *Engine) rejectAck(ctx context.Context, msg bus.InboundMessage, reqID, errMsg string) error {
	if e.dlq == nil {
		return nil
	}
	if _, err := e.dlq.Send(ctx, model.ReasonSchemaViolation, msg.Topic, msg.Payload, "", "", reqID, errMsg, nil); err != nil {
		e.log.Error("dlq send failed for invalid ack", zap.Error(err), zap.String("req_id", reqID))
	}
	return nil
}

func (e *Engine) removePending(reqID string) *pendingCorrelation {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := e.pending[reqID]
	delete(e.pending, reqID)
	if e.metrics != nil {
		e.metrics.SetPendingCorrelations(len(e.pending))
	}
	return pc
}

// await blocks until the pending correlation resolves via ack (pushed by
// HandleAck) or its own deadline, whichever happens first (spec's
// ack-vs-timeout race).
func (e *Engine) await(ctx context.Context, pc *pendingCorrelation, topic string, payload []byte, req SubmitRequest) SubmitResult {
	timer := time.NewTimer(time.Until(pc.deadline))
	defer timer.Stop()

	select {
	case res := <-pc.resultCh:
		return res
	case <-timer.C:
		return e.resolveTimeout(ctx, pc, topic, payload, req)
	case <-ctx.Done():
		return e.resolveTimeout(ctx, pc, topic, payload, req)
	}
}

func (e *Engine) resolveTimeout(ctx context.Context, pc *pendingCorrelation, topic string, payload []byte, req SubmitRequest) SubmitResult {
	if !atomic.CompareAndSwapInt32(&pc.done, 0, 1) {
		// An ack arrived between timer fire and this CAS; honor it instead.
		return <-pc.resultCh
	}
	e.removePending(pc.reqID)

	now := time.Now().UTC()
	e.dedup.FinishErr(pc.reqID, "timeout")
	if _, err := e.store.RecordCommandAck(ctx, pc.reqID, model.CommandTimeout, false, "timeout", nil, now); err != nil {
		e.log.Error("failed to persist timeout", zap.Error(err))
	}
	_ = e.store.RecordEvent(ctx, model.Event{
		ID: uuid.New(), EventType: model.EventCommandTimeout, DeviceID: pc.deviceID, Module: pc.module,
		Description: "command timed out awaiting ack", Timestamp: now,
	})

	reason := model.ReasonTimeout
	if pc.wasOffline {
		reason = model.ReasonDeviceUnreach
	}
	e.sendToDLQ(ctx, reason, topic, payload, req, "timeout")

	if e.metrics != nil {
		e.metrics.ObserveCommand(pc.deviceID, pc.module, pc.action, string(model.CommandTimeout), 0)
	}
	return SubmitResult{ReqID: pc.reqID, Status: ResultTimeout, Success: false, Code: model.AckTimeout, Error: "timeout"}
}

// HandleAck is the bus subscription handler for module ack topics. It
// matches the ack to a pending correlation by req_id and resolves it; a
// late ack for an already-timed-out req_id is still persisted idempotently
// but does not unblock any waiter (spec §4.6 Timeout path).
func (e *Engine) HandleAck(ctx context.Context, msg bus.InboundMessage) error {
	var ack validation.AckEnvelope
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return e.rejectAck(ctx, msg, "", fmt.Sprintf("bad json: %v", err))
	}

	// C2 schema validation: a malformed ack is dead-lettered as
	// schema_violation and never reaches the correlation table (spec §4.1) —
	// the same rule internal/ingest applies on the inbound side.
	if err := validation.Validate(ack); err != nil {
		return e.rejectAck(ctx, msg, ack.ReqID, err.Error())
	}
	if err := validation.CheckDetailsSize(ack.Details); err != nil {
		return e.rejectAck(ctx, msg, ack.ReqID, err.Error())
	}

	e.mu.Lock()
	pc, ok := e.pending[ack.ReqID]
	if ok {
		delete(e.pending, ack.ReqID)
		if e.metrics != nil {
			e.metrics.SetPendingCorrelations(len(e.pending))
		}
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	status := model.CommandAcked
	if !ack.Success {
		status = model.CommandFailed
	}

	record, err := e.store.RecordCommandAck(ctx, ack.ReqID, status, ack.Success, ack.Error, ack.Details, now)
	if err != nil {
		e.log.Error("failed to persist ack", zap.Error(err), zap.String("req_id", ack.ReqID))
	}

	if ack.Success {
		e.dedup.FinishOK(ack.ReqID, ack.Details)
	} else {
		e.dedup.FinishErr(ack.ReqID, ack.Error)
	}

	if !ok {
		// Late ack: persisted above (idempotent via RecordCommandAck), no
		// waiter to unblock.
		return nil
	}

	_ = e.store.RecordEvent(ctx, model.Event{
		ID: uuid.New(), EventType: model.EventCommandExecuted, DeviceID: pc.deviceID, Module: pc.module,
		Description: "command acknowledged", Timestamp: now,
	})

	var durationSeconds float64
	if record.DurationMS != nil {
		durationSeconds = float64(*record.DurationMS) / 1000.0
	}
	if e.metrics != nil {
		e.metrics.ObserveCommand(pc.deviceID, pc.module, pc.action, string(status), durationSeconds)
	}

	result := SubmitResult{
		ReqID: ack.ReqID, Success: ack.Success, Details: ack.Details, Error: ack.Error,
		Code: model.AckCode(ack.Code),
	}
	if ack.Success {
		result.Status = ResultAcked
	} else {
		result.Status = ResultFailed
	}

	if atomic.CompareAndSwapInt32(&pc.done, 0, 1) {
		pc.resultCh <- result
	}
	return nil
}

// Shutdown drains every pending correlation, failing each with
// processing_error (spec §5: "shutdown drains pending correlations by
// failing them with processing_error").
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	pending := make([]*pendingCorrelation, 0, len(e.pending))
	for _, pc := range e.pending {
		pending = append(pending, pc)
	}
	e.pending = make(map[string]*pendingCorrelation)
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, pc := range pending {
		e.dedup.FinishErr(pc.reqID, "processing_error")
		if _, err := e.store.RecordCommandAck(ctx, pc.reqID, model.CommandFailed, false, "processing_error", nil, now); err != nil {
			e.log.Error("shutdown: failed to persist drained command", zap.Error(err))
		}
		if atomic.CompareAndSwapInt32(&pc.done, 0, 1) {
			pc.resultCh <- SubmitResult{ReqID: pc.reqID, Status: ResultFailed, Success: false, Code: model.AckException, Error: "processing_error"}
		}
	}
}

// PendingCount reports the number of in-flight correlations, for C9's gauge.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
