// Package ingest wires inbound bus deliveries (meta, status, heartbeat,
// module-status) through C2 validation into C5 registry updates and C3
// persistence, and routes anything that fails validation to C7 with
// `schema_violation` — the "validation failure routes to C7 ... is not
// delivered to handlers" rule from spec §4.1. The per-topic dispatch table
// itself has no original-source equivalent (no MQTT handler module survived
// the code-only retrieval filter); the per-envelope validate-then-route
// shape is grounded on schema.py's envelope models plus dead_letter.py's
// schema_violation classification, which this package reuses via
// internal/validation and internal/dlq.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/validation"
)

// Registry is the narrow C5 surface ingest reads and writes: updates land
// in-memory first, then the resulting snapshot is persisted via Store so
// C3 never has to reconstruct a full Device row itself.
type Registry interface {
	UpsertMeta(id string, modules, labels []string, capabilities map[string]model.ModuleCapability, version string, metadata map[string]any, now time.Time)
	UpdateStatus(id string, online bool, now time.Time)
	RecordHeartbeat(hb model.Heartbeat)
	Get(id string) (model.Device, bool)
}

// Store is the narrow C3 write surface ingest persists through.
type Store interface {
	UpsertDevice(ctx context.Context, d model.Device) error
	RecordModuleStatus(ctx context.Context, ms model.ModuleStatus) error
	RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error
}

// DeadLetterSink is the narrow C7 surface a validation failure is routed to.
type DeadLetterSink interface {
	Send(ctx context.Context, reason model.FailureReason, originalTopic string, payload []byte, deviceID, module, reqID, errMsg string, metadata map[string]any) (model.DeadLetterRecord, error)
}

// Handlers binds the registry/store/DLQ into bus.Handler callbacks ready to
// subscribe to the wildcard topics in bus.topics.go.
type Handlers struct {
	log   *zap.Logger
	reg   Registry
	store Store
	dlq   DeadLetterSink
}

// New builds a Handlers set.
func New(log *zap.Logger, reg Registry, store Store, dlq DeadLetterSink) *Handlers {
	return &Handlers{log: log, reg: reg, store: store, dlq: dlq}
}

func deviceIDFromTopic(topic string, segment int) string {
	parts := bus.SplitTopic(topic)
	if segment < len(parts) {
		return parts[segment]
	}
	return ""
}

func (h *Handlers) reject(ctx context.Context, topic string, payload []byte, deviceID, module, errMsg string) error {
	_, err := h.dlq.Send(ctx, model.ReasonSchemaViolation, topic, payload, deviceID, module, "", errMsg, nil)
	if err != nil {
		h.log.Error("ingest: failed to dead-letter invalid envelope", zap.String("topic", topic), zap.Error(err))
	}
	return nil // validation failures are terminal, not handler errors
}

// HandleMeta processes `/lab/device/{id}/meta`.
func (h *Handlers) HandleMeta(ctx context.Context, msg bus.InboundMessage) error {
	deviceID := deviceIDFromTopic(msg.Topic, 2)

	var raw map[string]any
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", fmt.Sprintf("bad json: %v", err))
	}

	var env validation.DeviceMetaEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", fmt.Sprintf("decode: %v", err))
	}
	if err := validation.Validate(env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", err.Error())
	}

	now := time.Now().UTC()
	capabilities := make(map[string]model.ModuleCapability, len(env.Capabilities))
	for k, v := range env.Capabilities {
		capabilities[k] = model.ModuleCapability(v)
	}
	var metadata map[string]any
	if m, ok := raw["metadata"].(map[string]any); ok {
		metadata = m
	}

	h.reg.UpsertMeta(env.DeviceID, env.Modules, env.Labels, capabilities, env.Version, metadata, now)

	if device, ok := h.reg.Get(env.DeviceID); ok {
		if err := h.store.UpsertDevice(ctx, device); err != nil {
			h.log.Error("ingest: failed to persist device meta", zap.String("device_id", env.DeviceID), zap.Error(err))
		}
	}
	return nil
}

// HandleStatus processes `/lab/device/{id}/status`.
func (h *Handlers) HandleStatus(ctx context.Context, msg bus.InboundMessage) error {
	deviceID := deviceIDFromTopic(msg.Topic, 2)

	var env validation.DeviceStatusEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", fmt.Sprintf("decode: %v", err))
	}
	if err := validation.Validate(env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", err.Error())
	}

	now := time.Now().UTC()
	h.reg.UpdateStatus(env.DeviceID, env.Online, now)

	if device, ok := h.reg.Get(env.DeviceID); ok {
		if err := h.store.UpsertDevice(ctx, device); err != nil {
			h.log.Error("ingest: failed to persist device status", zap.String("device_id", env.DeviceID), zap.Error(err))
		}
	}
	return nil
}

// heartbeatEnvelope mirrors the `{online, ts, metadata}` shape from spec §6.
type heartbeatEnvelope struct {
	Online   bool           `json:"online"`
	TS       string         `json:"ts" validate:"required,iso8601"`
	Metadata map[string]any `json:"metadata"`
}

// HandleHeartbeat processes `/lab/device/{id}/heartbeat`.
func (h *Handlers) HandleHeartbeat(ctx context.Context, msg bus.InboundMessage) error {
	deviceID := deviceIDFromTopic(msg.Topic, 2)

	var env heartbeatEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", fmt.Sprintf("decode: %v", err))
	}
	if err := validation.Validate(env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, "", err.Error())
	}

	hb := model.Heartbeat{DeviceID: deviceID, Online: env.Online, Timestamp: time.Now().UTC(), Metadata: env.Metadata}
	h.reg.RecordHeartbeat(hb)
	if err := h.store.RecordHeartbeat(ctx, hb); err != nil {
		h.log.Error("ingest: failed to persist heartbeat", zap.String("device_id", deviceID), zap.Error(err))
	}
	return nil
}

// HandleModuleStatus processes `/lab/device/{id}/{module}/status`.
func (h *Handlers) HandleModuleStatus(ctx context.Context, msg bus.InboundMessage) error {
	deviceID := deviceIDFromTopic(msg.Topic, 2)
	module := deviceIDFromTopic(msg.Topic, 3)

	var env validation.ModuleStatusEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, module, fmt.Sprintf("decode: %v", err))
	}
	if err := validation.Validate(env); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, module, err.Error())
	}
	if err := validation.CheckFieldsSize(env.Fields); err != nil {
		return h.reject(ctx, msg.Topic, msg.Payload, deviceID, module, err.Error())
	}

	ms := model.ModuleStatus{DeviceID: deviceID, Module: module, State: env.State, Fields: env.Fields, Online: env.Online, Timestamp: time.Now().UTC()}
	if err := h.store.RecordModuleStatus(ctx, ms); err != nil {
		h.log.Error("ingest: failed to persist module status", zap.String("device_id", deviceID), zap.String("module", module), zap.Error(err))
	}
	return nil
}
