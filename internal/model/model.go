// Package model holds the shared domain types every other package in the
// orchestrator builds on: devices, module status snapshots, commands, audit
// events, dead-letter records and schedules. Types here are plain structs
// passed by value or pointer across package boundaries; none of them own a
// mutex — ownership and synchronization live in the owning component
// (registry, engine, dedup, dlq).
package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the terminal-or-not status of a Command record.
type CommandStatus string

const (
	CommandDispatched CommandStatus = "dispatched"
	CommandAcked      CommandStatus = "acked"
	CommandFailed     CommandStatus = "failed"
	CommandTimeout    CommandStatus = "timeout"
)

// Terminal reports whether the status is one of the absorbing states.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcked, CommandFailed, CommandTimeout:
		return true
	default:
		return false
	}
}

// AckCode enumerates the wire-level response codes an Ack envelope carries.
type AckCode string

const (
	AckOK         AckCode = "OK"
	AckBadJSON    AckCode = "BAD_JSON"
	AckBadRequest AckCode = "BAD_REQUEST"
	AckDeviceErr  AckCode = "DEVICE_ERROR"
	AckModuleErr  AckCode = "MODULE_ERROR"
	AckException  AckCode = "EXCEPTION"
	AckTimeout    AckCode = "TIMEOUT"
	AckDispatched AckCode = "DISPATCHED"
	AckScheduled  AckCode = "SCHEDULED"
	AckInUse      AckCode = "IN_USE"
	AckNotOwner   AckCode = "NOT_OWNER"
	AckBadAction  AckCode = "BAD_ACTION"
)

// FailureReason classifies why a message ended up in the dead-letter queue.
type FailureReason string

const (
	ReasonValidationError FailureReason = "validation_error"
	ReasonDeviceUnreach   FailureReason = "device_unreachable"
	ReasonModuleError     FailureReason = "module_error"
	ReasonTimeout         FailureReason = "timeout"
	ReasonProcessingError FailureReason = "processing_error"
	ReasonRetryExhausted  FailureReason = "retry_exhausted"
	ReasonSchemaViolation FailureReason = "schema_violation"
	ReasonResourceLocked  FailureReason = "resource_locked"
	ReasonUnknownDevice   FailureReason = "unknown_device"
	ReasonUnknownModule   FailureReason = "unknown_module"
)

// ModuleCapability is a single module's capability table entry — an opaque
// key/value bag reported by the device in its meta envelope.
type ModuleCapability map[string]any

// Device is the registry's authoritative view of a connected (or
// soft-offline) device. The registry creates it on the first meta, status
// or heartbeat message for its ID and never destroys it; later meta
// messages update its modules, capabilities, labels, version and metadata,
// and every message updates its Online flag and LastSeen.
type Device struct {
	ID           string
	Modules      []string
	Capabilities map[string]ModuleCapability
	Labels       []string
	Version      string
	LastSeen     time.Time
	Online       bool
	Metadata     map[string]any
}

// HasModule reports whether name is one of the device's known modules.
func (d *Device) HasModule(name string) bool {
	for _, m := range d.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// ModuleStatus is an append-only snapshot of a single (device, module) pair.
type ModuleStatus struct {
	DeviceID  string
	Module    string
	State     string
	Fields    map[string]any
	Online    bool
	Timestamp time.Time
}

// Heartbeat is an append-only liveness ping from a device.
type Heartbeat struct {
	DeviceID  string
	Online    bool
	Timestamp time.Time
	Metadata  map[string]any
}

// Command is the engine's primary record: one row per req_id, covering the
// full dispatch -> ack|timeout lifecycle.
type Command struct {
	ID              uuid.UUID
	ReqID           string
	DeviceID        string
	Module          string
	Actor           string
	Action          string
	Params          map[string]any
	Status          CommandStatus
	DispatchedAt    time.Time
	AckedAt         *time.Time
	Success         *bool
	ErrorMessage    string
	ResponseDetails map[string]any
	DurationMS      *int64
}

// Event is an append-only audit record.
type Event struct {
	ID          uuid.UUID
	EventType   string
	DeviceID    string
	Module      string
	Actor       string
	Description string
	Metadata    map[string]any
	Timestamp   time.Time
}

// Common event types emitted by the command engine.
const (
	EventCommandExecuted = "command_executed"
	EventCommandTimeout  = "command_timeout"
	EventCommandFailed   = "command_failed"
	EventDeviceConnected = "device_connected"
)

// DeadLetterRecord is the persisted, operator-retryable record of a message
// the engine could not process or complete.
type DeadLetterRecord struct {
	ID             uuid.UUID
	OriginalTopic  string
	OriginalPayload []byte
	FailureReason  FailureReason
	ErrorMessage   string
	DeviceID       string
	Module         string
	ReqID          string
	RetryCount     int
	FirstFailedAt  time.Time
	LastFailedAt   time.Time
	Metadata       map[string]any
}

// ScheduleType distinguishes a one-shot schedule from a recurring cron one.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// ScheduleCommand is one command entry within a Schedule's command list.
type ScheduleCommand struct {
	DeviceID string
	Action   string
	Params   map[string]any
}

// Schedule is a named, possibly-recurring set of commands.
type Schedule struct {
	ID         uuid.UUID
	Name       string
	DeviceID   string
	Module     string
	Type       ScheduleType
	Expression string
	Commands   []ScheduleCommand
	Active     bool
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int
}
