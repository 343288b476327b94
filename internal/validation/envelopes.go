// Package validation implements the C2 schema validator: strict,
// rejection-is-hard validation of every envelope kind (spec §4.2), grounded
// on the original's schema.py Pydantic models and restated as
// go-playground/validator struct tags layered with hand-written
// cross-field rules the tag language cannot express (keystone/image-shift
// bounds, size limits measured in serialized bytes).
package validation

// CommandEnvelope is the inbound command request published on a module's
// cmd topic, mirroring schema.py's MQTTCommandEnvelope.
type CommandEnvelope struct {
	ReqID  string         `json:"req_id" validate:"required,min=1,max=255"`
	Actor  string         `json:"actor" validate:"required,actorgrammar"`
	TS     string         `json:"ts" validate:"required,iso8601"`
	Action string         `json:"action" validate:"required,min=1,max=100"`
	Params map[string]any `json:"params" validate:"omitempty"`
}

// AckEnvelope is the device's response to a dispatched command.
type AckEnvelope struct {
	ReqID   string         `json:"req_id" validate:"required,min=1,max=255"`
	Success bool           `json:"success"`
	Action  string         `json:"action" validate:"required,min=1,max=100"`
	Actor   string         `json:"actor" validate:"required,actorgrammar"`
	Code    string         `json:"code" validate:"required,ackcode"`
	Error   string         `json:"error" validate:"omitempty,max=1000"`
	Details map[string]any `json:"details" validate:"omitempty"`
	TS      string         `json:"ts" validate:"required,iso8601"`
}

// DeviceMetaEnvelope is the device's self-description, published on its
// meta topic.
type DeviceMetaEnvelope struct {
	DeviceID     string                    `json:"device_id" validate:"required,deviceid"`
	Modules      []string                  `json:"modules" validate:"omitempty,dive,modulename"`
	Capabilities map[string]map[string]any `json:"capabilities" validate:"omitempty"`
	Labels       []string                  `json:"labels" validate:"omitempty,max=20,dive,max=50"`
	Version      string                    `json:"version"`
	TS           string                    `json:"ts" validate:"required,iso8601"`
}

// DeviceStatusEnvelope is a coarse online/offline announcement.
type DeviceStatusEnvelope struct {
	DeviceID      string  `json:"device_id" validate:"required,deviceid"`
	Online        bool    `json:"online"`
	TS            string  `json:"ts" validate:"required,iso8601"`
	UptimeSeconds *int64  `json:"uptime_seconds,omitempty"`
	MemoryUsage   *float64 `json:"memory_usage,omitempty"`
}

// ModuleStatusEnvelope is a per-module state snapshot.
type ModuleStatusEnvelope struct {
	State  string         `json:"state" validate:"required,min=1,max=50"`
	Online bool           `json:"online"`
	TS     string         `json:"ts" validate:"required,iso8601"`
	Fields map[string]any `json:"fields" validate:"omitempty"`
}

// Size ceilings enforced on the serialized JSON of the named fields (spec
// §4.2/§8), checked separately from struct tags since they apply to the
// re-serialized byte length of a nested map, not the field itself.
const (
	MaxParamsBytes  = 64 * 1024
	MaxDetailsBytes = 32 * 1024
	MaxFieldsBytes  = 16 * 1024
)

// validAckCodes enumerates the wire-level response codes (spec §6).
var validAckCodes = map[string]bool{
	"OK": true, "BAD_JSON": true, "BAD_REQUEST": true, "DEVICE_ERROR": true,
	"MODULE_ERROR": true, "EXCEPTION": true, "TIMEOUT": true, "DISPATCHED": true,
	"SCHEDULED": true, "IN_USE": true, "NOT_OWNER": true, "BAD_ACTION": true,
}
