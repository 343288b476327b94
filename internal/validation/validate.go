package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	actorPattern  = regexp.MustCompile(`^(api|orchestrator|user|host:.+)$`)
	deviceIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	moduleNameRe  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// validate is the shared validator instance with every custom tag
// registered once at package init, mirroring how the corpus sets up a
// singleton validator rather than re-registering tags per call.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("actorgrammar", func(fl validator.FieldLevel) bool {
		return actorPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return moduleNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("ackcode", func(fl validator.FieldLevel) bool {
		return validAckCodes[fl.Field().String()]
	})
	_ = v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})
	return v
}

// Validate runs struct-tag validation for any envelope type registered
// above. Callers compose this with the size-limit and cross-field checks
// below before treating an envelope as accepted.
func Validate(envelope any) error {
	if err := validate.Struct(envelope); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

// serializedSize returns the length of v re-encoded as JSON, matching the
// original's "params serialized <= 64KiB" rule (measured on the wire form,
// not the in-memory map).
func serializedSize(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("validation: marshal for size check: %w", err)
	}
	return len(b), nil
}

// CheckParamsSize enforces the command envelope's 64KiB params ceiling.
func CheckParamsSize(params map[string]any) error {
	n, err := serializedSize(params)
	if err != nil {
		return err
	}
	if n > MaxParamsBytes {
		return fmt.Errorf("validation: params %d bytes exceeds %d byte limit", n, MaxParamsBytes)
	}
	return nil
}

// CheckDetailsSize enforces the ack envelope's 32KiB details ceiling.
func CheckDetailsSize(details map[string]any) error {
	n, err := serializedSize(details)
	if err != nil {
		return err
	}
	if n > MaxDetailsBytes {
		return fmt.Errorf("validation: details %d bytes exceeds %d byte limit", n, MaxDetailsBytes)
	}
	return nil
}

// CheckFieldsSize enforces the module-status envelope's 16KiB fields ceiling.
func CheckFieldsSize(fields map[string]any) error {
	n, err := serializedSize(fields)
	if err != nil {
		return err
	}
	if n > MaxFieldsBytes {
		return fmt.Errorf("validation: fields %d bytes exceeds %d byte limit", n, MaxFieldsBytes)
	}
	return nil
}

// keystoneRange and shiftRange are the bounds recovered from the original's
// ProjectorAdjustRequest.validate_adjustment_range (models.py) — the exact
// source of spec §8's "keystone ±40 accepted, ±41 rejected" boundary.
const (
	keystoneMin = -40
	keystoneMax = 40
	shiftMin    = -100
	shiftMax    = 100
)

// CheckProjectorAdjustment validates a projector image-adjustment command's
// (adjustment, value) pair against the bound appropriate to its kind. Not
// expressible as a plain struct tag since the valid range depends on the
// sibling `adjustment` field's value.
func CheckProjectorAdjustment(adjustment string, value int) error {
	switch adjustment {
	case "H-KEYSTONE", "V-KEYSTONE":
		if value < keystoneMin || value > keystoneMax {
			return fmt.Errorf("validation: %s value %d outside [%d,%d]", adjustment, value, keystoneMin, keystoneMax)
		}
	case "H-IMAGE-SHIFT", "V-IMAGE-SHIFT":
		if value < shiftMin || value > shiftMax {
			return fmt.Errorf("validation: %s value %d outside [%d,%d]", adjustment, value, shiftMin, shiftMax)
		}
	default:
		return fmt.Errorf("validation: unknown adjustment %q", adjustment)
	}
	return nil
}

// CheckCronArity enforces the five-field cron grammar (spec §8: "exactly 5
// parts accepted; 4 or 6 rejected"), matching schema.py's split-on-
// whitespace validation.
func CheckCronArity(expr string) error {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return fmt.Errorf("validation: cron expression %q has %d fields, want 5", expr, len(parts))
	}
	return nil
}

// CheckOnceTimestamp validates a `once` schedule's ISO-8601 expression.
func CheckOnceTimestamp(expr string) error {
	if _, err := time.Parse(time.RFC3339, expr); err != nil {
		return fmt.Errorf("validation: once schedule expression %q is not ISO-8601: %w", expr, err)
	}
	return nil
}

// parseIntField is a small helper used by callers translating a loosely
// typed params map entry into the integer CheckProjectorAdjustment expects.
func parseIntField(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("validation: value %v is not numeric", v)
	}
}

// ParseIntField exposes parseIntField for callers outside this package
// that need to coerce a command's opaque params value before range-checking.
func ParseIntField(v any) (int, error) { return parseIntField(v) }
