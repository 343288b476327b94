package validation_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/farahorfaly04/lab-orchestrator/internal/validation"
)

func TestCommandEnvelopeValid(t *testing.T) {
	env := validation.CommandEnvelope{
		ReqID:  "r1",
		Actor:  "api",
		TS:     time.Now().UTC().Format(time.RFC3339),
		Action: "start",
	}
	assert.NoError(t, validation.Validate(env))
}

func TestCommandEnvelopeRejectsBadActor(t *testing.T) {
	env := validation.CommandEnvelope{
		ReqID:  "r1",
		Actor:  "nope",
		TS:     time.Now().UTC().Format(time.RFC3339),
		Action: "start",
	}
	assert.Error(t, validation.Validate(env))
}

func TestCommandEnvelopeAcceptsHostActor(t *testing.T) {
	env := validation.CommandEnvelope{
		ReqID:  "r1",
		Actor:  "host:gateway-1",
		TS:     time.Now().UTC().Format(time.RFC3339),
		Action: "start",
	}
	assert.NoError(t, validation.Validate(env))
}

func TestParamsSizeBoundary(t *testing.T) {
	small := map[string]any{"x": strings.Repeat("a", 10)}
	assert.NoError(t, validation.CheckParamsSize(small))

	big := map[string]any{"x": strings.Repeat("a", validation.MaxParamsBytes+100)}
	assert.Error(t, validation.CheckParamsSize(big))
}

func TestKeystoneBoundary(t *testing.T) {
	assert.NoError(t, validation.CheckProjectorAdjustment("H-KEYSTONE", 40))
	assert.NoError(t, validation.CheckProjectorAdjustment("H-KEYSTONE", -40))
	assert.Error(t, validation.CheckProjectorAdjustment("H-KEYSTONE", 41))
	assert.Error(t, validation.CheckProjectorAdjustment("H-KEYSTONE", -41))
}

func TestImageShiftBoundary(t *testing.T) {
	assert.NoError(t, validation.CheckProjectorAdjustment("V-IMAGE-SHIFT", 100))
	assert.Error(t, validation.CheckProjectorAdjustment("V-IMAGE-SHIFT", 101))
}

func TestCronArity(t *testing.T) {
	assert.NoError(t, validation.CheckCronArity("*/5 * * * *"))
	assert.Error(t, validation.CheckCronArity("* * * *"))
	assert.Error(t, validation.CheckCronArity("* * * * * *"))
}

func TestDeviceMetaEnvelope(t *testing.T) {
	env := validation.DeviceMetaEnvelope{
		DeviceID: "proj-01",
		Modules:  []string{"projector_module"},
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
	assert.NoError(t, validation.Validate(env))

	bad := env
	bad.DeviceID = "proj 01!"
	assert.Error(t, validation.Validate(bad))
}

func TestAckEnvelopeCode(t *testing.T) {
	env := validation.AckEnvelope{
		ReqID:  "r1",
		Action: "start",
		Actor:  "api",
		Code:   "OK",
		TS:     time.Now().UTC().Format(time.RFC3339),
	}
	assert.NoError(t, validation.Validate(env))

	env.Code = "NOT_A_CODE"
	assert.Error(t, validation.Validate(env))
}
