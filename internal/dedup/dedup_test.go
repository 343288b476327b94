package dedup_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farahorfaly04/lab-orchestrator/internal/dedup"
)

func TestBeginClaimsFreshOnce(t *testing.T) {
	c, err := dedup.New(16, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, dedup.Fresh, c.Check("r1", "dev1", "power_on"))
	assert.True(t, c.Begin("r1", "dev1", "power_on"))
	assert.False(t, c.Begin("r1", "dev1", "power_on"))
	assert.Equal(t, dedup.Processing, c.Check("r1", "dev1", "power_on"))
}

func TestFinishOKThenCompleted(t *testing.T) {
	c, err := dedup.New(16, time.Minute)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "power_on"))
	c.FinishOK("r1", map[string]any{"ok": true})

	assert.Equal(t, dedup.Completed, c.Check("r1", "dev1", "power_on"))
	result, failed, _, ok := c.Result("r1")
	require.True(t, ok)
	assert.False(t, failed)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestConflictOnDifferentDeviceOrAction(t *testing.T) {
	c, err := dedup.New(16, time.Minute)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "power_on"))
	c.FinishOK("r1", nil)

	assert.Equal(t, dedup.Conflict, c.Check("r1", "dev2", "power_on"))
	assert.Equal(t, dedup.Conflict, c.Check("r1", "dev1", "power_off"))
}

func TestTTLExpiry(t *testing.T) {
	c, err := dedup.New(16, time.Millisecond)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "power_on"))
	c.FinishOK("r1", nil)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, dedup.Fresh, c.Check("r1", "dev1", "power_on"))
}

func TestFinishErrAfterFinishOKDoesNotOverwriteTerminalResult(t *testing.T) {
	c, err := dedup.New(16, time.Minute)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "power_on"))
	c.FinishOK("r1", map[string]any{"ok": true})
	// Simulates the loser of an ack-vs-timeout race calling Finish* after the
	// winner already resolved the entry — it must not clobber the result.
	c.FinishErr("r1", "timeout")

	result, failed, errMsg, ok := c.Result("r1")
	require.True(t, ok)
	assert.False(t, failed)
	assert.Empty(t, errMsg)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestFinishOKAfterFinishErrDoesNotOverwriteTerminalResult(t *testing.T) {
	c, err := dedup.New(16, time.Minute)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "power_on"))
	c.FinishErr("r1", "timeout")
	c.FinishOK("r1", map[string]any{"ok": true})

	_, failed, errMsg, ok := c.Result("r1")
	require.True(t, ok)
	assert.True(t, failed)
	assert.Equal(t, "timeout", errMsg)
}

func TestBoundedCapacityEvicts(t *testing.T) {
	c, err := dedup.New(2, time.Minute)
	require.NoError(t, err)

	require.True(t, c.Begin("r1", "dev1", "a"))
	require.True(t, c.Begin("r2", "dev1", "a"))
	require.True(t, c.Begin("r3", "dev1", "a"))

	assert.Equal(t, 2, c.Len())
}
