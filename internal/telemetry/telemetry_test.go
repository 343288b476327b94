package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farahorfaly04/lab-orchestrator/internal/telemetry"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeBus struct{ connected bool }

func (f fakeBus) Connected() bool { return f.connected }

type fakeRegistry struct{ total, online int }

func (f fakeRegistry) Stats() (int, int) { return f.total, f.online }

func TestLivenessAlwaysAlive(t *testing.T) {
	h := telemetry.NewHealth(time.Now().Add(-time.Minute), fakePinger{}, fakeBus{connected: true}, fakeRegistry{})
	live := h.Liveness()
	assert.True(t, live.Alive)
	assert.GreaterOrEqual(t, live.UptimeSeconds, 59.0)
}

func TestReadinessFailsWhenStoreUnreachable(t *testing.T) {
	h := telemetry.NewHealth(time.Now().Add(-time.Minute), fakePinger{err: errors.New("down")}, fakeBus{connected: true}, fakeRegistry{total: 1})
	r := h.Readiness(context.Background())
	require.False(t, r.Ready)
	assert.False(t, r.StoreReachable)
	assert.True(t, r.BusConnected)
}

func TestFullHealthDegradedBelowHalfOnline(t *testing.T) {
	h := telemetry.NewHealth(time.Now().Add(-time.Minute), fakePinger{}, fakeBus{connected: true}, fakeRegistry{total: 4, online: 1})
	full := h.FullHealth(context.Background())
	assert.Equal(t, "degraded", full.DeviceStatus)
	assert.Equal(t, 0.25, full.OnlineRatio)
}

func TestFullHealthHealthyAtOrAboveHalfOnline(t *testing.T) {
	h := telemetry.NewHealth(time.Now().Add(-time.Minute), fakePinger{}, fakeBus{connected: true}, fakeRegistry{total: 4, online: 2})
	full := h.FullHealth(context.Background())
	assert.Equal(t, "healthy", full.DeviceStatus)
}

func TestMetricsObserveCommandDoesNotPanic(t *testing.T) {
	m := telemetry.New()
	m.ObserveCommand("dev1", "proj", "start", "acked", 0.12)
	m.SetPendingCorrelations(3)
	m.ObserveBusMessage("in", "/lab/device/+/meta", 128)
	m.ObservePersistence("record_command_dispatch", nil, 5*time.Millisecond)
	m.SetDeviceCounts(10, 7)
	m.SetDLQActive(2)
}
