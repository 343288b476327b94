package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/ingest"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/registry"
)

type fakeStore struct {
	devices  []model.Device
	statuses []model.ModuleStatus
	heartbeats []model.Heartbeat
}

func (f *fakeStore) UpsertDevice(ctx context.Context, d model.Device) error {
	f.devices = append(f.devices, d)
	return nil
}
func (f *fakeStore) RecordModuleStatus(ctx context.Context, ms model.ModuleStatus) error {
	f.statuses = append(f.statuses, ms)
	return nil
}
func (f *fakeStore) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

type fakeDLQ struct {
	reasons []model.FailureReason
}

func (f *fakeDLQ) Send(ctx context.Context, reason model.FailureReason, originalTopic string, payload []byte, deviceID, module, reqID, errMsg string, metadata map[string]any) (model.DeadLetterRecord, error) {
	f.reasons = append(f.reasons, reason)
	return model.DeadLetterRecord{FailureReason: reason}, nil
}

func TestHandleMetaValidAcceptedAndPersisted(t *testing.T) {
	reg := registry.New(zap.NewNop(), 5*time.Minute)
	st := &fakeStore{}
	dlq := &fakeDLQ{}
	h := ingest.New(zap.NewNop(), reg, st, dlq)

	payload := []byte(`{"device_id":"dev1","modules":["projector"],"capabilities":{},"labels":["lab-a"],"version":"1.0","ts":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
	err := h.HandleMeta(context.Background(), bus.InboundMessage{Topic: "/lab/device/dev1/meta", Payload: payload})
	require.NoError(t, err)

	d, ok := reg.Get("dev1")
	require.True(t, ok)
	assert.True(t, d.HasModule("projector"))
	assert.True(t, d.Online, "a device seen only via meta must be marked online")
	require.Len(t, st.devices, 1)
	assert.Empty(t, dlq.reasons)
}

func TestHandleMetaInvalidGoesToDLQ(t *testing.T) {
	reg := registry.New(zap.NewNop(), 5*time.Minute)
	st := &fakeStore{}
	dlq := &fakeDLQ{}
	h := ingest.New(zap.NewNop(), reg, st, dlq)

	payload := []byte(`{"device_id":"bad id!","ts":"not-a-timestamp"}`)
	err := h.HandleMeta(context.Background(), bus.InboundMessage{Topic: "/lab/device/bad id!/meta", Payload: payload})
	require.NoError(t, err)

	require.Len(t, dlq.reasons, 1)
	assert.Equal(t, model.ReasonSchemaViolation, dlq.reasons[0])
	_, ok := reg.Get("bad id!")
	assert.False(t, ok)
}

func TestHandleHeartbeatUpdatesRegistryAndStore(t *testing.T) {
	reg := registry.New(zap.NewNop(), 5*time.Minute)
	st := &fakeStore{}
	dlq := &fakeDLQ{}
	h := ingest.New(zap.NewNop(), reg, st, dlq)

	payload := []byte(`{"online":true,"ts":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
	err := h.HandleHeartbeat(context.Background(), bus.InboundMessage{Topic: "/lab/device/dev1/heartbeat", Payload: payload})
	require.NoError(t, err)

	d, ok := reg.Get("dev1")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Len(t, st.heartbeats, 1)
}

func TestHandleModuleStatusRejectsOversizedFields(t *testing.T) {
	reg := registry.New(zap.NewNop(), 5*time.Minute)
	st := &fakeStore{}
	dlq := &fakeDLQ{}
	h := ingest.New(zap.NewNop(), reg, st, dlq)

	big := make(map[string]any, 2000)
	for i := 0; i < 2000; i++ {
		big[string(rune('a'+i%26))+string(rune(i))] = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	}
	fields := map[string]any{"blob": big}
	payload, err := jsonMarshalModuleStatus(fields)
	require.NoError(t, err)

	err = h.HandleModuleStatus(context.Background(), bus.InboundMessage{Topic: "/lab/device/dev1/projector/status", Payload: payload})
	require.NoError(t, err)
	require.Len(t, dlq.reasons, 1)
	assert.Equal(t, model.ReasonSchemaViolation, dlq.reasons[0])
	assert.Empty(t, st.statuses)
}

func jsonMarshalModuleStatus(fields map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"state":  "running",
		"online": true,
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"fields": fields,
	})
}
