package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/engine"
	"github.com/farahorfaly04/lab-orchestrator/internal/httpapi"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/telemetry"
)

type fakeEngine struct {
	lastReq engine.SubmitRequest
	result  engine.SubmitResult
}

func (f *fakeEngine) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	f.lastReq = req
	return f.result, nil
}

type fakeRegistry struct{ devices []model.Device }

func (f fakeRegistry) List(onlineOnly bool) []model.Device { return f.devices }
func (f fakeRegistry) Get(id string) (model.Device, bool) {
	for _, d := range f.devices {
		if d.ID == id {
			return d, true
		}
	}
	return model.Device{}, false
}
func (f fakeRegistry) Stats() (total, online int) {
	for _, d := range f.devices {
		if d.Online {
			online++
		}
	}
	return len(f.devices), online
}

type fakePinger struct{}

func (fakePinger) Ping(ctx context.Context) error { return nil }

type fakeBus struct{}

func (fakeBus) Connected() bool { return true }

func newTestServer(t *testing.T, eng *fakeEngine, reg fakeRegistry) *httpapi.Server {
	t.Helper()
	health := telemetry.NewHealth(time.Now(), fakePinger{}, fakeBus{}, reg)
	metrics := telemetry.New()
	return httpapi.New(zap.NewNop(), eng, reg, health, metrics, 30*time.Second)
}

func TestHandleSubmitEchoesRequestID(t *testing.T) {
	eng := &fakeEngine{result: engine.SubmitResult{ReqID: "r1", Status: engine.ResultAcked, Success: true}}
	srv := newTestServer(t, eng, fakeRegistry{})

	body, _ := json.Marshal(map[string]any{"actor": "api", "action": "start", "params": map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/projector/commands", bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "r1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "dev1", eng.lastReq.DeviceID)
	assert.Equal(t, "projector", eng.lastReq.Module)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["ok"].(bool))
	assert.Equal(t, "r1", resp["req_id"])
}

func TestHandleSubmitBadJSON(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestServer(t, eng, fakeRegistry{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/projector/commands", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetDeviceNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, fakeRegistry{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReadinessReportsReady(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, fakeRegistry{devices: []model.Device{{ID: "dev1", Online: true}}})
	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
