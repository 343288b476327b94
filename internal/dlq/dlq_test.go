package dlq_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/dlq"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/store"
)

// fakeStore is a minimal in-memory DeadLetterStore for testing, matching
// the small surface dlq.Queue depends on.
type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]model.DeadLetterRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]model.DeadLetterRecord)}
}

func (f *fakeStore) InsertDeadLetter(_ context.Context, r model.DeadLetterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r
	return nil
}

func (f *fakeStore) GetDeadLetter(_ context.Context, id uuid.UUID) (model.DeadLetterRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok, nil
}

func (f *fakeStore) ListDeadLetters(_ context.Context, _ store.DLQFilter) ([]model.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DeadLetterRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) IncrementDLQRetry(_ context.Context, id uuid.UUID, now time.Time) (model.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[id]
	r.RetryCount++
	r.LastFailedAt = now
	f.records[id] = r
	return r, nil
}

func (f *fakeStore) PurgeDeadLettersOlderThan(_ context.Context, days int, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.AddDate(0, 0, -days)
	var n int64
	for id, r := range f.records {
		if r.LastFailedAt.Before(cutoff) {
			delete(f.records, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DLQStats(_ context.Context) (store.DLQStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := store.DLQStats{ByReason: map[model.FailureReason]int{}, ByDevice: map[string]int{}, ByModule: map[string]int{}}
	for _, r := range f.records {
		stats.Total++
		stats.ByReason[r.FailureReason]++
	}
	return stats, nil
}

// fakePublisher records every publish for assertion.
type fakePublisher struct {
	mu        sync.Mutex
	published []published
}

type published struct {
	topic   string
	payload []byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, _ bus.QoS, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func TestSendRoutesByScope(t *testing.T) {
	s := newFakeStore()
	pub := &fakePublisher{}
	q := dlq.New(zap.NewNop(), s, pub, 3)

	_, err := q.Send(context.Background(), model.ReasonTimeout, "/lab/device/d1/proj/cmd", []byte("{}"), "d1", "proj", "r1", "timed out", nil)
	require.NoError(t, err)

	assert.Equal(t, "/lab/dlq/d1/proj", pub.last().topic)
}

func TestSendRoutesOrchestratorScopeWhenNoDevice(t *testing.T) {
	s := newFakeStore()
	pub := &fakePublisher{}
	q := dlq.New(zap.NewNop(), s, pub, 3)

	_, err := q.Send(context.Background(), model.ReasonSchemaViolation, "/lab/device/x/ack", []byte("{}"), "", "", "", "bad json", nil)
	require.NoError(t, err)

	assert.Equal(t, "/lab/dlq/orchestrator", pub.last().topic)
}

func TestRetryRepublishesAndIncrementsCount(t *testing.T) {
	s := newFakeStore()
	pub := &fakePublisher{}
	q := dlq.New(zap.NewNop(), s, pub, 3)

	rec, err := q.Send(context.Background(), model.ReasonTimeout, "/lab/device/d1/proj/cmd", []byte(`{"action":"start"}`), "d1", "proj", "r1", "timeout", nil)
	require.NoError(t, err)

	ctlMsg := bus.InboundMessage{Payload: mustJSON(t, map[string]any{
		"action": "retry", "dlq_id": rec.ID.String(), "req_id": "op1",
	})}
	require.NoError(t, q.HandleControlMessage(context.Background(), ctlMsg))

	republish := pub.published[len(pub.published)-2]
	assert.Equal(t, "/lab/device/d1/proj/cmd", republish.topic)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(pub.last().payload, &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "op1", resp["req_id"])

	stored, _, _ := s.GetDeadLetter(context.Background(), rec.ID)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestRetryRefusedPastMaxRetries(t *testing.T) {
	s := newFakeStore()
	pub := &fakePublisher{}
	q := dlq.New(zap.NewNop(), s, pub, 1)

	rec, err := q.Send(context.Background(), model.ReasonTimeout, "/lab/device/d1/proj/cmd", []byte("{}"), "d1", "proj", "r1", "timeout", nil)
	require.NoError(t, err)
	_, _ = s.IncrementDLQRetry(context.Background(), rec.ID, time.Now())

	ctlMsg := bus.InboundMessage{Payload: mustJSON(t, map[string]any{
		"action": "retry", "dlq_id": rec.ID.String(), "req_id": "op2",
	})}
	require.NoError(t, q.HandleControlMessage(context.Background(), ctlMsg))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(pub.last().payload, &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "retry_exhausted", resp["error"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
