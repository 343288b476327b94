package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/engine"
	"github.com/farahorfaly04/lab-orchestrator/internal/model"
	"github.com/farahorfaly04/lab-orchestrator/internal/schedule"
)

func TestValidateExpressionCronArity(t *testing.T) {
	require.NoError(t, schedule.ValidateExpression(model.ScheduleCron, "*/5 * * * *"))
	assert.Error(t, schedule.ValidateExpression(model.ScheduleCron, "*/5 * * *"))
	assert.Error(t, schedule.ValidateExpression(model.ScheduleCron, "*/5 * * * * *"))
}

func TestValidateExpressionOnceRequiresISO8601(t *testing.T) {
	require.NoError(t, schedule.ValidateExpression(model.ScheduleOnce, time.Now().Add(time.Hour).Format(time.RFC3339)))
	assert.Error(t, schedule.ValidateExpression(model.ScheduleOnce, "not-a-timestamp"))
}

type fakeStore struct {
	upserted []model.Schedule
}

func (f *fakeStore) ListActiveSchedules(ctx context.Context) ([]model.Schedule, error) {
	return nil, nil
}

func (f *fakeStore) UpsertSchedule(ctx context.Context, sch model.Schedule) error {
	f.upserted = append(f.upserted, sch)
	return nil
}

type fakeSubmitter struct {
	submitted []engine.SubmitRequest
}

func (f *fakeSubmitter) Submit(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	return engine.SubmitResult{ReqID: req.ReqID, Status: engine.ResultAcked, Success: true}, nil
}

func TestArmOnceSkipsElapsedExpression(t *testing.T) {
	store := &fakeStore{}
	sub := &fakeSubmitter{}
	r := schedule.New(zap.NewNop(), store, sub)
	defer r.Stop()

	sch := model.Schedule{
		Name: "past-run", DeviceID: "dev1", Type: model.ScheduleOnce,
		Expression: time.Now().Add(-time.Hour).Format(time.RFC3339), Active: true,
		Commands: []model.ScheduleCommand{{Action: "start"}},
	}
	require.NoError(t, r.Arm(context.Background(), sch))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.submitted)
}

func TestArmOnceFiresAndDeactivates(t *testing.T) {
	store := &fakeStore{}
	sub := &fakeSubmitter{}
	r := schedule.New(zap.NewNop(), store, sub)
	defer r.Stop()

	sch := model.Schedule{
		Name: "soon", DeviceID: "dev1", Type: model.ScheduleOnce,
		Expression: time.Now().Add(20 * time.Millisecond).Format(time.RFC3339Nano), Active: true,
		Commands: []model.ScheduleCommand{{Action: "start"}},
	}
	require.NoError(t, r.Arm(context.Background(), sch))

	require.Eventually(t, func() bool { return len(sub.submitted) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(store.upserted) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, store.upserted[0].Active)
	assert.Equal(t, 1, store.upserted[0].RunCount)
}
