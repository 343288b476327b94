package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/farahorfaly04/lab-orchestrator/internal/store"
)

func TestRetentionCutoffIsStartOfTodayMinusDays(t *testing.T) {
	now := time.Date(2026, 7, 29, 14, 37, 12, 0, time.UTC)

	cutoff := store.RetentionCutoff(now, 30)

	want := time.Date(2026, 6, 29, 0, 0, 0, 0, time.UTC)
	assert.True(t, cutoff.Equal(want), "got %v, want %v", cutoff, want)
}

func TestRetentionCutoffZeroDaysIsStartOfToday(t *testing.T) {
	now := time.Date(2026, 7, 29, 23, 59, 0, 0, time.UTC)
	cutoff := store.RetentionCutoff(now, 0)
	want := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	assert.True(t, cutoff.Equal(want))
}
