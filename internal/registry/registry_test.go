package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/registry"
)

func TestUpsertMetaCreatesDevice(t *testing.T) {
	r := registry.New(zap.NewNop(), 5*time.Minute)
	now := time.Now()

	r.UpsertMeta("dev1", []string{"projector"}, []string{"lab-a"}, nil, "1.0", nil, now)

	d, ok := r.Get("dev1")
	require.True(t, ok)
	assert.True(t, d.HasModule("projector"))
	assert.Equal(t, "1.0", d.Version)
}

func TestUpsertMetaMarksDeviceOnline(t *testing.T) {
	r := registry.New(zap.NewNop(), 5*time.Minute)
	now := time.Now()

	r.UpsertMeta("dev1", []string{"projector"}, nil, nil, "1.0", nil, now)

	d, ok := r.Get("dev1")
	require.True(t, ok)
	assert.True(t, d.Online, "a device seen only via meta must be marked online")
}

func TestUpsertMetaPartialUpdateMergesRatherThanBlanks(t *testing.T) {
	r := registry.New(zap.NewNop(), 5*time.Minute)
	now := time.Now()

	r.UpsertMeta("dev1", []string{"projector", "screen"}, []string{"lab-a"}, nil, "1.0", nil, now)
	// A later, version-only meta message must not erase the modules/labels
	// already known from the first one.
	r.UpsertMeta("dev1", nil, nil, nil, "1.1", nil, now.Add(time.Minute))

	d, ok := r.Get("dev1")
	require.True(t, ok)
	assert.True(t, d.HasModule("projector"))
	assert.True(t, d.HasModule("screen"))
	assert.Equal(t, []string{"lab-a"}, d.Labels)
	assert.Equal(t, "1.1", d.Version)
}

func TestListOnlineOnlyFilters(t *testing.T) {
	r := registry.New(zap.NewNop(), 5*time.Minute)
	now := time.Now()

	r.UpsertMeta("dev1", nil, nil, nil, "", nil, now)
	r.UpdateStatus("dev1", true, now)
	r.UpsertMeta("dev2", nil, nil, nil, "", nil, now)
	r.UpdateStatus("dev2", false, now)

	online := r.List(true)
	require.Len(t, online, 1)
	assert.Equal(t, "dev1", online[0].ID)

	total, onlineCount := r.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, onlineCount)
}

func TestStalenessSweepMarksOffline(t *testing.T) {
	r := registry.New(zap.NewNop(), 1*time.Millisecond)
	past := time.Now().Add(-time.Hour)

	r.UpsertMeta("dev1", nil, nil, nil, "", nil, past)
	r.UpdateStatus("dev1", true, past)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go r.RunStalenessSweeper(ctx, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		d, _ := r.Get("dev1")
		return !d.Online
	}, 200*time.Millisecond, 5*time.Millisecond)
}
