// Package registry implements the device registry (C5): an in-memory,
// authoritative map of known devices, updated from meta/status/heartbeat
// bus messages and swept periodically for staleness. Grounded on
// xmidt-org-webpa-common's device map (each device keyed by ID, serialized
// updates per device) and the original's device-tracking behavior in
// models.py / health.py's _check_devices.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/model"
)

// entry pairs a device with the mutex that serializes updates to it, so two
// concurrent meta/status messages for the same device never interleave.
type entry struct {
	mu     sync.Mutex
	device model.Device
}

// Registry is the authoritative, in-memory device map.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	devices map[string]*entry

	staleAfter time.Duration
}

// New builds a Registry that considers a device stale after staleAfter has
// elapsed since its last heartbeat/status update.
func New(log *zap.Logger, staleAfter time.Duration) *Registry {
	return &Registry{
		log:        log,
		devices:    make(map[string]*entry),
		staleAfter: staleAfter,
	}
}

func (r *Registry) entryFor(id string) *entry {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.devices[id]; ok {
		return e
	}
	e = &entry{device: model.Device{ID: id}}
	r.devices[id] = e
	return e
}

// UpsertMeta applies a device meta envelope: modules, capabilities, labels,
// version. Creates the device on first sight, matching the original's
// "device appears on first meta message, never destroyed thereafter". A meta
// message implies the device is reachable, so it also marks the device
// online (spec §4.5). Fields the envelope left empty are a partial upsert
// and keep whatever was already known rather than being blanked out.
func (r *Registry) UpsertMeta(id string, modules, labels []string, capabilities map[string]model.ModuleCapability, version string, metadata map[string]any, now time.Time) {
	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(modules) > 0 {
		e.device.Modules = modules
	}
	if len(labels) > 0 {
		e.device.Labels = labels
	}
	if len(capabilities) > 0 {
		e.device.Capabilities = capabilities
	}
	if version != "" {
		e.device.Version = version
	}
	if len(metadata) > 0 {
		e.device.Metadata = metadata
	}
	e.device.Online = true
	e.device.LastSeen = now
	r.log.Debug("device meta applied", zap.String("device_id", id))
}

// UpdateStatus applies an online/offline status transition.
func (r *Registry) UpdateStatus(id string, online bool, now time.Time) {
	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.device.Online = online
	e.device.LastSeen = now
}

// RecordHeartbeat refreshes LastSeen and online state from a heartbeat.
func (r *Registry) RecordHeartbeat(hb model.Heartbeat) {
	e := r.entryFor(hb.DeviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.device.Online = hb.Online
	e.device.LastSeen = hb.Timestamp
}

// Get returns a snapshot copy of the device, if known.
func (r *Registry) Get(id string) (model.Device, bool) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return model.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device, true
}

// List returns a snapshot of every known device, optionally filtered to
// online-only, matching the original's get_all_devices(online_only).
func (r *Registry) List(onlineOnly bool) []model.Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := e.device
		e.mu.Unlock()
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Stats returns (total, online) device counts, feeding C9's device-ratio
// health check.
func (r *Registry) Stats() (total, online int) {
	devices := r.List(false)
	total = len(devices)
	for _, d := range devices {
		if d.Online {
			online++
		}
	}
	return total, online
}

// sweepStale marks any device whose LastSeen predates staleAfter as offline.
func (r *Registry) sweepStale(now time.Time) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.device.Online && now.Sub(e.device.LastSeen) > r.staleAfter {
			e.device.Online = false
			r.log.Info("device marked stale", zap.String("device_id", e.device.ID))
		}
		e.mu.Unlock()
	}
}

// RunStalenessSweeper blocks, sweeping for stale devices every interval
// until ctx is cancelled. Intended to run as a background goroutine.
func (r *Registry) RunStalenessSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.sweepStale(t)
		}
	}
}
