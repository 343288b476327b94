// Package telemetry implements C9: health/readiness/liveness probes and the
// Prometheus metrics registry, grounded on the original's metrics.py naming
// taxonomy (now under a `labhub_` prefix) and health.py's three-tier
// composition, restated atop prometheus/client_golang the way the corpus
// wires its own counters/histograms/gauges through promauto.
package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide Prometheus metrics registry, constructed once
// at startup (spec §9: "explicit singletons with lifecycle") and injected
// into every component that reports through it.
type Metrics struct {
	Registry *prometheus.Registry

	commandTotal      *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	busMessagesTotal  *prometheus.CounterVec
	busMessageBytes   *prometheus.HistogramVec
	persistenceTotal  *prometheus.CounterVec
	persistenceLatency *prometheus.HistogramVec

	devicesConnected     prometheus.Gauge
	modulesLoaded        prometheus.Gauge
	dlqActive            prometheus.Gauge
	pendingCorrelations  prometheus.Gauge
}

// New builds a Metrics registry with every series pre-registered, matching
// the original's module-level metric definitions collapsed into one owned
// registry instead of global state.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		commandTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_commands_total",
			Help: "Total commands processed, labeled by device, module, action, and terminal status.",
		}, []string{"device_id", "module", "action", "status"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labhub_command_duration_seconds",
			Help:    "Command dispatch-to-ack duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device_id", "module", "action", "status"}),

		busMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_bus_messages_total",
			Help: "Bus messages by direction (in/out) and simplified topic pattern.",
		}, []string{"direction", "topic"}),

		busMessageBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labhub_bus_message_bytes",
			Help:    "Bus message payload size in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"direction", "topic"}),

		persistenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labhub_persistence_operations_total",
			Help: "Persistence gateway operations by name and outcome.",
		}, []string{"operation", "outcome"}),

		persistenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labhub_persistence_operation_seconds",
			Help:    "Persistence gateway operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		devicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_devices_online",
			Help: "Number of devices currently marked online in the registry.",
		}),
		modulesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_devices_total",
			Help: "Number of devices known to the registry, online or not.",
		}),
		dlqActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_dlq_active_records",
			Help: "Number of unresolved dead-letter records.",
		}),
		pendingCorrelations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labhub_pending_correlations",
			Help: "Number of commands dispatched and awaiting an ack or timeout.",
		}),
	}
}

// ObserveCommand records one terminal command outcome, implementing
// engine.Metrics.
func (m *Metrics) ObserveCommand(deviceID, module, action, status string, durationSeconds float64) {
	m.commandTotal.WithLabelValues(deviceID, module, action, status).Inc()
	m.commandDuration.WithLabelValues(deviceID, module, action, status).Observe(durationSeconds)
}

// SetPendingCorrelations implements engine.Metrics.
func (m *Metrics) SetPendingCorrelations(n int) {
	m.pendingCorrelations.Set(float64(n))
}

// ObserveBusMessage records one inbound or outbound bus delivery, labeled by
// the topic's simplified (wildcard-collapsed) form to bound cardinality.
func (m *Metrics) ObserveBusMessage(direction, simplifiedTopic string, sizeBytes int) {
	m.busMessagesTotal.WithLabelValues(direction, simplifiedTopic).Inc()
	m.busMessageBytes.WithLabelValues(direction, simplifiedTopic).Observe(float64(sizeBytes))
}

// ObservePersistence records one persistence gateway call.
func (m *Metrics) ObservePersistence(operation string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.persistenceTotal.WithLabelValues(operation, outcome).Inc()
	m.persistenceLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDeviceCounts updates the registry size gauges, polled from C5.
func (m *Metrics) SetDeviceCounts(total, online int) {
	m.modulesLoaded.Set(float64(total))
	m.devicesConnected.Set(float64(online))
}

// SetDLQActive updates the active dead-letter gauge.
func (m *Metrics) SetDLQActive(n int) {
	m.dlqActive.Set(float64(n))
}

// RegistryStats is the narrow view of C5 the health checks poll.
type RegistryStats interface {
	Stats() (total, online int)
}

// Pinger is the narrow view of C3 the readiness probe exercises.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusConnChecker is the narrow view of C1 the readiness probe exercises.
type BusConnChecker interface {
	Connected() bool
}

// Health composes the three probes from spec §4.9, grounded on the
// original's health.py liveness/readiness/full-health tiers.
type Health struct {
	startedAt time.Time
	store     Pinger
	bus       BusConnChecker
	registry  RegistryStats
}

// NewHealth builds a Health checker. started is the process start time.
func NewHealth(started time.Time, store Pinger, bus BusConnChecker, registry RegistryStats) *Health {
	return &Health{startedAt: started, store: store, bus: bus, registry: registry}
}

// Liveness always succeeds once the process is up; it reports uptime only.
type Liveness struct {
	Alive        bool          `json:"alive"`
	UptimeSeconds float64      `json:"uptime_seconds"`
}

func (h *Health) Liveness() Liveness {
	return Liveness{Alive: true, UptimeSeconds: time.Since(h.startedAt).Seconds()}
}

// Readiness requires the bus connected, persistence reachable, and the
// device registry populated or deliberately quiesced (spec §4.9).
type Readiness struct {
	Ready         bool   `json:"ready"`
	BusConnected  bool   `json:"bus_connected"`
	StoreReachable bool  `json:"store_reachable"`
	RegistryReady bool   `json:"registry_ready"`
}

func (h *Health) Readiness(ctx context.Context) Readiness {
	busOK := h.bus.Connected()
	storeErr := h.store.Ping(ctx)
	storeOK := storeErr == nil

	// "populated-or-quiesced": either at least one device is known, or the
	// registry has been up long enough that an empty fleet is a legitimate
	// steady state rather than a startup race.
	total, _ := h.registry.Stats()
	regOK := total > 0 || time.Since(h.startedAt) > 30*time.Second

	return Readiness{
		Ready:          busOK && storeOK && regOK,
		BusConnected:   busOK,
		StoreReachable: storeOK,
		RegistryReady:  regOK,
	}
}

// FullHealth adds device-online-ratio and Go runtime resource usage to
// Readiness, matching the original's _check_devices (>=50% online is
// "healthy") and its psutil-based resource probe — restated on
// runtime/runtime stats since no pack dependency covers host resource
// sampling (see DESIGN.md).
type FullHealth struct {
	Readiness
	DeviceStatus    string  `json:"device_status"`
	DevicesOnline   int     `json:"devices_online"`
	DevicesTotal    int     `json:"devices_total"`
	OnlineRatio     float64 `json:"online_ratio"`
	Goroutines      int     `json:"goroutines"`
	HeapInUseBytes  uint64  `json:"heap_in_use_bytes"`
}

func (h *Health) FullHealth(ctx context.Context) FullHealth {
	readiness := h.Readiness(ctx)
	total, online := h.registry.Stats()

	ratio := 1.0
	if total > 0 {
		ratio = float64(online) / float64(total)
	}
	status := "healthy"
	if total > 0 && ratio < 0.5 {
		status = "degraded"
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return FullHealth{
		Readiness:      readiness,
		DeviceStatus:   status,
		DevicesOnline:  online,
		DevicesTotal:   total,
		OnlineRatio:    ratio,
		Goroutines:     runtime.NumGoroutine(),
		HeapInUseBytes: ms.HeapInuse,
	}
}
