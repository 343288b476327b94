package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/farahorfaly04/lab-orchestrator/internal/bus"
	"github.com/farahorfaly04/lab-orchestrator/internal/config"
	"github.com/farahorfaly04/lab-orchestrator/internal/dedup"
	"github.com/farahorfaly04/lab-orchestrator/internal/dlq"
	"github.com/farahorfaly04/lab-orchestrator/internal/engine"
	"github.com/farahorfaly04/lab-orchestrator/internal/httpapi"
	"github.com/farahorfaly04/lab-orchestrator/internal/ingest"
	"github.com/farahorfaly04/lab-orchestrator/internal/logging"
	"github.com/farahorfaly04/lab-orchestrator/internal/registry"
	"github.com/farahorfaly04/lab-orchestrator/internal/schedule"
	"github.com/farahorfaly04/lab-orchestrator/internal/store"
	"github.com/farahorfaly04/lab-orchestrator/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

// run wires every component per spec §9 ("explicit singletons with
// lifecycle ... constructed during startup, injected into handlers, and
// drained on shutdown") and blocks until interrupted.
func run(parent context.Context) error {
	startedAt := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.PersistenceURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	reg := registry.New(logging.Component(log, "registry"), cfg.StalenessAfter)
	dedupCache, err := dedup.New(cfg.DedupCapacity, cfg.DedupTTL)
	if err != nil {
		return err
	}
	metrics := telemetry.New()

	busClient := bus.NewMQTTClient(bus.Config{
		BrokerURL:       cfg.BusURL,
		ClientID:        cfg.BusClientID,
		LastWillTopic:   bus.HealthTestTopic,
		LastWillPayload: []byte(`{"alive":false}`),
		WorkerPoolSize:  cfg.WorkerPoolSize,
	}, logging.Component(log, "bus"))

	dlqQueue := dlq.New(logging.Component(log, "dlq"), st, busClient, cfg.DLQMaxRetries)
	eng := engine.New(logging.Component(log, "engine"), dedupCache, reg, st, busClient, dlqQueue, metrics, cfg.DefaultCommandTimeout)
	ingestHandlers := ingest.New(logging.Component(log, "ingest"), reg, st, dlqQueue)

	if err := wireSubscriptions(busClient, ingestHandlers, eng, dlqQueue); err != nil {
		return err
	}
	if err := busClient.Connect(ctx); err != nil {
		return err
	}
	defer busClient.Close()

	scheduler := schedule.New(logging.Component(log, "schedule"), st, eng)
	if err := scheduler.LoadActive(ctx); err != nil {
		log.Error("failed to load active schedules", zap.Error(err))
	}
	defer scheduler.Stop()

	go reg.RunStalenessSweeper(ctx, cfg.SweepInterval)
	go reportDeviceGauges(ctx, reg, metrics)

	health := telemetry.NewHealth(startedAt, st, busClient, reg)
	httpSrv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: httpapi.New(logging.Component(log, "httpapi"), eng, reg, health, metrics, cfg.DefaultCommandTimeout).Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	log.Info("orchestratord started", zap.String("http_addr", cfg.HTTPListenAddr), zap.String("bus_url", cfg.BusURL))
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	eng.Shutdown(shutdownCtx)
	return nil
}

// wireSubscriptions binds every inbound topic to its handler (spec §6):
// device meta/status/heartbeat/module-status feed C5 via ingest, module
// acks feed C6's correlation table, and the DLQ control plane feeds C7.
func wireSubscriptions(client *bus.MQTTClient, in *ingest.Handlers, eng *engine.Engine, q *dlq.Queue) error {
	subs := []struct {
		pattern string
		qos     bus.QoS
		handler bus.Handler
	}{
		{bus.DeviceMetaWildcard, bus.QoSAtLeastOnce, in.HandleMeta},
		{bus.DeviceStatusWildcard, bus.QoSAtLeastOnce, in.HandleStatus},
		{bus.DeviceHeartbeatWildcard, bus.QoSAtMostOnce, in.HandleHeartbeat},
		{bus.ModuleStatusWildcard, bus.QoSAtLeastOnce, in.HandleModuleStatus},
		{bus.ModuleAckWildcard, bus.QoSAtLeastOnce, eng.HandleAck},
		{bus.DLQCommandTopic, bus.QoSAtLeastOnce, q.HandleControlMessage},
	}
	for _, s := range subs {
		if err := client.Subscribe(s.pattern, s.qos, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// reportDeviceGauges polls the registry for C9's connected-device gauges,
// since the registry has no push notification of its own aggregate state.
func reportDeviceGauges(ctx context.Context, reg *registry.Registry, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, online := reg.Stats()
			metrics.SetDeviceCounts(total, online)
		}
	}
}
