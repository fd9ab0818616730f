package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/api/httpapi"
	"github.com/flexiblepower/defpi-core-sub002/internal/agent"
	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/changes"
	"github.com/flexiblepower/defpi-core-sub002/internal/config"
	"github.com/flexiblepower/defpi-core-sub002/internal/events"
	"github.com/flexiblepower/defpi-core-sub002/internal/logging"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/flexiblepower/defpi-core-sub002/internal/scheduler"
	"github.com/flexiblepower/defpi-core-sub002/internal/store"
	"github.com/flexiblepower/defpi-core-sub002/internal/store/etcdstore"
	"github.com/flexiblepower/defpi-core-sub002/internal/store/memory"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Service: "defpi-server", Console: cfg.Env == "dev"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: cfg.OTELServiceName,
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	policies, err := config.LoadRetryPolicies(cfg.RetryPolicyFile)
	if err != nil {
		logger.Fatal("retry policies", zap.Error(err))
	}

	st, closeStore := openStore(cfg, logger)
	defer closeStore()

	// One NATS connection serves agent requests and lifecycle events.
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("defpi-orchestrator"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer nc.Close()

	pub, err := events.NewWithConn(context.Background(), nc, events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("event stream setup failed", zap.Error(err))
	}

	reg := change.NewRegistry()
	changes.Register(reg, agent.NewClient(nc, cfg.AgentRequestTimeout, logger), policies)

	mgr := scheduler.New(st, reg, logger,
		scheduler.WithWorkers(cfg.SchedulerWorkers),
		scheduler.WithPollInterval(cfg.SchedulerPollInterval),
		scheduler.WithExecutionTimeout(cfg.SchedulerExecutionTimeout),
		scheduler.WithStaleClaimAfter(cfg.SchedulerStaleClaimAfter),
		scheduler.WithEvents(pub),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, mgr, reg)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// Running changes finish and are persisted before the store closes.
	cancel()
	mgr.Wait()
	logger.Info("scheduler stopped")
}

func openStore(cfg *config.Config, logger *zap.Logger) (scheduler.Store, func()) {
	switch cfg.StoreBackend {
	case config.BackendEtcd:
		st, err := etcdstore.New(cfg.EtcdEndpoints, cfg.EtcdDialTimeout, cfg.EtcdPrefix)
		if err != nil {
			logger.Fatal("etcd connection failed", zap.Error(err))
		}
		logger.Info("using etcd store", zap.Strings("endpoints", cfg.EtcdEndpoints))
		return st, func() { _ = st.Close() }

	case config.BackendMemory:
		logger.Warn("using in-memory store, pending changes are lost on restart")
		return memory.New(), func() {}

	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connection failed", zap.Error(err))
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			logger.Fatal("db migration failed", zap.Error(err))
		}
		logger.Info("using postgres store")
		return st, st.Close
	}
}
