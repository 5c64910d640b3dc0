// Command fabricd runs the governed execution fabric: capabilities, runtime,
// realms, and the HTTP edge, wired from the environment.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/config"
	"github.com/loomworks/fabric/pkg/edge"
	"github.com/loomworks/fabric/pkg/observability"
	"github.com/loomworks/fabric/pkg/realms/content"
	"github.com/loomworks/fabric/pkg/realms/system"
	"github.com/loomworks/fabric/pkg/runtime"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:  "fabricd",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	health := make(map[string]edge.HealthChecker)

	rows, err := openRowStore(cfg, health)
	if err != nil {
		return err
	}
	blobs, err := capability.NewBlobStoreFromEnv(ctx)
	if err != nil {
		return err
	}
	pubsub, err := openPubSub(cfg, health)
	if err != nil {
		return err
	}
	if cfg.GraphEndpoint != "" {
		logger.Warn("GRAPH_ENDPOINT set but this build carries only the in-memory graph index")
	}
	graph := capability.NewMemoryGraphStore()

	records := smartcity.NewRecordStore(rows)
	engine, err := smartcity.NewPolicyEngine()
	if err != nil {
		return err
	}
	policies := smartcity.NewPolicyStore(rows)
	steward := smartcity.NewSteward(rows, blobs, policies, engine, records)
	tokens := smartcity.NewTokenManager([]byte(cfg.TokenSecret))
	sessions := smartcity.NewSessionManager(rows, tokens)

	profiles, err := config.LoadProfiles(cfg.ProfilesDir)
	if err != nil {
		return err
	}
	for _, profile := range profiles {
		if _, err := policies.Save(ctx, profile.Policy()); err != nil {
			return fmt.Errorf("install policy profile %s: %w", profile.PolicyName, err)
		}
		logger.Info("policy profile installed",
			"policy_name", profile.PolicyName,
			"tenant_id", profile.TenantID,
		)
	}

	rt := runtime.New(runtime.Config{
		Rows:          rows,
		PubSub:        pubsub,
		Log:           wal.NewLog(rows),
		Plane:         artifact.NewPlane(rows, blobs),
		Steward:       steward,
		Records:       records,
		Semantic:      semantic.NewStore(graph),
		Sessions:      sessions,
		Logger:        logger,
		Metrics:       telemetry,
		Workers:       cfg.Workers,
		HighWaterMark: cfg.QueueHighWater,
	})
	defer rt.Close()

	if err := rt.Register(content.New(logger)); err != nil {
		return err
	}
	if err := rt.Register(system.New(logger)); err != nil {
		return err
	}
	if err := telemetry.ObserveQueueDepth(rt.QueueDepth); err != nil {
		return err
	}

	if len(cfg.PurgeTenants) > 0 {
		collector := system.NewCollector(rt, cfg.PurgeTenants, cfg.PurgeInterval, logger)
		go collector.Run(ctx)
	}

	srv := edge.NewServer(edge.Config{
		Runtime:        rt,
		Sessions:       sessions,
		Tokens:         tokens,
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Health:         health,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.RuntimePort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fabric listening", "port", cfg.RuntimePort)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openRowStore(cfg config.Config, health map[string]edge.HealthChecker) (capability.RowStore, error) {
	switch cfg.RowDriver {
	case config.DriverMemory:
		return capability.NewMemoryRowStore(), nil
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.RowDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		health["rows"] = db.PingContext
		return capability.NewSQLiteRowStore(db)
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.RowDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		health["rows"] = db.PingContext
		return capability.NewPostgresRowStore(db)
	default:
		return nil, fmt.Errorf("unsupported row driver %q", cfg.RowDriver)
	}
}

func openPubSub(cfg config.Config, health map[string]edge.HealthChecker) (capability.PubSub, error) {
	switch cfg.PubSubDriver {
	case config.DriverMemory:
		return capability.NewMemoryPubSub(), nil
	case config.DriverRedis:
		ps, err := capability.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		health["pubsub"] = ps.Ping
		return ps, nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver %q", cfg.PubSubDriver)
	}
}
