// Command activekg boots the full request surface plus its background
// tasks: the refresh scheduler, the ingestion worker, and the connector
// config invalidation subscriber. Grounded on the teacher's cmd/gateway
// main() shape (marble/mTLS/oauth stripped since none of it applies here):
// load config, build every dependency by hand, start background goroutines,
// bind the listener, then wait on SIGINT/SIGTERM for a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/activekg/activekg/internal/config"
	"github.com/activekg/activekg/internal/connectorconfig"
	"github.com/activekg/activekg/internal/embedding"
	"github.com/activekg/activekg/internal/httpapi"
	"github.com/activekg/activekg/internal/ingestion"
	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/platform/database"
	"github.com/activekg/activekg/internal/platform/kv"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/platform/migrations"
	"github.com/activekg/activekg/internal/retrieval"
	"github.com/activekg/activekg/internal/scheduler"
	"github.com/activekg/activekg/internal/storage"
	"github.com/activekg/activekg/internal/trigger"
)

// connectorQueueProviders are the providers the background worker drains
// queues for at startup; "s3" and "gcs" match the webhook ingress variants,
// "local" backs on-disk deployments and tests.
var connectorQueueProviders = []string{"s3", "gcs", "local"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("activekg", cfg.Logging.Level, cfg.Logging.Format)
	metric := metrics.New("activekg", buildVersion(), deployEnv(), prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := connectorconfig.NewCipher(cfg.ConnectorConfigs.ActiveKEKVersion, cfg.ConnectorConfigs.KEKs)
	if err != nil {
		log.Fatalf("CRITICAL: connector config cipher: %v", err)
	}

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}

	sqlDB, err := database.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("CRITICAL: open database: %v", err)
	}
	defer sqlDB.Close()

	if cfg.Database.MigrateOnStart {
		applied, err := migrations.Apply(dsn)
		if err != nil {
			log.Fatalf("CRITICAL: apply migrations: %v", err)
		}
		logger.WithField("applied", applied).Info("migrations applied")
	}

	tenantDB, err := database.OpenTenant(ctx, sqlDB, database.RLSMode(cfg.Database.RLSMode))
	if err != nil {
		log.Fatalf("CRITICAL: configure row level security: %v", err)
	}

	kvClient, err := kv.New(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("CRITICAL: connect redis: %v", err)
	}
	defer kvClient.Close()

	store := storage.NewPostgresStore(tenantDB, logger, metric)
	if err := store.EnsureVectorIndex(ctx); err != nil {
		logger.WithError(err).Warn("ensure vector index failed, continuing without it")
	}

	embedder := embedding.NewHashProvider(embedding.Config{
		Dimensions:   cfg.Embedding.Dimensions,
		MaxChars:     cfg.Embedding.MaxChars,
		MaxBatchSize: cfg.Embedding.MaxBatchSize,
		ModelVersion: cfg.Embedding.ModelVersion,
	})

	triggerEngine := trigger.NewEngine(store, logger, metric)

	schedResolver := scheduler.NewPayloadResolver(cfg.Scheduler.AllowedFileDirs, cfg.Scheduler.MaxPayloadBytes, parseDurationOr(cfg.Scheduler.HTTPTimeout, 10*time.Second))
	sched := scheduler.New(store, embedder, triggerEngine, schedResolver, scheduler.Config{
		TickInterval: parseDurationOr(cfg.Scheduler.TickInterval, 5*time.Second),
		BatchSize:    cfg.Scheduler.BatchSize,
	}, logger, metric)

	retrievalEngine := retrieval.NewEngine(store, embedder, nil, retrieval.NewTemplateAnswerer(), retrieval.Config{
		Fusion:           retrieval.FusionMode(cfg.Retrieval.FusionMode),
		Alpha:            cfg.Retrieval.Alpha,
		Beta:             cfg.Retrieval.Beta,
		RecencyLambda:    cfg.Retrieval.RecencyLambda,
		DriftBeta:        cfg.Retrieval.DriftBeta,
		RerankTopN:       cfg.Retrieval.RerankTopN,
		AskGateThreshold: cfg.Retrieval.AskGateThreshold,
		DefaultTopK:      cfg.Retrieval.DefaultTopK,
	}, logger, metric)

	configRepo := connectorconfig.NewRepository(tenantDB)
	configCacheTTL := parseDurationOr(cfg.ConnectorConfigs.CacheTTL, 5*time.Minute)
	configStore := connectorconfig.NewStore(configRepo, cipher, kvClient, logger, metric, configCacheTTL)
	rotator := connectorconfig.NewRotator(configRepo, cipher, logger, metric)
	subscriber := connectorconfig.NewSubscriber(kvClient, configStore, logger, metric)

	connFactory := buildConnectorFactory(cfg.Ingestion.MaxBodyBytes)

	throttle := ingestion.NewThrottle(ingestion.ThrottleConfig{
		MaxDocsPerHour:  cfg.Ingestion.MaxDocsPerHour,
		MaxBytesPerHour: int(cfg.Ingestion.MaxBytesPerHour),
	})
	worker := ingestion.NewWorker(store, embedder, kvClient, configStore, connFactory, ingestion.ChunkConfig{
		Size:    cfg.Ingestion.ChunkSize,
		Overlap: cfg.Ingestion.ChunkOverlap,
	}, throttle, logger, metric)

	ingress := ingestion.NewIngress(ingestion.WebhookConfig{
		MaxBodyBytes:    cfg.Ingestion.MaxBodyBytes,
		DedupTTL:        parseDurationOr(cfg.Ingestion.DedupTTL, 5*time.Minute),
		GCSSharedSecret: os.Getenv("GCS_WEBHOOK_SHARED_SECRET"),
	}, kvClient)

	purger := ingestion.NewPurger(store)

	authenticator := httpapi.NewAuthenticator(cfg.Auth, logger)
	rateLimiter := httpapi.NewRateLimiter(kvClient, cfg.RateLimit, cfg.Security, logger, metric)

	server := &httpapi.Server{
		Store:            store,
		DB:               tenantDB,
		Retrieval:        retrievalEngine,
		Scheduler:        sched,
		Trigger:          triggerEngine,
		Connectors:       configStore,
		Rotator:          rotator,
		Subscriber:       subscriber,
		Worker:           worker,
		Purger:           purger,
		Ingress:          ingress,
		Migrate:          migrations.Apply,
		DatabaseDSN:      dsn,
		ConnectorFactory: connFactory,
		Auth:             authenticator,
		RateLimit:        rateLimiter,
		Metric:           metric,
		Log:              logger,
		StartTime:        time.Now().UTC(),
		CORS:             cfg.CORS,
	}

	go subscriber.Run(ctx)
	go sched.Run(ctx)
	go worker.Run(ctx, backgroundQueueKeys(ctx, store))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Routes(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second, // generous: /ask/stream holds the connection open
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("activekg listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
}

// backgroundQueueKeys enumerates the per-(provider,tenant) Redis list keys
// the worker should BRPop across at startup. Re-running cmd/activekg picks
// up tenants onboarded since the last start; a tenant added mid-run is
// picked up on the next restart, same as the teacher's static route table.
func backgroundQueueKeys(ctx context.Context, store storage.Store) []string {
	tenants, err := store.ListTenantIDs(ctx)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(tenants)*len(connectorQueueProviders))
	for _, tenantID := range tenants {
		for _, provider := range connectorQueueProviders {
			keys = append(keys, ingestion.QueueKey(provider, tenantID))
		}
	}
	return keys
}

// buildConnectorFactory only satisfies the "local" provider since no
// S3/GCS/Drive client library is part of the wired stack; a registered
// S3/GCS config simply fails at backfill/worker time with a clear error
// instead of panicking at startup.
func buildConnectorFactory(maxBytes int64) ingestion.ConnectorFactory {
	return func(cfg connector.Config) (connector.Connector, error) {
		switch cfg.Provider {
		case "local":
			root := cfg.FolderID
			if root == "" {
				root = cfg.Endpoint
			}
			return connector.NewLocalConnector(root, maxBytes), nil
		default:
			return nil, fmt.Errorf("no connector implementation registered for provider %q", cfg.Provider)
		}
	}
}

func parseDurationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func buildVersion() string {
	if v := os.Getenv("ACTIVEKG_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func deployEnv() string {
	if e := os.Getenv("ACTIVEKG_ENV"); e != "" {
		return e
	}
	return "development"
}
