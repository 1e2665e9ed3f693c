// Package main wires together the indexing submission service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/api"
	"github.com/searchlight/indexer/internal/auth"
	"github.com/searchlight/indexer/internal/batch"
	"github.com/searchlight/indexer/internal/clock/system"
	"github.com/searchlight/indexer/internal/config"
	"github.com/searchlight/indexer/internal/gsc"
	"github.com/searchlight/indexer/internal/id/uuid"
	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/logging"
	"github.com/searchlight/indexer/internal/orchestrator"
	memorypublisher "github.com/searchlight/indexer/internal/publisher/memory"
	pubsubpublisher "github.com/searchlight/indexer/internal/publisher/pubsub"
	"github.com/searchlight/indexer/internal/quota"
	"github.com/searchlight/indexer/internal/scheduler"
	"github.com/searchlight/indexer/internal/sitemap"
	gcsblob "github.com/searchlight/indexer/internal/storage/gcs"
	memoryblob "github.com/searchlight/indexer/internal/storage/memory"
	memorystore "github.com/searchlight/indexer/internal/store/memory"
	"github.com/searchlight/indexer/internal/store/postgres"
	"github.com/searchlight/indexer/internal/telemetry"
)

// stores is the set of persistence interfaces the service depends on, backed
// by a single provider.
type stores struct {
	entries  indexing.EntryStore
	quotas   indexing.QuotaStore
	creds    indexing.CredentialStore
	props    indexing.PropertyStore
	sitemaps indexing.SitemapStore
	jobs     indexing.JobStateStore
	close    func()
}

func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.Store.Provider == "postgres" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxOpenConns),
		})
		if err != nil {
			return stores{}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
		return stores{
			entries:  pg,
			quotas:   pg,
			creds:    pg,
			props:    pg,
			sitemaps: pg,
			jobs:     pg,
			close:    pg.Close,
		}, nil
	}
	m := memorystore.New()
	return stores{
		entries:  m,
		quotas:   m,
		creds:    m,
		props:    m,
		sitemaps: m,
		jobs:     m,
		close:    func() {},
	}, nil
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.close()

	var publisher indexing.Publisher
	if cfg.PubSub.Provider == "pubsub" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub, err := pubsubpublisher.New(client)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	var blobs indexing.BlobStore
	if cfg.Archive.Provider == "gcs" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		blobs, err = gcsblob.New(client, gcsblob.Config{
			Bucket: cfg.Archive.GCSBucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
	} else {
		blobs = memoryblob.New()
	}

	clk := system.New()
	idGen := uuid.New()
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	authSvc, err := auth.New(auth.Config{
		ClientID:           cfg.Google.ClientID,
		ClientSecret:       cfg.Google.ClientSecret,
		RedirectURI:        cfg.Google.RedirectURI,
		TokenURL:           cfg.Google.TokenURL,
		ServiceAccountJSON: cfg.Google.ServiceAccountJSON,
	}, st.creds, st.props, nil, clk, logger.Named("auth"))
	if err != nil {
		logger.Fatal("auth service init failed", zap.Error(err))
	}

	console, err := gsc.New(gsc.Config{
		BaseURL:   cfg.Google.SearchConsoleURL,
		Freshness: cfg.PropertyFreshness(),
	}, nil, authSvc, st.props, clk, logger.Named("gsc"))
	if err != nil {
		logger.Fatal("search console client init failed", zap.Error(err))
	}
	authSvc.SetPropertyFetcher(console)

	ledger, err := quota.New(st.quotas, quota.Config{
		DailyLimit:      cfg.Quota.DailyLimit,
		PriorityReserve: cfg.Quota.PriorityReserve,
	}, clk, logger.Named("quota"))
	if err != nil {
		logger.Fatal("quota ledger init failed", zap.Error(err))
	}

	retry := indexing.NewRetryPolicy(0,
		time.Duration(cfg.Batch.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Batch.BackoffMaxMs)*time.Millisecond,
	)
	submitter, err := batch.New(batch.Config{
		Endpoint:        cfg.Google.BatchEndpoint,
		ChunkSize:       cfg.Batch.ChunkSize,
		ChunksPerSecond: cfg.Batch.ChunksPerSecond,
		Timeout:         cfg.BatchTimeout(),
	}, nil, retry, logger.Named("batch"))
	if err != nil {
		logger.Fatal("batch submitter init failed", zap.Error(err))
	}

	orch, err := orchestrator.New(st.entries, ledger, authSvc, submitter, publisher, idGen, clk, metrics, logger.Named("orchestrator"))
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}
	orch.SetEventTopic(cfg.PubSub.TopicName)

	sitemaps, err := sitemap.New(sitemap.Config{}, nil, st.sitemaps, orch, idGen, clk, logger.Named("sitemap"))
	if err != nil {
		logger.Fatal("sitemap service init failed", zap.Error(err))
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st.jobs, clk, metrics, logger.Named("scheduler"))
		tick := time.Duration(cfg.Scheduler.TickSeconds) * time.Second

		sched.AddDaily(scheduler.JobQuotaReset, tick, scheduler.NewQuotaRollover(clk, logger.Named("quota")))
		sched.AddInterval(scheduler.JobSitemapSync, tick,
			time.Duration(cfg.Scheduler.SitemapIntervalHours)*time.Hour, sitemaps.SyncAll)

		rechecker := scheduler.NewRechecker(st.entries, authSvc, console, clk,
			cfg.RecheckCooldown(), 0, logger.Named("recheck"))
		sched.AddInterval(scheduler.JobStatusRecheck, tick,
			time.Duration(cfg.Scheduler.RecheckIntervalMin)*time.Minute, rechecker.Run)

		retrier := scheduler.NewRetrier(st.entries, orch, clk,
			cfg.RetryCooldown(), cfg.Scheduler.MaxRetries, 0, logger.Named("retry"))
		sched.AddInterval(scheduler.JobRetryBackoff, tick,
			time.Duration(cfg.Scheduler.RetryIntervalMin)*time.Minute, retrier.Run)

		cleaner := scheduler.NewCleaner(st.entries, blobs, clk,
			cfg.RetentionHorizon(), cfg.Scheduler.CleanupBatchSize, logger.Named("cleanup"))
		sched.AddDaily(scheduler.JobHistoryCleanup, tick, cleaner.Run)

		sched.Start(ctx)
		defer sched.Stop()
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(api.Config{APIKey: apiKey}, orch, authSvc, console, sitemaps, registry, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
