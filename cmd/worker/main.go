package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"import-status-tracker/internal/config"
	"import-status-tracker/internal/joblogs"
	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/lock"
	"import-status-tracker/internal/logging"
	"import-status-tracker/internal/queue"
	"import-status-tracker/internal/ratelimit"
	"import-status-tracker/internal/sites"
	"import-status-tracker/internal/status"
	"import-status-tracker/internal/store"
	"import-status-tracker/internal/telemetry"
	workerproc "import-status-tracker/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New("import-worker", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	registry, err := sites.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer registry.Close()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	removers, err := joblogs.NewFromConfig(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init job log removal")
	}
	var procOpts []workerproc.Option
	logStore, err := joblogs.NewS3Store(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init job log archive")
	}
	if logStore != nil {
		procOpts = append(procOpts, workerproc.WithLogArchiver(logStore))
	}

	locker := lock.NewRedisLocker(client, cfg.LockKeyPrefix)
	mgr := status.NewManager(
		store.NewRedisRepository(client, cfg.StatusKeyPrefix, cfg.RangeKeyPrefix),
		liveness.NewLockProbe(locker),
		registry,
		status.WithHostname(cfg.Hostname),
		status.WithLogRemover(removers),
	)
	q := queue.NewRedisQueue(client, cfg.QueueKeyPrefix, cfg.WorkerLockTTL)
	quota := ratelimit.NewProviderQuota(client, "importquota:", cfg.ProviderQuota, cfg.ProviderRefill, time.Hour)

	// Use WORKER_ID when set, otherwise the hostname plus a random suffix
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = cfg.Hostname + "-" + uuid.NewString()[:8]
	}

	// No provider client is bundled; the dry run importer walks the days.
	importer := &workerproc.DryRunImporter{Log: log}
	processor := workerproc.NewProcessorWithID(cfg, q, mgr, locker, quota, registry, importer, log, workerID, procOpts...)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"lock_ttl":  cfg.WorkerLockTTL.String(),
		"quota":     cfg.ProviderQuota,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil {
		log.WithError(err).Info("worker stopped")
	}
}
