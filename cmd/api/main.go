package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "import-status-tracker/internal/api"
	"import-status-tracker/internal/config"
	"import-status-tracker/internal/joblogs"
	"import-status-tracker/internal/liveness"
	"import-status-tracker/internal/lock"
	"import-status-tracker/internal/logging"
	"import-status-tracker/internal/queue"
	"import-status-tracker/internal/sites"
	"import-status-tracker/internal/status"
	"import-status-tracker/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New("import-api", cfg.LogLevel, cfg.LogFormat)

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

	if err := registry.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

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

	mgr := status.NewManager(
		store.NewRedisRepository(client, cfg.StatusKeyPrefix, cfg.RangeKeyPrefix),
		liveness.NewLockProbe(lock.NewRedisLocker(client, cfg.LockKeyPrefix)),
		registry,
		status.WithHostname(cfg.Hostname),
		status.WithLogRemover(removers),
	)
	q := queue.NewRedisQueue(client, cfg.QueueKeyPrefix, cfg.WorkerLockTTL)

	server := api.New(cfg, mgr, registry, q, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
