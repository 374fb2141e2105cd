// Command igniterd is a demonstration bring-up of the Store and Job Queue:
// config -> Redis clients -> Store Manager -> job registry/translator ->
// router -> worker pool, with env-var-driven wiring and graceful
// SIGTERM/SIGINT shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kocoro-labs/igniter/internal/jobs"
	"github.com/kocoro-labs/igniter/internal/keystore"
	"github.com/kocoro-labs/igniter/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("IGNITER_SERVICE", "igniterd")

	redisAddr := v.GetString("REDIS_HOST") + ":" + strconv.Itoa(v.GetInt("REDIS_PORT"))
	control := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	})
	subscriber := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := control.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Fatal("failed to connect to redis", zap.String("addr", redisAddr), zap.Error(err))
	}
	cancel()

	storeMgr, err := store.NewManager(store.Config{
		Service:    v.GetString("IGNITER_SERVICE"),
		Control:    control,
		Subscriber: subscriber,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to construct store manager", zap.Error(err))
	}
	defer storeMgr.Close()

	queueAdapter, err := keystore.NewAdapter(keystore.AdapterConfig{
		Control:    control,
		Subscriber: subscriber,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to construct job-queue adapter", zap.Error(err))
	}

	registry := jobs.NewRegistry()
	queueMgr := jobs.NewQueueManager(queueAdapter, "igniter", "", logger)
	workerPool := jobs.NewWorkerPool(queueAdapter, queueMgr, registry, logger)
	translator := jobs.NewTranslator(nil)

	exampleRouter := jobs.NewRouter("demo", map[string]*jobs.Definition{
		"echo": {
			Queue: "default",
			Handler: func(_ context.Context, execCtx jobs.ExecutionContext) (any, error) {
				return execCtx.Input, nil
			},
		},
	}, nil)

	proxy, err := jobs.Merge(context.Background(), registry, queueMgr, workerPool, translator,
		map[string]*jobs.Router{"demo": exampleRouter},
		&jobs.AutoStartWorkerConfig{Concurrency: 4})
	if err != nil {
		logger.Fatal("failed to merge job routers", zap.Error(err))
	}

	logger.Info("igniterd started", zap.String("redis", redisAddr), zap.Strings("queues", proxy.Queues()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("igniterd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := queueAdapter.Close(); err != nil {
		logger.Error("job adapter close error", zap.Error(err))
	}
	logger.Info("igniterd stopped")
}
