// Command sweeper runs a single expiry sweep, for use from cron.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-service/config"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/redisclient"
	"marketplace-service/internal/service"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"
	"marketplace-service/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Redis only mirrors stock and guards against overlapping sweeps.
	var (
		mirror service.StockMirror
		locker worker.Locker
	)
	if redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warn("Redis unavailable, sweeping without stock mirror or lock", zap.Error(err))
	} else {
		defer redisClient.Close()
		mirror, locker = redisClient, redisClient
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer, 4096)

	pubCtx, stopPublisher := context.WithCancel(context.Background())
	go func() { _ = publisher.Run(pubCtx) }()

	sweeper := service.NewExpirySweeper(db, service.NewLedger(mirror), publisher, service.SystemClock{}, cfg.Business.SweepBatchSize)
	sweepWorker := worker.NewSweepWorker(sweeper, locker, cfg.Business.SweepInterval, cfg.Business.SweepLockTTL)

	start := time.Now()
	ran, err := sweepWorker.RunOnce(ctx)

	stopPublisher()
	publisher.Wait()

	if err != nil {
		logger.Error("Expiry sweep failed", zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}
	logger.Info("Expiry sweep complete",
		zap.Bool("ran", ran),
		zap.Duration("took", time.Since(start)))
}
