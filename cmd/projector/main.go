package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/config"
	"github.com/ariefcatur/go-pickup-orders/internal/events"
	kafkax "github.com/ariefcatur/go-pickup-orders/internal/kafka"
	"github.com/ariefcatur/go-pickup-orders/internal/logx"
	"github.com/ariefcatur/go-pickup-orders/internal/projector"
	"github.com/ariefcatur/go-pickup-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.ServiceName+"-projector", cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{
		Cache:             redisx.NewCache(rdb),
		Log:               log,
		LowStockThreshold: cfg.LowStockThreshold,
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, events.Topics, cfg.ProjectorWorkers, log)
	log.Info("projector consumer started",
		zap.String("group", cfg.ProjectorGroup), zap.Strings("topics", events.Topics), zap.Int("workers", cfg.ProjectorWorkers))
	if err := cons.Start(ctx, svc.HandleMessage); err != nil {
		log.Fatal("consumer exit", zap.Error(err))
	}
	log.Info("projector stopped")
}
