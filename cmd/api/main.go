package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-pickup-orders/internal/config"
	"github.com/ariefcatur/go-pickup-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-pickup-orders/internal/kafka"
	"github.com/ariefcatur/go-pickup-orders/internal/ledger"
	"github.com/ariefcatur/go-pickup-orders/internal/logx"
	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
	"github.com/ariefcatur/go-pickup-orders/internal/redemption"
	"github.com/ariefcatur/go-pickup-orders/internal/redisx"
	"github.com/ariefcatur/go-pickup-orders/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.ServiceName, cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	if cfg.RunMigrations {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			return err
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresConns)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewCache(rdb)

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	pub := &kafkax.EventPublisher{P: prod}

	// Services
	l := ledger.New(db, ledger.NewPGStore)
	orderSvc := orders.NewService(db, orders.NewPGStore, l, ledger.NewPGStore)
	redeemSvc := redemption.NewService(db, redemption.NewPGStore)
	hub := ws.NewHub(log)

	router := httpx.NewRouter()
	httpx.NewOrdersHandler(orderSvc, cache, pub, log, cfg.ServiceName).Register(router)
	httpx.NewInventoryHandler(l, cache, pub, log, cfg.ServiceName).Register(router)
	httpx.NewRedemptionHandler(redeemSvc, cache, pub, hub, log, cfg.ServiceName).Register(router)
	router.Get("/ws/redemptions", hub.ServeWS)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		prod.Close()      // stop intake, flush the rest
		prod.WaitClosed() // drain
		return err
	})
	return g.Wait()
}
