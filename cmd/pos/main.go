package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-pickup-orders/internal/client"
	"github.com/ariefcatur/go-pickup-orders/internal/config"
	"github.com/ariefcatur/go-pickup-orders/internal/logx"
	"github.com/ariefcatur/go-pickup-orders/internal/queue"
	"github.com/ariefcatur/go-pickup-orders/internal/syncer"
	"github.com/ariefcatur/go-pickup-orders/internal/terminal"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.ServiceName+"-pos", cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("pos exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.Open(ctx, cfg.QueuePath)
	if err != nil {
		return err
	}
	defer q.Close()

	api := client.New(cfg.ServerURL, cfg.RequestTimeout)

	s := syncer.New(q, api, log)
	s.MaxAttempts = cfg.MaxAttempts
	s.Interval = cfg.SyncInterval

	var bridge terminal.Bridge = terminal.None{}
	if cfg.PrintReceipts {
		bridge = terminal.TextPrinter{W: os.Stderr}
	}

	p := &pos{queue: q, api: api, sync: s, bridge: bridge, log: log, out: os.Stdout}

	g, gctx := errgroup.WithContext(ctx)
	online := syncer.Watch(gctx, cfg.ProbeInterval, api.Health)
	g.Go(func() error {
		return s.Run(gctx, p.trackOnline(gctx, online))
	})
	g.Go(func() error {
		err := p.serve(gctx, os.Stdin)
		stop() // stdin closed: stop syncing too
		return err
	})
	log.Info("pos ready", zap.String("server", cfg.ServerURL), zap.String("queue", cfg.QueuePath))
	return g.Wait()
}
