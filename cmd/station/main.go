package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-pickup-orders/internal/client"
	"github.com/ariefcatur/go-pickup-orders/internal/config"
	"github.com/ariefcatur/go-pickup-orders/internal/logx"
	"github.com/ariefcatur/go-pickup-orders/internal/scanner"
)

type resultView struct {
	Code    string `json:"code"`
	OrderID string `json:"order_id,omitempty"`
	Pending int    `json:"pending_items"`
	Handed  *int   `json:"items_redeemed,omitempty"`
	Replay  bool   `json:"idempotent,omitempty"`
	Error   string `json:"error,omitempty"`
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logx.New(cfg.ServiceName+"-station", cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("station exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cam := newLineCamera(os.Stdin)
	api := client.New(cfg.ServerURL, cfg.RequestTimeout)

	s := scanner.New(cam, api, cfg.StationID, log.With(zap.String("station_id", cfg.StationID)))
	s.Cooldown = cfg.ScanCooldown
	s.AutoConfirm = cfg.AutoConfirm
	s.ResultTimeout = cfg.ResultTimeout

	enc := json.NewEncoder(os.Stdout)
	s.OnResult = func(r scanner.Result) {
		_ = enc.Encode(view(r))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		controls := cam.controls
		for controls != nil {
			select {
			case <-gctx.Done():
				return nil
			case c, ok := <-controls:
				if !ok {
					controls = nil
					continue
				}
				control(gctx, s, c, log)
			}
		}
		// input exhausted: leave once the last code has been handled
		ticker := time.NewTicker(s.FrameInterval)
		defer ticker.Stop()
		idle := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			if st := s.State(); cam.drained() && (st == scanner.Scanning || st == scanner.ShowingResult) {
				idle++
			} else {
				idle = 0
			}
			if idle >= 2 {
				stop()
				return nil
			}
		}
	})
	log.Info("station ready", zap.String("server", cfg.ServerURL), zap.Bool("auto_confirm", cfg.AutoConfirm))
	return g.Wait()
}

func control(ctx context.Context, s *scanner.Scanner, c string, log *zap.Logger) {
	switch c {
	case "confirm":
		if err := s.Confirm(ctx); err != nil {
			log.Warn("confirm", zap.Error(err))
		}
	case "dismiss":
		s.Dismiss()
	case "pause":
		s.Pause()
	case "resume":
		s.Resume()
	default:
		log.Warn("unknown control", zap.String("control", c))
	}
}

func view(r scanner.Result) resultView {
	v := resultView{Code: r.Code}
	if r.Verify != nil {
		v.OrderID = r.Verify.OrderID
		v.Pending = r.Verify.Pending
	}
	if r.Redeem != nil {
		n := r.Redeem.ItemsRedeemed
		v.OrderID = r.Redeem.OrderID
		v.Handed = &n
		v.Replay = r.Redeem.Replayed
		v.Pending = 0
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}
