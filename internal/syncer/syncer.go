// Package syncer drains the device queue to the server. Each record is
// sent with the idempotency key it got at enqueue time, so a retry after a
// lost response can never create a second order.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/client"
	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/queue"
)

const DefaultMaxAttempts = 5

type Queue interface {
	NextRetryable(ctx context.Context, now time.Time) ([]queue.Record, error)
	MarkSyncing(ctx context.Context, localID string, now time.Time) (queue.Record, error)
	MarkSynced(ctx context.Context, localID, serverID string) (queue.Record, error)
	MarkRetry(ctx context.Context, localID string, cause error, next time.Time) (queue.Record, error)
	MarkFailed(ctx context.Context, localID, serverID string, cause error) (queue.Record, error)
}

type API interface {
	CreateOrder(ctx context.Context, key string, req client.CreateOrderRequest) (client.CreateOrderResponse, error)
	PayCash(ctx context.Context, orderID string, amountReceived int) (orders.PaymentResult, error)
	PayCard(ctx context.Context, orderID, reference string) (orders.PaymentResult, error)
}

// Summary counts the outcomes of one drain.
type Summary struct {
	Synced  int
	Retried int
	Failed  int
	Skipped bool // another drain was already running
}

type Syncer struct {
	queue Queue
	api   API
	log   *zap.Logger

	MaxAttempts int
	Interval    time.Duration

	newBackOff func() backoff.BackOff
	now        func() time.Time
	running    atomic.Bool
}

func New(q Queue, api API, log *zap.Logger) *Syncer {
	return &Syncer{
		queue:       q,
		api:         api,
		log:         log,
		MaxAttempts: DefaultMaxAttempts,
		Interval:    10 * time.Second,
		newBackOff:  defaultBackOff,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // never give up; MaxAttempts bounds retries
	b.Reset()
	return b
}

// delay returns the wait before the attempt following attempt n.
func (s *Syncer) delay(n int) time.Duration {
	b := s.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = time.Minute
	}
	return d
}

// Run drains on every tick and on every offline to online transition
// reported on online, until ctx is done.
func (s *Syncer) Run(ctx context.Context, online <-chan bool) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	trigger := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Warn("sync drain", zap.String("trigger", reason), zap.Error(err))
				return
			}
			if !sum.Skipped && sum.Synced+sum.Retried+sum.Failed > 0 {
				s.log.Info("sync drain",
					zap.String("trigger", reason), zap.Int("synced", sum.Synced), zap.Int("retried", sum.Retried), zap.Int("failed", sum.Failed))
			}
		}()
	}

	isOnline := true
	trigger("start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if isOnline {
				trigger("tick")
			}
		case v, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if v && !isOnline {
				trigger("online")
			}
			isOnline = v
		}
	}
}

// RunOnce makes one attempt for every record that is due. Only one drain
// runs at a time; a concurrent call returns a Skipped summary.
func (s *Syncer) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{Skipped: true}, nil
	}
	defer s.running.Store(false)

	recs, err := s.queue.NextRetryable(ctx, s.now())
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, r := range recs {
		if ctx.Err() != nil {
			break
		}
		switch s.syncOne(ctx, r) {
		case queue.StatusSynced:
			sum.Synced++
		case queue.StatusPending:
			sum.Retried++
		case queue.StatusFailed:
			sum.Failed++
		}
	}
	return sum, nil
}

func (s *Syncer) syncOne(ctx context.Context, r queue.Record) queue.Status {
	log := s.log.With(zap.String("local_id", r.LocalID), zap.String("idempotency_key", r.IdempotencyKey))

	r, err := s.queue.MarkSyncing(ctx, r.LocalID, s.now())
	if err != nil {
		log.Warn("claim record", zap.Error(err))
		return ""
	}

	serverID, err := s.push(ctx, r)
	if err == nil {
		if _, err := s.queue.MarkSynced(ctx, r.LocalID, serverID); err != nil {
			log.Error("mark synced", zap.Error(err))
			return ""
		}
		log.Info("order synced", zap.String("server_id", serverID), zap.Int("attempt", r.AttemptCount))
		return queue.StatusSynced
	}

	if client.IsRejected(err) || r.AttemptCount >= s.maxAttempts() {
		if _, merr := s.queue.MarkFailed(ctx, r.LocalID, serverID, err); merr != nil {
			log.Error("mark failed", zap.Error(merr))
			return ""
		}
		log.Warn("order sync failed", zap.String("server_id", serverID), zap.Int("attempt", r.AttemptCount), zap.Error(err))
		return queue.StatusFailed
	}

	next := s.now().Add(s.delay(r.AttemptCount))
	if _, merr := s.queue.MarkRetry(ctx, r.LocalID, err, next); merr != nil {
		log.Error("mark retry", zap.Error(merr))
		return ""
	}
	log.Info("order sync will retry", zap.Int("attempt", r.AttemptCount), zap.Time("next", next), zap.Error(err))
	return queue.StatusPending
}

func (s *Syncer) maxAttempts() int {
	if s.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

// push creates the order and confirms its payment. Both calls are
// idempotent server-side, so a partial success is simply sent again. The
// server order id is returned whenever the create succeeded, even if the
// payment call then failed.
func (s *Syncer) push(ctx context.Context, r queue.Record) (string, error) {
	total := r.TotalCents
	res, err := s.api.CreateOrder(ctx, r.IdempotencyKey, client.CreateOrderRequest{
		Items:         r.Items,
		PaymentMethod: r.PaymentMethod,
		TotalCents:    &total,
	})
	if err != nil {
		return "", err
	}

	switch r.PaymentMethod {
	case orders.PaymentCash:
		if r.AmountReceivedCents > 0 {
			_, err = s.api.PayCash(ctx, res.OrderID, r.AmountReceivedCents)
		}
	case orders.PaymentCard:
		if r.PaymentRef != "" {
			_, err = s.api.PayCard(ctx, res.OrderID, r.PaymentRef)
		}
	}
	if err != nil {
		return res.OrderID, err
	}
	return res.OrderID, nil
}
