// Package projector keeps the Redis read models in step with the event
// stream and raises low-stock alerts.
package projector

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/events"
	kafkax "github.com/ariefcatur/go-pickup-orders/internal/kafka"
)

const consumerName = "projector"

type Cache interface {
	Claim(ctx context.Context, consumer, eventID string) (bool, error)
	Release(ctx context.Context, consumer, eventID string) error
	SetStock(ctx context.Context, productID string, onHand int) error
	InvalidateOrderStatus(ctx context.Context, orderID string) error
}

type Service struct {
	Cache             Cache
	Log               *zap.Logger
	LowStockThreshold int
}

// HandleMessage is installed as the consumer handler.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// A poison message would otherwise block the partition forever.
		s.Log.Error("drop undecodable message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	fresh, err := s.Cache.Claim(ctx, consumerName, env.EventID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", env.EventID, err)
	}
	if !fresh {
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		if rerr := s.Cache.Release(ctx, consumerName, env.EventID); rerr != nil {
			s.Log.Warn("release claim", zap.String("event_id", env.EventID), zap.Error(rerr))
		}
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env events.Envelope) error {
	switch env.EventType {
	case events.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[events.OrderCreatedPayload](env.Payload)
		if err != nil {
			return badPayload(err)
		}
		for pid, onHand := range p.StockAfter {
			if err := s.setStock(ctx, pid, onHand); err != nil {
				return err
			}
		}
		return nil

	case events.EventInventoryAdjusted:
		p, err := kafkax.UnwrapPayload[events.InventoryAdjustedPayload](env.Payload)
		if err != nil {
			return badPayload(err)
		}
		return s.setStock(ctx, p.ProductID, p.BalanceAfter)

	case events.EventOrderPaid:
		p, err := kafkax.UnwrapPayload[events.OrderPaidPayload](env.Payload)
		if err != nil {
			return badPayload(err)
		}
		return s.Cache.InvalidateOrderStatus(ctx, p.OrderID)

	case events.EventOrderRedeemed:
		p, err := kafkax.UnwrapPayload[events.OrderRedeemedPayload](env.Payload)
		if err != nil {
			return badPayload(err)
		}
		s.Log.Info("order redeemed",
			zap.String("order_id", p.OrderID), zap.String("station_id", p.StationID), zap.Int("items", p.ItemsRedeemed))
		return s.Cache.InvalidateOrderStatus(ctx, p.OrderID)
	}
	return nil // ignore
}

// badPayload marks a payload that will never decode so the consumer skips it
// instead of retrying.
func badPayload(err error) error {
	return backoff.Permanent(err)
}

func (s *Service) setStock(ctx context.Context, productID string, onHand int) error {
	if err := s.Cache.SetStock(ctx, productID, onHand); err != nil {
		return fmt.Errorf("set stock %s: %w", productID, err)
	}
	if onHand <= s.LowStockThreshold {
		s.Log.Warn("low stock", zap.String("product_id", productID), zap.Int("on_hand", onHand))
	}
	return nil
}
