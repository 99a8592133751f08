package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// OrderStatus is the cached summary served by GET /orders/{id}/status.
type OrderStatus struct {
	OrderID      string    `json:"order_id"`
	PaymentState string    `json:"payment_state"`
	TotalCents   int       `json:"total_cents"`
	Pending      int       `json:"pending_items"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Cache wraps the fast paths kept in Redis. Postgres stays the source of
// truth; a miss or a Redis error always falls through to the database.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func (c *Cache) RememberOrderKey(ctx context.Context, idemKey, orderID string) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, idemKey), orderID, TTLIdempotency).Err()
}

// LookupOrderKey returns the order id created for idemKey, if cached.
func (c *Cache) LookupOrderKey(ctx context.Context, idemKey string) (string, bool, error) {
	return c.get(ctx, fmt.Sprintf(KeyIdemOrderCreate, idemKey))
}

func (c *Cache) SetOrderStatus(ctx context.Context, s OrderStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, s.OrderID), b, TTLStatusCache).Err()
}

func (c *Cache) OrderStatus(ctx context.Context, orderID string) (OrderStatus, bool, error) {
	v, ok, err := c.get(ctx, fmt.Sprintf(KeyOrderStatus, orderID))
	if !ok || err != nil {
		return OrderStatus{}, false, err
	}
	var s OrderStatus
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return OrderStatus{}, false, err
	}
	return s, true, nil
}

func (c *Cache) InvalidateOrderStatus(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

func (c *Cache) SetStock(ctx context.Context, productID string, onHand int) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyStock, productID), onHand, TTLStock).Err()
}

func (c *Cache) Stock(ctx context.Context, productID string) (int, bool, error) {
	n, err := c.rdb.Get(ctx, fmt.Sprintf(KeyStock, productID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Claim marks an event as seen by consumer. It returns false if another
// delivery already claimed it.
func (c *Cache) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, consumer, eventID), 1, TTLDedup).Result()
}

// Release undoes a Claim so a failed delivery can be processed again.
func (c *Cache) Release(ctx context.Context, consumer, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyDedup, consumer, eventID)).Err()
}

func (c *Cache) get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
