// Package redemption hands purchased items over at the pickup station.
// Items only ever move from not redeemed to redeemed, so repeated scans,
// retried calls and concurrent stations all converge on the same state.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-pickup-orders/internal/apperr"
	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

var (
	ErrMissingCode           = apperr.InvalidArgument("code is required")
	ErrMissingIdempotencyKey = apperr.InvalidArgument("idempotency key is required")
	ErrKeyReused             = apperr.InvalidArgument("idempotency key was used for another order")
	ErrOrderUnpaid           = apperr.FailedPrecondition("order is not paid")
	ErrCodeNotFound          = apperr.NotFound("code not found")
	errRedemptionNotFound    = errors.New("redemption not found")
)

// OrderRef is the part of an order the station needs.
type OrderRef struct {
	ID           string
	PaymentState orders.PaymentState
}

type Redemption struct {
	ID             string
	OrderID        string
	IdempotencyKey string
	StationID      string
	ItemsRedeemed  int
	CreatedAt      time.Time
}

type Store interface {
	// FindOrderByCode returns ErrCodeNotFound for unknown codes.
	FindOrderByCode(ctx context.Context, code string) (OrderRef, error)
	ListItems(ctx context.Context, orderID string) ([]orders.Item, error)
	// InsertRedemption returns false when the key is already taken.
	InsertRedemption(ctx context.Context, r Redemption) (bool, error)
	GetRedemptionByKey(ctx context.Context, key string) (Redemption, error)
	// MarkRedeemed flips every unredeemed item of the order and returns
	// the flipped items.
	MarkRedeemed(ctx context.Context, orderID, redemptionID string, at time.Time) ([]orders.Item, error)
	SetItemsRedeemed(ctx context.Context, redemptionID string, n int) error
	ListItemsByRedemption(ctx context.Context, redemptionID string) ([]orders.Item, error)
}

type NewStore func(db postgres.DBTX) Store

type VerifyResult struct {
	OrderID      string              `json:"order_id"`
	Code         string              `json:"code"`
	PaymentState orders.PaymentState `json:"payment_state"`
	Items        []orders.Item       `json:"items"`
	Pending      int                 `json:"pending"`
}

type RedeemResult struct {
	RedemptionID  string        `json:"redemption_id"`
	OrderID       string        `json:"order_id"`
	StationID     string        `json:"station_id,omitempty"`
	ItemsRedeemed int           `json:"items_redeemed"`
	Items         []orders.Item `json:"items"`
	RedeemedAt    time.Time     `json:"redeemed_at"`
	Replayed      bool          `json:"idempotent"`
}

type Service struct {
	pool     postgres.Pool
	newStore NewStore
	now      func() time.Time
	newID    func() string
}

func NewService(pool postgres.Pool, newStore NewStore) *Service {
	return &Service{
		pool:     pool,
		newStore: newStore,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Verify looks a code up without changing anything.
func (s *Service) Verify(ctx context.Context, code string) (VerifyResult, error) {
	if code == "" {
		return VerifyResult{}, ErrMissingCode
	}
	st := s.newStore(s.pool)
	o, err := st.FindOrderByCode(ctx, code)
	if err != nil {
		return VerifyResult{}, err
	}
	items, err := st.ListItems(ctx, o.ID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list items: %w", err)
	}
	res := VerifyResult{OrderID: o.ID, Code: code, PaymentState: o.PaymentState, Items: items}
	for _, it := range items {
		if !it.IsRedeemed {
			res.Pending++
		}
	}
	return res, nil
}

// Redeem marks every remaining item of the order as handed over. A repeated
// key returns the outcome of the first call. An order with nothing left is a
// successful redemption of zero items.
func (s *Service) Redeem(ctx context.Context, code, idempotencyKey, stationID string) (RedeemResult, error) {
	if code == "" {
		return RedeemResult{}, ErrMissingCode
	}
	if idempotencyKey == "" {
		return RedeemResult{}, ErrMissingIdempotencyKey
	}

	res, inserted, err := s.redeemTx(ctx, code, idempotencyKey, stationID)
	if err != nil {
		return RedeemResult{}, err
	}
	if inserted {
		return res, nil
	}
	return s.replay(ctx, res.OrderID, idempotencyKey)
}

func (s *Service) redeemTx(ctx context.Context, code, key, stationID string) (RedeemResult, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RedeemResult{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := s.newStore(tx)
	o, err := st.FindOrderByCode(ctx, code)
	if err != nil {
		return RedeemResult{}, false, err
	}
	if o.PaymentState != orders.PaymentPaid {
		return RedeemResult{}, false, ErrOrderUnpaid
	}

	r := Redemption{
		ID:             s.newID(),
		OrderID:        o.ID,
		IdempotencyKey: key,
		StationID:      stationID,
		CreatedAt:      s.now(),
	}
	inserted, err := st.InsertRedemption(ctx, r)
	if err != nil {
		return RedeemResult{}, false, fmt.Errorf("insert redemption: %w", err)
	}
	if !inserted {
		return RedeemResult{OrderID: o.ID}, false, nil
	}

	items, err := st.MarkRedeemed(ctx, o.ID, r.ID, r.CreatedAt)
	if err != nil {
		return RedeemResult{}, false, fmt.Errorf("mark redeemed: %w", err)
	}
	if err := st.SetItemsRedeemed(ctx, r.ID, len(items)); err != nil {
		return RedeemResult{}, false, fmt.Errorf("record count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return RedeemResult{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return RedeemResult{
		RedemptionID:  r.ID,
		OrderID:       o.ID,
		StationID:     stationID,
		ItemsRedeemed: len(items),
		Items:         items,
		RedeemedAt:    r.CreatedAt,
	}, true, nil
}

func (s *Service) replay(ctx context.Context, orderID, key string) (RedeemResult, error) {
	st := s.newStore(s.pool)
	r, err := st.GetRedemptionByKey(ctx, key)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("load redemption: %w", err)
	}
	if r.OrderID != orderID {
		return RedeemResult{}, ErrKeyReused
	}
	items, err := st.ListItemsByRedemption(ctx, r.ID)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("list items: %w", err)
	}
	return RedeemResult{
		RedemptionID:  r.ID,
		OrderID:       r.OrderID,
		StationID:     r.StationID,
		ItemsRedeemed: r.ItemsRedeemed,
		Items:         items,
		RedeemedAt:    r.CreatedAt,
		Replayed:      true,
	}, nil
}
