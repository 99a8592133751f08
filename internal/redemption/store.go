package redemption

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

const itemColumns = `id, order_id, product_id, qty, unit_price_cents,
	COALESCE(parent_item_id, ''), COALESCE(slot_id, ''), position, is_redeemed, redeemed_at`

type pgStore struct{ db postgres.DBTX }

func NewPGStore(db postgres.DBTX) Store { return &pgStore{db: db} }

func (s *pgStore) FindOrderByCode(ctx context.Context, code string) (OrderRef, error) {
	var o OrderRef
	var state string
	err := s.db.QueryRow(ctx, `SELECT id, payment_state FROM orders WHERE code=$1`, code).Scan(&o.ID, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderRef{}, ErrCodeNotFound
	}
	o.PaymentState = orders.PaymentState(state)
	return o, err
}

func (s *pgStore) ListItems(ctx context.Context, orderID string) ([]orders.Item, error) {
	rows, err := s.db.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return orders.ScanItems(rows)
}

func (s *pgStore) InsertRedemption(ctx context.Context, r Redemption) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO redemptions(id, order_id, idempotency_key, station_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		r.ID, r.OrderID, r.IdempotencyKey, r.StationID, r.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgStore) GetRedemptionByKey(ctx context.Context, key string) (Redemption, error) {
	var r Redemption
	err := s.db.QueryRow(ctx, `
		SELECT id, order_id, idempotency_key, station_id, items_redeemed, created_at
		FROM redemptions WHERE idempotency_key=$1`, key,
	).Scan(&r.ID, &r.OrderID, &r.IdempotencyKey, &r.StationID, &r.ItemsRedeemed, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Redemption{}, errRedemptionNotFound
	}
	return r, err
}

func (s *pgStore) MarkRedeemed(ctx context.Context, orderID, redemptionID string, at time.Time) ([]orders.Item, error) {
	// A concurrent station blocks on the row locks and then re-checks
	// is_redeemed, so each item is flipped by exactly one redemption.
	rows, err := s.db.Query(ctx, `
		UPDATE order_items SET is_redeemed = true, redeemed_at = $3, redemption_id = $2
		WHERE order_id = $1 AND NOT is_redeemed
		RETURNING `+itemColumns, orderID, redemptionID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := orders.ScanItems(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *pgStore) SetItemsRedeemed(ctx context.Context, redemptionID string, n int) error {
	_, err := s.db.Exec(ctx, `UPDATE redemptions SET items_redeemed=$2 WHERE id=$1`, redemptionID, n)
	return err
}

func (s *pgStore) ListItemsByRedemption(ctx context.Context, redemptionID string) ([]orders.Item, error) {
	rows, err := s.db.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE redemption_id=$1 ORDER BY position`, redemptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return orders.ScanItems(rows)
}

