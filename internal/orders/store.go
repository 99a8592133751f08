package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

type pgStore struct{ db postgres.DBTX }

// NewPGStore is the NewStore used in production.
func NewPGStore(db postgres.DBTX) Store { return &pgStore{db: db} }

const orderColumns = `id, idempotency_key, code, payment_method, payment_state, total_cents,
	amount_received_cents, change_cents, payment_ref, paid_at, created_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var method, state string
	var received, change *int
	var ref *string
	var paidAt *time.Time
	err := row.Scan(&o.ID, &o.IdempotencyKey, &o.Code, &method, &state, &o.TotalCents,
		&received, &change, &ref, &paidAt, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.PaymentMethod = PaymentMethod(method)
	o.PaymentState = PaymentState(state)
	if received != nil {
		o.Payment.AmountReceivedCents = *received
	}
	if change != nil {
		o.Payment.ChangeCents = *change
	}
	if ref != nil {
		o.Payment.Reference = *ref
	}
	o.Payment.PaidAt = paidAt
	return o, nil
}

func (s *pgStore) FindByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key))
}

func (s *pgStore) GetOrder(ctx context.Context, id string) (Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (s *pgStore) GetOrderForUpdate(ctx context.Context, id string) (Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR NO KEY UPDATE`, id))
}

func (s *pgStore) ListItems(ctx context.Context, orderID string) ([]Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, product_id, qty, unit_price_cents,
		       COALESCE(parent_item_id, ''), COALESCE(slot_id, ''), position, is_redeemed, redeemed_at
		FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanItems(rows)
}

// ScanItems reads rows shaped like the ListItems projection.
func ScanItems(rows pgx.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.UnitPriceCents,
			&it.ParentItemID, &it.SlotID, &it.Position, &it.IsRedeemed, &it.RedeemedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *pgStore) GetProducts(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := s.db.Query(ctx, `SELECT id, sku, name, price_cents FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *pgStore) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.sku, p.name, p.price_cents, COALESCE(st.on_hand, 0), p.created_at, p.updated_at
		FROM products p LEFT JOIN inventory_stock st ON st.product_id = p.id
		ORDER BY p.sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgStore) InsertOrder(ctx context.Context, o Order) (bool, error) {
	// A concurrent insert with the same key blocks on the unique index until
	// the other transaction finishes, then either proceeds or hits the conflict.
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO orders(id, idempotency_key, code, payment_method, payment_state, total_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		o.ID, o.IdempotencyKey, o.Code, string(o.PaymentMethod), string(o.PaymentState), o.TotalCents, o.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *pgStore) InsertItem(ctx context.Context, it Item) error {
	var parent, slot *string
	if it.ParentItemID != "" {
		parent = &it.ParentItemID
	}
	if it.SlotID != "" {
		slot = &it.SlotID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_items(id, order_id, product_id, qty, unit_price_cents, parent_item_id, slot_id, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		it.ID, it.OrderID, it.ProductID, it.Qty, it.UnitPriceCents, parent, slot, it.Position)
	return err
}

func (s *pgStore) MarkPaid(ctx context.Context, id string, p Payment) error {
	var ref *string
	if p.Reference != "" {
		ref = &p.Reference
	}
	ct, err := s.db.Exec(ctx, `
		UPDATE orders
		SET payment_state='paid', amount_received_cents=$2, change_cents=$3, payment_ref=$4, paid_at=$5
		WHERE id=$1 AND payment_state='unpaid'`,
		id, p.AmountReceivedCents, p.ChangeCents, ref, p.PaidAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOrderNotFound
	}
	return nil
}
