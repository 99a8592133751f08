package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

type pgStore struct{ db postgres.DBTX }

// NewPGStore is the NewStore used in production.
func NewPGStore(db postgres.DBTX) Store { return &pgStore{db: db} }

func (s *pgStore) ProductExists(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1)`, productID).Scan(&ok)
	return ok, err
}

func (s *pgStore) ApplyDelta(ctx context.Context, productID string, delta int) (int, bool, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO inventory_stock(product_id, on_hand) VALUES ($1, 0)
		ON CONFLICT (product_id) DO NOTHING`, productID); err != nil {
		return 0, false, err
	}

	// The row lock taken by UPDATE serializes concurrent movements on one
	// product; the WHERE is re-evaluated against the committed value.
	var onHand int
	err := s.db.QueryRow(ctx, `
		UPDATE inventory_stock SET on_hand = on_hand + $2, updated_at = now()
		WHERE product_id = $1 AND on_hand + $2 >= 0
		RETURNING on_hand`, productID, delta).Scan(&onHand)
	if err == nil {
		return onHand, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	if err := s.db.QueryRow(ctx, `SELECT on_hand FROM inventory_stock WHERE product_id=$1`, productID).Scan(&onHand); err != nil {
		return 0, false, err
	}
	return onHand, false, nil
}

func (s *pgStore) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	var orderID *string
	if e.OrderID != "" {
		orderID = &e.OrderID
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO inventory_ledger(product_id, delta, reason, note, order_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.ProductID, e.Delta, string(e.Reason), e.Note, orderID, e.BalanceAfter, e.CreatedAt,
	).Scan(&e.ID)
	return e, err
}

func (s *pgStore) OnHand(ctx context.Context, productID string) (int, error) {
	var onHand int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(st.on_hand, 0)
		FROM products p LEFT JOIN inventory_stock st ON st.product_id = p.id
		WHERE p.id = $1`, productID).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownProduct
	}
	return onHand, err
}

// Balances uses a single statement so a sale committing in between cannot
// show up as drift.
func (s *pgStore) Balances(ctx context.Context, productID string) (int, int, error) {
	var onHand, sum int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(st.on_hand, 0),
		       (SELECT COALESCE(SUM(l.delta), 0) FROM inventory_ledger l WHERE l.product_id = p.id)
		FROM products p LEFT JOIN inventory_stock st ON st.product_id = p.id
		WHERE p.id = $1`, productID).Scan(&onHand, &sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrUnknownProduct
	}
	return onHand, sum, err
}

func (s *pgStore) ListEntries(ctx context.Context, productID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, product_id, delta, reason, note, COALESCE(order_id, ''), balance_after, created_at
		FROM inventory_ledger WHERE product_id=$1
		ORDER BY id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var reason string
		if err := rows.Scan(&e.ID, &e.ProductID, &e.Delta, &reason, &e.Note, &e.OrderID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = Reason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}
