// Package ledger is the append-only inventory ledger. Current stock is the
// sum of all deltas for a product; a materialized counter is kept in step
// with every insert inside the same transaction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-pickup-orders/internal/apperr"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

type Reason string

const (
	ReasonOpeningBalance Reason = "opening_balance"
	ReasonSale           Reason = "sale"
	ReasonRefund         Reason = "refund"
	ReasonManualAdjust   Reason = "manual_adjust"
	ReasonCorrection     Reason = "correction"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonOpeningBalance, ReasonSale, ReasonRefund, ReasonManualAdjust, ReasonCorrection:
		return true
	}
	return false
}

// Entry is one immutable stock movement.
type Entry struct {
	ID           int64     `json:"id"`
	ProductID    string    `json:"product_id"`
	Delta        int       `json:"delta"`
	Reason       Reason    `json:"reason"`
	Note         string    `json:"note,omitempty"`
	OrderID      string    `json:"order_id,omitempty"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Reconciliation compares the ledger sum against the materialized counter.
type Reconciliation struct {
	ProductID string `json:"product_id"`
	OnHand    int    `json:"on_hand"`
	LedgerSum int    `json:"ledger_sum"`
	Drift     int    `json:"drift"`
}

var (
	ErrInvalidReason     = apperr.InvalidArgument("invalid ledger reason")
	ErrZeroDelta         = apperr.InvalidArgument("delta must be non-zero")
	ErrSignMismatch      = apperr.InvalidArgument("delta sign does not match reason")
	ErrNoteRequired      = apperr.InvalidArgument("note is required for manual_adjust")
	ErrSaleWithoutOrder  = apperr.InvalidArgument("sale entries must reference an order")
	ErrUnknownProduct    = apperr.NotFound("product not found")
	ErrInsufficientStock = apperr.FailedPrecondition("insufficient stock")
)

// Store is the persistence the ledger needs. Satisfied by the pgx store on
// a pool or on a transaction.
type Store interface {
	ProductExists(ctx context.Context, productID string) (bool, error)
	// ApplyDelta moves the counter by delta unless the result would be
	// negative, in which case ok is false and onHand is the current value.
	ApplyDelta(ctx context.Context, productID string, delta int) (onHand int, ok bool, err error)
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	OnHand(ctx context.Context, productID string) (int, error)
	// Balances reads the counter and the ledger sum from one snapshot.
	Balances(ctx context.Context, productID string) (onHand, ledgerSum int, err error)
	ListEntries(ctx context.Context, productID string, limit int) ([]Entry, error)
}

// NewStore creates a Store from a pool or a transaction.
type NewStore func(db postgres.DBTX) Store

const (
	defaultEntriesLimit = 100
	maxEntriesLimit     = 1000
)

type Ledger struct {
	pool     postgres.Pool
	newStore NewStore
	now      func() time.Time
}

func New(pool postgres.Pool, newStore NewStore) *Ledger {
	return &Ledger{pool: pool, newStore: newStore, now: func() time.Time { return time.Now().UTC() }}
}

// Append records a stock movement in its own transaction.
func (l *Ledger) Append(ctx context.Context, productID string, delta int, reason Reason, note string) (Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	e, err := l.AppendTx(ctx, l.newStore(tx), Entry{
		ProductID: productID,
		Delta:     delta,
		Reason:    reason,
		Note:      note,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("commit tx: %w", err)
	}
	return e, nil
}

// AppendTx records a movement through st, which must be bound to the
// caller's transaction. The counter update and the insert then commit or
// roll back together with the caller's other writes.
func (l *Ledger) AppendTx(ctx context.Context, st Store, e Entry) (Entry, error) {
	if err := validate(e); err != nil {
		return Entry{}, err
	}
	exists, err := st.ProductExists(ctx, e.ProductID)
	if err != nil {
		return Entry{}, fmt.Errorf("check product: %w", err)
	}
	if !exists {
		return Entry{}, apperr.Wrap(ErrUnknownProduct, "%s", e.ProductID)
	}

	onHand, ok, err := st.ApplyDelta(ctx, e.ProductID, e.Delta)
	if err != nil {
		return Entry{}, fmt.Errorf("apply delta: %w", err)
	}
	if !ok {
		return Entry{}, apperr.Wrap(ErrInsufficientStock, "product %s has %d, requested %d", e.ProductID, onHand, -e.Delta)
	}

	e.BalanceAfter = onHand
	e.CreatedAt = l.now()
	saved, err := st.InsertEntry(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return saved, nil
}

func (l *Ledger) CurrentStock(ctx context.Context, productID string) (int, error) {
	return l.newStore(l.pool).OnHand(ctx, productID)
}

func (l *Ledger) Entries(ctx context.Context, productID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	return l.newStore(l.pool).ListEntries(ctx, productID, limit)
}

// Reconcile recomputes stock from the ledger and reports any difference
// from the materialized counter. A non-zero drift is fixed by appending a
// correction entry, never by editing history.
func (l *Ledger) Reconcile(ctx context.Context, productID string) (Reconciliation, error) {
	onHand, sum, err := l.newStore(l.pool).Balances(ctx, productID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		ProductID: productID,
		OnHand:    onHand,
		LedgerSum: sum,
		Drift:     onHand - sum,
	}, nil
}

func validate(e Entry) error {
	if !e.Reason.Valid() {
		return apperr.Wrap(ErrInvalidReason, "%q", e.Reason)
	}
	if e.Delta == 0 {
		return ErrZeroDelta
	}
	switch e.Reason {
	case ReasonSale:
		if e.Delta > 0 {
			return apperr.Wrap(ErrSignMismatch, "sale must be negative")
		}
		if e.OrderID == "" {
			return ErrSaleWithoutOrder
		}
	case ReasonOpeningBalance, ReasonRefund:
		if e.Delta < 0 {
			return apperr.Wrap(ErrSignMismatch, "%s must be positive", e.Reason)
		}
	case ReasonManualAdjust:
		if e.Note == "" {
			return ErrNoteRequired
		}
	}
	return nil
}
