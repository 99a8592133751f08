package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-pickup-orders/internal/apperr"
	"github.com/ariefcatur/go-pickup-orders/internal/ledger"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
)

// Errors returned by the order service.
var (
	ErrMissingIdempotencyKey = apperr.InvalidArgument("idempotency key is required")
	ErrEmptyItems            = apperr.InvalidArgument("items are required")
	ErrInvalidQuantity       = apperr.InvalidArgument("quantity must be > 0")
	ErrInvalidSelection      = apperr.InvalidArgument("slot selection needs slot_id and product_id")
	ErrUnknownProduct        = apperr.InvalidArgument("product not found")
	ErrInvalidPaymentMethod  = apperr.InvalidArgument("invalid payment_method")
	ErrTotalMismatch         = apperr.InvalidArgument("total does not match server computation")
	ErrInvalidAmount         = apperr.InvalidArgument("amount_received must be >= 0")
	ErrInsufficientCash      = apperr.InvalidArgument("amount_received is less than total")
	ErrMissingReference      = apperr.InvalidArgument("card reference is required")
	ErrPaymentMethodMismatch = apperr.FailedPrecondition("order was placed with another payment method")
	ErrOrderNotFound         = apperr.NotFound("order not found")
)

// Store defines the DB methods the order service needs.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, key string) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (Order, error)
	ListItems(ctx context.Context, orderID string) ([]Item, error)
	GetProducts(ctx context.Context, ids []string) (map[string]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	// InsertOrder returns false when the idempotency key is already taken.
	InsertOrder(ctx context.Context, o Order) (bool, error)
	InsertItem(ctx context.Context, it Item) error
	MarkPaid(ctx context.Context, id string, p Payment) error
}

// NewStore creates a Store from a pool or a transaction.
type NewStore func(db postgres.DBTX) Store

// CreateOrderRequest is the validated input for creating an order.
// ExpectedTotalCents, when set, must equal the server-computed total.
type CreateOrderRequest struct {
	IdempotencyKey     string
	Items              []ItemInput
	PaymentMethod      PaymentMethod
	ExpectedTotalCents *int
}

type CreateOrderResult struct {
	Order    Order
	Replayed bool
	// StockAfter holds the on-hand balance of each sold product once the
	// order committed. Empty on replay.
	StockAfter map[string]int
}

type PaymentResult struct {
	OrderID             string        `json:"order_id"`
	PaymentMethod       PaymentMethod `json:"payment_method"`
	TotalCents          int           `json:"total_cents"`
	AmountReceivedCents int           `json:"amount_received_cents"`
	ChangeCents         int           `json:"change_cents"`
	Reference           string        `json:"reference,omitempty"`
	Replayed            bool          `json:"idempotent"`
}

type Service struct {
	pool           postgres.Pool
	newStore       NewStore
	newLedgerStore ledger.NewStore
	ledger         *ledger.Ledger
	now            func() time.Time
	newID          func() string
}

func NewService(pool postgres.Pool, newStore NewStore, l *ledger.Ledger, newLedgerStore ledger.NewStore) *Service {
	return &Service{
		pool:           pool,
		newStore:       newStore,
		newLedgerStore: newLedgerStore,
		ledger:         l,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
}

// CreateOrder creates an order exactly once per idempotency key. A repeated
// key returns the original order and leaves inventory untouched. Otherwise
// the order row, its items and one sale entry per product commit together.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if req.IdempotencyKey == "" {
		return CreateOrderResult{}, ErrMissingIdempotencyKey
	}

	// Fast path for retries of an already committed order.
	if o, err := s.loadByKey(ctx, req.IdempotencyKey); err == nil {
		return CreateOrderResult{Order: o, Replayed: true}, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return CreateOrderResult{}, err
	}

	if err := validateCreate(req); err != nil {
		return CreateOrderResult{}, err
	}

	res, inserted, err := s.createOrderTx(ctx, req)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if !inserted {
		// A concurrent request with the same key committed first.
		o, err := s.loadByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("load replayed order: %w", err)
		}
		return CreateOrderResult{Order: o, Replayed: true}, nil
	}
	return res, nil
}

func (s *Service) createOrderTx(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := s.newStore(tx)

	products, err := st.GetProducts(ctx, productIDs(req.Items))
	if err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("get products: %w", err)
	}

	// --- Price items; selections are included in the menu price ---
	total := 0
	demand := map[string]int{}
	for i, in := range req.Items {
		p, ok := products[in.ProductID]
		if !ok {
			return CreateOrderResult{}, false, fmt.Errorf("item[%d]: %w", i, apperr.Wrap(ErrUnknownProduct, "%s", in.ProductID))
		}
		total += p.PriceCents * in.Qty
		demand[in.ProductID] += in.Qty
		for j, sel := range in.Selections {
			if _, ok := products[sel.ProductID]; !ok {
				return CreateOrderResult{}, false, fmt.Errorf("item[%d].selections[%d]: %w", i, j, apperr.Wrap(ErrUnknownProduct, "%s", sel.ProductID))
			}
			demand[sel.ProductID] += in.Qty
		}
	}
	if req.ExpectedTotalCents != nil && *req.ExpectedTotalCents != total {
		return CreateOrderResult{}, false, apperr.Wrap(ErrTotalMismatch, "client %d, server %d", *req.ExpectedTotalCents, total)
	}

	// --- Claim the idempotency key ---
	o := Order{
		ID:             s.newID(),
		IdempotencyKey: req.IdempotencyKey,
		Code:           s.newID(),
		PaymentMethod:  req.PaymentMethod,
		PaymentState:   PaymentUnpaid,
		TotalCents:     total,
		CreatedAt:      s.now(),
	}
	inserted, err := st.InsertOrder(ctx, o)
	if err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("insert order: %w", err)
	}
	if !inserted {
		return CreateOrderResult{}, false, nil
	}

	// --- Reserve stock, locking products in a stable order ---
	lst := s.newLedgerStore(tx)
	ids := make([]string, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	stockAfter := make(map[string]int, len(ids))
	for _, id := range ids {
		e, err := s.ledger.AppendTx(ctx, lst, ledger.Entry{
			ProductID: id,
			Delta:     -demand[id],
			Reason:    ledger.ReasonSale,
			OrderID:   o.ID,
		})
		if err != nil {
			return CreateOrderResult{}, false, err
		}
		stockAfter[id] = e.BalanceAfter
	}

	// --- Insert items ---
	pos := 0
	for _, in := range req.Items {
		parent := Item{
			ID:             s.newID(),
			OrderID:        o.ID,
			ProductID:      in.ProductID,
			Qty:            in.Qty,
			UnitPriceCents: products[in.ProductID].PriceCents,
			Position:       pos,
		}
		pos++
		if err := st.InsertItem(ctx, parent); err != nil {
			return CreateOrderResult{}, false, fmt.Errorf("insert item: %w", err)
		}
		o.Items = append(o.Items, parent)
		for _, sel := range in.Selections {
			child := Item{
				ID:           s.newID(),
				OrderID:      o.ID,
				ProductID:    sel.ProductID,
				Qty:          in.Qty,
				ParentItemID: parent.ID,
				SlotID:       sel.SlotID,
				Position:     pos,
			}
			pos++
			if err := st.InsertItem(ctx, child); err != nil {
				return CreateOrderResult{}, false, fmt.Errorf("insert slot item: %w", err)
			}
			o.Items = append(o.Items, child)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateOrderResult{}, false, fmt.Errorf("commit tx: %w", err)
	}
	return CreateOrderResult{Order: o, StockAfter: stockAfter}, true, nil
}

// ConfirmCashPayment marks a cash order paid. Confirming an order that is
// already paid returns the stored confirmation.
func (s *Service) ConfirmCashPayment(ctx context.Context, orderID string, amountReceived int) (PaymentResult, error) {
	if amountReceived < 0 {
		return PaymentResult{}, ErrInvalidAmount
	}
	return s.confirm(ctx, orderID, PaymentCash, func(o Order) (Payment, error) {
		if amountReceived < o.TotalCents {
			return Payment{}, apperr.Wrap(ErrInsufficientCash, "received %d, total %d", amountReceived, o.TotalCents)
		}
		return Payment{
			AmountReceivedCents: amountReceived,
			ChangeCents:         amountReceived - o.TotalCents,
		}, nil
	})
}

// ConfirmCardPayment records the terminal reference of a card charge.
func (s *Service) ConfirmCardPayment(ctx context.Context, orderID, reference string) (PaymentResult, error) {
	if reference == "" {
		return PaymentResult{}, ErrMissingReference
	}
	return s.confirm(ctx, orderID, PaymentCard, func(o Order) (Payment, error) {
		return Payment{AmountReceivedCents: o.TotalCents, Reference: reference}, nil
	})
}

func (s *Service) confirm(ctx context.Context, orderID string, method PaymentMethod, settle func(Order) (Payment, error)) (PaymentResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := s.newStore(tx)
	o, err := st.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return PaymentResult{}, err
	}
	if o.PaymentState == PaymentPaid {
		return paymentResult(o, true), nil
	}
	if o.PaymentMethod != method {
		return PaymentResult{}, apperr.Wrap(ErrPaymentMethodMismatch, "order uses %s", o.PaymentMethod)
	}
	if !CanTransition(o.PaymentState, PaymentPaid) {
		return PaymentResult{}, fmt.Errorf("order %s: unexpected payment state %q", o.ID, o.PaymentState)
	}

	p, err := settle(o)
	if err != nil {
		return PaymentResult{}, err
	}
	now := s.now()
	p.PaidAt = &now
	if err := st.MarkPaid(ctx, o.ID, p); err != nil {
		return PaymentResult{}, fmt.Errorf("mark paid: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentResult{}, fmt.Errorf("commit tx: %w", err)
	}

	o.PaymentState = PaymentPaid
	o.Payment = p
	return paymentResult(o, false), nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	st := s.newStore(s.pool)
	o, err := st.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Items, err = st.ListItems(ctx, o.ID); err != nil {
		return Order{}, fmt.Errorf("list items: %w", err)
	}
	return o, nil
}

// ListProducts is the read-only catalog devices use for display totals.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.newStore(s.pool).ListProducts(ctx)
}

func (s *Service) loadByKey(ctx context.Context, key string) (Order, error) {
	st := s.newStore(s.pool)
	o, err := st.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Order{}, err
	}
	if o.Items, err = st.ListItems(ctx, o.ID); err != nil {
		return Order{}, fmt.Errorf("list items: %w", err)
	}
	return o, nil
}

func paymentResult(o Order, replayed bool) PaymentResult {
	return PaymentResult{
		OrderID:             o.ID,
		PaymentMethod:       o.PaymentMethod,
		TotalCents:          o.TotalCents,
		AmountReceivedCents: o.Payment.AmountReceivedCents,
		ChangeCents:         o.Payment.ChangeCents,
		Reference:           o.Payment.Reference,
		Replayed:            replayed,
	}
}

func validateCreate(req CreateOrderRequest) error {
	if !req.PaymentMethod.Valid() {
		return apperr.Wrap(ErrInvalidPaymentMethod, "%q", req.PaymentMethod)
	}
	if len(req.Items) == 0 {
		return ErrEmptyItems
	}
	for i, in := range req.Items {
		if in.ProductID == "" {
			return fmt.Errorf("item[%d]: %w", i, ErrUnknownProduct)
		}
		if in.Qty <= 0 {
			return fmt.Errorf("item[%d]: %w", i, ErrInvalidQuantity)
		}
		for j, sel := range in.Selections {
			if sel.SlotID == "" || sel.ProductID == "" {
				return fmt.Errorf("item[%d].selections[%d]: %w", i, j, ErrInvalidSelection)
			}
		}
	}
	return nil
}

func productIDs(items []ItemInput) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, in := range items {
		add(in.ProductID)
		for _, sel := range in.Selections {
			add(sel.ProductID)
		}
	}
	return out
}
