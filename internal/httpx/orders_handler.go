package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/events"
	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/redisx"
)

const headerIdempotencyKey = "Idempotency-Key"

type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateOrderRequest) (orders.CreateOrderResult, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ConfirmCashPayment(ctx context.Context, orderID string, amountReceived int) (orders.PaymentResult, error)
	ConfirmCardPayment(ctx context.Context, orderID, reference string) (orders.PaymentResult, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type OrdersHandler struct {
	base
	Orders OrderService
}

func NewOrdersHandler(svc OrderService, cache Cache, pub Publisher, log *zap.Logger, service string) *OrdersHandler {
	return &OrdersHandler{base: base{Cache: cache, Publisher: pub, Log: log, Service: service}, Orders: svc}
}

type CreateOrderReq struct {
	Items         []orders.ItemInput `json:"items"`
	PaymentMethod string             `json:"payment_method"`
	TotalCents    *int               `json:"total_cents,omitempty"`
}

type CreateOrderResp struct {
	OrderID      string              `json:"order_id"`
	Code         string              `json:"code"`
	TotalCents   int                 `json:"total_cents"`
	PaymentState orders.PaymentState `json:"payment_state"`
	Items        []orders.Item       `json:"items"`
	Idempotent   bool                `json:"idempotent"`
}

type payCashReq struct {
	AmountReceivedCents *int `json:"amount_received_cents"`
}

type payCardReq struct {
	Reference string `json:"reference"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/pay-cash", h.payCash)
	r.Post("/orders/{id}/pay-card", h.payCard)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Orders.ListProducts(ctx)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if ps == nil {
		ps = []orders.Product{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		writeError(w, h.Log, orders.ErrMissingIdempotencyKey)
		return
	}
	var req CreateOrderReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fast path: a retry of an order this api already created.
	if id := h.cachedOrderID(r, key); id != "" {
		if o, err := h.Orders.GetOrder(ctx, id); err == nil {
			writeJSON(w, http.StatusOK, createOrderResp(o, true))
			return
		}
	}

	res, err := h.Orders.CreateOrder(ctx, orders.CreateOrderRequest{
		IdempotencyKey:     key,
		Items:              req.Items,
		PaymentMethod:      orders.PaymentMethod(req.PaymentMethod),
		ExpectedTotalCents: req.TotalCents,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	o := res.Order

	h.cacheDo(r, "remember key", func(ctx context.Context, c Cache) error {
		return c.RememberOrderKey(ctx, key, o.ID)
	})
	if res.Replayed {
		writeJSON(w, http.StatusOK, createOrderResp(o, true))
		return
	}

	h.cacheDo(r, "set status", func(ctx context.Context, c Cache) error {
		return c.SetOrderStatus(ctx, orderStatus(o))
	})
	h.publish(r, events.EventOrderCreated, o.ID, events.OrderCreatedPayload{
		OrderID:       o.ID,
		PaymentMethod: string(o.PaymentMethod),
		TotalCents:    o.TotalCents,
		Items:         itemQty(o.Items),
		StockAfter:    res.StockAfter,
	})
	h.Log.Info("order created",
		zap.String("order_id", o.ID), zap.Int("total_cents", o.TotalCents), zap.String("payment_method", string(o.PaymentMethod)))

	writeJSON(w, http.StatusCreated, createOrderResp(o, false))
}

func (h *OrdersHandler) cachedOrderID(r *http.Request, key string) string {
	var id string
	h.cacheDo(r, "lookup key", func(ctx context.Context, c Cache) error {
		v, ok, err := c.LookupOrderKey(ctx, key)
		if ok {
			id = v
		}
		return err
	})
	return id
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 1) cache
	var cached redisx.OrderStatus
	var hit bool
	h.cacheDo(r, "get status", func(ctx context.Context, c Cache) error {
		s, ok, err := c.OrderStatus(ctx, id)
		cached, hit = s, ok
		return err
	})
	if hit {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	// 2) fallback DB
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	o, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	s := orderStatus(o)
	h.cacheDo(r, "set status", func(ctx context.Context, c Cache) error { return c.SetOrderStatus(ctx, s) })
	writeJSON(w, http.StatusOK, s)
}

func (h *OrdersHandler) payCash(w http.ResponseWriter, r *http.Request) {
	var req payCashReq
	if err := decode(r, &req); err != nil || req.AmountReceivedCents == nil {
		badRequest(w, "amount_received_cents is required")
		return
	}
	h.pay(w, r, func(ctx context.Context, id string) (orders.PaymentResult, error) {
		return h.Orders.ConfirmCashPayment(ctx, id, *req.AmountReceivedCents)
	})
}

func (h *OrdersHandler) payCard(w http.ResponseWriter, r *http.Request) {
	var req payCardReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	h.pay(w, r, func(ctx context.Context, id string) (orders.PaymentResult, error) {
		return h.Orders.ConfirmCardPayment(ctx, id, req.Reference)
	})
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request, confirm func(ctx context.Context, id string) (orders.PaymentResult, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	res, err := confirm(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if !res.Replayed {
		h.cacheDo(r, "invalidate status", func(ctx context.Context, c Cache) error {
			return c.InvalidateOrderStatus(ctx, id)
		})
		h.publish(r, events.EventOrderPaid, id, events.OrderPaidPayload{
			OrderID:             id,
			PaymentMethod:       string(res.PaymentMethod),
			TotalCents:          res.TotalCents,
			AmountReceivedCents: res.AmountReceivedCents,
			ChangeCents:         res.ChangeCents,
			Reference:           res.Reference,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func createOrderResp(o orders.Order, replayed bool) CreateOrderResp {
	items := o.Items
	if items == nil {
		items = []orders.Item{}
	}
	return CreateOrderResp{
		OrderID:      o.ID,
		Code:         o.Code,
		TotalCents:   o.TotalCents,
		PaymentState: o.PaymentState,
		Items:        items,
		Idempotent:   replayed,
	}
}

func orderStatus(o orders.Order) redisx.OrderStatus {
	pending := 0
	for _, it := range o.Items {
		if !it.IsRedeemed {
			pending++
		}
	}
	return redisx.OrderStatus{
		OrderID:      o.ID,
		PaymentState: string(o.PaymentState),
		TotalCents:   o.TotalCents,
		Pending:      pending,
		UpdatedAt:    time.Now().UTC(),
	}
}

// itemQty folds parent and slot items into per-product quantities.
func itemQty(items []orders.Item) []events.ItemQty {
	idx := map[string]int{}
	var out []events.ItemQty
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok {
			out[i].Qty += it.Qty
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, events.ItemQty{ProductID: it.ProductID, Qty: it.Qty})
	}
	return out
}
