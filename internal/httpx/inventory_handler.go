package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/events"
	"github.com/ariefcatur/go-pickup-orders/internal/ledger"
)

type InventoryService interface {
	Append(ctx context.Context, productID string, delta int, reason ledger.Reason, note string) (ledger.Entry, error)
	Entries(ctx context.Context, productID string, limit int) ([]ledger.Entry, error)
	Reconcile(ctx context.Context, productID string) (ledger.Reconciliation, error)
}

type InventoryHandler struct {
	base
	Ledger InventoryService
}

func NewInventoryHandler(l InventoryService, cache Cache, pub Publisher, log *zap.Logger, service string) *InventoryHandler {
	return &InventoryHandler{base: base{Cache: cache, Publisher: pub, Log: log, Service: service}, Ledger: l}
}

type adjustReq struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Post("/inventory/{productId}/adjust", h.adjust)
	r.Get("/inventory/{productId}", h.stock)
	r.Get("/inventory/{productId}/ledger", h.entries)
}

func (h *InventoryHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pid := chi.URLParam(r, "productId")
	e, err := h.Ledger.Append(ctx, pid, req.Delta, ledger.Reason(req.Reason), req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	h.cacheDo(r, "set stock", func(ctx context.Context, c Cache) error {
		return c.SetStock(ctx, pid, e.BalanceAfter)
	})
	h.publish(r, events.EventInventoryAdjusted, pid, events.InventoryAdjustedPayload{
		ProductID:    pid,
		Delta:        e.Delta,
		Reason:       string(e.Reason),
		BalanceAfter: e.BalanceAfter,
	})
	h.Log.Info("inventory adjusted",
		zap.String("product_id", pid), zap.Int("delta", e.Delta), zap.String("reason", string(e.Reason)), zap.Int("balance_after", e.BalanceAfter))

	writeJSON(w, http.StatusCreated, e)
}

func (h *InventoryHandler) stock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := h.Ledger.Reconcile(ctx, chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if rec.Drift != 0 {
		h.Log.Warn("inventory drift", zap.String("product_id", rec.ProductID), zap.Int("drift", rec.Drift))
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *InventoryHandler) entries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	es, err := h.Ledger.Entries(ctx, chi.URLParam(r, "productId"), limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if es == nil {
		es = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, es)
}
