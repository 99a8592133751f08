package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/events"
	"github.com/ariefcatur/go-pickup-orders/internal/redemption"
)

type RedemptionService interface {
	Verify(ctx context.Context, code string) (redemption.VerifyResult, error)
	Redeem(ctx context.Context, code, idempotencyKey, stationID string) (redemption.RedeemResult, error)
}

type RedemptionHandler struct {
	base
	Redemption RedemptionService
	Feed       Feed
}

func NewRedemptionHandler(svc RedemptionService, cache Cache, pub Publisher, feed Feed, log *zap.Logger, service string) *RedemptionHandler {
	return &RedemptionHandler{base: base{Cache: cache, Publisher: pub, Log: log, Service: service}, Redemption: svc, Feed: feed}
}

type verifyReq struct {
	Code string `json:"code"`
}

type redeemReq struct {
	Code      string `json:"code"`
	StationID string `json:"station_id"`
}

func (h *RedemptionHandler) Register(r chi.Router) {
	r.Post("/redemption/verify", h.verify)
	r.Post("/redemption/redeem", h.redeem)
}

func (h *RedemptionHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.Redemption.Verify(ctx, req.Code)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *RedemptionHandler) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemReq
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Redemption.Redeem(ctx, req.Code, r.Header.Get(headerIdempotencyKey), req.StationID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if !res.Replayed {
		h.cacheDo(r, "invalidate status", func(ctx context.Context, c Cache) error {
			return c.InvalidateOrderStatus(ctx, res.OrderID)
		})
		payload := events.OrderRedeemedPayload{
			OrderID:       res.OrderID,
			RedemptionID:  res.RedemptionID,
			StationID:     res.StationID,
			ItemsRedeemed: res.ItemsRedeemed,
		}
		h.publish(r, events.EventOrderRedeemed, res.OrderID, payload)
		if h.Feed != nil {
			h.Feed.Broadcast(events.EventOrderRedeemed, payload)
		}
		h.Log.Info("order redeemed",
			zap.String("order_id", res.OrderID), zap.String("station_id", res.StationID), zap.Int("items", res.ItemsRedeemed))
	}
	writeJSON(w, http.StatusOK, res)
}
