package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/apperr"
	"github.com/ariefcatur/go-pickup-orders/internal/events"
	"github.com/ariefcatur/go-pickup-orders/internal/redisx"
)

// Publisher sends domain events downstream.
type Publisher interface {
	Publish(env events.Envelope) error
}

// Cache is the Redis fast path. Every method is best effort.
type Cache interface {
	RememberOrderKey(ctx context.Context, idemKey, orderID string) error
	LookupOrderKey(ctx context.Context, idemKey string) (string, bool, error)
	SetOrderStatus(ctx context.Context, s redisx.OrderStatus) error
	OrderStatus(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	InvalidateOrderStatus(ctx context.Context, orderID string) error
	SetStock(ctx context.Context, productID string, onHand int) error
}

// Feed pushes live events to station screens.
type Feed interface {
	Broadcast(eventType string, payload any)
}

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorBody{Error: "internal error", Code: "INTERNAL"})
		return
	}
	status := http.StatusUnprocessableEntity
	switch kind {
	case apperr.KindFailedPrecondition:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: kind.String()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "BAD_REQUEST"})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// base carries what every handler shares.
type base struct {
	Cache     Cache
	Publisher Publisher
	Log       *zap.Logger
	Service   string
}

func (b *base) publish(r *http.Request, eventType, correlationID string, payload any) {
	if b.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, b.Service, middleware.GetReqID(r.Context()), correlationID, payload)
	if err == nil {
		err = b.Publisher.Publish(env)
	}
	if err != nil {
		b.Log.Warn("publish event", zap.String("event_type", eventType), zap.String("id", correlationID), zap.Error(err))
	}
}

// cacheDo runs fn against the cache with a short deadline detached from the
// request, logging failures.
func (b *base) cacheDo(r *http.Request, what string, fn func(ctx context.Context, c Cache) error) {
	if b.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 500*time.Millisecond)
	defer cancel()
	if err := fn(ctx, b.Cache); err != nil {
		b.Log.Debug("cache "+what, zap.Error(err))
	}
}
