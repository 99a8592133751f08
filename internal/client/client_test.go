package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
)

func TestCreateOrder_sendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "k1" {
			t.Errorf("key = %q", got)
		}
		var req CreateOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Items) != 1 || *req.TotalCents != 1000 {
			t.Errorf("req = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateOrderResponse{OrderID: "o1", TotalCents: 1000})
	}))
	defer srv.Close()

	total := 1000
	c := New(srv.URL, time.Second)
	res, err := c.CreateOrder(context.Background(), "k1", CreateOrderRequest{
		Items:         []orders.ItemInput{{ProductID: "A", Qty: 2}},
		PaymentMethod: orders.PaymentCash,
		TotalCents:    &total,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrderID != "o1" {
		t.Errorf("order id = %s", res.OrderID)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
		code   string
	}{
		{http.StatusUnprocessableEntity, `{"error":"insufficient stock","code":"INVALID_ARGUMENT"}`, Rejected, "INVALID_ARGUMENT"},
		{http.StatusConflict, `{"error":"insufficient stock","code":"FAILED_PRECONDITION"}`, Rejected, "FAILED_PRECONDITION"},
		{http.StatusBadRequest, `bad`, Rejected, ""},
		{http.StatusNotFound, `{"error":"code not found","code":"NOT_FOUND"}`, NotFound, "NOT_FOUND"},
		{http.StatusInternalServerError, `{"error":"internal error","code":"INTERNAL"}`, Transient, "INTERNAL"},
		{http.StatusServiceUnavailable, ``, Transient, ""},
		{http.StatusTooManyRequests, ``, Transient, ""},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second).Verify(context.Background(), "c1")
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if e.Kind != tt.want || e.Status != tt.status || e.Code != tt.code {
				t.Errorf("got kind=%s status=%d code=%q", e.Kind, e.Status, e.Code)
			}
			if IsTransient(err) != (tt.want == Transient) {
				t.Errorf("IsTransient = %v", IsTransient(err))
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	_, err := New(srv.URL, 50*time.Millisecond).CreateOrder(context.Background(), "k1", CreateOrderRequest{})
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := New(url, time.Second).Health(context.Background()); !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestPayCash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/o1/pay-cash" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]int
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(orders.PaymentResult{OrderID: "o1", AmountReceivedCents: body["amount_received_cents"], ChangeCents: 550})
	}))
	defer srv.Close()

	res, err := New(srv.URL, time.Second).PayCash(context.Background(), "o1", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangeCents != 550 || res.AmountReceivedCents != 2000 {
		t.Errorf("res = %+v", res)
	}
}
