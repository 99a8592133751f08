package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/client"
	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/queue"
	"github.com/ariefcatur/go-pickup-orders/internal/syncer"
	"github.com/ariefcatur/go-pickup-orders/internal/terminal"
)

type fakeCatalog struct {
	products []orders.Product
	err      error
}

func (f fakeCatalog) ListProducts(context.Context) ([]orders.Product, error) {
	return f.products, f.err
}

type reader struct{ ref string }

func (reader) Name() string { return "reader" }

func (r reader) Charge(context.Context, int) (string, error) {
	if r.ref == "" {
		return "", terminal.ErrDeclined
	}
	return r.ref, nil
}

type offlineAPI struct{}

func (offlineAPI) CreateOrder(context.Context, string, client.CreateOrderRequest) (client.CreateOrderResponse, error) {
	return client.CreateOrderResponse{}, &client.Error{Kind: client.Transient, Message: "connection refused"}
}

func (offlineAPI) PayCash(context.Context, string, int) (orders.PaymentResult, error) {
	return orders.PaymentResult{}, nil
}

func (offlineAPI) PayCard(context.Context, string, string) (orders.PaymentResult, error) {
	return orders.PaymentResult{}, nil
}

func newTestPOS(t *testing.T, bridge terminal.Bridge) (*pos, *bytes.Buffer) {
	t.Helper()
	q, err := queue.Open(context.Background(), filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	var out bytes.Buffer
	p := &pos{
		queue: q,
		api: fakeCatalog{products: []orders.Product{
			{ID: "A", Name: "Burger", PriceCents: 500},
			{ID: "B", Name: "Fries", PriceCents: 450},
		}},
		sync:   syncer.New(q, nil, zap.NewNop()),
		bridge: bridge,
		log:    zap.NewNop(),
		out:    &out,
	}
	p.refreshCatalog(context.Background())
	return p, &out
}

func TestCheckoutCash(t *testing.T) {
	var receipt bytes.Buffer
	p, _ := newTestPOS(t, terminal.TextPrinter{W: &receipt})

	r, err := p.checkout(context.Background(), command{
		Items:               []orders.ItemInput{{ProductID: "A", Qty: 2}, {ProductID: "B", Qty: 1}},
		PaymentMethod:       orders.PaymentCash,
		AmountReceivedCents: 2000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalCents != 1450 || r.Status != queue.StatusPending || r.IdempotencyKey == "" {
		t.Errorf("record = %+v", r)
	}
	if !strings.Contains(receipt.String(), "5.50") {
		t.Errorf("receipt has no change line:\n%s", receipt.String())
	}
}

func TestCheckoutRejections(t *testing.T) {
	p, _ := newTestPOS(t, terminal.None{})
	tests := []struct {
		name string
		cmd  command
		want string
	}{
		{"empty cart", command{PaymentMethod: orders.PaymentCash}, "cart is empty"},
		{"bad qty", command{Items: []orders.ItemInput{{ProductID: "A"}}, PaymentMethod: orders.PaymentCash, AmountReceivedCents: 500}, "invalid quantity"},
		{"short cash", command{Items: []orders.ItemInput{{ProductID: "A", Qty: 1}}, PaymentMethod: orders.PaymentCash, AmountReceivedCents: 100}, "less than total"},
		{"unknown product", command{Items: []orders.ItemInput{{ProductID: "Z", Qty: 1}}, PaymentMethod: orders.PaymentCash, AmountReceivedCents: 100}, "not in catalog"},
		{"card without reader", command{Items: []orders.ItemInput{{ProductID: "A", Qty: 1}}, PaymentMethod: orders.PaymentCard}, "no card reader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.checkout(context.Background(), tt.cmd)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
	recs, _ := p.queue.List(context.Background())
	if len(recs) != 0 {
		t.Errorf("rejected checkouts were queued: %d", len(recs))
	}
}

func TestCheckoutCardWithReader(t *testing.T) {
	p, _ := newTestPOS(t, reader{ref: "auth-1"})
	r, err := p.checkout(context.Background(), command{
		Items:         []orders.ItemInput{{ProductID: "A", Qty: 1}},
		PaymentMethod: orders.PaymentCard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.PaymentRef != "auth-1" {
		t.Errorf("payment ref = %q", r.PaymentRef)
	}

	p.bridge = reader{}
	_, err = p.checkout(context.Background(), command{
		Items:         []orders.ItemInput{{ProductID: "A", Qty: 1}},
		PaymentMethod: orders.PaymentCard,
	})
	if !errors.Is(err, terminal.ErrDeclined) {
		t.Errorf("err = %v, want declined", err)
	}
}

func TestCheckoutOfflineUsesOperatorTotal(t *testing.T) {
	p, _ := newTestPOS(t, terminal.None{})
	p.catalog = nil

	r, err := p.checkout(context.Background(), command{
		Items:               []orders.ItemInput{{ProductID: "A", Qty: 1}},
		PaymentMethod:       orders.PaymentCash,
		TotalCents:          500,
		AmountReceivedCents: 500,
	})
	if err != nil || r.TotalCents != 500 {
		t.Errorf("record = %+v, err = %v", r, err)
	}
}

func TestServeCommands(t *testing.T) {
	p, out := newTestPOS(t, terminal.None{})
	in := strings.Join([]string{
		`{"cmd":"checkout","items":[{"product_id":"A","qty":1}],"payment_method":"cash","amount_received_cents":500}`,
		`not json`,
		`{"cmd":"list"}`,
		`{"cmd":"bogus"}`,
	}, "\n")

	p.sync = syncer.New(p.queue, offlineAPI{}, zap.NewNop())
	if err := p.serve(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}

	dec := json.NewDecoder(out)
	var replies []reply
	for dec.More() {
		var r reply
		if err := dec.Decode(&r); err != nil {
			t.Fatal(err)
		}
		replies = append(replies, r)
	}
	if len(replies) != 4 {
		t.Fatalf("replies = %d, want 4", len(replies))
	}
	if !replies[0].OK || replies[0].Record == nil {
		t.Errorf("checkout reply = %+v", replies[0])
	}
	if replies[1].OK || !strings.Contains(replies[1].Error, "malformed") {
		t.Errorf("malformed reply = %+v", replies[1])
	}
	if len(replies[2].Records) != 1 {
		t.Errorf("list reply = %+v", replies[2])
	}
	if replies[3].OK {
		t.Errorf("unknown command accepted")
	}

	// the final sync attempt failed transiently and scheduled a retry
	recs, _ := p.queue.List(context.Background(), queue.StatusPending)
	if len(recs) != 1 || recs[0].AttemptCount != 1 {
		t.Errorf("after final sync = %+v", recs)
	}
}
