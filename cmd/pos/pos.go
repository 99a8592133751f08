package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
	"github.com/ariefcatur/go-pickup-orders/internal/queue"
	"github.com/ariefcatur/go-pickup-orders/internal/syncer"
	"github.com/ariefcatur/go-pickup-orders/internal/terminal"
)

type catalogAPI interface {
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

// command is one line on stdin.
type command struct {
	Cmd                 string               `json:"cmd"`
	Items               []orders.ItemInput   `json:"items,omitempty"`
	PaymentMethod       orders.PaymentMethod `json:"payment_method,omitempty"`
	AmountReceivedCents int                  `json:"amount_received_cents,omitempty"`
	TotalCents          int                  `json:"total_cents,omitempty"`
	Reference           string               `json:"reference,omitempty"`
	LocalID             string               `json:"local_id,omitempty"`
	Reason              string               `json:"reason,omitempty"`
}

type reply struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Record  *queue.Record   `json:"record,omitempty"`
	Records []queue.Record  `json:"records,omitempty"`
	Sync    *syncer.Summary `json:"sync,omitempty"`
}

type pos struct {
	queue  *queue.Queue
	api    catalogAPI
	sync   *syncer.Syncer
	bridge terminal.Bridge
	log    *zap.Logger
	out    io.Writer

	mu      sync.Mutex
	catalog map[string]orders.Product
}

// serve handles commands until r is exhausted or ctx is done, then makes a
// last sync attempt.
func (p *pos) serve(ctx context.Context, r io.Reader) error {
	p.refreshCatalog(ctx)

	sc := bufio.NewScanner(r)
	enc := json.NewEncoder(p.out)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil {
			_ = enc.Encode(reply{Error: "malformed command: " + err.Error()})
			continue
		}
		rep, err := p.handle(ctx, cmd)
		if err != nil {
			rep = reply{Error: err.Error()}
		} else {
			rep.OK = true
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	if sum, err := p.sync.RunOnce(ctx); err != nil {
		p.log.Warn("final sync", zap.Error(err))
	} else if !sum.Skipped {
		p.log.Info("final sync", zap.Int("synced", sum.Synced), zap.Int("retried", sum.Retried), zap.Int("failed", sum.Failed))
	}
	return nil
}

func (p *pos) handle(ctx context.Context, cmd command) (reply, error) {
	switch cmd.Cmd {
	case "checkout":
		r, err := p.checkout(ctx, cmd)
		if err != nil {
			return reply{}, err
		}
		return reply{Record: &r}, nil
	case "list":
		recs, err := p.queue.List(ctx)
		return reply{Records: recs}, err
	case "failed":
		recs, err := p.queue.List(ctx, queue.StatusFailed)
		return reply{Records: recs}, err
	case "retry":
		r, err := p.queue.Retry(ctx, cmd.LocalID, time.Now().UTC())
		return reply{Record: &r}, err
	case "void":
		r, err := p.queue.Void(ctx, cmd.LocalID, cmd.Reason)
		return reply{Record: &r}, err
	case "sync":
		sum, err := p.sync.RunOnce(ctx)
		return reply{Sync: &sum}, err
	case "catalog":
		p.refreshCatalog(ctx)
		return reply{}, nil
	}
	return reply{}, fmt.Errorf("unknown command %q", cmd.Cmd)
}

// checkout prices the cart from the last fetched catalog and enqueues it
// without a stock check; the server has the final word when it syncs.
func (p *pos) checkout(ctx context.Context, cmd command) (queue.Record, error) {
	if len(cmd.Items) == 0 {
		return queue.Record{}, errors.New("cart is empty")
	}
	for _, in := range cmd.Items {
		if in.Qty <= 0 {
			return queue.Record{}, fmt.Errorf("invalid quantity %d for %s", in.Qty, in.ProductID)
		}
	}

	lines, total, err := p.price(cmd.Items)
	if err != nil {
		if cmd.TotalCents <= 0 {
			return queue.Record{}, err
		}
		p.log.Warn("pricing from operator total", zap.Error(err))
		total = cmd.TotalCents
	}

	d := queue.Draft{Items: cmd.Items, TotalCents: total, PaymentMethod: cmd.PaymentMethod}
	switch cmd.PaymentMethod {
	case orders.PaymentCash:
		if cmd.AmountReceivedCents < total {
			return queue.Record{}, fmt.Errorf("cash received %s is less than total %s",
				terminal.Money(cmd.AmountReceivedCents), terminal.Money(total))
		}
		d.AmountReceivedCents = cmd.AmountReceivedCents
	case orders.PaymentCard:
		ref, err := p.charge(ctx, total, cmd.Reference)
		if err != nil {
			return queue.Record{}, err
		}
		d.PaymentRef = ref
	}

	r, err := p.queue.Enqueue(ctx, d)
	if err != nil {
		return queue.Record{}, fmt.Errorf("order not saved: %w", err)
	}
	p.log.Info("order queued", zap.String("local_id", r.LocalID), zap.Int("total_cents", r.TotalCents))

	receipt := terminal.Receipt{
		LocalID:             r.LocalID,
		Lines:               lines,
		TotalCents:          r.TotalCents,
		PaymentMethod:       string(r.PaymentMethod),
		AmountReceivedCents: r.AmountReceivedCents,
		Reference:           r.PaymentRef,
		CreatedAt:           r.CreatedAt,
	}
	if _, err := terminal.PrintReceipt(ctx, p.bridge, receipt); err != nil {
		p.log.Warn("receipt", zap.String("local_id", r.LocalID), zap.Error(err))
	}
	return r, nil
}

// charge uses the card reader when the bridge has one. Without a reader
// the operator keys in the reference from a standalone terminal.
func (p *pos) charge(ctx context.Context, total int, reference string) (string, error) {
	if reference != "" {
		return reference, nil
	}
	c, ok := terminal.AsCharger(p.bridge)
	if !ok {
		return "", errors.New("no card reader on this device: enter the terminal reference")
	}
	ref, err := c.Charge(ctx, total)
	if err != nil {
		return "", fmt.Errorf("charge card: %w", err)
	}
	return ref, nil
}

func (p *pos) price(items []orders.ItemInput) ([]terminal.Line, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]terminal.Line, 0, len(items))
	total := 0
	for _, in := range items {
		prod, ok := p.catalog[in.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("product %s not in catalog", in.ProductID)
		}
		lines = append(lines, terminal.Line{Name: prod.Name, Qty: in.Qty, UnitPriceCents: prod.PriceCents})
		total += prod.PriceCents * in.Qty
	}
	return lines, total, nil
}

func (p *pos) refreshCatalog(ctx context.Context) {
	products, err := p.api.ListProducts(ctx)
	if err != nil {
		p.log.Warn("catalog refresh", zap.Error(err))
		return
	}
	catalog := make(map[string]orders.Product, len(products))
	for _, prod := range products {
		catalog[prod.ID] = prod
	}
	p.mu.Lock()
	p.catalog = catalog
	p.mu.Unlock()
}

// trackOnline forwards connectivity changes and refreshes the catalog each
// time the server comes back.
func (p *pos) trackOnline(ctx context.Context, in <-chan bool) <-chan bool {
	out := make(chan bool)
	go func() {
		defer close(out)
		for v := range in {
			if v {
				p.refreshCatalog(ctx)
			}
			p.log.Info("connectivity", zap.Bool("online", v))
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
