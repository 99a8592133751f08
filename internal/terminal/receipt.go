package terminal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const receiptWidth = 32

type Line struct {
	Name           string
	Qty            int
	UnitPriceCents int
}

func (l Line) TotalCents() int { return l.Qty * l.UnitPriceCents }

// Receipt is printed at checkout, before the order has reached the server,
// so it identifies the sale by its local id.
type Receipt struct {
	LocalID             string
	Lines               []Line
	TotalCents          int
	PaymentMethod       string
	AmountReceivedCents int
	Reference           string
	CreatedAt           time.Time
}

func (r Receipt) ChangeCents() int {
	if r.AmountReceivedCents <= r.TotalCents {
		return 0
	}
	return r.AmountReceivedCents - r.TotalCents
}

// Money renders an amount in cents with two decimals.
func Money(cents int) string {
	return decimal.New(int64(cents), -2).StringFixed(2)
}

func (r Receipt) Format() string {
	var lines []string
	rule := strings.Repeat("-", receiptWidth)

	lines = append(lines, strings.Repeat("=", receiptWidth))
	lines = append(lines, center("RECEIPT"))
	lines = append(lines, strings.Repeat("=", receiptWidth))
	lines = append(lines, "Sale: "+short(r.LocalID))
	if !r.CreatedAt.IsZero() {
		lines = append(lines, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	lines = append(lines, rule)

	for _, l := range r.Lines {
		lines = append(lines, fmt.Sprintf("%d x %s", l.Qty, l.Name))
		lines = append(lines, pad("  @ "+Money(l.UnitPriceCents), Money(l.TotalCents())))
	}

	lines = append(lines, rule)
	lines = append(lines, pad("TOTAL", Money(r.TotalCents)))
	lines = append(lines, pad("Payment", r.PaymentMethod))
	if r.AmountReceivedCents > 0 {
		lines = append(lines, pad("Received", Money(r.AmountReceivedCents)))
		lines = append(lines, pad("Change", Money(r.ChangeCents())))
	}
	if r.Reference != "" {
		lines = append(lines, pad("Ref", r.Reference))
	}
	lines = append(lines, strings.Repeat("=", receiptWidth))
	return strings.Join(lines, "\n")
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func pad(left, right string) string {
	n := receiptWidth - len(left) - len(right)
	if n < 1 {
		n = 1
	}
	return left + strings.Repeat(" ", n) + right
}

func center(s string) string {
	n := (receiptWidth - len(s)) / 2
	if n < 0 {
		n = 0
	}
	return strings.Repeat(" ", n) + s
}
