// Package terminal is the contract with the payment terminal bridge on a
// POS device. A bridge may charge cards, print receipts, both, or neither;
// callers probe for each capability and carry on without it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrDeclined = errors.New("card declined")

// Bridge is the base contract every terminal bridge satisfies.
type Bridge interface {
	Name() string
}

// Charger is implemented by bridges attached to a card reader. Charge
// returns the terminal's approval reference.
type Charger interface {
	Charge(ctx context.Context, amountCents int) (string, error)
}

// Printer is implemented by bridges attached to a receipt printer.
type Printer interface {
	Print(ctx context.Context, r Receipt) error
}

func AsCharger(b Bridge) (Charger, bool) {
	if b == nil {
		return nil, false
	}
	c, ok := b.(Charger)
	return c, ok
}

func AsPrinter(b Bridge) (Printer, bool) {
	if b == nil {
		return nil, false
	}
	p, ok := b.(Printer)
	return p, ok
}

// PrintReceipt prints r when the bridge has a printer. It reports whether a
// receipt was printed.
func PrintReceipt(ctx context.Context, b Bridge, r Receipt) (bool, error) {
	p, ok := AsPrinter(b)
	if !ok {
		return false, nil
	}
	if err := p.Print(ctx, r); err != nil {
		return false, fmt.Errorf("print receipt: %w", err)
	}
	return true, nil
}

// None is a device without terminal hardware.
type None struct{}

func (None) Name() string { return "none" }

// TextPrinter renders receipts as text to W. It stands in for a receipt
// printer on development devices.
type TextPrinter struct {
	W io.Writer
}

func (TextPrinter) Name() string { return "text" }

func (p TextPrinter) Print(_ context.Context, r Receipt) error {
	_, err := io.WriteString(p.W, r.Format()+"\n")
	return err
}
