package orders

import "time"

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int       `json:"price_cents"`
	Stock      int       `json:"stock"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SlotSelection fills one slot of a composed menu item with a product.
type SlotSelection struct {
	SlotID    string `json:"slot_id"`
	ProductID string `json:"product_id"`
}

type ItemInput struct {
	ProductID  string          `json:"product_id"`
	Qty        int             `json:"qty"`
	Selections []SlotSelection `json:"selections,omitempty"`
}

// Item is a redeemable line of an order. Slot selections are stored as
// child items pointing at their menu item through ParentItemID.
type Item struct {
	ID             string     `json:"item_id"`
	OrderID        string     `json:"order_id"`
	ProductID      string     `json:"product_id"`
	Qty            int        `json:"quantity"`
	UnitPriceCents int        `json:"unit_price_cents"`
	ParentItemID   string     `json:"parent_item_id,omitempty"`
	SlotID         string     `json:"slot_id,omitempty"`
	Position       int        `json:"-"`
	IsRedeemed     bool       `json:"is_redeemed"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty"`
}

type Payment struct {
	AmountReceivedCents int        `json:"amount_received_cents,omitempty"`
	ChangeCents         int        `json:"change_cents,omitempty"`
	Reference           string     `json:"reference,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
}

type Order struct {
	ID             string        `json:"order_id"`
	IdempotencyKey string        `json:"-"`
	Code           string        `json:"code"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	PaymentState   PaymentState  `json:"payment_state"`
	TotalCents     int           `json:"total_cents"`
	Payment        Payment       `json:"payment"`
	Items          []Item        `json:"items"`
	CreatedAt      time.Time     `json:"created_at"`
}
