package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated      = "OrderCreated"
	EventOrderPaid         = "OrderPaid"
	EventOrderRedeemed     = "OrderRedeemed"
	EventInventoryAdjusted = "InventoryAdjusted"
)

const (
	TopicOrderCreated      = "order.created"
	TopicOrderPaid         = "order.paid"
	TopicOrderRedeemed     = "order.redeemed"
	TopicInventoryAdjusted = "inventory.adjusted"
)

// Topics lists every topic the api publishes to.
var Topics = []string{TopicOrderCreated, TopicOrderPaid, TopicOrderRedeemed, TopicInventoryAdjusted}

const Version = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id or product id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for eventType. Marshal errors only happen for
// payloads that cannot be JSON encoded, which is a programming error.
func NewEnvelope(eventType, producer, traceID, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  Version,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// TopicFor maps an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderPaid:
		return TopicOrderPaid
	case EventOrderRedeemed:
		return TopicOrderRedeemed
	case EventInventoryAdjusted:
		return TopicInventoryAdjusted
	}
	return ""
}

// PartitionKey keeps all events of one order (or product) in order.
func PartitionKey(id string) []byte { return []byte(id) }

// ---- Payloads ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID       string    `json:"order_id"`
	PaymentMethod string    `json:"payment_method"`
	TotalCents    int       `json:"total_cents"`
	Items         []ItemQty `json:"items"`
	// StockAfter is the on-hand balance of each sold product after the sale.
	StockAfter map[string]int `json:"stock_after,omitempty"`
}

type OrderPaidPayload struct {
	OrderID             string `json:"order_id"`
	PaymentMethod       string `json:"payment_method"`
	TotalCents          int    `json:"total_cents"`
	AmountReceivedCents int    `json:"amount_received_cents"`
	ChangeCents         int    `json:"change_cents"`
	Reference           string `json:"reference,omitempty"`
}

type OrderRedeemedPayload struct {
	OrderID       string `json:"order_id"`
	RedemptionID  string `json:"redemption_id"`
	StationID     string `json:"station_id,omitempty"`
	ItemsRedeemed int    `json:"items_redeemed"`
}

type InventoryAdjustedPayload struct {
	ProductID    string `json:"product_id"`
	Delta        int    `json:"delta"`
	Reason       string `json:"reason"`
	BalanceAfter int    `json:"balance_after"`
}
