package redisx

import "time"

const (
	// Create-order shortcut: idem:order:create:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Order status cache: order_status:{order_id} -> OrderStatus JSON
	KeyOrderStatus = "order_status:%s"

	// Event dedup: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Stock cache: stock:{product_id} -> on_hand
	KeyStock = "stock:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLStock       = 10 * time.Minute
)
