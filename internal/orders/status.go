package orders

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCard
}

type PaymentState string

const (
	PaymentUnpaid PaymentState = "unpaid"
	PaymentPaid   PaymentState = "paid"
)

var validNext = map[PaymentState]map[PaymentState]bool{
	PaymentUnpaid: {PaymentPaid: true},
	PaymentPaid:   {},
}

func CanTransition(from, to PaymentState) bool {
	return validNext[from][to]
}
