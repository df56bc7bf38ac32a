package model

// TransactionStatus is the lifecycle state of an M-Pesa transaction.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxProcessing TransactionStatus = "processing"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxCancelled  TransactionStatus = "cancelled"
	TxTimeout    TransactionStatus = "timeout"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxProcessing, TxCompleted, TxFailed, TxCancelled, TxTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether no further provider update is expected.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled, TxTimeout:
		return true
	}
	return false
}

// IsUnsuccessful groups the outcomes that trigger a failure notification.
func (s TransactionStatus) IsUnsuccessful() bool {
	return s == TxFailed || s == TxCancelled || s == TxTimeout
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// OpenOrderStatuses are the states in which an order still needs stock.
var OpenOrderStatuses = []OrderStatus{OrderPending, OrderConfirmed, OrderProcessing}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)
