package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	CustomerID     *int64          `json:"customer_id,omitempty"`
	GuestEmail     string          `json:"guest_email,omitempty"`
	Status         OrderStatus     `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	Total          decimal.Decimal `json:"total"`
	TrackingNumber string          `json:"tracking_number,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   *int64          `json:"product_id,omitempty"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

func (i OrderItem) Total() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type OrderStatusHistory struct {
	ID        int64       `json:"id"`
	OrderID   int64       `json:"order_id"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
	Notes     string      `json:"notes"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrderFilter selects orders. Zero fields do not constrain.
type OrderFilter struct {
	Status        []OrderStatus
	PaymentStatus []PaymentStatus
	CreatedFrom   time.Time // inclusive
	CreatedTo     time.Time // exclusive
	ShippedBefore time.Time
	UpdatedBefore time.Time
	Undelivered   bool
	MinTotal      decimal.NullDecimal
	Limit         int
}
