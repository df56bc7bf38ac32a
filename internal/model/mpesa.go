package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one STK push attempt and its outcome.
type Transaction struct {
	ID         string `json:"id"`
	OrderID    *int64 `json:"order_id,omitempty"`
	CustomerID *int64 `json:"customer_id,omitempty"`
	ConfigName string `json:"config_name"`

	PhoneNumber      string          `json:"phone_number"`
	Amount           decimal.Decimal `json:"amount"`
	AccountReference string          `json:"account_reference"`
	Description      string          `json:"description"`

	MerchantRequestID string     `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string     `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string     `json:"mpesa_receipt_number,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`

	Status     TransactionStatus `json:"status"`
	ResultCode *int              `json:"result_code,omitempty"`
	ResultDesc string            `json:"result_desc,omitempty"`

	InitiatedAt time.Time  `json:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Succeeded is the reconciliation notion of success: completed with a
// zero provider result code.
func (t Transaction) Succeeded() bool {
	return t.Status == TxCompleted && t.ResultCode != nil && *t.ResultCode == 0
}

// TransactionFilter selects transactions. Zero fields do not constrain.
type TransactionFilter struct {
	Status        []TransactionStatus
	OrderID       *int64
	InitiatedFrom time.Time // inclusive
	InitiatedTo   time.Time // exclusive
	HasCheckoutID bool
	Limit         int
}

// Callback is a raw provider webhook delivery, kept for audit and replay.
type Callback struct {
	ID                string     `json:"id"`
	CheckoutRequestID string     `json:"checkout_request_id"`
	Payload           string     `json:"payload"`
	IPAddress         string     `json:"ip_address"`
	ReceivedAt        time.Time  `json:"received_at"`
	IsProcessed       bool       `json:"is_processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

type Refund struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        RefundStatus    `json:"status"`
	InitiatedAt   time.Time       `json:"initiated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type RefundFilter struct {
	TransactionID string
	Status        []RefundStatus
	InitiatedFrom time.Time
	InitiatedTo   time.Time
}
