package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/internal/mpesa"
)

// Store is the persistence the payments service needs.
type Store interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	SaveTransaction(ctx context.Context, t *model.Transaction, expect model.TransactionStatus) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByCheckoutID(ctx context.Context, checkoutID string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error)

	CreateCallback(ctx context.Context, c *model.Callback) error
	GetCallback(ctx context.Context, id string) (*model.Callback, error)
	MarkCallbackProcessed(ctx context.Context, id string, at time.Time, errMsg string) error
	RecordCallbackError(ctx context.Context, id, errMsg string) error
	DeleteProcessedCallbacks(ctx context.Context, before time.Time) (int64, error)

	CreateRefund(ctx context.Context, r *model.Refund, limit decimal.Decimal) error
	GetRefund(ctx context.Context, id string) (*model.Refund, error)
	SaveRefund(ctx context.Context, r *model.Refund, expect model.RefundStatus) error
	ListRefunds(ctx context.Context, f model.RefundFilter) ([]model.Refund, error)

	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	SetOrderPayment(ctx context.Context, orderID int64, status model.PaymentStatus, method string) error
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
}

// Gateway is one Daraja configuration.
type Gateway interface {
	Name() string
	STKPush(ctx context.Context, r mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QuerySTK(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
	RefreshToken(ctx context.Context) (string, time.Time, error)
}

// Gateways resolves configurations by name; "" is the default.
type Gateways interface {
	Gateway(name string) (Gateway, error)
	Active() []Gateway
}

// FromRegistry exposes an mpesa.Registry as Gateways.
func FromRegistry(r *mpesa.Registry) Gateways { return registryGateways{r} }

type registryGateways struct{ r *mpesa.Registry }

func (g registryGateways) Gateway(name string) (Gateway, error) {
	c, err := g.r.Get(name)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g registryGateways) Active() []Gateway {
	clients := g.r.Active()
	out := make([]Gateway, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

// Enqueuer publishes follow-up tasks.
type Enqueuer interface {
	Delay(ctx context.Context, name string, args any) (string, error)
}

// Mailer renders and sends templated email.
type Mailer interface {
	SendTemplate(ctx context.Context, to []string, kind string, data any) error
	MailAdminsTemplate(ctx context.Context, kind string, data any) error
}

// Alerter fans an operator alert out to the notifier channels.
type Alerter interface {
	Alert(ctx context.Context, priority int, subject, text string) error
}
