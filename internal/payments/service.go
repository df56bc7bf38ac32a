package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/pkg/logx"
)

var (
	ErrOrderPaid         = errors.New("order is already paid")
	ErrUnknownCheckout   = errors.New("no transaction for checkout request")
	ErrNotRefundable     = errors.New("only completed transactions can be refunded")
	ErrRefundExceedsPaid = errors.New("refund exceeds the refundable amount")
	ErrRefundNotPending  = errors.New("refund is not pending")
)

// Config tunes the sweeps. Zero values take the defaults in New.
type Config struct {
	PendingCheckAfter    time.Duration
	TimeoutAfter         time.Duration
	FailureRateWindow    time.Duration
	FailureRateThreshold float64 // percent
	CallbackRetention    time.Duration
	// Location is the day boundary for reconciliation.
	Location *time.Location
}

type Service struct {
	store  Store
	gw     Gateways
	tasks  Enqueuer
	mail   Mailer
	alerts Alerter
	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config

	now func() time.Time
}

type Deps struct {
	Store    Store
	Gateways Gateways
	Tasks    Enqueuer
	Mail     Mailer
	Alerts   Alerter
	Bus      eventbus.Bus
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if cfg.PendingCheckAfter <= 0 {
		cfg.PendingCheckAfter = 5 * time.Minute
	}
	if cfg.TimeoutAfter <= 0 {
		cfg.TimeoutAfter = 2 * time.Hour
	}
	if cfg.FailureRateWindow <= 0 {
		cfg.FailureRateWindow = time.Hour
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 20
	}
	if cfg.CallbackRetention <= 0 {
		cfg.CallbackRetention = 90 * 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  d.Store,
		gw:     d.Gateways,
		tasks:  d.Tasks,
		mail:   d.Mail,
		alerts: d.Alerts,
		bus:    d.Bus,
		log:    log.Component("payments"),
		cfg:    cfg,
		now:    time.Now,
	}
}

type InitiateRequest struct {
	OrderID    int64               `json:"order_id"`
	Phone      string              `json:"phone_number"`
	Amount     decimal.NullDecimal `json:"amount"`
	ConfigName string              `json:"config_name,omitempty"`
}

// Initiate creates a transaction for an order and sends the STK push.
// A provider rejection returns the failed transaction along with the error.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*model.Transaction, error) {
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == model.PaymentPaid || order.PaymentStatus == model.PaymentRefunded {
		return nil, fmt.Errorf("%w: %s", ErrOrderPaid, order.OrderNumber)
	}
	amount := order.Total
	if req.Amount.Valid {
		amount = req.Amount.Decimal
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s", mpesa.ErrInvalidAmount, amount)
	}
	gw, err := s.gw.Gateway(req.ConfigName)
	if err != nil {
		return nil, err
	}

	orderID := order.ID
	tx := &model.Transaction{
		OrderID:          &orderID,
		CustomerID:       order.CustomerID,
		ConfigName:       gw.Name(),
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: order.OrderNumber,
		Description:      "Payment for order " + order.OrderNumber,
		Status:           model.TxPending,
		InitiatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	resp, pushErr := gw.STKPush(ctx, mpesa.STKPushRequest{
		Phone:       phone,
		Amount:      amount,
		AccountRef:  tx.AccountReference,
		Description: tx.Description,
	})
	if pushErr != nil {
		now := s.now().UTC()
		tx.Status = model.TxFailed
		tx.ResultDesc = pushErr.Error()
		tx.FailedAt = &now
		if err := s.store.SaveTransaction(ctx, tx, model.TxPending); err != nil {
			return tx, errors.Join(pushErr, err)
		}
		s.log.Warn("stk push failed", logx.String("tx", tx.ID), logx.String("order", order.OrderNumber), logx.Err(pushErr))
		eventbus.Emit(s.bus, "payment.failed", tx)
		return tx, fmt.Errorf("stk push: %w", pushErr)
	}

	tx.Status = model.TxProcessing
	tx.MerchantRequestID = resp.MerchantRequestID
	tx.CheckoutRequestID = resp.CheckoutRequestID
	if err := s.store.SaveTransaction(ctx, tx, model.TxPending); err != nil {
		return nil, err
	}
	s.log.Info("stk push sent", logx.String("tx", tx.ID), logx.String("order", order.OrderNumber),
		logx.String("checkout_request_id", tx.CheckoutRequestID), logx.Stringer("amount", amount))
	eventbus.Emit(s.bus, "payment.initiated", tx)
	return tx, nil
}

// CheckStatus queries the provider for a processing transaction. Other
// statuses are returned unchanged, as is a still-processing answer. A
// transaction settled by the query gets the same order update and customer
// email as one settled by a callback.
func (s *Service) CheckStatus(ctx context.Context, id string) (*model.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.TxProcessing || tx.CheckoutRequestID == "" {
		return tx, nil
	}
	gw, err := s.gw.Gateway(tx.ConfigName)
	if err != nil {
		return tx, err
	}
	res, err := gw.QuerySTK(ctx, tx.CheckoutRequestID)
	if err != nil {
		return tx, fmt.Errorf("query %s: %w", tx.ID, err)
	}
	if res.Pending {
		s.log.Debug("transaction still processing", logx.String("tx", tx.ID))
		return tx, nil
	}

	prev := tx.Status
	to := statusForResult(res.ResultCode)
	applyResult(tx, to, res.ResultCode, res.ResultDesc, s.now().UTC())
	if err := s.store.SaveTransaction(ctx, tx, prev); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// A callback got there first.
			return s.store.GetTransaction(ctx, id)
		}
		return nil, err
	}
	s.log.Info("transaction status updated from query", logx.String("tx", tx.ID),
		logx.String("from", string(prev)), logx.String("to", string(to)), logx.Int("result_code", res.ResultCode))
	eventbus.Emit(s.bus, "payment."+string(to), tx)
	s.afterSettle(ctx, tx)
	return tx, nil
}

func applyResult(tx *model.Transaction, to model.TransactionStatus, code int, desc string, now time.Time) {
	tx.Status = to
	tx.ResultCode = &code
	tx.ResultDesc = desc
	if to == model.TxCompleted {
		tx.CompletedAt = &now
	} else {
		tx.FailedAt = &now
	}
}
