package payments

import (
	"context"
	"errors"
	"fmt"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/pkg/logx"
)

// CallbackInput is what the webhook hands to the processing task. ID is
// assigned on receipt so redeliveries of the task reuse one row.
type CallbackInput struct {
	ID      string `json:"callback_id"`
	Payload string `json:"payload"`
	IP      string `json:"ip"`
}

type CallbackResult struct {
	TransactionID string                  `json:"transaction_id,omitempty"`
	Status        model.TransactionStatus `json:"status,omitempty"`
	// Duplicate is set when the transaction was already settled.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ProcessCallback records a Daraja STK callback and applies it.
func (s *Service) ProcessCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	now := s.now().UTC()
	parsed, parseErr := mpesa.ParseCallback([]byte(in.Payload))

	cb := &model.Callback{ID: in.ID, Payload: in.Payload, IPAddress: in.IP, ReceivedAt: now}
	if parsed != nil {
		cb.CheckoutRequestID = parsed.CheckoutRequestID
	}
	if err := s.store.CreateCallback(ctx, cb); err != nil {
		if !errors.Is(err, model.ErrDuplicate) || in.ID == "" {
			return nil, err
		}
		existing, gerr := s.store.GetCallback(ctx, in.ID)
		if gerr != nil {
			return nil, gerr
		}
		if existing.IsProcessed {
			return &CallbackResult{Duplicate: true}, nil
		}
		cb = existing
	}

	if parseErr != nil {
		s.markProcessed(ctx, cb.ID, parseErr.Error())
		return nil, parseErr
	}

	tx, err := s.store.GetTransactionByCheckoutID(ctx, parsed.CheckoutRequestID)
	if errors.Is(err, model.ErrNotFound) {
		err = fmt.Errorf("%w: %s", ErrUnknownCheckout, parsed.CheckoutRequestID)
		if rerr := s.store.RecordCallbackError(ctx, cb.ID, err.Error()); rerr != nil {
			s.log.Debug("record callback error failed", logx.Err(rerr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	to := statusForResult(parsed.ResultCode)
	res := &CallbackResult{TransactionID: tx.ID, Status: tx.Status}
	if !CanTransition(tx.Status, to) {
		if tx.Status.IsTerminal() {
			s.log.Info("callback for settled transaction ignored", logx.String("tx", tx.ID),
				logx.String("status", string(tx.Status)), logx.Int("result_code", parsed.ResultCode))
			s.markProcessed(ctx, cb.ID, "")
			res.Duplicate = true
			return res, nil
		}
		err := checkTransition(tx.Status, to)
		s.markProcessed(ctx, cb.ID, err.Error())
		return nil, err
	}

	prev := tx.Status
	applyResult(tx, to, parsed.ResultCode, parsed.ResultDesc, now)
	if to == model.TxCompleted {
		tx.ReceiptNumber = parsed.ReceiptNumber
		tx.TransactionDate = parsed.TransactionDate
		if parsed.PhoneNumber != "" {
			tx.PhoneNumber = parsed.PhoneNumber
		}
		if parsed.Amount.IsPositive() {
			tx.Amount = parsed.Amount
		}
		tx.FailedAt = nil
	}
	if err := s.store.SaveTransaction(ctx, tx, prev); err != nil {
		return nil, err
	}
	s.log.Info("callback applied", logx.String("tx", tx.ID), logx.String("from", string(prev)),
		logx.String("to", string(to)), logx.String("receipt", tx.ReceiptNumber))
	eventbus.Emit(s.bus, "payment."+string(to), tx)

	s.afterSettle(ctx, tx)
	s.markProcessed(ctx, cb.ID, "")
	res.Status = tx.Status
	return res, nil
}

// afterSettle updates the order and queues the customer email for a
// transaction that just reached completed or an unsuccessful status.
func (s *Service) afterSettle(ctx context.Context, tx *model.Transaction) {
	if tx.OrderID != nil {
		status, method := model.PaymentFailed, ""
		if tx.Status == model.TxCompleted {
			status, method = model.PaymentPaid, "mpesa"
		}
		if err := s.store.SetOrderPayment(ctx, *tx.OrderID, status, method); err != nil {
			s.log.Warn("order payment update failed", logx.Int64("order_id", *tx.OrderID), logx.Err(err))
		}
	}
	s.enqueueCustomerEmail(ctx, tx)
}

func (s *Service) enqueueCustomerEmail(ctx context.Context, tx *model.Transaction) {
	task := TaskSendPaymentFailed
	if tx.Status == model.TxCompleted {
		task = TaskSendPaymentConfirmation
	}
	if _, err := s.tasks.Delay(ctx, task, TransactionArgs{TransactionID: tx.ID}); err != nil {
		s.log.Warn("enqueue email failed", logx.String("task", task), logx.String("tx", tx.ID), logx.Err(err))
	}
}

func (s *Service) markProcessed(ctx context.Context, id, errMsg string) {
	if err := s.store.MarkCallbackProcessed(ctx, id, s.now().UTC(), errMsg); err != nil {
		s.log.Warn("mark callback processed failed", logx.String("callback", id), logx.Err(err))
	}
}
