package payments

import (
	"context"
	"errors"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

type TransactionArgs struct {
	TransactionID string `json:"transaction_id"`
}

type RefundArgs struct {
	RefundID string `json:"refund_id"`
}

// recipient resolves who hears about a transaction: the order's customer,
// then the order's guest email, then the transaction's own customer.
type recipient struct {
	Email string
	Name  string
	Order *model.Order
}

func (s *Service) recipientFor(ctx context.Context, tx *model.Transaction) (recipient, error) {
	var rc recipient
	if tx.OrderID != nil {
		o, err := s.store.GetOrder(ctx, *tx.OrderID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return rc, err
		}
		rc.Order = o
	}
	try := func(id *int64) error {
		if rc.Email != "" || id == nil {
			return nil
		}
		c, err := s.store.GetCustomer(ctx, *id)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rc.Email, rc.Name = c.Email, c.DisplayName()
		return nil
	}
	if rc.Order != nil {
		if err := try(rc.Order.CustomerID); err != nil {
			return rc, err
		}
		if rc.Email == "" && rc.Order.GuestEmail != "" {
			rc.Email, rc.Name = rc.Order.GuestEmail, "Customer"
		}
	}
	if err := try(tx.CustomerID); err != nil {
		return rc, err
	}
	if rc.Name == "" {
		rc.Name = "Customer"
	}
	return rc, nil
}

func (rc recipient) orderNumber() string {
	if rc.Order == nil {
		return ""
	}
	return rc.Order.OrderNumber
}

// SendPaymentConfirmation emails the customer a receipt for a completed
// transaction. No recipient on file is logged and treated as done.
func (s *Service) SendPaymentConfirmation(ctx context.Context, txID string) error {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	rc, err := s.recipientFor(ctx, tx)
	if err != nil {
		return err
	}
	if rc.Email == "" {
		s.log.Warn("no email on file for payment confirmation", logx.String("tx", tx.ID))
		return nil
	}
	date := tx.TransactionDate
	if date == nil {
		date = tx.CompletedAt
	}
	return s.mail.SendTemplate(ctx, []string{rc.Email}, "payment_confirmation", map[string]any{
		"CustomerName": rc.Name,
		"OrderNumber":  rc.orderNumber(),
		"Receipt":      tx.ReceiptNumber,
		"Amount":       tx.Amount,
		"Phone":        tx.PhoneNumber,
		"Date":         date,
	})
}

// SendPaymentFailed tells the customer a payment did not go through.
func (s *Service) SendPaymentFailed(ctx context.Context, txID string) error {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	rc, err := s.recipientFor(ctx, tx)
	if err != nil {
		return err
	}
	if rc.Email == "" {
		s.log.Warn("no email on file for payment failure", logx.String("tx", tx.ID))
		return nil
	}
	return s.mail.SendTemplate(ctx, []string{rc.Email}, "payment_failed", map[string]any{
		"CustomerName": rc.Name,
		"OrderNumber":  rc.orderNumber(),
		"Amount":       tx.Amount,
		"Phone":        tx.PhoneNumber,
		"StatusText":   statusText(tx.Status),
		"Reason":       tx.ResultDesc,
	})
}

// SendRefundNotification tells the customer a refund went out.
func (s *Service) SendRefundNotification(ctx context.Context, refundID string) error {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return err
	}
	tx, err := s.store.GetTransaction(ctx, r.TransactionID)
	if err != nil {
		return err
	}
	rc, err := s.recipientFor(ctx, tx)
	if err != nil {
		return err
	}
	if rc.Email == "" {
		s.log.Warn("no email on file for refund notification", logx.String("refund", r.ID))
		return nil
	}
	date := r.CompletedAt
	if date == nil {
		date = &r.InitiatedAt
	}
	return s.mail.SendTemplate(ctx, []string{rc.Email}, "refund_notification", map[string]any{
		"CustomerName": rc.Name,
		"OrderNumber":  rc.orderNumber(),
		"Receipt":      tx.ReceiptNumber,
		"Amount":       r.Amount,
		"Reason":       r.Reason,
		"Date":         date,
	})
}

func statusText(s model.TransactionStatus) string {
	switch s {
	case model.TxPending:
		return "Pending"
	case model.TxProcessing:
		return "Processing"
	case model.TxCompleted:
		return "Completed"
	case model.TxFailed:
		return "Failed"
	case model.TxCancelled:
		return "Cancelled"
	case model.TxTimeout:
		return "Timeout"
	}
	return string(s)
}
