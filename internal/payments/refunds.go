package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

// RecordRefund opens a pending refund against a completed transaction.
// Pending and completed refunds both count against the paid amount.
func (s *Service) RecordRefund(ctx context.Context, txID string, amount decimal.Decimal, reason string) (*model.Refund, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.TxCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrNotRefundable, tx.ID, tx.Status)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRefundExceedsPaid)
	}
	refunded, err := s.refundedTotal(ctx, tx.ID, model.RefundPending, model.RefundCompleted)
	if err != nil {
		return nil, err
	}
	if avail := tx.Amount.Sub(refunded); amount.GreaterThan(avail) {
		return nil, fmt.Errorf("%w: %s requested, %s available", ErrRefundExceedsPaid, amount.StringFixed(2), avail.StringFixed(2))
	}

	r := &model.Refund{
		TransactionID: tx.ID,
		Amount:        amount,
		Reason:        strings.TrimSpace(reason),
		Status:        model.RefundPending,
		InitiatedAt:   s.now().UTC(),
	}
	// The store repeats the check under a lock; a concurrent refund may
	// have landed since refundedTotal ran.
	if err := s.store.CreateRefund(ctx, r, tx.Amount); err != nil {
		if errors.Is(err, model.ErrLimitExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrRefundExceedsPaid, err)
		}
		return nil, err
	}
	s.log.Info("refund recorded", logx.String("refund", r.ID), logx.String("tx", tx.ID), logx.Stringer("amount", amount))
	eventbus.Emit(s.bus, "refund.recorded", r)
	return r, nil
}

// CompleteRefund settles a pending refund. The order becomes refunded once
// completed refunds cover the whole transaction.
func (s *Service) CompleteRefund(ctx context.Context, refundID string) (*model.Refund, error) {
	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RefundPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrRefundNotPending, r.ID, r.Status)
	}
	now := s.now().UTC()
	r.Status = model.RefundCompleted
	r.CompletedAt = &now
	if err := s.store.SaveRefund(ctx, r, model.RefundPending); err != nil {
		return nil, err
	}
	eventbus.Emit(s.bus, "refund.completed", r)

	tx, err := s.store.GetTransaction(ctx, r.TransactionID)
	if err != nil {
		return r, err
	}
	refunded, err := s.refundedTotal(ctx, tx.ID, model.RefundCompleted)
	if err != nil {
		return r, err
	}
	if tx.OrderID != nil && refunded.GreaterThanOrEqual(tx.Amount) {
		if err := s.store.SetOrderPayment(ctx, *tx.OrderID, model.PaymentRefunded, ""); err != nil {
			return r, err
		}
	}
	if _, err := s.tasks.Delay(ctx, TaskSendRefundNotification, RefundArgs{RefundID: r.ID}); err != nil {
		s.log.Warn("enqueue refund notification failed", logx.String("refund", r.ID), logx.Err(err))
	}
	s.log.Info("refund completed", logx.String("refund", r.ID), logx.String("tx", tx.ID), logx.Stringer("refunded_total", refunded))
	return r, nil
}

func (s *Service) refundedTotal(ctx context.Context, txID string, statuses ...model.RefundStatus) (decimal.Decimal, error) {
	refunds, err := s.store.ListRefunds(ctx, model.RefundFilter{TransactionID: txID, Status: statuses})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range refunds {
		total = total.Add(r.Amount)
	}
	return total, nil
}
