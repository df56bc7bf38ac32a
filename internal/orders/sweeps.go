package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/eventbus"
	"shopd/internal/mail"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

const autoConfirmNote = "Auto-confirmed after payment"

// AutoConfirmPaidOrders confirms pending orders whose payment came in.
func (s *Service) AutoConfirmPaidOrders(ctx context.Context) (int, error) {
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:        []model.OrderStatus{model.OrderPending},
		PaymentStatus: []model.PaymentStatus{model.PaymentPaid},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		err := s.store.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderConfirmed, s.now().UTC(), autoConfirmNote)
		if err != nil {
			if !errors.Is(err, model.ErrConflict) {
				s.log.Warn("auto-confirm failed", logx.String("order", o.OrderNumber), logx.Err(err))
			}
			continue
		}
		n++
		eventbus.Emit(s.bus, "order.confirmed", o.ID)
		if _, err := s.tasks.Delay(ctx, TaskSendConfirmation, OrderArgs{OrderID: o.ID}); err != nil {
			s.log.Warn("enqueue order confirmation failed", logx.String("order", o.OrderNumber), logx.Err(err))
		}
	}
	s.log.Info("paid orders auto-confirmed", logx.Int("count", n))
	return n, nil
}

// AutoCancelUnpaidOrders cancels pending orders left unpaid past
// CancelUnpaidAfter and returns their items to stock.
func (s *Service) AutoCancelUnpaidOrders(ctx context.Context) (int, error) {
	unpaid := []model.PaymentStatus{model.PaymentPending, model.PaymentFailed}
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:        []model.OrderStatus{model.OrderPending},
		PaymentStatus: unpaid,
		CreatedTo:     s.now().UTC().Add(-s.cfg.CancelUnpaidAfter),
	})
	if err != nil {
		return 0, err
	}
	reason := "Payment not received within " + hours(s.cfg.CancelUnpaidAfter)
	note := "Auto-cancelled - payment not received within " + hours(s.cfg.CancelUnpaidAfter)
	n := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := s.store.CancelOrder(ctx, o.ID, model.OrderPending, unpaid, s.now().UTC(), note); err != nil {
			if !errors.Is(err, model.ErrConflict) {
				s.log.Warn("auto-cancel failed", logx.String("order", o.OrderNumber), logx.Err(err))
			}
			continue
		}
		n++
		eventbus.Emit(s.bus, "order.cancelled", o.ID)
		if _, err := s.tasks.Delay(ctx, TaskSendCancellation, CancellationArgs{OrderID: o.ID, Reason: reason}); err != nil {
			s.log.Warn("enqueue cancellation email failed", logx.String("order", o.OrderNumber), logx.Err(err))
		}
	}
	s.log.Info("unpaid orders auto-cancelled", logx.Int("count", n))
	return n, nil
}

// CheckDelayedOrders alerts on orders shipped more than DelayedAfter ago
// that have not been delivered.
func (s *Service) CheckDelayedOrders(ctx context.Context) (int, error) {
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:        []model.OrderStatus{model.OrderShipped},
		ShippedBefore: s.now().UTC().Add(-s.cfg.DelayedAfter),
		Undelivered:   true,
	})
	if err != nil {
		return 0, err
	}
	for i := range orders {
		o := &orders[i]
		tracking := o.TrackingNumber
		if tracking == "" {
			tracking = "N/A"
		}
		s.adminAlert(ctx, o, "Delayed Order", fmt.Sprintf("Order %s shipped on %s is still not delivered. Tracking: %s",
			o.OrderNumber, mail.FormatDate(o.ShippedAt), tracking))
	}
	s.log.Info("delayed orders checked", logx.Int("delayed", len(orders)))
	return len(orders), nil
}

type PendingCheck struct {
	HighValue int `json:"high_value"`
	Stuck     int `json:"stuck"`
}

// CheckPendingOrders alerts on high-value orders still awaiting payment
// and on orders stuck in processing.
func (s *Service) CheckPendingOrders(ctx context.Context) (PendingCheck, error) {
	var res PendingCheck
	high, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:        []model.OrderStatus{model.OrderPending},
		PaymentStatus: []model.PaymentStatus{model.PaymentPending},
		MinTotal:      decimal.NewNullDecimal(s.cfg.HighValueThreshold),
	})
	if err != nil {
		return res, err
	}
	for i := range high {
		o := &high[i]
		who, _, err := s.customerFor(ctx, o)
		if err != nil || who == "" {
			who = "unknown"
		}
		s.adminAlert(ctx, o, "High-Value Pending Order", fmt.Sprintf("High-value order %s (%s) is pending payment. Customer: %s",
			o.OrderNumber, mail.KSh(o.Total), who))
	}
	res.HighValue = len(high)

	stuck, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:        []model.OrderStatus{model.OrderProcessing},
		UpdatedBefore: s.now().UTC().Add(-s.cfg.StuckAfter),
	})
	if err != nil {
		return res, err
	}
	for i := range stuck {
		o := &stuck[i]
		s.adminAlert(ctx, o, "Stuck Order", fmt.Sprintf("Order %s has been in processing status for over %s",
			o.OrderNumber, hours(s.cfg.StuckAfter)))
	}
	res.Stuck = len(stuck)
	s.log.Info("pending orders checked", logx.Int("high_value", res.HighValue), logx.Int("stuck", res.Stuck))
	return res, nil
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%d hours", int(d.Hours()))
}
