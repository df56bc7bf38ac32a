package orders

import (
	"context"
	"errors"

	"shopd/internal/model"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

const (
	TaskAutoConfirm      = "orders.auto_confirm_paid_orders"
	TaskAutoCancel       = "orders.auto_cancel_unpaid_orders"
	TaskCheckDelayed     = "orders.check_delayed_orders"
	TaskCheckPending     = "orders.check_pending_orders"
	TaskDailyReport      = "orders.generate_daily_order_report"
	TaskSendConfirmation = "orders.send_order_confirmation_email"
	TaskSendCancellation = "orders.send_cancellation_notification_email"
)

type OrderArgs struct {
	OrderID int64 `json:"order_id"`
}

type CancellationArgs struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// SendOrderConfirmation emails the customer the confirmed order with its
// items.
func (s *Service) SendOrderConfirmation(ctx context.Context, orderID int64) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	email, name, err := s.customerFor(ctx, o)
	if err != nil {
		return err
	}
	if email == "" {
		s.log.Warn("no email on file for order confirmation", logx.String("order", o.OrderNumber))
		return nil
	}
	items, err := s.store.ListOrderItems(ctx, o.ID)
	if err != nil {
		return err
	}
	return s.mail.SendTemplate(ctx, []string{email}, "order_confirmation", map[string]any{
		"CustomerName": name,
		"Order":        o,
		"Items":        items,
	})
}

// SendCancellation tells the customer an order was cancelled and why.
func (s *Service) SendCancellation(ctx context.Context, orderID int64, reason string) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	email, name, err := s.customerFor(ctx, o)
	if err != nil {
		return err
	}
	if email == "" {
		s.log.Warn("no email on file for cancellation", logx.String("order", o.OrderNumber))
		return nil
	}
	if reason == "" {
		reason = "Not specified"
	}
	return s.mail.SendTemplate(ctx, []string{email}, "order_cancellation", map[string]any{
		"CustomerName": name,
		"Order":        o,
		"Reason":       reason,
	})
}

// Register adds the order tasks to reg.
func (s *Service) Register(reg *queue.Registry) error {
	defs := []queue.Definition{
		{
			Name: TaskSendConfirmation,
			Handler: func(ctx context.Context, msg queue.Message) error {
				var a OrderArgs
				if err := decodeOrder(msg, &a, &a.OrderID); err != nil {
					return err
				}
				return noRetryMissing(s.SendOrderConfirmation(ctx, a.OrderID))
			},
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the customer an order confirmation",
		},
		{
			Name: TaskSendCancellation,
			Handler: func(ctx context.Context, msg queue.Message) error {
				var a CancellationArgs
				if err := decodeOrder(msg, &a, &a.OrderID); err != nil {
					return err
				}
				return noRetryMissing(s.SendCancellation(ctx, a.OrderID, a.Reason))
			},
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the customer about a cancelled order",
		},
		sweep(TaskAutoConfirm, "confirm pending orders that are paid", func(ctx context.Context) error {
			_, err := s.AutoConfirmPaidOrders(ctx)
			return err
		}),
		sweep(TaskAutoCancel, "cancel unpaid orders and restock their items", func(ctx context.Context) error {
			_, err := s.AutoCancelUnpaidOrders(ctx)
			return err
		}),
		sweep(TaskCheckDelayed, "alert on shipped orders not yet delivered", func(ctx context.Context) error {
			_, err := s.CheckDelayedOrders(ctx)
			return err
		}),
		sweep(TaskCheckPending, "alert on high-value pending and stuck orders", func(ctx context.Context) error {
			_, err := s.CheckPendingOrders(ctx)
			return err
		}),
		sweep(TaskDailyReport, "email the daily order report", func(ctx context.Context) error {
			_, err := s.GenerateDailyReport(ctx)
			return err
		}),
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func sweep(name, desc string, fn func(context.Context) error) queue.Definition {
	return queue.Definition{
		Name:        name,
		Handler:     func(ctx context.Context, _ queue.Message) error { return fn(ctx) },
		MaxRetries:  -1,
		Description: desc,
	}
}

func decodeOrder(msg queue.Message, v any, id *int64) error {
	if err := msg.Decode(v); err != nil {
		return engine.NoRetry(err)
	}
	if *id <= 0 {
		return engine.NoRetry(errors.New("order_id required"))
	}
	return nil
}

func noRetryMissing(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return engine.NoRetry(err)
	}
	return err
}
