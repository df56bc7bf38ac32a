package products

import (
	"context"

	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
)

const (
	TaskCheckLowStock       = "products.check_low_stock_products"
	TaskCheckOutOfStock     = "products.check_out_of_stock_products"
	TaskSendLowStockAlert   = "products.send_low_stock_alert"
	TaskSendOutOfStockAlert = "products.send_out_of_stock_alert"
	TaskAutoDeactivate      = "products.auto_deactivate_out_of_stock_products"
	TaskCheckPricing        = "products.check_pricing_anomalies"
)

// Register adds the product tasks to reg.
func (s *Service) Register(reg *queue.Registry) error {
	withIDs := func(fn func(context.Context, []int64) error) queue.Handler {
		return func(ctx context.Context, msg queue.Message) error {
			var a ProductIDsArgs
			if err := msg.Decode(&a); err != nil {
				return engine.NoRetry(err)
			}
			return fn(ctx, a.ProductIDs)
		}
	}
	run := func(fn func(context.Context) (int, error)) queue.Handler {
		return func(ctx context.Context, _ queue.Message) error {
			_, err := fn(ctx)
			return err
		}
	}
	defs := []queue.Definition{
		{
			Name:        TaskCheckLowStock,
			Handler:     run(s.CheckLowStock),
			MaxRetries:  -1,
			Description: "queue a low stock alert when needed",
		},
		{
			Name:        TaskCheckOutOfStock,
			Handler:     run(s.CheckOutOfStock),
			MaxRetries:  -1,
			Description: "queue an out of stock alert when needed",
		},
		{
			Name:        TaskSendLowStockAlert,
			Handler:     withIDs(s.SendLowStockAlert),
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the admins the low stock list",
		},
		{
			Name:        TaskSendOutOfStockAlert,
			Handler:     withIDs(s.SendOutOfStockAlert),
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the admins the out of stock list",
		},
		{
			Name:        TaskAutoDeactivate,
			Handler:     run(s.AutoDeactivateOutOfStock),
			MaxRetries:  -1,
			Description: "deactivate out of stock products nobody orders",
		},
		{
			Name:        TaskCheckPricing,
			Handler:     run(s.CheckPricingAnomalies),
			MaxRetries:  -1,
			Description: "report products priced below cost or over-discounted",
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
