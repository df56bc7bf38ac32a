package inventory

import (
	"context"

	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
)

const (
	TaskMonitorStockLevels = "inventory.monitor_stock_levels"
	TaskSendAlertSummary   = "inventory.send_stock_alert_summary"
	TaskReorder            = "inventory.generate_reorder_recommendations"
	TaskValuation          = "inventory.generate_inventory_valuation_report"
	TaskCleanupAlerts      = "inventory.cleanup_old_resolved_alerts"
)

// Register adds the inventory tasks to reg.
func (s *Service) Register(reg *queue.Registry) error {
	defs := []queue.Definition{
		{
			Name: TaskMonitorStockLevels,
			Handler: func(ctx context.Context, _ queue.Message) error {
				_, err := s.MonitorStockLevels(ctx)
				return err
			},
			MaxRetries:  -1,
			Description: "open and resolve stock alerts",
		},
		{
			Name: TaskSendAlertSummary,
			Handler: func(ctx context.Context, msg queue.Message) error {
				var c AlertCounts
				if err := msg.Decode(&c); err != nil {
					return engine.NoRetry(err)
				}
				return s.SendStockAlertSummary(ctx, c)
			},
			MaxRetries:  3,
			Countdown:   queue.DefaultCountdown,
			Description: "email the admins the open stock alerts",
		},
		{
			Name: TaskReorder,
			Handler: func(ctx context.Context, _ queue.Message) error {
				_, err := s.GenerateReorderRecommendations(ctx)
				return err
			},
			MaxRetries:  -1,
			Description: "email reorder recommendations",
		},
		{
			Name: TaskValuation,
			Handler: func(ctx context.Context, _ queue.Message) error {
				_, err := s.GenerateValuationReport(ctx)
				return err
			},
			MaxRetries:  -1,
			Description: "email the inventory valuation",
		},
		{
			Name: TaskCleanupAlerts,
			Handler: func(ctx context.Context, _ queue.Message) error {
				_, err := s.CleanupResolvedAlerts(ctx)
				return err
			},
			MaxRetries:  -1,
			Description: "delete old resolved stock alerts",
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
