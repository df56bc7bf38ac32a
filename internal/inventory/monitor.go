package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

// AlertCounts is the number of alerts a monitoring run opened, by type.
type AlertCounts struct {
	OutOfStock int `json:"out_of_stock"`
	LowStock   int `json:"low_stock"`
	Overstock  int `json:"overstock"`
	Resolved   int `json:"resolved"`
}

func (c AlertCounts) Opened() int { return c.OutOfStock + c.LowStock + c.Overstock }

var alertTypes = []model.StockAlertType{model.AlertOutOfStock, model.AlertLowStock, model.AlertOverstock}

// Classify returns the alert a product's stock level calls for, if any.
// Out of stock wins over low stock, which wins over overstock.
func (s *Service) Classify(p model.Product) (model.StockAlert, bool) {
	a := model.StockAlert{ProductID: p.ID, ProductName: p.Name, ProductSKU: p.SKU, CurrentQuantity: p.StockQuantity}
	switch {
	case p.StockQuantity <= 0:
		a.Type, a.Priority, a.ThresholdQuantity = model.AlertOutOfStock, model.AlertCritical, p.ReorderPoint
		a.CurrentQuantity = 0
		a.Message = p.Name + " is out of stock"
	case p.ReorderPoint > 0 && p.StockQuantity <= p.ReorderPoint:
		a.Type, a.Priority, a.ThresholdQuantity = model.AlertLowStock, model.AlertHigh, p.ReorderPoint
		a.Message = p.Name + " is at or below its reorder point"
	case p.ReorderQuantity > 0 && p.StockQuantity > p.ReorderQuantity*s.cfg.OverstockFactor:
		a.Type, a.Priority, a.ThresholdQuantity = model.AlertOverstock, model.AlertLow, p.ReorderQuantity*s.cfg.OverstockFactor
		a.Message = p.Name + " may be overstocked"
	default:
		return model.StockAlert{}, false
	}
	return a, true
}

// MonitorStockLevels opens an alert for every active product whose stock
// calls for one and resolves open alerts the stock level no longer
// supports. A summary email is queued when anything new was opened.
func (s *Service) MonitorStockLevels(ctx context.Context) (AlertCounts, error) {
	var counts AlertCounts
	active := true
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: &active})
	if err != nil {
		return counts, err
	}
	unresolved := false
	open, err := s.store.ListStockAlerts(ctx, model.StockAlertFilter{Resolved: &unresolved})
	if err != nil {
		return counts, err
	}
	openTypes := map[int64][]model.StockAlertType{}
	for _, a := range open {
		openTypes[a.ProductID] = append(openTypes[a.ProductID], a.Type)
	}

	now := s.now().UTC()
	for _, p := range ps {
		a, want := s.Classify(p)
		var stale []model.StockAlertType
		for _, t := range openTypes[p.ID] {
			if !want || t != a.Type {
				stale = append(stale, t)
			}
		}
		if len(stale) > 0 {
			n, err := s.store.ResolveStockAlerts(ctx, p.ID, stale, now, resolutionNote(stale))
			if err != nil {
				return counts, err
			}
			counts.Resolved += int(n)
		}
		if !want || slices.Contains(openTypes[p.ID], a.Type) {
			continue
		}
		a.CreatedAt = now
		created, err := s.store.OpenStockAlert(ctx, &a)
		if err != nil {
			return counts, err
		}
		if !created {
			continue
		}
		switch a.Type {
		case model.AlertOutOfStock:
			counts.OutOfStock++
		case model.AlertLowStock:
			counts.LowStock++
		case model.AlertOverstock:
			counts.Overstock++
		}
	}

	s.log.Info("stock levels checked", logx.Int("products", len(ps)), logx.Int("opened", counts.Opened()),
		logx.Int("resolved", counts.Resolved))
	if counts.Opened() == 0 {
		return counts, nil
	}
	eventbus.Emit(s.bus, "inventory.alerts_opened", counts)
	if _, err := s.tasks.Delay(ctx, TaskSendAlertSummary, counts); err != nil {
		return counts, err
	}
	return counts, nil
}

func resolutionNote(types []model.StockAlertType) string {
	for _, t := range types {
		if t != model.AlertOverstock {
			return "Stock replenished automatically"
		}
	}
	return "Stock back within range"
}

const summaryLimit = 20

// SendStockAlertSummary emails the admins what the last run opened along
// with the oldest unresolved critical and high priority alerts.
func (s *Service) SendStockAlertSummary(ctx context.Context, counts AlertCounts) error {
	unresolved := false
	critical, err := s.store.ListStockAlerts(ctx, model.StockAlertFilter{
		Resolved: &unresolved, Priority: []model.AlertPriority{model.AlertCritical}, Limit: summaryLimit,
	})
	if err != nil {
		return err
	}
	high, err := s.store.ListStockAlerts(ctx, model.StockAlertFilter{
		Resolved: &unresolved, Priority: []model.AlertPriority{model.AlertHigh}, Limit: summaryLimit,
	})
	if err != nil {
		return err
	}
	if err := s.mail.MailAdminsTemplate(ctx, "stock_alert_summary", map[string]any{
		"Counts":   counts,
		"Critical": critical,
		"High":     high,
	}); err != nil {
		return err
	}
	if counts.OutOfStock > 0 {
		s.alert(ctx, 7, fmt.Sprintf("Stock Alert Summary - %d out of stock", counts.OutOfStock), alertLines(critical))
	}
	return nil
}

// CleanupResolvedAlerts deletes alerts resolved longer ago than the
// retention.
func (s *Service) CleanupResolvedAlerts(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteResolvedStockAlerts(ctx, s.now().UTC().Add(-s.cfg.AlertRetention))
	if err != nil {
		return 0, err
	}
	s.log.Info("old stock alerts removed", logx.Int64("count", n))
	return n, nil
}

func alertLines(as []model.StockAlert) string {
	var b strings.Builder
	for i, a := range as {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s)", a.ProductName, a.ProductSKU)
	}
	return b.String()
}
