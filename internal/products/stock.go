package products

import (
	"context"
	"fmt"
	"strings"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

type ProductIDsArgs struct {
	ProductIDs []int64 `json:"product_ids"`
}

// CheckLowStock queues a low stock alert when any active product has
// stock at or below its threshold but above zero.
func (s *Service) CheckLowStock(ctx context.Context) (int, error) {
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: activeOnly(), LowStock: true})
	if err != nil {
		return 0, err
	}
	if len(ps) == 0 {
		return 0, nil
	}
	s.log.Warn("low stock products found", logx.Int("count", len(ps)))
	if _, err := s.tasks.Delay(ctx, TaskSendLowStockAlert, ProductIDsArgs{ProductIDs: ids(ps)}); err != nil {
		return len(ps), err
	}
	return len(ps), nil
}

// CheckOutOfStock queues an out of stock alert when any active product has
// no stock.
func (s *Service) CheckOutOfStock(ctx context.Context) (int, error) {
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: activeOnly(), OutOfStock: true})
	if err != nil {
		return 0, err
	}
	if len(ps) == 0 {
		return 0, nil
	}
	s.log.Warn("out of stock products found", logx.Int("count", len(ps)))
	if _, err := s.tasks.Delay(ctx, TaskSendOutOfStockAlert, ProductIDsArgs{ProductIDs: ids(ps)}); err != nil {
		return len(ps), err
	}
	return len(ps), nil
}

type LowStockGroups struct {
	Critical []model.Product
	Warning  []model.Product
	Low      []model.Product
}

func (g LowStockGroups) Total() int { return len(g.Critical) + len(g.Warning) + len(g.Low) }

// GroupLowStock splits products by remaining quantity.
func (s *Service) GroupLowStock(ps []model.Product) LowStockGroups {
	var g LowStockGroups
	for _, p := range ps {
		switch {
		case p.StockQuantity <= s.cfg.CriticalAt:
			g.Critical = append(g.Critical, p)
		case p.StockQuantity <= s.cfg.WarningAt:
			g.Warning = append(g.Warning, p)
		default:
			g.Low = append(g.Low, p)
		}
	}
	return g
}

// SendLowStockAlert emails the admins the grouped low stock list. Critical
// products also go out to the chat channels.
func (s *Service) SendLowStockAlert(ctx context.Context, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{IDs: productIDs})
	if err != nil {
		return err
	}
	g := s.GroupLowStock(ps)
	if g.Total() == 0 {
		return nil
	}
	if err := s.mail.MailAdminsTemplate(ctx, "low_stock_alert", map[string]any{
		"Total":    g.Total(),
		"Critical": g.Critical,
		"Warning":  g.Warning,
		"Low":      g.Low,
	}); err != nil {
		return err
	}
	if len(g.Critical) > 0 {
		s.alert(ctx, 7, fmt.Sprintf("Low Stock Alert - %d critical", len(g.Critical)), productLines(g.Critical, true))
	}
	return nil
}

// SendOutOfStockAlert emails the admins the out of stock list, with the
// products that still have open orders called out first.
func (s *Service) SendOutOfStockAlert(ctx context.Context, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{IDs: productIDs})
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		return nil
	}
	open, err := s.store.ProductsWithOpenOrders(ctx, ids(ps))
	if err != nil {
		return err
	}
	var with, without []model.Product
	for _, p := range ps {
		if open[p.ID] {
			with = append(with, p)
		} else {
			without = append(without, p)
		}
	}
	if err := s.mail.MailAdminsTemplate(ctx, "out_of_stock_alert", map[string]any{
		"Total":         len(ps),
		"WithOrders":    with,
		"WithoutOrders": without,
	}); err != nil {
		return err
	}
	if len(with) > 0 {
		s.alert(ctx, 8, fmt.Sprintf("Out of Stock - %d products with open orders", len(with)), productLines(with, false))
	}
	return nil
}

// AutoDeactivateOutOfStock hides active products that are out of stock
// and have not been ordered within DeactivateAfter.
func (s *Service) AutoDeactivateOutOfStock(ctx context.Context) (int, error) {
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: activeOnly(), OutOfStock: true})
	if err != nil || len(ps) == 0 {
		return 0, err
	}
	recent, err := s.store.ProductsOrderedSince(ctx, ids(ps), s.now().UTC().Add(-s.cfg.DeactivateAfter))
	if err != nil {
		return 0, err
	}
	var stale []model.Product
	for _, p := range ps {
		if !recent[p.ID] {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := s.store.SetProductsActive(ctx, ids(stale), false)
	if err != nil {
		return 0, err
	}
	s.log.Info("out of stock products deactivated", logx.Int64("count", n))
	eventbus.Emit(s.bus, "products.deactivated", ids(stale))
	if n > 0 {
		days := int(s.cfg.DeactivateAfter.Hours() / 24)
		if err := s.mail.MailAdminsTemplate(ctx, "products_deactivated", map[string]any{
			"Count":    int(n),
			"Days":     days,
			"Products": stale,
		}); err != nil {
			s.log.Warn("deactivation email failed", logx.Err(err))
		}
	}
	return int(n), nil
}

func (s *Service) alert(ctx context.Context, priority int, subject, text string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, priority, subject, text); err != nil {
		s.log.Debug("alert fan-out incomplete", logx.Err(err))
	}
}

func productLines(ps []model.Product, qty bool) string {
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s)", p.Name, p.SKU)
		if qty {
			fmt.Fprintf(&b, ": %d left", p.StockQuantity)
		}
	}
	return b.String()
}
