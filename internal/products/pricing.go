package products

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

type PricingAnomalies struct {
	BelowCost   []model.Product
	Discounted  []model.Product
	MaxDiscount int
}

func (a PricingAnomalies) Total() int { return len(a.BelowCost) + len(a.Discounted) }

// FindPricingAnomalies picks the active products selling below cost and
// those discounted beyond the configured limit. A product can be in both.
func (s *Service) FindPricingAnomalies(ps []model.Product) PricingAnomalies {
	a := PricingAnomalies{MaxDiscount: s.cfg.ExtremeDiscount}
	limit := decimal.NewFromInt(int64(s.cfg.ExtremeDiscount))
	for _, p := range ps {
		if !p.IsActive {
			continue
		}
		if p.CostPrice.Valid && p.CostPrice.Decimal.GreaterThan(p.Price) {
			a.BelowCost = append(a.BelowCost, p)
		}
		if p.DiscountPercentage.GreaterThan(limit) {
			a.Discounted = append(a.Discounted, p)
		}
	}
	return a
}

// CheckPricingAnomalies emails the admins when any active product is
// priced below cost or carries an extreme discount.
func (s *Service) CheckPricingAnomalies(ctx context.Context) (int, error) {
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: activeOnly()})
	if err != nil {
		return 0, err
	}
	a := s.FindPricingAnomalies(ps)
	s.log.Info("pricing checked", logx.Int("anomalies", a.Total()))
	if a.Total() == 0 {
		return 0, nil
	}
	if err := s.mail.MailAdminsTemplate(ctx, "pricing_anomalies", map[string]any{
		"Total":       a.Total(),
		"BelowCost":   a.BelowCost,
		"Discounted":  a.Discounted,
		"MaxDiscount": a.MaxDiscount,
	}); err != nil {
		return a.Total(), err
	}
	if len(a.BelowCost) > 0 {
		s.alert(ctx, 5, fmt.Sprintf("Pricing - %d products below cost", len(a.BelowCost)), productLines(a.BelowCost, false))
	}
	return a.Total(), nil
}
