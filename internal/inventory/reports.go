package inventory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

const (
	// coverDays is how much demand a recommended order covers.
	coverDays = 30
	// noSalesDays stands in for days remaining when nothing sold.
	noSalesDays = 999
	topReorder  = 20
	topValued   = 5
)

// UrgencyFor maps days of stock remaining to an urgency.
func UrgencyFor(daysRemaining float64) Urgency {
	switch {
	case daysRemaining < 7:
		return UrgencyCritical
	case daysRemaining < 14:
		return UrgencyHigh
	case daysRemaining < 30:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func (u Urgency) rank() int {
	switch u {
	case UrgencyCritical:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 3
	default:
		return 4
	}
}

type Recommendation struct {
	ProductID      int64           `json:"product_id"`
	Name           string          `json:"product"`
	SKU            string          `json:"sku"`
	CurrentStock   int             `json:"current_stock"`
	DailySalesRate float64         `json:"daily_sales_rate"`
	DaysRemaining  float64         `json:"days_remaining"`
	RecommendedQty int             `json:"recommended_qty"`
	OrderCost      decimal.Decimal `json:"order_cost"`
	Urgency        Urgency         `json:"urgency"`
}

type ReorderReport struct {
	TotalItems  int              `json:"total_items"`
	TotalCost   decimal.Decimal  `json:"total_cost"`
	Critical    []Recommendation `json:"critical"`
	High        []Recommendation `json:"high"`
	MediumCount int              `json:"medium_count"`
	LowCount    int              `json:"low_count"`
	// Top holds the most urgent recommendations across all levels.
	Top []Recommendation `json:"recommendations"`
}

// Recommend sizes a reorder for p given units sold over windowDays. With
// sales, the order covers coverDays of demand plus the reorder point;
// never less than the product's reorder quantity.
func Recommend(p model.Product, sold int, windowDays float64) Recommendation {
	r := Recommendation{ProductID: p.ID, Name: p.Name, SKU: p.SKU, CurrentStock: p.StockQuantity, OrderCost: decimal.Zero}
	available := max(p.StockQuantity, 0)
	if sold > 0 && windowDays > 0 {
		r.DailySalesRate = float64(sold) / windowDays
	}
	if r.DailySalesRate > 0 {
		r.DaysRemaining = float64(available) / r.DailySalesRate
		r.RecommendedQty = int(r.DailySalesRate*coverDays) + p.ReorderPoint
	} else {
		r.DaysRemaining = noSalesDays
		r.RecommendedQty = p.ReorderQuantity
	}
	r.RecommendedQty = max(r.RecommendedQty, p.ReorderQuantity)
	if p.CostPrice.Valid {
		r.OrderCost = p.CostPrice.Decimal.Mul(decimal.NewFromInt(int64(r.RecommendedQty)))
	}
	r.Urgency = UrgencyFor(r.DaysRemaining)
	r.DailySalesRate = math.Round(r.DailySalesRate*100) / 100
	r.DaysRemaining = math.Round(r.DaysRemaining*10) / 10
	return r
}

// BuildReorderReport recommends orders for every active product at or
// below its reorder point, most urgent first.
func (s *Service) BuildReorderReport(ctx context.Context) (ReorderReport, error) {
	rep := ReorderReport{TotalCost: decimal.Zero}
	active := true
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{Active: &active, ReorderDue: true})
	if err != nil || len(ps) == 0 {
		return rep, err
	}
	sold, err := s.store.UnitsSoldSince(ctx, ids(ps), s.now().UTC().Add(-s.cfg.SalesWindow))
	if err != nil {
		return rep, err
	}
	windowDays := s.cfg.SalesWindow.Hours() / 24

	recs := make([]Recommendation, 0, len(ps))
	for _, p := range ps {
		r := Recommend(p, sold[p.ID], windowDays)
		rep.TotalCost = rep.TotalCost.Add(r.OrderCost)
		recs = append(recs, r)
	}
	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		if c := cmp.Compare(a.Urgency.rank(), b.Urgency.rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.DaysRemaining, b.DaysRemaining)
	})
	for _, r := range recs {
		switch r.Urgency {
		case UrgencyCritical:
			rep.Critical = append(rep.Critical, r)
		case UrgencyHigh:
			rep.High = append(rep.High, r)
		case UrgencyMedium:
			rep.MediumCount++
		default:
			rep.LowCount++
		}
	}
	rep.TotalItems = len(recs)
	rep.Top = recs[:min(len(recs), topReorder)]
	return rep, nil
}

// GenerateReorderRecommendations builds the reorder report and emails it
// to the admins when anything needs ordering.
func (s *Service) GenerateReorderRecommendations(ctx context.Context) (ReorderReport, error) {
	rep, err := s.BuildReorderReport(ctx)
	if err != nil {
		return rep, err
	}
	s.log.Info("reorder recommendations", logx.Int("items", rep.TotalItems), logx.Int("critical", len(rep.Critical)),
		logx.Stringer("cost", rep.TotalCost))
	if rep.TotalItems == 0 {
		return rep, nil
	}
	if err := s.mail.MailAdminsTemplate(ctx, "reorder_recommendations", rep); err != nil {
		return rep, err
	}
	if len(rep.Critical) > 0 {
		s.alert(ctx, 6, fmt.Sprintf("Reorder Recommendations - %d critical", len(rep.Critical)), recLines(rep.Critical))
	}
	return rep, nil
}

type ValuedProduct struct {
	Name  string          `json:"name"`
	SKU   string          `json:"sku"`
	Units int             `json:"units"`
	Value decimal.Decimal `json:"value"`
}

type Valuation struct {
	Date       string          `json:"date"`
	TotalValue decimal.Decimal `json:"total_value"`
	TotalUnits int             `json:"total_units"`
	Products   int             `json:"products"`
	// Uncosted counts stocked products with no cost price; their units
	// count but add no value.
	Uncosted    int             `json:"uncosted"`
	SlowMoving  int             `json:"slow_moving_count"`
	TopProducts []ValuedProduct `json:"top_products"`
}

// BuildValuation values every product with stock on hand at cost.
func (s *Service) BuildValuation(ctx context.Context) (Valuation, error) {
	now := s.now().UTC()
	v := Valuation{Date: now.Format(time.DateOnly), TotalValue: decimal.Zero}
	ps, err := s.store.ListProducts(ctx, model.ProductFilter{InStock: true})
	if err != nil || len(ps) == 0 {
		return v, err
	}
	recent, err := s.store.ProductsOrderedSince(ctx, ids(ps), now.Add(-s.cfg.SlowMovingAfter))
	if err != nil {
		return v, err
	}
	valued := make([]ValuedProduct, 0, len(ps))
	for _, p := range ps {
		v.Products++
		v.TotalUnits += p.StockQuantity
		if !p.CostPrice.Valid {
			v.Uncosted++
		}
		if !recent[p.ID] {
			v.SlowMoving++
		}
		val := p.StockValue()
		v.TotalValue = v.TotalValue.Add(val)
		if val.IsPositive() {
			valued = append(valued, ValuedProduct{Name: p.Name, SKU: p.SKU, Units: p.StockQuantity, Value: val})
		}
	}
	slices.SortFunc(valued, func(a, b ValuedProduct) int {
		if c := b.Value.Cmp(a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.SKU, b.SKU)
	})
	v.TopProducts = valued[:min(len(valued), topValued)]
	return v, nil
}

// GenerateValuationReport emails the admins the daily valuation.
func (s *Service) GenerateValuationReport(ctx context.Context) (Valuation, error) {
	v, err := s.BuildValuation(ctx)
	if err != nil {
		return v, err
	}
	s.log.Info("inventory valuation", logx.String("date", v.Date), logx.Stringer("value", v.TotalValue),
		logx.Int("units", v.TotalUnits))
	if err := s.mail.MailAdminsTemplate(ctx, "inventory_valuation", v); err != nil {
		return v, err
	}
	return v, nil
}

func recLines(rs []Recommendation) string {
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s): %d left, order %d", r.Name, r.SKU, r.CurrentStock, r.RecommendedQty)
	}
	return b.String()
}
