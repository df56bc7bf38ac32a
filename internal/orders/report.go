package orders

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type ProductSales struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type DailyReport struct {
	Date            string          `json:"date"`
	TotalOrders     int             `json:"total_orders"`
	Revenue         decimal.Decimal `json:"total_revenue"`
	AverageValue    decimal.Decimal `json:"average_order_value"`
	ByStatus        []Count         `json:"by_status"`
	ByPaymentMethod []Count         `json:"by_payment_method"`
	TopProducts     []ProductSales  `json:"top_products"`
}

const topProducts = 5

// BuildDailyReport summarises the orders placed on day and their items.
func BuildDailyReport(day string, orders []model.Order, items []model.OrderItem) DailyReport {
	r := DailyReport{
		Date:         day,
		TotalOrders:  len(orders),
		Revenue:      decimal.Zero,
		AverageValue: decimal.Zero,
	}
	status := map[string]int{}
	method := map[string]int{}
	for _, o := range orders {
		r.Revenue = r.Revenue.Add(o.Total)
		status[string(o.Status)]++
		if o.PaymentMethod != "" {
			method[o.PaymentMethod]++
		}
	}
	if r.TotalOrders > 0 {
		r.AverageValue = r.Revenue.Div(decimal.NewFromInt(int64(r.TotalOrders))).Round(2)
	}
	r.ByStatus = counts(status)
	r.ByPaymentMethod = counts(method)

	sales := map[string]*ProductSales{}
	for _, it := range items {
		ps, ok := sales[it.ProductName]
		if !ok {
			ps = &ProductSales{Name: it.ProductName, Revenue: decimal.Zero}
			sales[it.ProductName] = ps
		}
		ps.Quantity += it.Quantity
		ps.Revenue = ps.Revenue.Add(it.Total())
	}
	for _, ps := range sales {
		r.TopProducts = append(r.TopProducts, *ps)
	}
	slices.SortFunc(r.TopProducts, func(a, b ProductSales) int {
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if len(r.TopProducts) > topProducts {
		r.TopProducts = r.TopProducts[:topProducts]
	}
	return r
}

func counts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, n := range m {
		out = append(out, Count{Key: k, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// GenerateDailyReport reports on the orders placed today and emails the
// admins.
func (s *Service) GenerateDailyReport(ctx context.Context) (DailyReport, error) {
	start, end := s.today()
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{CreatedFrom: start, CreatedTo: end})
	if err != nil {
		return DailyReport{}, err
	}
	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := s.store.ListOrderItems(ctx, ids...)
	if err != nil {
		return DailyReport{}, err
	}
	r := BuildDailyReport(start.Format(time.DateOnly), orders, items)
	s.log.Info("daily order report", logx.String("date", r.Date), logx.Int("orders", r.TotalOrders),
		logx.Stringer("revenue", r.Revenue))
	if err := s.mail.MailAdminsTemplate(ctx, "order_daily_report", r); err != nil {
		return r, err
	}
	return r, nil
}
