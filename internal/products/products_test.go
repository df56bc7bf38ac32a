package products

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/mail"
	"shopd/internal/model"
	"shopd/internal/storage"
	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

type enqueued struct {
	Name string
	Args any
}

type fakeTasks struct{ sent []enqueued }

func (f *fakeTasks) Delay(_ context.Context, name string, args any) (string, error) {
	f.sent = append(f.sent, enqueued{Name: name, Args: args})
	return "id", nil
}

type fakeAlerts struct{ subjects, texts []string }

func (f *fakeAlerts) Alert(_ context.Context, _ int, subject, text string) error {
	f.subjects = append(f.subjects, subject)
	f.texts = append(f.texts, text)
	return nil
}

type harness struct {
	svc    *Service
	db     *storage.DB
	tasks  *fakeTasks
	sent   *mail.LogMailer
	alerts *fakeAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "shop.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, tasks: &fakeTasks{}, sent: mail.NewLogMailer(logx.Nop()), alerts: &fakeAlerts{}}
	m := mail.NewService(mail.Config{From: "shop@example.com", Admins: []string{"ops@example.com"}, SiteName: "Shop"}, h.sent, logx.Nop())
	h.svc = New(Config{}, Deps{Store: db, Tasks: h.tasks, Mail: m, Alerts: h.alerts}, logx.Nop())
	return h
}

func (h *harness) product(t *testing.T, sku string, qty int, active bool) *model.Product {
	t.Helper()
	p := &model.Product{
		SKU:               sku,
		Name:              "Product " + sku,
		Price:             decimal.NewFromInt(1000),
		StockQuantity:     qty,
		LowStockThreshold: 15,
		IsActive:          active,
	}
	require.NoError(t, h.db.CreateProduct(context.Background(), p))
	return p
}

func (h *harness) order(t *testing.T, status model.OrderStatus, p *model.Product) {
	t.Helper()
	o := &model.Order{OrderNumber: "ORD-" + p.SKU + "-" + string(status), GuestEmail: "g@example.com", Status: status, Total: p.Price}
	items := []model.OrderItem{{ProductID: &p.ID, ProductName: p.Name, Quantity: 1, Price: p.Price}}
	require.NoError(t, h.db.CreateOrder(context.Background(), o, items))
}

func TestCheckLowStock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	low := h.product(t, "LOW", 3, true)
	h.product(t, "FULL", 100, true)
	h.product(t, "EMPTY", 0, true)
	h.product(t, "HIDDEN", 2, false)

	n, err := h.svc.CheckLowStock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.tasks.sent, 1)
	assert.Equal(t, TaskSendLowStockAlert, h.tasks.sent[0].Name)
	assert.Equal(t, ProductIDsArgs{ProductIDs: []int64{low.ID}}, h.tasks.sent[0].Args)
}

func TestCheckOutOfStock_NothingToReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.product(t, "FULL", 100, true)

	n, err := h.svc.CheckOutOfStock(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.tasks.sent)
}

func TestGroupLowStock(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, Deps{}, logx.Nop())
	g := svc.GroupLowStock([]model.Product{
		{SKU: "a", StockQuantity: 1},
		{SKU: "b", StockQuantity: 5},
		{SKU: "c", StockQuantity: 6},
		{SKU: "d", StockQuantity: 10},
		{SKU: "e", StockQuantity: 12},
	})
	assert.Len(t, g.Critical, 2)
	assert.Len(t, g.Warning, 2)
	assert.Len(t, g.Low, 1)
	assert.Equal(t, 5, g.Total())
}

func TestSendLowStockAlert(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.product(t, "CRIT", 2, true)
	b := h.product(t, "WARN", 8, true)
	c := h.product(t, "LOW", 14, true)

	require.NoError(t, h.svc.SendLowStockAlert(context.Background(), []int64{a.ID, b.ID, c.ID}))
	sent := h.sent.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].To)
	assert.Contains(t, sent[0].Subject, "Low Stock Alert - 3 products")
	assert.Contains(t, sent[0].Text, "CRITICAL")
	assert.Contains(t, sent[0].Text, "Product CRIT (CRIT): 2 left")
	assert.Contains(t, sent[0].Text, "threshold 15")

	require.Len(t, h.alerts.subjects, 1)
	assert.Equal(t, "Low Stock Alert - 1 critical", h.alerts.subjects[0])
}

func TestSendOutOfStockAlert_SplitsOpenOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	wanted := h.product(t, "WANTED", 0, true)
	idle := h.product(t, "IDLE", 0, true)
	h.order(t, model.OrderConfirmed, wanted)
	h.order(t, model.OrderDelivered, idle)

	require.NoError(t, h.svc.SendOutOfStockAlert(context.Background(), []int64{wanted.ID, idle.ID}))
	sent := h.sent.Sent()
	require.Len(t, sent, 1)
	text := sent[0].Text
	assert.Contains(t, text, "URGENT - out of stock with open orders:\n- Product WANTED (WANTED)")
	assert.Contains(t, text, "Out of stock:\n- Product IDLE (IDLE)")
	assert.Equal(t, []string{"Out of Stock - 1 products with open orders"}, h.alerts.subjects)
}

func TestAutoDeactivateOutOfStock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	stale := h.product(t, "STALE", 0, true)
	recent := h.product(t, "RECENT", 0, true)
	stocked := h.product(t, "STOCKED", 5, true)
	h.order(t, model.OrderDelivered, recent)

	n, err := h.svc.AutoDeactivateOutOfStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[int64]bool{stale.ID: false, recent.ID: true, stocked.ID: true} {
		p, err := h.db.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, p.IsActive, p.SKU)
	}
	sent := h.sent.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Subject, "Products Auto-Deactivated - 1")
	assert.Contains(t, sent[0].Text, "no orders in 30 days")

	// Nothing left to do on the next run.
	n, err = h.svc.AutoDeactivateOutOfStock(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckPricingAnomalies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	mk := func(sku string, cost int64, discount int64, active bool) {
		p := &model.Product{SKU: sku, Name: "Product " + sku, Price: decimal.NewFromInt(1000),
			DiscountPercentage: decimal.NewFromInt(discount), IsActive: active}
		if cost > 0 {
			p.CostPrice = decimal.NewNullDecimal(decimal.NewFromInt(cost))
		}
		require.NoError(t, h.db.CreateProduct(ctx, p))
	}
	mk("LOSS", 1200, 0, true)
	mk("DEEP", 300, 80, true)
	mk("FAIR", 600, 70, true)
	mk("NOCOST", 0, 10, true)
	mk("HIDDEN", 1500, 90, false)

	n, err := h.svc.CheckPricingAnomalies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sent := h.sent.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Subject, "Pricing Anomalies Detected - 2")
	assert.Contains(t, sent[0].Text, "Product LOSS (LOSS): cost KSh 1,200")
	assert.Contains(t, sent[0].Text, "Product DEEP (DEEP): 80% off")
	assert.NotContains(t, sent[0].Text, "FAIR")
	assert.NotContains(t, sent[0].Text, "HIDDEN")
	assert.Equal(t, []string{"Pricing - 1 products below cost"}, h.alerts.subjects)
}

func TestCheckPricingAnomalies_Clean(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.product(t, "OK", 5, true)

	n, err := h.svc.CheckPricingAnomalies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.sent.Sent())
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	reg := queue.NewRegistry()
	require.NoError(t, h.svc.Register(reg))
	assert.Len(t, reg.Definitions(), 6)

	p := h.product(t, "CRIT", 1, true)
	d, ok := reg.Lookup(TaskSendLowStockAlert)
	require.True(t, ok)
	raw, err := json.Marshal(ProductIDsArgs{ProductIDs: []int64{p.ID}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Handler(ctx, queue.Message{Task: TaskSendLowStockAlert, Args: raw}))
	assert.Len(t, h.sent.Sent(), 1)
}
