package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/model"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/pkg/logx"
)

type memStore struct {
	mu        sync.Mutex
	orders    map[int64]*model.Order
	items     []model.OrderItem
	history   []model.OrderStatusHistory
	stock     map[int64]int
	customers map[int64]*model.Customer
}

func (m *memStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		switch {
		case len(f.Status) > 0 && !slices.Contains(f.Status, o.Status):
			continue
		case len(f.PaymentStatus) > 0 && !slices.Contains(f.PaymentStatus, o.PaymentStatus):
			continue
		case !f.CreatedFrom.IsZero() && o.CreatedAt.Before(f.CreatedFrom):
			continue
		case !f.CreatedTo.IsZero() && !o.CreatedAt.Before(f.CreatedTo):
			continue
		case !f.ShippedBefore.IsZero() && (o.ShippedAt == nil || !o.ShippedAt.Before(f.ShippedBefore)):
			continue
		case !f.UpdatedBefore.IsZero() && !o.UpdatedAt.Before(f.UpdatedBefore):
			continue
		case f.Undelivered && o.DeliveredAt != nil:
			continue
		case f.MinTotal.Valid && o.Total.LessThan(f.MinTotal.Decimal):
			continue
		}
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b model.Order) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *memStore) ListOrderItems(_ context.Context, ids ...int64) ([]model.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OrderItem
	for _, it := range m.items {
		if slices.Contains(ids, it.OrderID) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memStore) TransitionOrder(_ context.Context, id int64, from, to model.OrderStatus, at time.Time, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.ErrNotFound
	}
	if o.Status != from {
		return model.ErrConflict
	}
	o.Status, o.UpdatedAt = to, at
	m.history = append(m.history, model.OrderStatusHistory{OrderID: id, OldStatus: from, NewStatus: to, Notes: note, CreatedAt: at})
	return nil
}

func (m *memStore) CancelOrder(ctx context.Context, id int64, from model.OrderStatus, payment []model.PaymentStatus, at time.Time, note string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if ok && len(payment) > 0 && !slices.Contains(payment, o.PaymentStatus) {
		m.mu.Unlock()
		return model.ErrConflict
	}
	m.mu.Unlock()
	if err := m.TransitionOrder(ctx, id, from, model.OrderCancelled, at, note); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].CancelledAt = &at
	for _, it := range m.items {
		if it.OrderID == id && it.ProductID != nil {
			m.stock[*it.ProductID] += it.Quantity
		}
	}
	return nil
}

func (m *memStore) GetCustomer(_ context.Context, id int64) (*model.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

type enqueued struct {
	Name string
	Args any
}

type fakeTasks struct{ sent []enqueued }

func (f *fakeTasks) Delay(_ context.Context, name string, args any) (string, error) {
	f.sent = append(f.sent, enqueued{Name: name, Args: args})
	return "id", nil
}

type sentMail struct {
	To   []string
	Kind string
	Data any
}

type fakeMail struct{ sent, admins []sentMail }

func (f *fakeMail) SendTemplate(_ context.Context, to []string, kind string, data any) error {
	f.sent = append(f.sent, sentMail{To: to, Kind: kind, Data: data})
	return nil
}

func (f *fakeMail) MailAdminsTemplate(_ context.Context, kind string, data any) error {
	f.admins = append(f.admins, sentMail{Kind: kind, Data: data})
	return nil
}

type fakeAlerts struct{ subjects, texts []string }

func (f *fakeAlerts) Alert(_ context.Context, _ int, subject, text string) error {
	f.subjects = append(f.subjects, subject)
	f.texts = append(f.texts, text)
	return nil
}

type harness struct {
	svc    *Service
	store  *memStore
	tasks  *fakeTasks
	mail   *fakeMail
	alerts *fakeAlerts
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &memStore{
			orders:    map[int64]*model.Order{},
			stock:     map[int64]int{},
			customers: map[int64]*model.Customer{7: {ID: 7, Email: "jane@example.com", FirstName: "Jane"}},
		},
		tasks:  &fakeTasks{},
		mail:   &fakeMail{},
		alerts: &fakeAlerts{},
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	h.svc = New(Config{}, Deps{Store: h.store, Tasks: h.tasks, Mail: h.mail, Alerts: h.alerts}, logx.Nop())
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) addOrder(o model.Order) *model.Order {
	if o.OrderNumber == "" {
		o.OrderNumber = fmt.Sprintf("ORD-%d", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = h.now.Add(-time.Hour)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Total.IsZero() {
		o.Total = decimal.NewFromInt(1000)
	}
	h.store.orders[o.ID] = &o
	return &o
}

func (h *harness) taskNames() []string {
	var out []string
	for _, s := range h.tasks.sent {
		out = append(out, s.Name)
	}
	return out
}

func TestAutoConfirmPaidOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addOrder(model.Order{ID: 1, Status: model.OrderPending, PaymentStatus: model.PaymentPaid})
	h.addOrder(model.Order{ID: 2, Status: model.OrderPending, PaymentStatus: model.PaymentPending})
	h.addOrder(model.Order{ID: 3, Status: model.OrderShipped, PaymentStatus: model.PaymentPaid})

	n, err := h.svc.AutoConfirmPaidOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OrderConfirmed, h.store.orders[1].Status)
	assert.Equal(t, model.OrderPending, h.store.orders[2].Status)

	require.Len(t, h.store.history, 1)
	assert.Equal(t, "Auto-confirmed after payment", h.store.history[0].Notes)
	assert.Equal(t, []string{TaskSendConfirmation}, h.taskNames())
	assert.Equal(t, OrderArgs{OrderID: 1}, h.tasks.sent[0].Args)
}

func TestAutoCancelUnpaidOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	pid := int64(42)
	h.store.stock[pid] = 3
	h.addOrder(model.Order{ID: 1, Status: model.OrderPending, PaymentStatus: model.PaymentPending, CreatedAt: h.now.Add(-25 * time.Hour)})
	h.addOrder(model.Order{ID: 2, Status: model.OrderPending, PaymentStatus: model.PaymentFailed, CreatedAt: h.now.Add(-30 * time.Hour)})
	h.addOrder(model.Order{ID: 3, Status: model.OrderPending, PaymentStatus: model.PaymentPending, CreatedAt: h.now.Add(-2 * time.Hour)})
	h.addOrder(model.Order{ID: 4, Status: model.OrderPending, PaymentStatus: model.PaymentPaid, CreatedAt: h.now.Add(-48 * time.Hour)})
	h.store.items = []model.OrderItem{
		{ID: 1, OrderID: 1, ProductID: &pid, ProductName: "Speaker", Quantity: 2, Price: decimal.NewFromInt(500)},
		{ID: 2, OrderID: 1, ProductName: "Deleted product", Quantity: 1, Price: decimal.NewFromInt(10)},
	}

	n, err := h.svc.AutoCancelUnpaidOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, model.OrderCancelled, h.store.orders[1].Status)
	assert.NotNil(t, h.store.orders[1].CancelledAt)
	assert.Equal(t, model.OrderCancelled, h.store.orders[2].Status)
	assert.Equal(t, model.OrderPending, h.store.orders[3].Status)
	assert.Equal(t, model.OrderPending, h.store.orders[4].Status)
	assert.Equal(t, 5, h.store.stock[pid])

	assert.Equal(t, "Auto-cancelled - payment not received within 24 hours", h.store.history[0].Notes)
	require.Len(t, h.tasks.sent, 2)
	args := h.tasks.sent[0].Args.(CancellationArgs)
	assert.Equal(t, "Payment not received within 24 hours", args.Reason)
}

func TestCheckDelayedOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	shipped := h.now.Add(-8 * 24 * time.Hour)
	recent := h.now.Add(-2 * 24 * time.Hour)
	h.addOrder(model.Order{ID: 1, OrderNumber: "ORD-1", Status: model.OrderShipped, ShippedAt: &shipped, TrackingNumber: "TRK1"})
	h.addOrder(model.Order{ID: 2, OrderNumber: "ORD-2", Status: model.OrderShipped, ShippedAt: &recent})
	h.addOrder(model.Order{ID: 3, OrderNumber: "ORD-3", Status: model.OrderShipped, ShippedAt: &shipped, DeliveredAt: &recent})

	n, err := h.svc.CheckDelayedOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.mail.admins, 1)
	assert.Equal(t, "admin_alert", h.mail.admins[0].Kind)
	data := h.mail.admins[0].Data.(map[string]any)
	assert.Equal(t, "Admin Alert: Delayed Order - Order ORD-1", data["Title"])
	assert.Contains(t, data["Message"], "Tracking: TRK1")
	assert.Equal(t, []string{"Admin Alert: Delayed Order - Order ORD-1"}, h.alerts.subjects)
}

func TestCheckPendingOrders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cust := int64(7)
	h.addOrder(model.Order{ID: 1, OrderNumber: "ORD-1", Status: model.OrderPending, PaymentStatus: model.PaymentPending,
		Total: decimal.NewFromInt(50000), CustomerID: &cust})
	h.addOrder(model.Order{ID: 2, OrderNumber: "ORD-2", Status: model.OrderPending, PaymentStatus: model.PaymentPending,
		Total: decimal.NewFromInt(49999)})
	h.addOrder(model.Order{ID: 3, OrderNumber: "ORD-3", Status: model.OrderProcessing, UpdatedAt: h.now.Add(-49 * time.Hour)})
	h.addOrder(model.Order{ID: 4, OrderNumber: "ORD-4", Status: model.OrderProcessing, UpdatedAt: h.now.Add(-time.Hour)})

	res, err := h.svc.CheckPendingOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PendingCheck{HighValue: 1, Stuck: 1}, res)
	require.Len(t, h.alerts.subjects, 2)
	assert.Equal(t, "Admin Alert: High-Value Pending Order - Order ORD-1", h.alerts.subjects[0])
	assert.Equal(t, "High-value order ORD-1 (KSh 50,000.00) is pending payment. Customer: jane@example.com", h.alerts.texts[0])
	assert.Equal(t, "Order ORD-3 has been in processing status for over 48 hours", h.alerts.texts[1])
}

func TestBuildDailyReport(t *testing.T) {
	t.Parallel()
	d := decimal.NewFromInt
	orders := []model.Order{
		{ID: 1, Status: model.OrderPending, Total: d(1000)},
		{ID: 2, Status: model.OrderConfirmed, PaymentMethod: "mpesa", Total: d(2000)},
		{ID: 3, Status: model.OrderConfirmed, PaymentMethod: "mpesa", Total: d(500)},
	}
	var items []model.OrderItem
	for i, name := range []string{"A", "B", "C", "D", "E", "F"} {
		items = append(items, model.OrderItem{OrderID: 1, ProductName: name, Quantity: 1, Price: d(int64(100 * (i + 1)))})
	}
	items = append(items, model.OrderItem{OrderID: 2, ProductName: "A", Quantity: 9, Price: d(100)})

	r := BuildDailyReport("2026-03-10", orders, items)
	assert.Equal(t, 3, r.TotalOrders)
	assert.Equal(t, "3500", r.Revenue.String())
	assert.Equal(t, "1166.67", r.AverageValue.StringFixed(2))
	assert.Equal(t, []Count{{"confirmed", 2}, {"pending", 1}}, r.ByStatus)
	assert.Equal(t, []Count{{"mpesa", 2}}, r.ByPaymentMethod)

	require.Len(t, r.TopProducts, 5)
	assert.Equal(t, "A", r.TopProducts[0].Name)
	assert.Equal(t, 10, r.TopProducts[0].Quantity)
	assert.Equal(t, "1000", r.TopProducts[0].Revenue.String())
	assert.Equal(t, "F", r.TopProducts[1].Name)
	assert.Equal(t, "C", r.TopProducts[4].Name)

	empty := BuildDailyReport("2026-03-10", nil, nil)
	assert.True(t, empty.AverageValue.IsZero())
}

func TestGenerateDailyReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addOrder(model.Order{ID: 1, Status: model.OrderPending})
	h.addOrder(model.Order{ID: 2, Status: model.OrderPending, CreatedAt: h.now.Add(-24 * time.Hour)})

	r, err := h.svc.GenerateDailyReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.TotalOrders)
	require.Len(t, h.mail.admins, 1)
	assert.Equal(t, "order_daily_report", h.mail.admins[0].Kind)
}

func TestCustomerEmails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cust := int64(7)
	h.addOrder(model.Order{ID: 1, OrderNumber: "ORD-1", CustomerID: &cust})
	h.addOrder(model.Order{ID: 2, OrderNumber: "ORD-2", GuestEmail: "guest@example.com"})
	h.addOrder(model.Order{ID: 3, OrderNumber: "ORD-3"})

	require.NoError(t, h.svc.SendOrderConfirmation(ctx, 1))
	require.NoError(t, h.svc.SendCancellation(ctx, 2, ""))
	require.NoError(t, h.svc.SendCancellation(ctx, 3, "x"))

	require.Len(t, h.mail.sent, 2)
	assert.Equal(t, []string{"jane@example.com"}, h.mail.sent[0].To)
	assert.Equal(t, "order_confirmation", h.mail.sent[0].Kind)
	assert.Equal(t, []string{"guest@example.com"}, h.mail.sent[1].To)
	data := h.mail.sent[1].Data.(map[string]any)
	assert.Equal(t, "Customer", data["CustomerName"])
	assert.Equal(t, "Not specified", data["Reason"])
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	reg := queue.NewRegistry()
	require.NoError(t, h.svc.Register(reg))
	assert.Len(t, reg.Definitions(), 7)
	assert.Equal(t, []string{"orders"}, reg.Queues())

	d, ok := reg.Lookup(TaskSendCancellation)
	require.True(t, ok)
	assert.Equal(t, 3, d.MaxRetries)

	err := d.Handler(context.Background(), queue.Message{Args: json.RawMessage(`{"order_id":0}`)})
	assert.True(t, engine.IsNoRetry(err))
	err = d.Handler(context.Background(), queue.Message{Args: json.RawMessage(`{"order_id":99}`)})
	assert.True(t, engine.IsNoRetry(err))
}
