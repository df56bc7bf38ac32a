package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/model"
	"shopd/internal/mpesa"
	"shopd/internal/payments"
	"shopd/internal/storage"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/internal/task/scheduler"
	"shopd/pkg/logx"
)

const adminToken = "s3cret"

type fakePayments struct {
	initiate func(payments.InitiateRequest) (*model.Transaction, error)
	checked  []string
	refunds  []refundRequest
	refundFn func(txID string, amount decimal.Decimal) (*model.Refund, error)
}

func (f *fakePayments) Initiate(_ context.Context, req payments.InitiateRequest) (*model.Transaction, error) {
	return f.initiate(req)
}

func (f *fakePayments) CheckStatus(_ context.Context, id string) (*model.Transaction, error) {
	f.checked = append(f.checked, id)
	return &model.Transaction{ID: id, Status: model.TxCompleted}, nil
}

func (f *fakePayments) RecordRefund(_ context.Context, txID string, amount decimal.Decimal, reason string) (*model.Refund, error) {
	f.refunds = append(f.refunds, refundRequest{Amount: amount, Reason: reason})
	return f.refundFn(txID, amount)
}

func (f *fakePayments) CompleteRefund(_ context.Context, id string) (*model.Refund, error) {
	if id != "rf-1" {
		return nil, fmt.Errorf("refund %s: %w", id, model.ErrNotFound)
	}
	return &model.Refund{ID: id, Status: model.RefundCompleted}, nil
}

type fakeStore struct {
	txs      map[string]*model.Transaction
	refunds  []model.Refund
	products map[int64]*model.Product
	orders   map[int64]*model.Order
	filters  []model.TransactionFilter
	pingErr  error
}

func (f *fakeStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	if t, ok := f.txs[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
}

func (f *fakeStore) ListTransactions(_ context.Context, flt model.TransactionFilter) ([]model.Transaction, error) {
	f.filters = append(f.filters, flt)
	var out []model.Transaction
	for _, t := range f.txs {
		if flt.OrderID != nil && (t.OrderID == nil || *t.OrderID != *flt.OrderID) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) ListRefunds(_ context.Context, flt model.RefundFilter) ([]model.Refund, error) {
	var out []model.Refund
	for _, r := range f.refunds {
		if r.TransactionID == flt.TransactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type delayed struct {
	Name string
	Args any
}

type fakeTasks struct {
	reg  *queue.Registry
	sent []delayed
	err  error
}

func (f *fakeTasks) Delay(_ context.Context, name string, args any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.reg.Lookup(name); !ok {
		return "", fmt.Errorf("%w: %s", queue.ErrUnknownTask, name)
	}
	f.sent = append(f.sent, delayed{Name: name, Args: args})
	return fmt.Sprintf("task-%d", len(f.sent)), nil
}

func (f *fakeTasks) Registry() *queue.Registry { return f.reg }

type fakeEngine struct{}

func (fakeEngine) Snapshot() engine.Snapshot {
	return engine.Snapshot{
		Running:   true,
		Workers:   4,
		TimeLimit: 30 * time.Minute,
		History:   []engine.HistoryItem{{ID: "h1", Name: "payments.cleanup_old_callbacks", Duration: time.Second, Attempts: 1}},
	}
}

type fakeBeat struct{}

func (fakeBeat) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Enabled: true, Running: true, Timezone: "UTC", Schedules: []scheduler.ScheduleInfo{
		{Name: "cleanup-old-mpesa-callbacks", Task: "payments.cleanup_old_callbacks", Spec: "0 2 * * 0"},
	}}
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type harness struct {
	srv   *Server
	pay   *fakePayments
	store *fakeStore
	tasks *fakeTasks
	audit *fakeAudit
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := queue.NewRegistry()
	noop := func(context.Context, queue.Message) error { return nil }
	for _, name := range []string{payments.TaskProcessCallback, payments.TaskCleanupCallbacks} {
		require.NoError(t, reg.Register(queue.Definition{Name: name, Handler: noop, MaxRetries: 3, Countdown: queue.DefaultCountdown}))
	}
	orderID := int64(1)
	h := &harness{
		pay: &fakePayments{},
		store: &fakeStore{
			txs: map[string]*model.Transaction{
				"tx-1": {ID: "tx-1", OrderID: &orderID, Status: model.TxCompleted, Amount: decimal.NewFromInt(1500)},
			},
			refunds: []model.Refund{{ID: "rf-1", TransactionID: "tx-1", Amount: decimal.NewFromInt(100), Status: model.RefundPending}},
			products: map[int64]*model.Product{
				1: {ID: 1, SKU: "MUG", Name: "Mug", Price: decimal.NewFromInt(1000), DiscountPercentage: decimal.NewFromInt(10), StockQuantity: 3, LowStockThreshold: 5, IsActive: true},
				2: {ID: 2, SKU: "OLD", Name: "Old", Price: decimal.NewFromInt(500), IsActive: false},
			},
			orders: map[int64]*model.Order{
				1: {ID: 1, OrderNumber: "ORD-0001", Status: model.OrderConfirmed, PaymentStatus: model.PaymentPaid, Total: decimal.NewFromInt(1500)},
				2: {ID: 2, OrderNumber: "ORD-0002", Status: model.OrderPending, PaymentStatus: model.PaymentPending, Total: decimal.NewFromInt(200)},
			},
		},
		tasks: &fakeTasks{reg: reg},
		audit: &fakeAudit{},
	}
	h.srv = New(cfg, Deps{Payments: h.pay, Store: h.store, Tasks: h.tasks, Engine: fakeEngine{}, Beat: fakeBeat{}, Audit: h.audit}, logx.Nop())
	h.srv.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return h
}

func (h *harness) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (h *harness) admin(method, path, body string) *httptest.ResponseRecorder {
	return h.do(method, path, body, "Authorization", "Bearer "+adminToken)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	rr := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	h.store.pingErr = errors.New("connection refused")
	rr = h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCallback_AcceptsAndEnqueues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`

	rr := h.do(http.MethodPost, "/api/payments/mpesa/callback", payload)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rr.Body.String())

	require.Len(t, h.tasks.sent, 1)
	assert.Equal(t, payments.TaskProcessCallback, h.tasks.sent[0].Name)
	in, ok := h.tasks.sent[0].Args.(payments.CallbackInput)
	require.True(t, ok)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, payload, in.Payload)
	assert.Equal(t, "192.0.2.1", in.IP)
}

func TestCallback_AcceptedEvenWhenEnqueueFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.tasks.err = engine.ErrQueueFull

	rr := h.do(http.MethodPost, "/api/payments/mpesa/callback", `{}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rr.Body.String())
}

func TestCallback_Allowlist(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		trustProxy bool
		xff        string
		want       int
	}{
		{name: "peer not listed", want: http.StatusForbidden},
		{name: "forwarded ignored without trust", xff: "196.201.214.200", want: http.StatusForbidden},
		{name: "forwarded listed", trustProxy: true, xff: "10.0.0.1, 196.201.214.200", want: http.StatusOK},
		{name: "forwarded not listed", trustProxy: true, xff: "203.0.113.9", want: http.StatusForbidden},
		{name: "forged leftmost hop", trustProxy: true, xff: "196.201.214.200, 203.0.113.9", want: http.StatusForbidden},
		{name: "trailing empty hop", trustProxy: true, xff: "203.0.113.9, 196.201.214.200, ", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{TrustProxy: tt.trustProxy, CallbackAllowIPs: []string{"196.201.214.0/24", "bogus"}})
			var rr *httptest.ResponseRecorder
			if tt.xff != "" {
				rr = h.do(http.MethodPost, "/api/payments/mpesa/callback", `{}`, "X-Forwarded-For", tt.xff)
			} else {
				rr = h.do(http.MethodPost, "/api/payments/mpesa/callback", `{}`)
			}
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusOK {
				assert.Len(t, h.tasks.sent, 1)
			} else {
				assert.Empty(t, h.tasks.sent)
			}
		})
	}
}

func TestAdminAuthorization(t *testing.T) {
	t.Parallel()

	unconfigured := newHarness(t, Config{})
	rr := unconfigured.do(http.MethodGet, "/api/admin/tasks", "", "Authorization", "Bearer anything")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	h := newHarness(t, Config{AdminToken: adminToken})
	tests := []struct {
		name string
		hdr  string
		want int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", hdr: "Basic " + adminToken, want: http.StatusUnauthorized},
		{name: "wrong token", hdr: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", hdr: "Bearer " + adminToken, want: http.StatusOK},
		{name: "valid lowercase scheme", hdr: "bearer " + adminToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		var rr *httptest.ResponseRecorder
		if tt.hdr == "" {
			rr = h.do(http.MethodGet, "/api/payments/transactions", "")
		} else {
			rr = h.do(http.MethodGet, "/api/payments/transactions", "", "Authorization", tt.hdr)
		}
		assert.Equal(t, tt.want, rr.Code, tt.name)
		if tt.want == http.StatusUnauthorized {
			assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"), tt.name)
		}
	}

	// Public routes stay open.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/products/1", "").Code)
}

func TestInitiate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	var got payments.InitiateRequest
	h.pay.initiate = func(req payments.InitiateRequest) (*model.Transaction, error) {
		got = req
		switch req.OrderID {
		case 1:
			return nil, fmt.Errorf("%w: ORD-0001", payments.ErrOrderPaid)
		case 3:
			return &model.Transaction{ID: "tx-9", Status: model.TxFailed}, &mpesa.APIError{Op: "stk push", HTTPStatus: 500}
		case 4:
			return nil, mpesa.ErrInvalidPhone
		}
		return &model.Transaction{ID: "tx-2", Status: model.TxProcessing}, nil
	}

	rr := h.do(http.MethodPost, "/api/payments/mpesa/initiate", `{"order_id":2,"phone_number":"0712345678","amount":200}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	tx := decode[model.Transaction](t, rr)
	assert.Equal(t, "tx-2", tx.ID)
	assert.Equal(t, int64(2), got.OrderID)
	assert.True(t, got.Amount.Valid)
	assert.True(t, decimal.NewFromInt(200).Equal(got.Amount.Decimal))

	rr = h.do(http.MethodPost, "/api/payments/mpesa/initiate", `{"order_id":1,"phone_number":"0712345678"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decode[errorBody](t, rr).Error, "already paid")

	rr = h.do(http.MethodPost, "/api/payments/mpesa/initiate", `{"order_id":3,"phone_number":"0712345678"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	fail := decode[initiateFailure](t, rr)
	require.NotNil(t, fail.Transaction)
	assert.Equal(t, model.TxFailed, fail.Transaction.Status)

	rr = h.do(http.MethodPost, "/api/payments/mpesa/initiate", `{"order_id":4,"phone_number":"12"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	for _, body := range []string{``, `{"phone_number":"0712345678"}`, `{"order_id":2}`, `{"order_id":2,"phone_number":"07","extra":1}`} {
		rr = h.do(http.MethodPost, "/api/payments/mpesa/initiate", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestListTransactions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})

	rr := h.admin(http.MethodGet, "/api/payments/transactions?status=completed,failed&order_id=1&limit=1000", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode[struct {
		Count   int                 `json:"count"`
		Results []model.Transaction `json:"results"`
	}](t, rr)
	assert.Equal(t, 1, body.Count)

	require.Len(t, h.store.filters, 1)
	f := h.store.filters[0]
	assert.Equal(t, []model.TransactionStatus{model.TxCompleted, model.TxFailed}, f.Status)
	require.NotNil(t, f.OrderID)
	assert.Equal(t, int64(1), *f.OrderID)
	assert.Equal(t, maxListLimit, f.Limit)

	for _, q := range []string{"?status=paid", "?order_id=x", "?limit=0"} {
		rr = h.admin(http.MethodGet, "/api/payments/transactions"+q, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestGetTransaction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})

	rr := h.admin(http.MethodGet, "/api/payments/transactions/tx-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		ID      string         `json:"id"`
		Status  string         `json:"status"`
		Refunds []model.Refund `json:"refunds"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "tx-1", body.ID)
	assert.Equal(t, "completed", body.Status)
	require.Len(t, body.Refunds, 1)
	assert.Equal(t, "rf-1", body.Refunds[0].ID)

	rr = h.admin(http.MethodGet, "/api/payments/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.admin(http.MethodPost, "/api/payments/transactions/tx-1/query", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"tx-1"}, h.pay.checked)
}

func TestRefundRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})
	h.pay.refundFn = func(txID string, amount decimal.Decimal) (*model.Refund, error) {
		if amount.GreaterThan(decimal.NewFromInt(1500)) {
			return nil, payments.ErrRefundExceedsPaid
		}
		return &model.Refund{ID: "rf-2", TransactionID: txID, Amount: amount, Status: model.RefundPending}, nil
	}

	rr := h.admin(http.MethodPost, "/api/payments/transactions/tx-1/refunds", `{"amount":"250.50","reason":"damaged"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ref := decode[model.Refund](t, rr)
	assert.Equal(t, "rf-2", ref.ID)
	assert.Equal(t, "damaged", h.pay.refunds[0].Reason)
	assert.True(t, decimal.RequireFromString("250.50").Equal(h.pay.refunds[0].Amount))

	rr = h.admin(http.MethodPost, "/api/payments/transactions/tx-1/refunds", `{"amount":5000}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.admin(http.MethodPost, "/api/payments/refunds/rf-1/complete", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = h.admin(http.MethodPost, "/api/payments/refunds/rf-404/complete", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetProduct(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rr := h.do(http.MethodGet, "/api/products/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		SKU            string          `json:"sku"`
		CurrentPrice   decimal.Decimal `json:"current_price"`
		Savings        decimal.Decimal `json:"savings"`
		SavingsPercent decimal.Decimal `json:"savings_percent"`
		StockStatus    string          `json:"stock_status"`
		CanPurchase    bool            `json:"can_purchase"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "MUG", body.SKU)
	assert.True(t, decimal.NewFromInt(900).Equal(body.CurrentPrice), body.CurrentPrice.String())
	assert.True(t, decimal.NewFromInt(100).Equal(body.Savings), body.Savings.String())
	assert.Equal(t, string(model.StockLow), body.StockStatus)
	assert.True(t, body.CanPurchase)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/products/2", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/products/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/products/abc", "").Code)
}

func TestOrderPaymentStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rr := h.do(http.MethodGet, "/api/orders/1/payment-status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	v := decode[paymentStatusView](t, rr)
	assert.Equal(t, "ORD-0001", v.OrderNumber)
	assert.Equal(t, model.PaymentPaid, v.PaymentStatus)
	require.NotNil(t, v.LatestTransaction)
	assert.Equal(t, "tx-1", v.LatestTransaction.ID)

	rr = h.do(http.MethodGet, "/api/orders/2/payment-status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decode[paymentStatusView](t, rr).LatestTransaction)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/orders/9/payment-status", "").Code)
}

func TestAdminDiagnostics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})

	rr := h.admin(http.MethodGet, "/api/admin/schedules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decode[scheduler.Snapshot](t, rr)
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "cleanup-old-mpesa-callbacks", snap.Schedules[0].Name)

	rr = h.admin(http.MethodGet, "/api/admin/tasks", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Tasks  []taskView `json:"tasks"`
		Engine engineView `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)
	assert.Equal(t, payments.TaskCleanupCallbacks, body.Tasks[0].Name)
	assert.Equal(t, "payments", body.Tasks[0].Queue)
	assert.Equal(t, "1m0s", body.Tasks[0].Countdown)
	assert.Equal(t, 4, body.Engine.Workers)
	assert.Equal(t, "30m0s", body.Engine.TimeLimit)
	require.Len(t, body.Engine.History, 1)
	assert.Equal(t, "1s", body.Engine.History[0].Duration)
}

func TestRunTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})

	rr := h.admin(http.MethodPost, "/api/admin/tasks/payments.cleanup_old_callbacks/run", "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"task":"payments.cleanup_old_callbacks","task_id":"task-1"}`, rr.Body.String())
	assert.Nil(t, h.tasks.sent[0].Args)

	rr = h.admin(http.MethodPost, "/api/admin/tasks/payments.process_mpesa_callback/run", `{"callback_id":"cb-1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, json.RawMessage(`{"callback_id":"cb-1"}`), h.tasks.sent[1].Args)

	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodPost, "/api/admin/tasks/payments.cleanup_old_callbacks/run", `{nope`).Code)
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodPost, "/api/admin/tasks/payments.nope/run", "").Code)
}

func TestAdminActionsAreAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken})
	h.pay.refundFn = func(string, decimal.Decimal) (*model.Refund, error) {
		return nil, payments.ErrNotRefundable
	}

	h.admin(http.MethodPost, "/api/admin/tasks/payments.cleanup_old_callbacks/run", "")
	h.admin(http.MethodPost, "/api/payments/transactions/tx-1/refunds", `{"amount":"10"}`)
	h.admin(http.MethodGet, "/api/payments/transactions", "")

	require.Len(t, h.audit.entries, 2)
	run := h.audit.entries[0]
	assert.Equal(t, "task.run", run.Action)
	assert.Equal(t, "payments.cleanup_old_callbacks", run.Target)
	assert.Equal(t, "admin@192.0.2.1", run.Actor)
	assert.True(t, run.OK)

	ref := h.audit.entries[1]
	assert.Equal(t, "refund.create", ref.Action)
	assert.Equal(t, "tx-1", ref.Target)
	assert.False(t, ref.OK)
	assert.Equal(t, payments.ErrNotRefundable.Error(), ref.Error)
}

func TestPprofRequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AdminToken: adminToken, Pprof: true})
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, h.admin(http.MethodGet, "/debug/pprof/", "").Code)

	off := newHarness(t, Config{AdminToken: adminToken})
	assert.Equal(t, http.StatusNotFound, off.admin(http.MethodGet, "/debug/pprof/", "").Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("order 3: %w", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", queue.ErrUnknownTask), http.StatusNotFound},
		{mpesa.ErrInvalidAmount, http.StatusBadRequest},
		{payments.ErrRefundExceedsPaid, http.StatusBadRequest},
		{payments.ErrNotRefundable, http.StatusConflict},
		{fmt.Errorf("wrap: %w", payments.ErrInvalidTransition), http.StatusConflict},
		{model.ErrConflict, http.StatusConflict},
		{mpesa.ErrNoClient, http.StatusServiceUnavailable},
		{engine.ErrQueueFull, http.StatusServiceUnavailable},
		{fmt.Errorf("push: %w", &mpesa.APIError{Op: "stk push", HTTPStatus: 400}), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.pay.initiate = func(payments.InitiateRequest) (*model.Transaction, error) {
		return nil, errors.New("pq: password authentication failed")
	}
	rr := h.do(http.MethodPost, "/api/payments/mpesa/initiate", `{"order_id":2,"phone_number":"0712345678"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rr.Body.String())
}

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Addr: "127.0.0.1:0"})
	ctx := context.Background()

	h.srv.Start(ctx)
	addr := waitAddr(t, h.srv)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Token changes apply without a restart.
	h.srv.Reconfigure(ctx, Config{Addr: "127.0.0.1:0", AdminToken: adminToken})
	assert.Equal(t, addr, h.srv.Addr())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.srv.Stop(stopCtx)
	assert.Empty(t, h.srv.Addr())
	assert.Nil(t, h.srv.Supervisor())

	// Stopping twice is harmless.
	h.srv.Stop(stopCtx)
}

func waitAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not start")
	return ""
}
