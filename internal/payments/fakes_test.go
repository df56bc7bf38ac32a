package payments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
	"shopd/internal/mpesa"
)

type memStore struct {
	mu        sync.Mutex
	seq       int
	txs       map[string]*model.Transaction
	callbacks map[string]*model.Callback
	refunds   map[string]*model.Refund
	orders    map[int64]*model.Order
	customers map[int64]*model.Customer
}

func newMemStore() *memStore {
	return &memStore{
		txs:       map[string]*model.Transaction{},
		callbacks: map[string]*model.Callback{},
		refunds:   map[string]*model.Refund{},
		orders:    map[int64]*model.Order{},
		customers: map[int64]*model.Customer{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) CreateTransaction(_ context.Context, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = m.nextID("tx")
	}
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *memStore) SaveTransaction(_ context.Context, t *model.Transaction, expect model.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txs[t.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != expect {
		return model.ErrConflict
	}
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *memStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTransactionByCheckoutID(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.CheckoutRequestID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memStore) ListTransactions(_ context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Transaction
	for _, t := range m.txs {
		switch {
		case len(f.Status) > 0 && !slices.Contains(f.Status, t.Status):
			continue
		case f.OrderID != nil && (t.OrderID == nil || *t.OrderID != *f.OrderID):
			continue
		case !f.InitiatedFrom.IsZero() && t.InitiatedAt.Before(f.InitiatedFrom):
			continue
		case !f.InitiatedTo.IsZero() && !t.InitiatedAt.Before(f.InitiatedTo):
			continue
		case f.HasCheckoutID && t.CheckoutRequestID == "":
			continue
		}
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b model.Transaction) int { return a.InitiatedAt.Compare(b.InitiatedAt) })
	return out, nil
}

func (m *memStore) CreateCallback(_ context.Context, c *model.Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = m.nextID("cb")
	}
	if _, ok := m.callbacks[c.ID]; ok {
		return model.ErrDuplicate
	}
	cp := *c
	m.callbacks[c.ID] = &cp
	return nil
}

func (m *memStore) GetCallback(_ context.Context, id string) (*model.Callback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.callbacks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) MarkCallbackProcessed(_ context.Context, id string, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.callbacks[id]
	if !ok {
		return model.ErrNotFound
	}
	c.IsProcessed, c.ProcessedAt, c.Error = true, &at, errMsg
	return nil
}

func (m *memStore) RecordCallbackError(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.callbacks[id]
	if !ok {
		return model.ErrNotFound
	}
	c.Error = errMsg
	return nil
}

func (m *memStore) DeleteProcessedCallbacks(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.callbacks {
		if c.IsProcessed && c.ReceivedAt.Before(before) {
			delete(m.callbacks, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateRefund(_ context.Context, r *model.Refund, limit decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := r.Amount
	for _, rf := range m.refunds {
		if rf.TransactionID == r.TransactionID && (rf.Status == model.RefundPending || rf.Status == model.RefundCompleted) {
			total = total.Add(rf.Amount)
		}
	}
	if total.GreaterThan(limit) {
		return model.ErrLimitExceeded
	}
	if r.ID == "" {
		r.ID = m.nextID("rf")
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *memStore) GetRefund(_ context.Context, id string) (*model.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) SaveRefund(_ context.Context, r *model.Refund, expect model.RefundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.refunds[r.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != expect {
		return model.ErrConflict
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *memStore) ListRefunds(_ context.Context, f model.RefundFilter) ([]model.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Refund
	for _, r := range m.refunds {
		switch {
		case f.TransactionID != "" && r.TransactionID != f.TransactionID:
			continue
		case len(f.Status) > 0 && !slices.Contains(f.Status, r.Status):
			continue
		case !f.InitiatedFrom.IsZero() && r.InitiatedAt.Before(f.InitiatedFrom):
			continue
		case !f.InitiatedTo.IsZero() && !r.InitiatedAt.Before(f.InitiatedTo):
			continue
		}
		out = append(out, *r)
	}
	return out, nil
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

func (m *memStore) SetOrderPayment(_ context.Context, id int64, status model.PaymentStatus, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.ErrNotFound
	}
	o.PaymentStatus = status
	if method != "" {
		o.PaymentMethod = method
	}
	return nil
}

func (m *memStore) GetCustomer(_ context.Context, id int64) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeGateway struct {
	name     string
	pushErr  error
	push     *mpesa.STKPushResponse
	query    *mpesa.QueryResult
	queryErr error
	tokenErr error
	pushes   []mpesa.STKPushRequest
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) STKPush(_ context.Context, r mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.pushes = append(g.pushes, r)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return g.push, nil
}

func (g *fakeGateway) QuerySTK(context.Context, string) (*mpesa.QueryResult, error) {
	return g.query, g.queryErr
}

func (g *fakeGateway) RefreshToken(context.Context) (string, time.Time, error) {
	if g.tokenErr != nil {
		return "", time.Time{}, g.tokenErr
	}
	return "tok", time.Now().Add(time.Hour), nil
}

type fakeGateways []*fakeGateway

func (f fakeGateways) Gateway(name string) (Gateway, error) {
	for _, g := range f {
		if name == "" || g.name == name {
			return g, nil
		}
	}
	return nil, mpesa.ErrNoClient
}

func (f fakeGateways) Active() []Gateway {
	out := make([]Gateway, len(f))
	for i, g := range f {
		out[i] = g
	}
	return out
}

type enqueued struct {
	Name string
	Args any
}

type fakeTasks struct {
	mu   sync.Mutex
	sent []enqueued
	err  error
}

func (f *fakeTasks) Delay(_ context.Context, name string, args any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, enqueued{Name: name, Args: args})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeTasks) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Name
	}
	return out
}

type sentMail struct {
	To   []string
	Kind string
	Data any
}

type fakeMail struct {
	mu     sync.Mutex
	sent   []sentMail
	admins []sentMail
	err    error
}

func (f *fakeMail) SendTemplate(_ context.Context, to []string, kind string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{To: to, Kind: kind, Data: data})
	return f.err
}

func (f *fakeMail) MailAdminsTemplate(_ context.Context, kind string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admins = append(f.admins, sentMail{Kind: kind, Data: data})
	return f.err
}

type fakeAlerts struct {
	subjects []string
	texts    []string
}

func (f *fakeAlerts) Alert(_ context.Context, _ int, subject, text string) error {
	f.subjects = append(f.subjects, subject)
	f.texts = append(f.texts, text)
	return nil
}

var errProvider = errors.New("provider down")
