package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "shop.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	// Applying twice must be harmless.
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedOrder(t *testing.T, db *DB, number string, productID int64, qty int) *model.Order {
	t.Helper()
	ctx := context.Background()
	o := &model.Order{OrderNumber: number, GuestEmail: "guest@example.com", Total: decimal.NewFromInt(int64(qty) * 100)}
	items := []model.OrderItem{{ProductID: &productID, ProductName: "Widget", Quantity: qty, Price: decimal.NewFromInt(100)}}
	require.NoError(t, db.CreateOrder(ctx, o, items))
	require.NotZero(t, o.ID)
	require.NotZero(t, items[0].ID)
	return o
}

func TestSQLite_TransactionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	tx := &model.Transaction{PhoneNumber: "254712345678", Amount: decimal.RequireFromString("1500.50")}
	require.NoError(t, db.CreateTransaction(ctx, tx))
	require.NotEmpty(t, tx.ID)
	assert.Equal(t, model.TxPending, tx.Status)

	tx.Status = model.TxProcessing
	tx.CheckoutRequestID = "ws_CO_1"
	tx.MerchantRequestID = "mr_1"
	require.NoError(t, db.SaveTransaction(ctx, tx, model.TxPending))

	// A second writer still expecting pending loses.
	err := db.SaveTransaction(ctx, tx, model.TxPending)
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := db.GetTransactionByCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, model.TxProcessing, got.Status)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1500.5")))
	assert.Nil(t, got.ResultCode)

	_, err = db.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	list, err := db.ListTransactions(ctx, model.TransactionFilter{
		Status:        []model.TransactionStatus{model.TxProcessing},
		InitiatedTo:   time.Now().Add(time.Minute),
		HasCheckoutID: true,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = db.ListTransactions(ctx, model.TransactionFilter{InitiatedTo: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_CheckoutIDIsUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	a := &model.Transaction{PhoneNumber: "254700000001", Amount: decimal.NewFromInt(10), CheckoutRequestID: "dup"}
	b := &model.Transaction{PhoneNumber: "254700000002", Amount: decimal.NewFromInt(10), CheckoutRequestID: "dup"}
	require.NoError(t, db.CreateTransaction(ctx, a))
	assert.ErrorIs(t, db.CreateTransaction(ctx, b), model.ErrDuplicate)

	// Empty checkout ids never collide.
	c := &model.Transaction{PhoneNumber: "254700000003", Amount: decimal.NewFromInt(10)}
	d := &model.Transaction{PhoneNumber: "254700000004", Amount: decimal.NewFromInt(10)}
	require.NoError(t, db.CreateTransaction(ctx, c))
	require.NoError(t, db.CreateTransaction(ctx, d))
}

func TestSQLite_CancelOrderRestocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	p := &model.Product{SKU: "W-1", Name: "Widget", Price: decimal.NewFromInt(100), StockQuantity: 2, IsActive: true}
	require.NoError(t, db.CreateProduct(ctx, p))
	o := seedOrder(t, db, "ORD-1", p.ID, 3)

	at := time.Now()
	require.NoError(t, db.CancelOrder(ctx, o.ID, model.OrderPending, nil, at, "Auto-cancelled"))

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	prod, err := db.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, prod.StockQuantity)

	hist, err := db.ListOrderHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.OrderCancelled, hist[0].NewStatus)

	// Already cancelled: no double restock.
	err = db.CancelOrder(ctx, o.ID, model.OrderPending, nil, at, "again")
	assert.ErrorIs(t, err, model.ErrConflict)
	prod, err = db.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, prod.StockQuantity)

	assert.ErrorIs(t, db.TransitionOrder(ctx, 9999, model.OrderPending, model.OrderConfirmed, at, ""), model.ErrNotFound)
}

func TestSQLite_CancelOrderKeepsPaidOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	p := &model.Product{SKU: "W-2", Name: "Widget", Price: decimal.NewFromInt(100), StockQuantity: 2, IsActive: true}
	require.NoError(t, db.CreateProduct(ctx, p))
	o := seedOrder(t, db, "ORD-2", p.ID, 3)

	// Payment lands after the sweep listed the order as unpaid.
	require.NoError(t, db.SetOrderPayment(ctx, o.ID, model.PaymentPaid, "mpesa"))

	unpaid := []model.PaymentStatus{model.PaymentPending, model.PaymentFailed}
	err := db.CancelOrder(ctx, o.ID, model.OrderPending, unpaid, time.Now(), "Auto-cancelled")
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, got.Status)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	assert.Nil(t, got.CancelledAt)

	prod, err := db.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, prod.StockQuantity)

	hist, err := db.ListOrderHistory(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)

	// Still unpaid: the guard lets it through.
	require.NoError(t, db.SetOrderPayment(ctx, o.ID, model.PaymentFailed, ""))
	require.NoError(t, db.CancelOrder(ctx, o.ID, model.OrderPending, unpaid, time.Now(), "Auto-cancelled"))
	prod, err = db.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, prod.StockQuantity)
}

func TestSQLite_ProductQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	mk := func(sku string, qty int) *model.Product {
		p := &model.Product{SKU: sku, Name: sku, Price: decimal.NewFromInt(50), StockQuantity: qty, IsActive: true}
		require.NoError(t, db.CreateProduct(ctx, p))
		return p
	}
	low := mk("LOW", 3)
	out := mk("OUT", 0)
	idle := mk("IDLE", 0)
	mk("PLENTY", 40)

	active := true
	lows, err := db.ListProducts(ctx, model.ProductFilter{Active: &active, LowStock: true})
	require.NoError(t, err)
	require.Len(t, lows, 1)
	assert.Equal(t, low.ID, lows[0].ID)

	outs, err := db.ListProducts(ctx, model.ProductFilter{Active: &active, OutOfStock: true})
	require.NoError(t, err)
	assert.Len(t, outs, 2)

	seedOrder(t, db, "ORD-OPEN", out.ID, 1)
	open, err := db.ProductsWithOpenOrders(ctx, []int64{out.ID, idle.ID})
	require.NoError(t, err)
	assert.True(t, open[out.ID])
	assert.False(t, open[idle.ID])

	recent, err := db.ProductsOrderedSince(ctx, []int64{out.ID, idle.ID}, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{out.ID: true}, recent)

	n, err := db.SetProductsActive(ctx, []int64{idle.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = db.SetProductsActive(ctx, []int64{idle.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSQLite_StockAlertsAndSales(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	p := &model.Product{SKU: "AMP", Name: "Amp", Price: decimal.NewFromInt(900), StockQuantity: 2,
		ReorderPoint: 5, ReorderQuantity: 20, CostPrice: decimal.NewNullDecimal(decimal.NewFromInt(600)), IsActive: true}
	require.NoError(t, db.CreateProduct(ctx, p))
	got, err := db.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ReorderPoint)
	assert.True(t, got.CostPrice.Valid)
	assert.True(t, got.NeedsReorder())

	due, err := db.ListProducts(ctx, model.ProductFilter{ReorderDue: true})
	require.NoError(t, err)
	require.Len(t, due, 1)

	a := &model.StockAlert{ProductID: p.ID, Type: model.AlertLowStock, Priority: model.AlertHigh, CurrentQuantity: 2, ThresholdQuantity: 5}
	created, err := db.OpenStockAlert(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = db.OpenStockAlert(ctx, &model.StockAlert{ProductID: p.ID, Type: model.AlertLowStock, Priority: model.AlertHigh})
	require.NoError(t, err)
	assert.False(t, created, "one open alert per product and type")

	open := false
	alerts, err := db.ListStockAlerts(ctx, model.StockAlertFilter{Resolved: &open, Priority: []model.AlertPriority{model.AlertHigh}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "AMP", alerts[0].ProductSKU)

	past := time.Now().Add(-100 * 24 * time.Hour)
	n, err := db.ResolveStockAlerts(ctx, p.ID, model.ShortageAlerts, past, "restocked")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	created, err = db.OpenStockAlert(ctx, &model.StockAlert{ProductID: p.ID, Type: model.AlertLowStock, Priority: model.AlertHigh})
	require.NoError(t, err)
	assert.True(t, created, "a resolved alert does not block a new one")

	n, err = db.DeleteResolvedStockAlerts(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	seedOrder(t, db, "ORD-1", p.ID, 3)
	seedOrder(t, db, "ORD-2", p.ID, 4)
	gone := seedOrder(t, db, "ORD-3", p.ID, 5)
	require.NoError(t, db.CancelOrder(ctx, gone.ID, model.OrderPending, nil, time.Now(), "changed mind"))
	sold, err := db.UnitsSoldSince(ctx, []int64{p.ID}, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{p.ID: 7}, sold)
}

func TestSQLite_CallbacksRefundsDedupAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	old := &model.Callback{CheckoutRequestID: "ws_1", Payload: `{}`, ReceivedAt: time.Now().Add(-100 * 24 * time.Hour)}
	fresh := &model.Callback{CheckoutRequestID: "ws_2", Payload: `{}`}
	pending := &model.Callback{CheckoutRequestID: "ws_3", Payload: `{}`, ReceivedAt: time.Now().Add(-100 * 24 * time.Hour)}
	for _, c := range []*model.Callback{old, fresh, pending} {
		require.NoError(t, db.CreateCallback(ctx, c))
	}
	require.NoError(t, db.MarkCallbackProcessed(ctx, old.ID, time.Now(), ""))
	require.NoError(t, db.MarkCallbackProcessed(ctx, fresh.ID, time.Now(), ""))
	require.NoError(t, db.RecordCallbackError(ctx, pending.ID, "order missing"))

	n, err := db.DeleteProcessedCallbacks(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = db.GetCallback(ctx, old.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, err := db.GetCallback(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, got.IsProcessed)
	assert.Equal(t, "order missing", got.Error)

	tx := &model.Transaction{PhoneNumber: "254700000001", Amount: decimal.NewFromInt(1000), Status: model.TxCompleted}
	require.NoError(t, db.CreateTransaction(ctx, tx))
	rf := &model.Refund{TransactionID: tx.ID, Amount: decimal.NewFromInt(400), Reason: "damaged"}
	require.NoError(t, db.CreateRefund(ctx, rf, tx.Amount))
	now := time.Now()
	rf.Status, rf.CompletedAt = model.RefundCompleted, &now
	require.NoError(t, db.SaveRefund(ctx, rf, model.RefundPending))
	assert.True(t, errors.Is(db.SaveRefund(ctx, rf, model.RefundPending), model.ErrConflict))
	refunds, err := db.ListRefunds(ctx, model.RefundFilter{Status: []model.RefundStatus{model.RefundCompleted}})
	require.NoError(t, err)
	require.Len(t, refunds, 1)

	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, db.PutDedup(ctx, "alert:x", until))
	gotUntil, ok, err := db.GetDedup(ctx, "alert:x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, gotUntil.Equal(until))

	require.NoError(t, db.AppendAudit(ctx, AuditEntry{Actor: "admin", Action: "refund.create", Target: tx.ID, OK: true}))
}

func TestSQLite_ConcurrentRefundsStayWithinPaid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	tx := &model.Transaction{PhoneNumber: "254700000001", Amount: decimal.NewFromInt(1500), Status: model.TxCompleted}
	require.NoError(t, db.CreateTransaction(ctx, tx))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, over int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.CreateRefund(ctx, &model.Refund{TransactionID: tx.ID, Amount: decimal.NewFromInt(300)}, tx.Amount)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrLimitExceeded):
				over++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, over)

	refunds, err := db.ListRefunds(ctx, model.RefundFilter{TransactionID: tx.ID})
	require.NoError(t, err)
	total := decimal.Zero
	for _, r := range refunds {
		total = total.Add(r.Amount)
	}
	assert.True(t, total.Equal(tx.Amount), "refunded %s", total)

	// Failed refunds do not count against the limit.
	last := refunds[0]
	last.Status = model.RefundFailed
	require.NoError(t, db.SaveRefund(ctx, &last, model.RefundPending))
	require.NoError(t, db.CreateRefund(ctx, &model.Refund{TransactionID: tx.ID, Amount: decimal.NewFromInt(300)}, tx.Amount))

	err = db.CreateRefund(ctx, &model.Refund{TransactionID: "missing", Amount: decimal.NewFromInt(1)}, tx.Amount)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_ResetCodesAndCustomers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	c := &model.Customer{Email: "jane@example.com", FirstName: "Jane"}
	require.NoError(t, db.CreateCustomer(ctx, c))
	assert.ErrorIs(t, db.CreateCustomer(ctx, &model.Customer{Email: "jane@example.com"}), model.ErrDuplicate)

	now := time.Now()
	for _, rc := range []*model.PasswordResetCode{
		{CustomerID: c.ID, Code: "111111", ExpiresAt: now.Add(-time.Minute)},
		{CustomerID: c.ID, Code: "222222", ExpiresAt: now.Add(time.Hour), Used: true},
		{CustomerID: c.ID, Code: "333333", ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, db.CreateResetCode(ctx, rc))
	}
	n, err := db.DeleteExpiredResetCodes(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := db.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane", got.DisplayName())
}
