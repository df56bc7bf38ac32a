package mail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/model"
	"shopd/pkg/logx"
)

func TestKSh(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want string
	}{
		{decimal.RequireFromString("1234.5"), "KSh 1,234.50"},
		{decimal.RequireFromString("0"), "KSh 0.00"},
		{decimal.RequireFromString("1000000"), "KSh 1,000,000.00"},
		{decimal.RequireFromString("99.999"), "KSh 100.00"},
		{1500, "KSh 1,500.00"},
		{int64(7), "KSh 7.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KSh(tt.in))
	}
}

func TestFormatDate(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 10, 18, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "October 18, 2026 at 3:04 PM", FormatDate(ts))
	assert.Equal(t, "October 18, 2026 at 3:04 PM", FormatDate(&ts))
	assert.Equal(t, "N/A", FormatDate((*time.Time)(nil)))
	assert.Equal(t, "N/A", FormatDate(time.Time{}))
}

func TestTemplates_PaymentConfirmation(t *testing.T) {
	t.Parallel()
	tmpl := MustTemplates("SoundWave")
	at := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)
	msg, err := tmpl.Render("payment_confirmation", map[string]any{
		"CustomerName": "Jane Doe",
		"OrderNumber":  "ORD-1",
		"Receipt":      "NLJ7RT61SV",
		"Amount":       decimal.NewFromInt(2500),
		"Phone":        "254712345678",
		"Date":         &at,
	})
	require.NoError(t, err)
	assert.Equal(t, "Payment Confirmation - NLJ7RT61SV", msg.Subject)
	assert.Contains(t, msg.Text, "Amount: KSh 2,500.00")
	assert.Contains(t, msg.Text, "Order Number: ORD-1")
	assert.Contains(t, msg.Text, "SoundWave Team")
	assert.Contains(t, msg.HTML, "<strong>NLJ7RT61SV</strong>")
}

func TestTemplates_AllKindsRender(t *testing.T) {
	t.Parallel()
	tmpl := MustTemplates("Shop")
	now := time.Now()
	p := model.Product{Name: "Speaker", SKU: "SPK-1", StockQuantity: 3, LowStockThreshold: 10}
	order := &model.Order{OrderNumber: "ORD-9", Total: decimal.NewFromInt(100), CreatedAt: now}
	tx := &model.Transaction{ID: "tx", Amount: decimal.NewFromInt(10), Status: model.TxTimeout, InitiatedAt: now}
	costly := p
	costly.Price = decimal.NewFromInt(100)
	costly.CostPrice = decimal.NewNullDecimal(decimal.NewFromInt(150))
	alert := model.StockAlert{ProductName: "Speaker", ProductSKU: "SPK-1", Type: model.AlertOutOfStock, CreatedAt: now}

	data := map[string]any{
		"payment_confirmation": map[string]any{"CustomerName": "A", "Receipt": "R", "Amount": decimal.Zero, "Phone": "p", "Date": (*time.Time)(nil), "OrderNumber": ""},
		"payment_failed":       map[string]any{"CustomerName": "A", "Amount": decimal.Zero, "Phone": "p", "StatusText": "Timeout", "Reason": "", "OrderNumber": ""},
		"refund_notification":  map[string]any{"CustomerName": "A", "Receipt": "R", "Amount": decimal.Zero, "Reason": "r", "Date": now, "OrderNumber": "O"},
		"admin_payment_alert":  map[string]any{"AlertType": "Transaction Timeout", "Message": "m", "Tx": tx, "At": now},
		"reconciliation_report": map[string]any{"Date": "2026-10-18", "TotalTransactions": 1, "Successful": 1, "Failed": 0,
			"Pending": 0, "Cancelled": 0, "SuccessRate": 100.0, "GrossAmount": decimal.Zero, "RefundAmount": decimal.Zero, "NetAmount": decimal.Zero},
		"order_confirmation": map[string]any{"CustomerName": "A", "Order": order, "Items": []model.OrderItem{{ProductName: "Speaker", Quantity: 2, Price: decimal.NewFromInt(50)}}},
		"order_cancellation": map[string]any{"CustomerName": "A", "Order": order, "Reason": "r"},
		"order_daily_report": map[string]any{"Date": "2026-10-18", "TotalOrders": 0, "Revenue": decimal.Zero, "AverageValue": decimal.Zero,
			"ByStatus": []map[string]any{}, "ByPaymentMethod": []map[string]any{}, "TopProducts": []map[string]any{}},
		"admin_alert":          map[string]any{"Title": "Delayed Order", "Message": "m", "Lines": []string{"a"}},
		"low_stock_alert":      map[string]any{"Total": 1, "Critical": []model.Product{p}, "Warning": nil, "Low": nil},
		"out_of_stock_alert":   map[string]any{"Total": 1, "WithOrders": []model.Product{p}, "WithoutOrders": nil},
		"products_deactivated": map[string]any{"Count": 1, "Days": 30, "Products": []model.Product{p}},
		"pricing_anomalies":    map[string]any{"Total": 1, "BelowCost": []model.Product{costly}, "Discounted": nil, "MaxDiscount": 70},
		"stock_alert_summary": map[string]any{"Counts": map[string]int{"OutOfStock": 1, "LowStock": 0, "Overstock": 0},
			"Critical": []model.StockAlert{alert}, "High": []model.StockAlert(nil)},
		"reorder_recommendations": map[string]any{"TotalCost": decimal.NewFromInt(500), "TotalItems": 1,
			"Critical": []map[string]any{{"Name": "Speaker", "SKU": "SPK-1", "CurrentStock": 3, "DaysRemaining": 2.5,
				"RecommendedQty": 10, "OrderCost": decimal.NewFromInt(500)}},
			"High": nil, "MediumCount": 0, "LowCount": 0},
		"inventory_valuation": map[string]any{"Date": "2026-10-18", "TotalValue": decimal.NewFromInt(900), "TotalUnits": 3,
			"Products": 1, "Uncosted": 0, "SlowMoving": 0,
			"TopProducts": []map[string]any{{"Name": "Speaker", "SKU": "SPK-1", "Units": 3, "Value": decimal.NewFromInt(900)}}},
	}
	for _, kind := range tmpl.Kinds() {
		d, ok := data[kind]
		require.True(t, ok, "no fixture for %s", kind)
		msg, err := tmpl.Render(kind, d)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, msg.Subject, kind)
		assert.NotEmpty(t, strings.TrimSpace(msg.Text), kind)
	}
}

func TestService_MailAdmins(t *testing.T) {
	t.Parallel()
	lm := NewLogMailer(logx.Nop())
	svc := NewService(Config{From: "shop@example.com", Admins: []string{"ops@example.com", "OPS@example.com", " "}, SiteName: "Shop"}, lm, logx.Nop())

	require.NoError(t, svc.MailAdmins(context.Background(), "High Payment Failure Rate", "30% failed"))
	sent := lm.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].To)
	assert.Equal(t, "[Shop] High Payment Failure Rate", sent[0].Subject)

	empty := NewService(Config{}, lm, logx.Nop())
	require.NoError(t, empty.MailAdmins(context.Background(), "x", "y"))
	assert.Len(t, lm.Sent(), 1)

	assert.ErrorIs(t, svc.Send(context.Background(), Message{Subject: "x"}), ErrNoRecipients)
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	plain, err := buildMessage("Shop <shop@example.com>", Message{To: []string{"a@example.com"}, Subject: "Hi", Text: "hello"}, now)
	require.NoError(t, err)
	s := string(plain)
	assert.Contains(t, s, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, s, "@example.com>\r\n")
	assert.True(t, strings.HasSuffix(s, "hello"))

	multi, err := buildMessage("shop@example.com", Message{To: []string{"a@example.com"}, Subject: "Malipo ✓", Text: "t", HTML: "<p>h</p>"}, now)
	require.NoError(t, err)
	m := string(multi)
	assert.Contains(t, m, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, m, "text/html; charset=utf-8")
	assert.Contains(t, m, "Subject: =?utf-8?q?")
}
