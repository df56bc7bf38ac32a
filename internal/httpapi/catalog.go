package httpapi

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/model"
)

type productView struct {
	model.Product
	CurrentPrice   decimal.Decimal   `json:"current_price"`
	FinalPrice     decimal.Decimal   `json:"final_price"`
	IsSaleActive   bool              `json:"is_sale_active"`
	Savings        decimal.Decimal   `json:"savings"`
	SavingsPercent decimal.Decimal   `json:"savings_percent"`
	StockStatus    model.StockStatus `json:"stock_status"`
	IsLowStock     bool              `json:"is_low_stock"`
	IsOutOfStock   bool              `json:"is_out_of_stock"`
	CanPurchase    bool              `json:"can_purchase"`
}

func newProductView(p model.Product, now time.Time) productView {
	amount, pct := p.Savings(now)
	return productView{
		Product:        p,
		CurrentPrice:   p.CurrentPrice(now),
		FinalPrice:     p.FinalPrice(),
		IsSaleActive:   p.SalePrice.Valid && p.IsSaleActive(now),
		Savings:        amount,
		SavingsPercent: pct,
		StockStatus:    p.StockStatus(now),
		IsLowStock:     p.IsLowStock(),
		IsOutOfStock:   p.IsOutOfStock(),
		CanPurchase:    p.CanPurchase(1),
	}
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.d.Store.GetProduct(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.IsActive {
		s.writeError(w, r, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newProductView(*p, s.now()))
}

type paymentStatusView struct {
	OrderID           int64               `json:"order_id"`
	OrderNumber       string              `json:"order_number"`
	Status            model.OrderStatus   `json:"status"`
	PaymentStatus     model.PaymentStatus `json:"payment_status"`
	PaymentMethod     string              `json:"payment_method,omitempty"`
	Total             decimal.Decimal     `json:"total"`
	LatestTransaction *model.Transaction  `json:"latest_transaction"`
}

func (s *Server) handleOrderPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.d.Store.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.d.Store.ListTransactions(r.Context(), model.TransactionFilter{OrderID: &o.ID, Limit: 1})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v := paymentStatusView{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		PaymentMethod: o.PaymentMethod,
		Total:         o.Total,
	}
	if len(txs) > 0 {
		v.LatestTransaction = &txs[0]
	}
	writeJSON(w, http.StatusOK, v)
}
