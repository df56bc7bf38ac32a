package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const DefaultLowStockThreshold = 10

// StockStatus is the customer-facing availability of a product.
type StockStatus string

const (
	StockInStock             StockStatus = "in_stock"
	StockLow                 StockStatus = "low_stock"
	StockPreorder            StockStatus = "preorder"
	StockBackorder           StockStatus = "backorder"
	StockOutRestockScheduled StockStatus = "out_of_stock_restock_scheduled"
	StockOut                 StockStatus = "out_of_stock"
)

var hundred = decimal.NewFromInt(100)

type Product struct {
	ID   int64  `json:"id"`
	SKU  string `json:"sku"`
	Name string `json:"name"`

	Price              decimal.Decimal     `json:"price"`
	DiscountPercentage decimal.Decimal     `json:"discount_percentage"`
	SalePrice          decimal.NullDecimal `json:"sale_price"`
	SaleStart          *time.Time          `json:"sale_start,omitempty"`
	SaleEnd            *time.Time          `json:"sale_end,omitempty"`
	CostPrice          decimal.NullDecimal `json:"cost_price"`

	StockQuantity     int        `json:"stock_quantity"`
	LowStockThreshold int        `json:"low_stock_threshold"`
	ReorderPoint      int        `json:"reorder_point"`
	ReorderQuantity   int        `json:"reorder_quantity"`
	AllowBackorder    bool       `json:"allow_backorder"`
	IsPreorder        bool       `json:"is_preorder"`
	RestockDate       *time.Time `json:"restock_date,omitempty"`
	IsActive          bool       `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSaleActive treats an open-ended window as active: a missing start or
// end bound disables the date check entirely.
func (p Product) IsSaleActive(now time.Time) bool {
	if p.SaleStart == nil || p.SaleEnd == nil {
		return true
	}
	return !now.Before(*p.SaleStart) && !now.After(*p.SaleEnd)
}

// FinalPrice is the list price after the percentage discount.
func (p Product) FinalPrice() decimal.Decimal {
	if p.DiscountPercentage.IsPositive() {
		off := p.Price.Mul(p.DiscountPercentage).Div(hundred)
		return p.Price.Sub(off).Round(2)
	}
	return p.Price
}

// CurrentPrice prefers an active sale price over the discounted price.
func (p Product) CurrentPrice(now time.Time) decimal.Decimal {
	if p.SalePrice.Valid && p.SalePrice.Decimal.IsPositive() && p.IsSaleActive(now) {
		return p.SalePrice.Decimal
	}
	return p.FinalPrice()
}

// Savings is what the customer saves against the list price, as an amount
// and a percentage, both rounded to two places.
func (p Product) Savings(now time.Time) (amount, percent decimal.Decimal) {
	cur := p.CurrentPrice(now)
	if !p.Price.IsPositive() || !cur.LessThan(p.Price) {
		return decimal.Zero, decimal.Zero
	}
	amount = p.Price.Sub(cur)
	percent = amount.Div(p.Price).Mul(hundred).Round(2)
	return amount.Round(2), percent
}

// IsLowStock matches the store's low-stock filter: a zero threshold means
// the product is never low. DefaultLowStockThreshold applies at creation.
func (p Product) IsLowStock() bool {
	return p.StockQuantity > 0 && p.StockQuantity <= p.LowStockThreshold
}

func (p Product) IsOutOfStock() bool { return p.StockQuantity <= 0 }

func (p Product) StockStatus(now time.Time) StockStatus {
	switch {
	case p.StockQuantity > p.LowStockThreshold:
		return StockInStock
	case p.IsLowStock():
		return StockLow
	case p.IsPreorder:
		return StockPreorder
	case p.AllowBackorder:
		return StockBackorder
	case p.RestockDate != nil && p.RestockDate.After(now):
		return StockOutRestockScheduled
	default:
		return StockOut
	}
}

// NeedsReorder reports whether stock has fallen to the reorder point of a
// product that has a reorder quantity configured.
func (p Product) NeedsReorder() bool {
	return p.ReorderQuantity > 0 && p.StockQuantity <= p.ReorderPoint
}

// StockValue is the stock on hand at cost; zero when no cost is recorded.
func (p Product) StockValue() decimal.Decimal {
	if !p.CostPrice.Valid || p.StockQuantity <= 0 {
		return decimal.Zero
	}
	return p.CostPrice.Decimal.Mul(decimal.NewFromInt(int64(p.StockQuantity)))
}

// CanPurchase reports whether qty units may be ordered right now.
func (p Product) CanPurchase(qty int) bool {
	if !p.IsActive || qty <= 0 {
		return false
	}
	if p.StockQuantity >= qty {
		return true
	}
	return p.IsPreorder || p.AllowBackorder
}

// ProductFilter selects products. Zero fields do not constrain.
type ProductFilter struct {
	IDs        []int64
	Active     *bool
	OutOfStock bool // stock_quantity = 0
	LowStock   bool // 0 < stock_quantity <= low_stock_threshold
	InStock    bool // stock_quantity > 0
	ReorderDue bool // reorder_quantity > 0 AND stock_quantity <= reorder_point
	Limit      int
}
