package model

import "time"

type StockAlertType string

const (
	AlertOutOfStock StockAlertType = "out_of_stock"
	AlertLowStock   StockAlertType = "low_stock"
	AlertOverstock  StockAlertType = "overstock"
)

// ShortageAlerts resolve on their own once stock is replenished.
var ShortageAlerts = []StockAlertType{AlertOutOfStock, AlertLowStock}

type AlertPriority string

const (
	AlertCritical AlertPriority = "critical"
	AlertHigh     AlertPriority = "high"
	AlertLow      AlertPriority = "low"
)

// StockAlert records a stock condition of one product until it is
// resolved. ProductName and ProductSKU are filled on reads.
type StockAlert struct {
	ID                int64          `json:"id"`
	ProductID         int64          `json:"product_id"`
	ProductName       string         `json:"product_name,omitempty"`
	ProductSKU        string         `json:"product_sku,omitempty"`
	Type              StockAlertType `json:"alert_type"`
	Priority          AlertPriority  `json:"priority"`
	Message           string         `json:"message"`
	CurrentQuantity   int            `json:"current_quantity"`
	ThresholdQuantity int            `json:"threshold_quantity"`
	IsResolved        bool           `json:"is_resolved"`
	ResolutionNotes   string         `json:"resolution_notes,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
}

// StockAlertFilter selects alerts. Zero fields do not constrain.
type StockAlertFilter struct {
	Resolved *bool
	Priority []AlertPriority
	Limit    int
}
