// Package inventory tracks stock conditions per product and produces the
// procurement reports: open stock alerts, reorder recommendations and the
// valuation of stock on hand.
package inventory

import (
	"context"
	"time"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

type Store interface {
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	ProductsOrderedSince(ctx context.Context, ids []int64, since time.Time) (map[int64]bool, error)
	UnitsSoldSince(ctx context.Context, ids []int64, since time.Time) (map[int64]int, error)

	OpenStockAlert(ctx context.Context, a *model.StockAlert) (bool, error)
	ResolveStockAlerts(ctx context.Context, productID int64, types []model.StockAlertType, at time.Time, notes string) (int64, error)
	ListStockAlerts(ctx context.Context, f model.StockAlertFilter) ([]model.StockAlert, error)
	DeleteResolvedStockAlerts(ctx context.Context, before time.Time) (int64, error)
}

type Enqueuer interface {
	Delay(ctx context.Context, name string, args any) (string, error)
}

type Mailer interface {
	MailAdminsTemplate(ctx context.Context, kind string, data any) error
}

type Alerter interface {
	Alert(ctx context.Context, priority int, subject, text string) error
}

// Config tunes the inventory checks. Zero values take the defaults set by
// New.
type Config struct {
	// OverstockFactor flags stock above this multiple of the reorder
	// quantity.
	OverstockFactor int
	// SalesWindow is the history used for the daily sales rate.
	SalesWindow time.Duration
	// SlowMovingAfter marks stock with no orders for this long.
	SlowMovingAfter time.Duration
	// AlertRetention keeps resolved alerts this long.
	AlertRetention time.Duration
}

type Deps struct {
	Store  Store
	Tasks  Enqueuer
	Mail   Mailer
	Alerts Alerter
	Bus    eventbus.Bus
}

type Service struct {
	store  Store
	tasks  Enqueuer
	mail   Mailer
	alerts Alerter
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config

	now func() time.Time
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if cfg.OverstockFactor <= 0 {
		cfg.OverstockFactor = 3
	}
	if cfg.SalesWindow <= 0 {
		cfg.SalesWindow = 30 * 24 * time.Hour
	}
	if cfg.SlowMovingAfter <= 0 {
		cfg.SlowMovingAfter = 90 * 24 * time.Hour
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = 90 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  d.Store,
		tasks:  d.Tasks,
		mail:   d.Mail,
		alerts: d.Alerts,
		bus:    d.Bus,
		log:    log.Component("inventory"),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *Service) alert(ctx context.Context, priority int, subject, text string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, priority, subject, text); err != nil {
		s.log.Debug("alert fan-out incomplete", logx.Err(err))
	}
}

func ids(ps []model.Product) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
