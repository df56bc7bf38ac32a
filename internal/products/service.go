// Package products watches stock levels and prices: low and out of stock
// alerts for the admins, pricing anomalies, and retiring products that
// have sat empty with no demand.
package products

import (
	"context"
	"time"

	"shopd/internal/eventbus"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

type Store interface {
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	ProductsWithOpenOrders(ctx context.Context, ids []int64) (map[int64]bool, error)
	ProductsOrderedSince(ctx context.Context, ids []int64, since time.Time) (map[int64]bool, error)
	SetProductsActive(ctx context.Context, ids []int64, active bool) (int64, error)
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

type Config struct {
	CriticalAt      int
	WarningAt       int
	DeactivateAfter time.Duration
	// ExtremeDiscount is the discount percentage above which a price is
	// reported as an anomaly.
	ExtremeDiscount int
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
	if cfg.CriticalAt <= 0 {
		cfg.CriticalAt = 5
	}
	if cfg.WarningAt <= 0 {
		cfg.WarningAt = 10
	}
	if cfg.WarningAt < cfg.CriticalAt {
		cfg.WarningAt = cfg.CriticalAt
	}
	if cfg.DeactivateAfter <= 0 {
		cfg.DeactivateAfter = 30 * 24 * time.Hour
	}
	if cfg.ExtremeDiscount <= 0 {
		cfg.ExtremeDiscount = 70
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
		log:    log.Component("products"),
		cfg:    cfg,
		now:    time.Now,
	}
}

func ids(ps []model.Product) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func activeOnly() *bool {
	t := true
	return &t
}
