// Package orders runs the order housekeeping tasks: confirming paid
// orders, cancelling unpaid ones, flagging delayed and stuck orders, and
// the daily report.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/eventbus"
	"shopd/internal/mail"
	"shopd/internal/model"
	"shopd/pkg/logx"
)

type Store interface {
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	ListOrderItems(ctx context.Context, orderIDs ...int64) ([]model.OrderItem, error)
	TransitionOrder(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time, note string) error
	CancelOrder(ctx context.Context, id int64, from model.OrderStatus, payment []model.PaymentStatus, at time.Time, note string) error
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
}

type Enqueuer interface {
	Delay(ctx context.Context, name string, args any) (string, error)
}

type Mailer interface {
	SendTemplate(ctx context.Context, to []string, kind string, data any) error
	MailAdminsTemplate(ctx context.Context, kind string, data any) error
}

type Alerter interface {
	Alert(ctx context.Context, priority int, subject, text string) error
}

type Config struct {
	CancelUnpaidAfter  time.Duration
	DelayedAfter       time.Duration
	HighValueThreshold decimal.Decimal
	StuckAfter         time.Duration
	// Location is the day boundary for the daily report.
	Location *time.Location
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
	if cfg.CancelUnpaidAfter <= 0 {
		cfg.CancelUnpaidAfter = 24 * time.Hour
	}
	if cfg.DelayedAfter <= 0 {
		cfg.DelayedAfter = 7 * 24 * time.Hour
	}
	if !cfg.HighValueThreshold.IsPositive() {
		cfg.HighValueThreshold = decimal.NewFromInt(50000)
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 48 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
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
		log:    log.Component("orders"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// customerFor returns the order's customer email and name, falling back
// to the guest email. An empty email means nobody to notify.
func (s *Service) customerFor(ctx context.Context, o *model.Order) (email, name string, err error) {
	if o.CustomerID != nil {
		c, err := s.store.GetCustomer(ctx, *o.CustomerID)
		switch {
		case err == nil && c.Email != "":
			return c.Email, c.DisplayName(), nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return "", "", err
		}
	}
	return o.GuestEmail, "Customer", nil
}

// adminAlert emails the admins about one order and fans the alert out to
// the chat channels. Failures are logged; one bad alert does not stop a
// sweep.
func (s *Service) adminAlert(ctx context.Context, o *model.Order, alertType, message string) {
	title := fmt.Sprintf("Admin Alert: %s - Order %s", alertType, o.OrderNumber)
	lines := []string{
		"Order: " + o.OrderNumber,
		"Status: " + string(o.Status),
		"Payment: " + string(o.PaymentStatus),
		"Total: " + mail.KSh(o.Total),
		"Placed: " + mail.FormatDate(o.CreatedAt),
	}
	if err := s.mail.MailAdminsTemplate(ctx, "admin_alert", map[string]any{
		"Title":   title,
		"Message": message,
		"Lines":   lines,
	}); err != nil {
		s.log.Warn("admin alert email failed", logx.String("order", o.OrderNumber), logx.String("alert", alertType), logx.Err(err))
	}
	if s.alerts != nil {
		if err := s.alerts.Alert(ctx, 7, title, message); err != nil {
			s.log.Debug("alert fan-out incomplete", logx.Err(err))
		}
	}
}

func (s *Service) today() (time.Time, time.Time) {
	now := s.now().In(s.cfg.Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	return start, start.AddDate(0, 0, 1)
}
