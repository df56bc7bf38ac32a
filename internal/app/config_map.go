package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopd/internal/config"
	"shopd/internal/httpapi"
	"shopd/internal/inventory"
	"shopd/internal/mail"
	"shopd/internal/mpesa"
	"shopd/internal/notifier"
	"shopd/internal/orders"
	"shopd/internal/payments"
	"shopd/internal/products"
	"shopd/internal/storage"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/internal/task/scheduler"
	"shopd/internal/transport"
	"shopd/internal/transport/telegram"
	"shopd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	out := engine.Config{
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	if len(te.Queues) > 0 {
		out.Queues = make(map[string]int, len(te.Queues))
		for q, n := range te.Queues {
			out.Queues[q] = n
		}
	}
	var err error
	if out.TimeLimit, err = config.ParseDurationField("task_engine.time_limit", te.TimeLimit); err != nil {
		return engine.Config{}, err
	}
	if out.SoftTimeLimit, err = config.ParseDurationField("task_engine.soft_time_limit", te.SoftTimeLimit); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.TimeLimit > 0 && out.SoftTimeLimit > out.TimeLimit {
		return engine.Config{}, fmt.Errorf("task_engine.soft_time_limit (%s) exceeds time_limit (%s)", out.SoftTimeLimit, out.TimeLimit)
	}
	return out, nil
}

func mapBrokerConfig(cfg *config.Config) (kind string, amqp queue.AMQPConfig) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Driver)) {
	case "amqp":
		prefix := strings.TrimSpace(cfg.Broker.QueuePrefix)
		if prefix == "" {
			prefix = "shopd."
		}
		return "amqp", queue.AMQPConfig{
			URL:         strings.TrimSpace(cfg.Broker.URL),
			QueuePrefix: prefix,
			Prefetch:    cfg.Broker.Prefetch,
		}
	default:
		return "memory", queue.AMQPConfig{}
	}
}

// BeatConfig resolves the effective periodic table: the built-in entries
// with the configured overrides applied.
func BeatConfig(cfg *config.Config) (scheduler.Config, error) {
	overrides := make([]scheduler.Override, 0, len(cfg.Beat.Schedules))
	for _, s := range cfg.Beat.Schedules {
		overrides = append(overrides, scheduler.Override{
			Name:     s.Name,
			Task:     s.Task,
			Schedule: s.Schedule,
			Enabled:  s.Enabled,
		})
	}
	entries, err := scheduler.Merge(scheduler.DefaultTable(), overrides)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  !cfg.Beat.Disabled,
		Timezone: strings.TrimSpace(cfg.Beat.Timezone),
		Entries:  entries,
	}, nil
}

// checkBeatTasks rejects a table that names tasks nobody registered.
func checkBeatTasks(sc scheduler.Config, reg *queue.Registry) error {
	var errs []error
	for _, e := range sc.Entries {
		if _, ok := reg.Lookup(e.Task); !ok {
			errs = append(errs, fmt.Errorf("beat schedule %s: %w: %s", e.Name, queue.ErrUnknownTask, e.Task))
		}
	}
	return errors.Join(errs...)
}

func location(tz string) *time.Location {
	if tz = strings.TrimSpace(tz); tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, DedupWindow: 10 * time.Minute}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Channels:        append([]string(nil), n.Channels...),
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Addr:             strings.TrimSpace(h.Addr),
		AdminToken:       strings.TrimSpace(h.AdminToken),
		TrustProxy:       h.TrustProxy,
		CallbackAllowIPs: append([]string(nil), cfg.Mpesa.CallbackAllowIPs...),
		Pprof:            h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// mpesaClients builds one client per active configuration.
func mpesaClients(cfg *config.Config, log logx.Logger) ([]*mpesa.Client, error) {
	timeout, err := config.ParseDurationOrDefault("mpesa.request_timeout", cfg.Mpesa.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	accounts := cfg.ActiveMpesaAccounts()
	out := make([]*mpesa.Client, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, mpesa.NewClient(mpesa.Config{
			Name:            a.Name,
			Environment:     a.Environment,
			BaseURL:         a.BaseURL,
			ConsumerKey:     a.ConsumerKey,
			ConsumerSecret:  a.ConsumerSecret,
			Shortcode:       a.Shortcode,
			Passkey:         a.Passkey,
			TransactionType: a.TransactionType,
			CallbackURL:     cfg.Mpesa.CallbackURL,
			Timeout:         timeout,
			RatePerSec:      cfg.Mpesa.RatePerSec,
		}, log))
	}
	return out, nil
}

// newMailer sends over SMTP when a host is configured and logs otherwise.
func newMailer(cfg *config.Config, log logx.Logger) (mail.Mailer, error) {
	m := cfg.Mail
	if strings.TrimSpace(m.Host) == "" {
		return mail.NewLogMailer(log), nil
	}
	dial, err := config.ParseDurationOrDefault("mail.dial_timeout", m.DialTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	port := m.Port
	if port == 0 {
		port = 587
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:        strings.TrimSpace(m.Host),
		Port:        port,
		Username:    m.Username,
		Password:    m.Password,
		DialTimeout: dial,
	}), nil
}

// newTelegram returns nil when no bot token is configured.
func newTelegram(cfg *config.Config, log logx.Logger) (*telegram.Sender, error) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
		return nil, nil
	}
	return telegram.New(telegram.Config{
		Token:    strings.TrimSpace(t.Token),
		ChatID:   t.ChatID,
		ThreadID: t.ThreadID,
		APIURL:   strings.TrimSpace(t.APIURL),
		Timeout:  10 * time.Second,
	}, log)
}

func notifierSenders(m *mail.Service, tg *telegram.Sender) []transport.Sender {
	out := []transport.Sender{notifier.NewEmailSender(m)}
	if tg != nil {
		out = append(out, tg)
	}
	return out
}

func mapPaymentsConfig(cfg *config.Config) (payments.Config, error) {
	p := cfg.Payments
	out := payments.Config{
		FailureRateThreshold: p.FailureRateThreshold,
		Location:             location(cfg.Beat.Timezone),
	}
	var err error
	if out.PendingCheckAfter, err = config.ParseDurationField("payments.pending_check_after", p.PendingCheckAfter); err != nil {
		return payments.Config{}, err
	}
	if out.TimeoutAfter, err = config.ParseDurationField("payments.timeout_after", p.TimeoutAfter); err != nil {
		return payments.Config{}, err
	}
	if out.FailureRateWindow, err = config.ParseDurationField("payments.failure_rate_window", p.FailureRateWindow); err != nil {
		return payments.Config{}, err
	}
	if out.CallbackRetention, err = config.ParseDurationField("payments.callback_retention", p.CallbackRetention); err != nil {
		return payments.Config{}, err
	}
	return out, nil
}

func mapOrdersConfig(cfg *config.Config) (orders.Config, error) {
	o := cfg.Orders
	out := orders.Config{
		HighValueThreshold: decimal.NewFromInt(50000),
		Location:           location(cfg.Beat.Timezone),
	}
	if v := strings.TrimSpace(o.HighValueThreshold); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return orders.Config{}, fmt.Errorf("orders.high_value_threshold: %w", err)
		}
		out.HighValueThreshold = d
	}
	var err error
	if out.CancelUnpaidAfter, err = config.ParseDurationField("orders.cancel_unpaid_after", o.CancelUnpaidAfter); err != nil {
		return orders.Config{}, err
	}
	if out.DelayedAfter, err = config.ParseDurationField("orders.delayed_after", o.DelayedAfter); err != nil {
		return orders.Config{}, err
	}
	if out.StuckAfter, err = config.ParseDurationField("orders.stuck_after", o.StuckAfter); err != nil {
		return orders.Config{}, err
	}
	return out, nil
}

func mapProductsConfig(cfg *config.Config) (products.Config, error) {
	p := cfg.Products
	after, err := config.ParseDurationField("products.deactivate_after", p.DeactivateAfter)
	if err != nil {
		return products.Config{}, err
	}
	return products.Config{
		CriticalAt:      p.CriticalAt,
		WarningAt:       p.WarningAt,
		DeactivateAfter: after,
		ExtremeDiscount: p.ExtremeDiscount,
	}, nil
}

func mapInventoryConfig(cfg *config.Config) (inventory.Config, error) {
	in := cfg.Inventory
	out := inventory.Config{OverstockFactor: in.OverstockFactor}
	var err error
	if out.SalesWindow, err = config.ParseDurationField("inventory.sales_window", in.SalesWindow); err != nil {
		return inventory.Config{}, err
	}
	if out.SlowMovingAfter, err = config.ParseDurationField("inventory.slow_moving_after", in.SlowMovingAfter); err != nil {
		return inventory.Config{}, err
	}
	if out.AlertRetention, err = config.ParseDurationField("inventory.alert_retention", in.AlertRetention); err != nil {
		return inventory.Config{}, err
	}
	return out, nil
}
