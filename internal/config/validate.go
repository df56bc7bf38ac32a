package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shopd/pkg/logx"
)

// Validate checks the file in isolation. Cross-component checks (beat task
// names, schedule syntax) are installed by the app via SetValidator.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Alerts.MinLevel) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", c.Logging.Alerts.MinLevel))
	}
	if c.Logging.Alerts.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		add(errors.New("logging.alerts: requires telegram.token and telegram.chat_id"))
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Broker.Driver)) {
	case "", "memory":
	case "amqp":
		if strings.TrimSpace(c.Broker.URL) == "" {
			add(errors.New("broker.url: required for amqp"))
		}
	default:
		add(fmt.Errorf("broker.driver: unknown driver %q", c.Broker.Driver))
	}

	te := c.TaskEngine
	dur("task_engine.time_limit", te.TimeLimit)
	dur("task_engine.soft_time_limit", te.SoftTimeLimit)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	dur("task_engine.circuit_base_delay", te.CircuitBaseDelay)
	dur("task_engine.circuit_max_delay", te.CircuitMaxDelay)
	for q, n := range te.Queues {
		if n < 0 {
			add(fmt.Errorf("task_engine.queues.%s: must be >= 0", q))
		}
	}

	if tz := strings.TrimSpace(c.Beat.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("beat.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, s := range c.Beat.Schedules {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add(fmt.Errorf("beat.schedules[%d].name: required", i))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("beat.schedules[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
	}

	names := map[string]bool{}
	for i, a := range c.Mpesa.Configurations {
		p := fmt.Sprintf("mpesa.configurations[%d]", i)
		if strings.TrimSpace(a.Name) == "" {
			add(fmt.Errorf("%s.name: required", p))
		} else if names[a.Name] {
			add(fmt.Errorf("%s.name: duplicate %q", p, a.Name))
		}
		names[a.Name] = true
		switch a.Environment {
		case "sandbox", "production":
		case "":
			if a.BaseURL == "" {
				add(fmt.Errorf("%s.environment: sandbox or production required", p))
			}
		default:
			add(fmt.Errorf("%s.environment: unknown %q", p, a.Environment))
		}
		if a.ConsumerKey == "" || a.ConsumerSecret == "" {
			add(fmt.Errorf("%s: consumer_key and consumer_secret required", p))
		}
		if a.Shortcode == "" || a.Passkey == "" {
			add(fmt.Errorf("%s: shortcode and passkey required", p))
		}
	}
	dur("mpesa.request_timeout", c.Mpesa.RequestTimeout)

	if c.Mail.From != "" {
		if _, err := mail.ParseAddress(c.Mail.From); err != nil {
			add(fmt.Errorf("mail.from: %w", err))
		}
	}
	for i, a := range c.Mail.Admins {
		if _, err := mail.ParseAddress(a); err != nil {
			add(fmt.Errorf("mail.admins[%d]: %w", i, err))
		}
	}
	dur("mail.dial_timeout", c.Mail.DialTimeout)

	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		for i, ch := range n.Channels {
			if ch != "email" && ch != "telegram" {
				add(fmt.Errorf("notifier.channels[%d]: unknown channel %q", i, ch))
			}
		}
	}

	dur("payments.pending_check_after", c.Payments.PendingCheckAfter)
	dur("payments.timeout_after", c.Payments.TimeoutAfter)
	dur("payments.failure_rate_window", c.Payments.FailureRateWindow)
	dur("payments.callback_retention", c.Payments.CallbackRetention)
	if r := c.Payments.FailureRateThreshold; r < 0 || r > 100 {
		add(errors.New("payments.failure_rate_threshold: must be within 0..100"))
	}

	dur("orders.cancel_unpaid_after", c.Orders.CancelUnpaidAfter)
	dur("orders.delayed_after", c.Orders.DelayedAfter)
	dur("orders.stuck_after", c.Orders.StuckAfter)
	if v := strings.TrimSpace(c.Orders.HighValueThreshold); v != "" {
		if _, err := decimal.NewFromString(v); err != nil {
			add(fmt.Errorf("orders.high_value_threshold: %w", err))
		}
	}

	if c.Products.CriticalAt < 0 || c.Products.WarningAt < 0 {
		add(errors.New("products: thresholds must be >= 0"))
	}
	if c.Products.CriticalAt > 0 && c.Products.WarningAt > 0 && c.Products.CriticalAt > c.Products.WarningAt {
		add(errors.New("products.critical_at: must not exceed warning_at"))
	}
	dur("products.deactivate_after", c.Products.DeactivateAfter)
	if d := c.Products.ExtremeDiscount; d < 0 || d > 100 {
		add(errors.New("products.extreme_discount: must be within 0..100"))
	}

	if c.Inventory.OverstockFactor < 0 {
		add(errors.New("inventory.overstock_factor: must be >= 0"))
	}
	dur("inventory.sales_window", c.Inventory.SalesWindow)
	dur("inventory.slow_moving_after", c.Inventory.SlowMovingAfter)
	dur("inventory.alert_retention", c.Inventory.AlertRetention)

	return errors.Join(errs...)
}

// ActiveMpesaAccounts returns the configurations not explicitly disabled.
func (c *Config) ActiveMpesaAccounts() []MpesaAccount {
	out := make([]MpesaAccount, 0, len(c.Mpesa.Configurations))
	for _, a := range c.Mpesa.Configurations {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}
