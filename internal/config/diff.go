package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"shopd/pkg/logx"
)

// RestartRequired lists sections that are read once at startup.
var RestartRequired = []string{"broker", "inventory", "mail", "orders", "payments", "products", "storage", "telegram"}

// SummarizeConfigChange returns the changed sections and log fields that
// describe them. Secrets (tokens, passwords, consumer keys) are reported
// only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
	)
	section("telegram", !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram),
		logx.Secret("telegram.token", newCfg.Telegram.Token),
		logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
	)
	section("http", !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Secret("http.admin_token", newCfg.HTTP.AdminToken),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
	)
	section("broker", !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker),
		logx.String("broker.driver", newCfg.Broker.Driver),
		logx.Bool("broker.url_set", newCfg.Broker.URL != ""),
	)
	section("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine),
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.String("task_engine.time_limit", newCfg.TaskEngine.TimeLimit),
		logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
	)
	section("beat", !reflect.DeepEqual(oldCfg.Beat, newCfg.Beat),
		logx.Bool("beat.disabled", newCfg.Beat.Disabled),
		logx.String("beat.timezone", newCfg.Beat.Timezone),
		logx.Int("beat.overrides", len(newCfg.Beat.Schedules)),
	)
	section("mpesa", !reflect.DeepEqual(oldCfg.Mpesa, newCfg.Mpesa),
		logx.Int("mpesa.configurations", len(newCfg.Mpesa.Configurations)),
		logx.Int("mpesa.active", len(newCfg.ActiveMpesaAccounts())),
		logx.String("mpesa.callback_url", newCfg.Mpesa.CallbackURL),
	)
	section("mail", !reflect.DeepEqual(oldCfg.Mail, newCfg.Mail),
		logx.String("mail.host", newCfg.Mail.Host),
		logx.Int("mail.admins", len(newCfg.Mail.Admins)),
		logx.Secret("mail.password", newCfg.Mail.Password),
	)
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.Bool("notifier.present", newCfg.Notifier != nil),
		logx.String("notifier.channels", channelsOf(newCfg.Notifier)),
	)
	section("payments", oldCfg.Payments != newCfg.Payments)
	section("orders", oldCfg.Orders != newCfg.Orders)
	section("products", oldCfg.Products != newCfg.Products)
	section("inventory", oldCfg.Inventory != newCfg.Inventory)

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart filters changed sections down to those that only apply on
// the next start.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if slices.Contains(RestartRequired, s) {
			out = append(out, s)
		}
	}
	return out
}

func channelsOf(n *NotifierConfig) string {
	if n == nil {
		return ""
	}
	return strings.Join(n.Channels, ",")
}
