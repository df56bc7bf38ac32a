package config

// Config is the whole shopd configuration file.
//
// All durations are Go duration strings ("500ms", "5m", "24h"). Sections that
// are omitted fall back to the defaults documented on each type.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
	Storage    StorageConfig    `json:"storage"`
	Broker     BrokerConfig     `json:"broker,omitempty"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Beat       BeatConfig       `json:"beat,omitempty"`
	Mpesa      MpesaConfig      `json:"mpesa"`
	Mail       MailConfig       `json:"mail"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`

	Payments PaymentsConfig `json:"payments,omitempty"`
	Orders   OrdersConfig   `json:"orders,omitempty"`
	Products  ProductsConfig  `json:"products,omitempty"`
	Inventory InventoryConfig `json:"inventory,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file,omitempty"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the telegram chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the send-only operator chat.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// HTTPConfig configures the REST and webhook server.
//
// Defaults: addr ":8080", read_timeout "10s", write_timeout "30s",
// idle_timeout "60s", shutdown_timeout "10s".
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"`
	AdminToken      string `json:"admin_token,omitempty"`
	TrustProxy      bool   `json:"trust_proxy,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the admin token.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig selects the SQL backend.
//
//	"storage": { "driver": "sqlite", "path": "./shopd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://shop@db/shop?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// BrokerConfig selects the task transport. "memory" (default) runs tasks
// in-process; "amqp" routes them through RabbitMQ queues.
type BrokerConfig struct {
	Driver      string `json:"driver,omitempty"`
	URL         string `json:"url,omitempty"`
	QueuePrefix string `json:"queue_prefix,omitempty"`
	Prefetch    int    `json:"prefetch,omitempty"`
}

// TaskEngineConfig controls task execution.
//
// Defaults: workers 4, queue_size 512, time_limit "30m",
// soft_time_limit "25m", history_size 200, retry_max 3.
type TaskEngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	TimeLimit     string `json:"time_limit,omitempty"`
	SoftTimeLimit string `json:"soft_time_limit,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`

	// Queues caps concurrent executions per named queue, e.g. {"payments": 2}.
	Queues map[string]int `json:"queues,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// BeatConfig controls the periodic job table.
//
// Schedules override built-in entries by name, or add new ones. An entry
// with "enabled": false removes a built-in job.
type BeatConfig struct {
	Disabled  bool                 `json:"disabled,omitempty"`
	Timezone  string               `json:"timezone,omitempty"`
	Schedules []BeatScheduleConfig `json:"schedules,omitempty"`
}

type BeatScheduleConfig struct {
	Name     string `json:"name"`
	Task     string `json:"task,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// MpesaConfig configures the Daraja API.
type MpesaConfig struct {
	Configurations   []MpesaAccount `json:"configurations"`
	CallbackURL      string         `json:"callback_url"`
	RequestTimeout   string         `json:"request_timeout,omitempty"`
	RatePerSec       int            `json:"rate_per_sec,omitempty"`
	CallbackAllowIPs []string       `json:"callback_allow_ips,omitempty"`
}

// MpesaAccount is one shortcode's credentials.
type MpesaAccount struct {
	Name            string `json:"name"`
	Environment     string `json:"environment"`
	BaseURL         string `json:"base_url,omitempty"`
	ConsumerKey     string `json:"consumer_key"`
	ConsumerSecret  string `json:"consumer_secret"`
	Shortcode       string `json:"shortcode"`
	Passkey         string `json:"passkey"`
	TransactionType string `json:"transaction_type,omitempty"`
	Active          *bool  `json:"active,omitempty"`
}

func (a MpesaAccount) IsActive() bool { return a.Active == nil || *a.Active }

// MailConfig configures outgoing email. An empty host logs mail instead of
// sending it.
type MailConfig struct {
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	From        string   `json:"from"`
	Admins      []string `json:"admins"`
	SiteName    string   `json:"site_name,omitempty"`
	DialTimeout string   `json:"dial_timeout,omitempty"`
}

// NotifierConfig controls the admin alert pipeline. A nil section means
// defaults with the pipeline enabled.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Channels        []string `json:"channels,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
}

// PaymentsConfig tunes the payment sweeps.
//
// Defaults: pending_check_after "5m", timeout_after "2h",
// failure_rate_window "1h", failure_rate_threshold 20,
// callback_retention "2160h" (90 days).
type PaymentsConfig struct {
	PendingCheckAfter    string  `json:"pending_check_after,omitempty"`
	TimeoutAfter         string  `json:"timeout_after,omitempty"`
	FailureRateWindow    string  `json:"failure_rate_window,omitempty"`
	FailureRateThreshold float64 `json:"failure_rate_threshold,omitempty"`
	CallbackRetention    string  `json:"callback_retention,omitempty"`
}

// OrdersConfig tunes the order sweeps.
//
// Defaults: cancel_unpaid_after "24h", delayed_after "168h",
// high_value_threshold "50000", stuck_after "48h".
type OrdersConfig struct {
	CancelUnpaidAfter  string `json:"cancel_unpaid_after,omitempty"`
	DelayedAfter       string `json:"delayed_after,omitempty"`
	HighValueThreshold string `json:"high_value_threshold,omitempty"`
	StuckAfter         string `json:"stuck_after,omitempty"`
}

// ProductsConfig tunes stock monitoring.
//
// Defaults: critical_at 5, warning_at 10, deactivate_after "720h",
// extreme_discount 70.
type ProductsConfig struct {
	CriticalAt      int    `json:"critical_at,omitempty"`
	WarningAt       int    `json:"warning_at,omitempty"`
	DeactivateAfter string `json:"deactivate_after,omitempty"`
	ExtremeDiscount int    `json:"extreme_discount,omitempty"`
}

// InventoryConfig tunes stock alerts and procurement reports.
//
// Defaults: overstock_factor 3, sales_window "720h", slow_moving_after
// "2160h", alert_retention "2160h".
type InventoryConfig struct {
	OverstockFactor int    `json:"overstock_factor,omitempty"`
	SalesWindow     string `json:"sales_window,omitempty"`
	SlowMovingAfter string `json:"slow_moving_after,omitempty"`
	AlertRetention  string `json:"alert_retention,omitempty"`
}
