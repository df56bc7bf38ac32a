package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopd/internal/config"
	"shopd/internal/inventory"
	"shopd/internal/orders"
	"shopd/internal/payments"
	"shopd/internal/products"
	"shopd/internal/task/queue"
	"shopd/internal/task/scheduler"
	"shopd/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func TestBeatConfig_AppliesOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Beat: config.BeatConfig{
		Timezone: "Africa/Nairobi",
		Schedules: []config.BeatScheduleConfig{
			{Name: "check-delayed-orders", Enabled: boolPtr(false)},
			{Name: "monitor-failed-payments", Schedule: "*/15 * * * *"},
			{Name: "nightly-debug", Task: TaskDebug, Schedule: "@every 1h"},
		},
	}}

	bc, err := BeatConfig(cfg)
	require.NoError(t, err)
	assert.True(t, bc.Enabled)
	assert.Equal(t, "Africa/Nairobi", bc.Timezone)
	assert.Len(t, bc.Entries, len(scheduler.DefaultTable()))

	byName := map[string]scheduler.Entry{}
	for _, e := range bc.Entries {
		byName[e.Name] = e
	}
	assert.NotContains(t, byName, "check-delayed-orders")
	assert.Equal(t, "*/15 * * * *", byName["monitor-failed-payments"].Schedule)
	assert.Equal(t, TaskDebug, byName["nightly-debug"].Task)
}

func TestBeatConfig_RejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Beat: config.BeatConfig{
		Schedules: []config.BeatScheduleConfig{{Name: "check-pending-orders", Schedule: "every tuesday"}},
	}}
	_, err := BeatConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check-pending-orders")
}

func TestCheckBeatTasks(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry()
	require.NoError(t, reg.Register(queue.Definition{
		Name:    payments.TaskCheckPending,
		Handler: func(context.Context, queue.Message) error { return nil },
	}))

	ok := scheduler.Config{Entries: []scheduler.Entry{{Name: "a", Task: payments.TaskCheckPending, Schedule: "* * * * *"}}}
	assert.NoError(t, checkBeatTasks(ok, reg))

	bad := scheduler.Config{Entries: []scheduler.Entry{{Name: "b", Task: "payments.nope", Schedule: "* * * * *"}}}
	err := checkBeatTasks(bad, reg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrUnknownTask))
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{TaskEngine: config.TaskEngineConfig{
		Workers:       8,
		TimeLimit:     "30m",
		SoftTimeLimit: "25m",
		Queues:        map[string]int{"payments": 2},
	}}
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, 30*time.Minute, ec.TimeLimit)
	assert.Equal(t, 25*time.Minute, ec.SoftTimeLimit)
	assert.Equal(t, map[string]int{"payments": 2}, ec.Queues)

	cfg.TaskEngine.Queues["payments"] = 9
	assert.Equal(t, 2, ec.Queues["payments"], "mapped queues must not alias the config")

	cfg.TaskEngine.SoftTimeLimit = "31m"
	_, err = mapTaskEngineConfig(cfg)
	assert.Error(t, err)
}

func TestMapNotifierConfig_DefaultsWhenMissing(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 10*time.Minute, nc.DedupWindow)

	nc, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, RetryBase: "2s"}})
	require.NoError(t, err)
	assert.False(t, nc.Enabled)
	assert.Equal(t, 2*time.Second, nc.RetryBase)
}

func TestMapHTTPConfig_TakesAllowlistFromMpesa(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		HTTP:  config.HTTPConfig{Addr: " :9000 ", AdminToken: "tok", ReadTimeout: "5s"},
		Mpesa: config.MpesaConfig{CallbackAllowIPs: []string{"196.201.214.0/24"}},
	}
	hc, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ":9000", hc.Addr)
	assert.Equal(t, 5*time.Second, hc.ReadTimeout)
	assert.Equal(t, []string{"196.201.214.0/24"}, hc.CallbackAllowIPs)
}

func TestMapOrdersConfig(t *testing.T) {
	t.Parallel()
	oc, err := mapOrdersConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "50000", oc.HighValueThreshold.String())
	assert.Equal(t, time.UTC, oc.Location)

	oc, err = mapOrdersConfig(&config.Config{
		Orders: config.OrdersConfig{HighValueThreshold: "12500.50", StuckAfter: "72h"},
		Beat:   config.BeatConfig{Timezone: "Africa/Nairobi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "12500.5", oc.HighValueThreshold.String())
	assert.Equal(t, 72*time.Hour, oc.StuckAfter)
	assert.Equal(t, "Africa/Nairobi", oc.Location.String())
}

func TestMpesaClients_SkipsInactive(t *testing.T) {
	t.Parallel()
	acct := func(name string, active *bool) config.MpesaAccount {
		return config.MpesaAccount{
			Name: name, Environment: "sandbox", ConsumerKey: "k", ConsumerSecret: "s",
			Shortcode: "174379", Passkey: "p", Active: active,
		}
	}
	cfg := &config.Config{Mpesa: config.MpesaConfig{Configurations: []config.MpesaAccount{
		acct("default", nil),
		acct("old", boolPtr(false)),
	}}}
	clients, err := mpesaClients(cfg, logx.Nop())
	require.NoError(t, err)
	require.Len(t, clients, 1)
}

const testConfig = `{
  "logging": {"level": "error"},
  "http": {"addr": "127.0.0.1:0", "admin_token": "tok"},
  "storage": {"driver": "sqlite", "path": %q},
  "beat": {"timezone": "UTC"},
  "mpesa": {
    "callback_url": "https://shop.example/api/payments/mpesa/callback",
    "configurations": [
      {"name": "default", "environment": "sandbox", "consumer_key": "ck", "consumer_secret": "cs", "shortcode": "174379", "passkey": "pk"}
    ]
  },
  "mail": {"from": "shop@example.com", "admins": ["ops@example.com"]},
  "notifier": {"enabled": false}
}`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shopd.json")
	body := []byte(fmt.Sprintf(testConfig, filepath.Join(dir, "shop.db")))
	require.NoError(t, os.WriteFile(path, body, 0o600))

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	return a
}

func TestNew_RegistersEveryTask(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopCommand) })

	for _, name := range []string{
		payments.TaskProcessCallback,
		payments.TaskReconcile,
		orders.TaskDailyReport,
		products.TaskAutoDeactivate,
		products.TaskCheckPricing,
		inventory.TaskMonitorStockLevels,
		inventory.TaskReorder,
		TaskDebug,
	} {
		_, ok := a.Registry().Lookup(name)
		assert.True(t, ok, name)
	}
	for _, e := range a.Beat().Entries() {
		_, ok := a.Registry().Lookup(e.Task)
		assert.True(t, ok, "beat entry %s names an unregistered task", e.Name)
	}
	assert.NoError(t, a.DB().Ping(context.Background()))
}

func TestStartWorkers_RunsTask(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, a.StartWorkers(ctx))
	require.NoError(t, a.Queue().Run(ctx, TaskDebug, map[string]string{"hello": "world"}))
	require.NoError(t, a.Queue().Run(ctx, payments.TaskCleanupCallbacks, nil))
	assert.NoError(t, a.Stop(ctx, StopCommand))
}

func TestReload_AppliesLiveSections(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopCommand) })
	ctx := context.Background()

	prev := a.Config()
	next := *prev
	next.Beat = config.BeatConfig{Disabled: true}
	next.Mpesa.Configurations = append(append([]config.MpesaAccount(nil), prev.Mpesa.Configurations...), config.MpesaAccount{
		Name: "till", Environment: "sandbox", ConsumerKey: "ck2", ConsumerSecret: "cs2", Shortcode: "600000", Passkey: "pk2",
	})
	require.NoError(t, a.validate(ctx, &next))

	a.reload(ctx, prev, &next)
	assert.False(t, a.Beat().Enabled())
	assert.Equal(t, []string{"default", "till"}, a.gateways.Names())
}

func TestValidate_RejectsUnknownBeatTask(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopCommand) })

	next := *a.Config()
	next.Beat = config.BeatConfig{Schedules: []config.BeatScheduleConfig{
		{Name: "mystery", Task: "payments.mystery", Schedule: "@hourly"},
	}}
	err := a.validate(context.Background(), &next)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnknownTask)
}

func TestReasonForSignal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopUnknown, ReasonForSignal(nil))
}
