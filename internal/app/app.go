package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopd/internal/config"
	"shopd/internal/customers"
	"shopd/internal/eventbus"
	"shopd/internal/httpapi"
	"shopd/internal/inventory"
	"shopd/internal/mail"
	"shopd/internal/mpesa"
	"shopd/internal/notifier"
	"shopd/internal/orders"
	"shopd/internal/payments"
	"shopd/internal/products"
	rtsup "shopd/internal/runtime/supervisor"
	"shopd/internal/storage"
	"shopd/internal/task/engine"
	"shopd/internal/task/queue"
	"shopd/internal/task/scheduler"
	"shopd/internal/transport"
	"shopd/internal/transport/telegram"
	"shopd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	engine *engine.Service
	queue  *queue.Queue
	beat   *scheduler.Service
	notif  *notifier.Service
	http   *httpapi.Server

	gateways *mpesa.Registry
	mail     *mail.Service
	tg       *telegram.Sender
	payments *payments.Service
}

// New loads the config and wires every component. Nothing runs until Start
// or StartWorkers.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tg, err := newTelegram(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	var alerts logx.AlertSender
	if tg != nil {
		alerts = tg
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg), alerts)
	log := root.Component("app")

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), tg: tg}
	if err := a.wire(ctx, cfg, root); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

// Migrate applies pending migrations to the configured store and closes it.
func Migrate(ctx context.Context, cfgPath string) (storage.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return storage.Config{}, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	db, err := storage.Open(sc, logx.NewConsole(cfg.Logging.Level).Component("storage"))
	if err != nil {
		return sc, fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	return sc, db.Migrate(ctx)
}

func (a *App) wire(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(sc, root.Component("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.db = db
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, root, a.bus)

	reg := queue.NewRegistry()
	var broker queue.Broker = queue.NewMemoryBroker()
	if kind, ac := mapBrokerConfig(cfg); kind == "amqp" {
		broker = queue.NewAMQPBroker(ac, root)
	}
	a.queue = queue.New(reg, a.engine, broker, root, a.bus)

	clients, err := mpesaClients(cfg, root)
	if err != nil {
		return err
	}
	a.gateways = mpesa.NewRegistry(clients...)
	if len(clients) == 0 {
		a.log.Warn("no active mpesa configuration; payments cannot be initiated")
	}

	mailer, err := newMailer(cfg, root)
	if err != nil {
		return err
	}
	a.mail = mail.NewService(mail.Config{
		From:     strings.TrimSpace(cfg.Mail.From),
		Admins:   cfg.Mail.Admins,
		SiteName: strings.TrimSpace(cfg.Mail.SiteName),
	}, mailer, root)

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, notifierSenders(a.mail, a.tg), root, a.bus, db)
	// Domain services mail admins themselves; their alerts skip email.
	alerter := a.notif.Without(transport.ChannelEmail)

	pc, err := mapPaymentsConfig(cfg)
	if err != nil {
		return err
	}
	a.payments = payments.New(pc, payments.Deps{
		Store:    db,
		Gateways: payments.FromRegistry(a.gateways),
		Tasks:    a.queue,
		Mail:     a.mail,
		Alerts:   alerter,
		Bus:      a.bus,
	}, root)

	oc, err := mapOrdersConfig(cfg)
	if err != nil {
		return err
	}
	ordersSvc := orders.New(oc, orders.Deps{Store: db, Tasks: a.queue, Mail: a.mail, Alerts: alerter, Bus: a.bus}, root)

	prc, err := mapProductsConfig(cfg)
	if err != nil {
		return err
	}
	productsSvc := products.New(prc, products.Deps{Store: db, Tasks: a.queue, Mail: a.mail, Alerts: alerter, Bus: a.bus}, root)

	ic, err := mapInventoryConfig(cfg)
	if err != nil {
		return err
	}
	inventorySvc := inventory.New(ic, inventory.Deps{Store: db, Tasks: a.queue, Mail: a.mail, Alerts: alerter, Bus: a.bus}, root)

	for _, r := range []interface {
		Register(*queue.Registry) error
	}{a.payments, ordersSvc, productsSvc, inventorySvc, customers.New(db, root)} {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	if err := registerDebugTask(reg, root.Component("debug")); err != nil {
		return err
	}

	bc, err := BeatConfig(cfg)
	if err != nil {
		return err
	}
	if err := checkBeatTasks(bc, reg); err != nil {
		return err
	}
	a.beat = scheduler.New(bc, a.queue, root, a.bus)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Payments: a.payments,
		Store:    db,
		Tasks:    a.queue,
		Engine:   a.engine,
		Beat:     a.beat,
		Audit:    db,
	}, root)
	return nil
}

func (a *App) Logger() logx.Logger         { return a.log }
func (a *App) Queue() *queue.Queue         { return a.queue }
func (a *App) Beat() *scheduler.Service    { return a.beat }
func (a *App) Registry() *queue.Registry   { return a.queue.Registry() }
func (a *App) DB() *storage.DB             { return a.db }
func (a *App) HTTPAddr() string            { return a.http.Addr() }
func (a *App) Config() *config.Config      { return a.cfgm.Get() }
func (a *App) Payments() *payments.Service { return a.payments }

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StartWorkers runs the task engine, the broker consumer and the notifier.
// One-off commands use it so follow-up tasks and alerts still go out.
func (a *App) StartWorkers(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	a.engine.Start(c)
	if err := a.queue.Start(c); err != nil {
		return err
	}
	a.notif.Start(c)
	return nil
}

// Start runs everything: workers, beat, the HTTP server, the event log and
// config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(a.validate)

	if err := a.StartWorkers(ctx); err != nil {
		return err
	}
	c := a.sup.Context()
	a.beat.Start(c)
	a.http.Start(c)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if eventbus.HasPrefix(e, "payment") || eventbus.HasPrefix(e, "refund") {
					a.log.Info("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("shopd started",
		logx.Int("tasks", len(a.queue.Registry().Definitions())),
		logx.Bool("beat", a.beat.Enabled()),
		logx.Any("mpesa", a.gateways.Names()),
	)
	return nil
}

// validate runs the cross-component checks before a reload is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if bc, err := BeatConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if err := checkBeatTasks(bc, a.queue.Registry()); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mpesaClients(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reload applies the hot-reloadable sections of next. Everything else is
// reported as needing a restart.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed("task_engine") {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}
	if changed("beat") {
		if bc, err := BeatConfig(next); err != nil {
			a.log.Warn("invalid beat config; keeping previous", logx.Err(err))
		} else {
			a.beat.Apply(ctx, bc)
		}
	}
	if changed("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(nc)
			switch {
			case wasEnabled && !nc.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !wasEnabled && nc.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}
	// The callback allowlist lives under mpesa but is enforced by the server.
	if changed("http") || changed("mpesa") {
		if hc, err := mapHTTPConfig(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	if changed("mpesa") {
		if clients, err := mpesaClients(next, a.log); err != nil {
			a.log.Warn("invalid mpesa config; keeping previous", logx.Err(err))
		} else {
			a.gateways.Replace(clients...)
			a.log.Info("mpesa configurations swapped", logx.Any("active", a.gateways.Names()))
		}
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that apply on restart", logx.String("sections", strings.Join(restart, ",")))
	}

	eventbus.Emit(a.bus, "config.reloaded", sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first: no new webhooks or beat triggers while workers drain.
	step("http", 10*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("beat", 2*time.Second, func(c context.Context) error { a.beat.Stop(c); return nil })
	step("queue", 3*time.Second, a.queue.Stop)
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// registerDebugTask adds a task that only logs its delivery. It is handy for
// checking the broker path end to end.
func registerDebugTask(reg *queue.Registry, log logx.Logger) error {
	return reg.Register(queue.Definition{
		Name:        TaskDebug,
		Queue:       queue.DefaultQueue,
		MaxRetries:  -1,
		Description: "log the delivery and arguments",
		Handler: func(ctx context.Context, msg queue.Message) error {
			log.Info("debug task",
				logx.String("id", msg.ID),
				logx.String("queue", msg.Queue),
				logx.Int("attempt", engine.Attempt(ctx)),
				logx.String("args", string(msg.Args)),
			)
			return nil
		},
	})
}

const TaskDebug = "shopd.debug"
