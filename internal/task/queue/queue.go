package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shopd/internal/eventbus"
	"shopd/internal/task/engine"
	"shopd/pkg/logx"
)

// Executor is the part of the task engine the queue drives.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Dispatcher turns a delivered message into an engine task. onDone fires
// once the engine is finished with it; it is not called when Dispatch
// returns an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message, onDone func(error)) error
}

// Broker transports messages between publishers and the dispatcher.
type Broker interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Start(ctx context.Context, queues []string, d Dispatcher) error
	Stop(ctx context.Context) error
}

// Redeliverer is implemented by brokers that hold a message until its ETA
// outside the process. Retries of tasks they deliver are republished
// instead of waiting in the engine.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg Message) error
}

// redeliverTimeout bounds one retry republish.
const redeliverTimeout = 5 * time.Second

type Queue struct {
	reg    *Registry
	exec   Executor
	broker Broker
	log    logx.Logger
	bus    eventbus.Bus

	now func() time.Time

	mu      sync.Mutex
	waiting map[string]*etaWait
}

type etaWait struct {
	timer  *time.Timer
	onDone func(error)
}

func New(reg *Registry, exec Executor, broker Broker, log logx.Logger, bus eventbus.Bus) *Queue {
	return &Queue{
		reg:     reg,
		exec:    exec,
		broker:  broker,
		log:     log.Component("queue"),
		bus:     bus,
		now:     time.Now,
		waiting: make(map[string]*etaWait),
	}
}

func (q *Queue) Registry() *Registry { return q.reg }

func (q *Queue) Broker() Broker { return q.broker }

// Start begins consuming every registered queue.
func (q *Queue) Start(ctx context.Context) error {
	queues := q.reg.Queues()
	if err := q.broker.Start(ctx, queues, q); err != nil {
		return fmt.Errorf("start %s broker: %w", q.broker.Name(), err)
	}
	q.log.Info("task queue started", logx.String("broker", q.broker.Name()), logx.Any("queues", queues))
	return nil
}

// Stop stops consumption and releases messages still waiting for their ETA.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.broker.Stop(ctx)

	q.mu.Lock()
	waiting := q.waiting
	q.waiting = make(map[string]*etaWait)
	q.mu.Unlock()
	for _, w := range waiting {
		if w.timer.Stop() && w.onDone != nil {
			w.onDone(engine.ErrStopped)
		}
	}
	return err
}

// Delay publishes name with args for immediate execution.
func (q *Queue) Delay(ctx context.Context, name string, args any) (string, error) {
	return q.ApplyAsync(ctx, name, args, Options{})
}

// ApplyAsync publishes name with args and options. It returns the message id.
func (q *Queue) ApplyAsync(ctx context.Context, name string, args any, opts Options) (string, error) {
	def, ok := q.reg.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("%s: encode args: %w", name, err)
		}
		raw = b
	}

	now := q.now().UTC()
	msg := Message{
		ID:       uuid.NewString(),
		Task:     def.Name,
		Queue:    def.Queue,
		Args:     raw,
		ETA:      opts.eta(now),
		Schedule: opts.Schedule,
		SentAt:   now,
	}
	if opts.Queue != "" {
		msg.Queue = opts.Queue
	}

	if err := q.broker.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	q.log.Debug("task published", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.String("queue", msg.Queue))
	eventbus.Emit(q.bus, "task.published", msg)
	return msg.ID, nil
}

// Periodic publishes one run on behalf of a beat entry.
func (q *Queue) Periodic(ctx context.Context, schedule, task string) error {
	_, err := q.ApplyAsync(ctx, task, nil, Options{Schedule: schedule})
	return err
}

// Dispatch submits msg to the engine, holding it first until its ETA.
func (q *Queue) Dispatch(ctx context.Context, msg Message, onDone func(error)) error {
	def, ok := q.reg.Lookup(msg.Task)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, msg.Task)
	}
	if msg.ETA != nil {
		if wait := msg.ETA.Sub(q.now()); wait > 0 {
			q.hold(msg, def, wait, onDone)
			return nil
		}
	}
	return q.exec.Submit(ctx, q.task(def, msg, onDone))
}

func (q *Queue) hold(msg Message, def Definition, wait time.Duration, onDone func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting[msg.ID] = &etaWait{
		onDone: onDone,
		timer: time.AfterFunc(wait, func() {
			q.mu.Lock()
			delete(q.waiting, msg.ID)
			q.mu.Unlock()

			err := q.exec.Submit(context.Background(), q.task(def, msg, onDone))
			if err != nil {
				q.log.Warn("eta task not accepted", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Err(err))
				if onDone != nil {
					onDone(err)
				}
			}
		}),
	}
	q.log.Debug("task held until eta", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Duration("wait", wait))
}

func (q *Queue) task(def Definition, msg Message, onDone func(error)) engine.Task {
	t := engine.Task{
		ID:          msg.ID,
		Name:        def.Name,
		Queue:       msg.Queue,
		Timeout:     def.TimeLimit,
		SoftTimeout: def.SoftTimeLimit,
		Retries:     msg.Retries,
		Run: func(ctx context.Context) error {
			return def.Handler(ctx, msg)
		},
		Opt: engine.TaskOptions{
			RetryMax:  def.MaxRetries,
			RetryBase: def.Countdown,
			// Message-driven tasks must not be skipped; only beat runs trip.
			CircuitTripFailures: -1,
		},
		OnDone: onDone,
	}
	if rd, ok := q.broker.(Redeliverer); ok {
		t.RetryHandoff = q.redeliver(rd, msg)
	}
	if msg.Schedule != "" {
		// One in-flight run per beat entry.
		t.ConcurrencyKey = "beat:" + msg.Schedule
		t.Opt.Overlap = engine.OverlapSkipIfRunning
		t.Opt.CircuitTripFailures = 0
	}
	return t
}

func (q *Queue) redeliver(rd Redeliverer, msg Message) func(int, time.Duration, error) bool {
	return func(retries int, countdown time.Duration, cause error) bool {
		next := msg
		next.Retries = retries
		eta := q.now().Add(countdown).UTC()
		next.ETA = &eta

		ctx, cancel := context.WithTimeout(context.Background(), redeliverTimeout)
		defer cancel()
		if err := rd.Redeliver(ctx, next); err != nil {
			q.log.Warn("retry republish failed, retrying in process", logx.String("task", msg.Task), logx.String("id", msg.ID), logx.Err(err))
			return false
		}
		q.log.Debug("task retry republished", logx.String("task", msg.Task), logx.String("id", msg.ID),
			logx.Int("retry", retries), logx.Duration("countdown", countdown), logx.Err(cause))
		return true
	}
}

// Run executes name synchronously in the caller's goroutine, bypassing the
// broker and the retry policy.
func (q *Queue) Run(ctx context.Context, name string, args any) error {
	def, ok := q.reg.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	msg := Message{ID: uuid.NewString(), Task: def.Name, Queue: def.Queue, SentAt: q.now().UTC()}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("%s: encode args: %w", name, err)
		}
		msg.Args = b
	}
	if def.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.TimeLimit)
		defer cancel()
	}
	return def.Handler(engine.WithAttempt(ctx, 0), msg)
}
