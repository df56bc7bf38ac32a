package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shopd/internal/eventbus"
	rtsup "shopd/internal/runtime/supervisor"
	"shopd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parent context.Context

	q      chan *queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	// sending counts enqueuers that captured q; halt waits for them
	// before draining.
	sending sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*RunState

	groups   *groupLimiterStore
	circuits circuitStore

	retryMu sync.Mutex
	retries map[*queuedTask]*time.Timer

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	retried          atomic.Uint64
	softHits         atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	soft       time.Duration
	opt        TaskOptions

	// retries already spent; the next run sees it through Attempt(ctx).
	retries int

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.Component("taskengine"),
		bus:     bus,
		states:  make(map[string]*RunState),
		groups:  newGroupLimiterStore(),
		retries: make(map[*queuedTask]*time.Timer),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the engine's worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the configuration. A new worker count or queue size restarts
// the workers; queued tasks move to the new queue.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if !maps.Equal(prev.Queues, cfg.Queues) {
		s.groups = newGroupLimiterStore()
	}
	running := s.sup != nil
	s.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize) {
		return
	}
	left := s.halt(ctx)
	s.start()
	for _, qt := range left {
		s.requeue(qt)
	}
	s.log.Info("task engine resized", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("carried", len(left)))
}

// Start launches the workers. It is idempotent. Workers live until Stop or
// until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()
	s.start()
}

func (s *Service) start() {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if s.parent == nil {
		s.parent = context.Background()
	}
	cfg := s.cfg

	s.q = make(chan *queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(s.parent,
		rtsup.WithLogger(s.log),
		// worker failures are restarted, never fatal for the process.
		rtsup.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("time_limit", cfg.TimeLimit),
		logx.Duration("soft_time_limit", cfg.SoftTimeLimit),
	)
}

// Stop halts the workers and finishes every queued or retry-pending task
// with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	left := s.halt(ctx)

	s.retryMu.Lock()
	pending := s.retries
	s.retries = make(map[*queuedTask]*time.Timer)
	s.retryMu.Unlock()

	abandoned := len(left)
	for _, qt := range left {
		s.finish(qt, ErrStopped)
	}
	for qt, t := range pending {
		if t.Stop() {
			abandoned++
			s.finish(qt, ErrStopped)
		}
	}
	if abandoned > 0 {
		s.log.Warn("task engine stopped with unfinished tasks", logx.Int("count", abandoned))
		return
	}
	s.log.Info("task engine stopped")
}

func (s *Service) halt(ctx context.Context) []*queuedTask {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, stopCh, q := s.sup, s.stopCh, s.q
	s.sup, s.stopCh, s.q = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	close(stopCh)
	s.sending.Wait()
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}

	var left []*queuedTask
	for {
		select {
		case qt := <-q:
			left = append(left, qt)
		default:
			return left
		}
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full,
// the task is dropped with ErrQueueFull.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled,
// or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q, stopCh := s.q, s.stopCh
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	opt := t.Opt.withDefaults(cfg)

	// A task that keeps failing is skipped until its cooldown passes so a
	// broken downstream is not hammered by every trigger.
	if open, until := s.circuitIsOpen(now, t.Name, cfg, opt); open {
		s.emit("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("id", t.ID), logx.Time("until", until))
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.ConcurrencyKey, t.Name)
	}
	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			s.emit("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := &queuedTask{
		task:       t,
		enqueuedAt: now,
		timeout:    pickDuration(t.Timeout, cfg.TimeLimit),
		soft:       pickDuration(t.SoftTimeout, cfg.SoftTimeLimit),
		opt:        opt,
		retries:    max(t.Retries, 0),
		state:      st,
		track:      track,
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.releaseState()
			s.onQueueFullDropped(now, qt, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.releaseState()
		return ctx.Err()
	case <-stopCh:
		qt.releaseState()
		return ErrStopped
	}
}

// requeue puts an accepted task back on the current queue, e.g. after its
// retry countdown. On failure the task is finished.
func (s *Service) requeue(qt *queuedTask) {
	s.mu.Lock()
	q := s.q
	if q == nil {
		s.mu.Unlock()
		s.finish(qt, ErrStopped)
		return
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	qt.enqueuedAt = time.Now()
	select {
	case q <- qt:
	default:
		s.onQueueFullDropped(qt.enqueuedAt, qt, q)
		s.finish(qt, ErrQueueFull)
	}
}

func (s *Service) scheduleRetry(qt *queuedTask, delay time.Duration) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retries[qt] = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retries, qt)
		s.retryMu.Unlock()
		s.requeue(qt)
	})
}

func (s *Service) finish(qt *queuedTask, err error) {
	qt.releaseState()
	if qt.task.OnDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task OnDone panicked", logx.String("task", qt.task.Name), logx.Any("panic", r))
		}
	}()
	qt.task.OnDone(err)
}

func (qt *queuedTask) releaseState() {
	if qt.track && qt.state != nil {
		qt.state.release()
		qt.track = false
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.sup != nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	s.retryMu.Lock()
	retrying := len(s.retries)
	s.retryMu.Unlock()

	ct, co := s.circuitSnapshot(time.Now(), cfg)

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(s.inFlight.Load()),
		Retrying:         retrying,
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		Retried:          s.retried.Load(),
		SoftLimitHits:    s.softHits.Load(),
		TimeLimit:        cfg.TimeLimit,
		SoftTimeLimit:    cfg.SoftTimeLimit,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		Queues:           maps.Clone(cfg.Queues),
		CircuitTotal:     ct,
		CircuitOpen:      co,
		History:          h,
	}
}

func (s *Service) stateFor(concurrencyKey, name string) *RunState {
	key := groupKey(concurrencyKey, name)
	if key == "" {
		key = "default"
	}

	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) emit(typ string, ev TaskEvent) {
	eventbus.Emit(s.bus, typ, ev)
}

func (s *Service) newTaskID(now time.Time) string {
	seq := s.idSeq.Add(1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func pickDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, qt *queuedTask, q chan *queuedTask) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)

	s.emit("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: now, Attempts: qt.retries, Error: "queue_full"})

	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, qt *queuedTask, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)

	s.emit("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Queue: qt.task.Queue, Started: now, QueueDelay: queueDelay, Attempts: qt.retries, Error: "stale_queue_delay"})

	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
