package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct. Zero values pick
// the defaults applied by withDefaults.
type Config struct {
	Workers   int
	QueueSize int

	// TimeLimit is the hard limit used when Task.Timeout is 0. The task
	// context is canceled when it expires.
	TimeLimit time.Duration
	// SoftTimeLimit only warns; the task keeps running until TimeLimit.
	SoftTimeLimit time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Queues caps concurrent executions per named queue. Queues that are
	// not listed share the worker pool without a cap.
	Queues map[string]int

	// Circuit breaker (consecutive-failure based).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

const (
	defaultWorkers       = 4
	defaultQueueSize     = 512
	defaultTimeLimit     = 30 * time.Minute
	defaultSoftTimeLimit = 25 * time.Minute
	defaultHistorySize   = 200
	defaultRetryMax      = 3
	defaultRetryBase     = 60 * time.Second
	defaultRetryMaxDelay = time.Hour
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = defaultTimeLimit
	}
	if c.SoftTimeLimit <= 0 {
		c.SoftTimeLimit = defaultSoftTimeLimit
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip_if_running"
	}
	return "allow"
}

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax is the number of retries after the first attempt.
	// 0 uses the engine default; < 0 disables retries.
	RetryMax int
	// RetryBase is the countdown before the first retry. Later retries
	// double it: base * 2^(attempt-1).
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter spreads retry delays by +/- the given fraction (0.2 = 20%).
	// 0 keeps countdowns exact.
	RetryJitter float64

	// ConcurrencyLimit limits concurrent executions within ConcurrencyKey.
	// 0 disables concurrency-group limiting.
	ConcurrencyLimit int

	// CircuitTripFailures overrides the engine circuit breaker threshold for this task.
	// If < 0, circuit breaker is disabled for this task.
	// If 0, engine default is used.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = 0
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// RunState tracks whether a task is already in-flight.
// SkipIfRunning means "skip if running OR already queued OR waiting for a
// retry", which keeps a fast trigger from piling up work.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Busy reports whether a run holds the state.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string
	Name       string
	Queue      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queue      string        `json:"queue,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	RetryIn    time.Duration `json:"retry_in,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// A task that fails is re-queued after its countdown until RetryMax is
// exhausted. OnDone runs exactly once for every accepted task: after
// success, after the final failure, or when the engine drops or stops it.
// It is not called when Enqueue/Submit return an error.
type Task struct {
	ID    string
	Name  string
	Queue string

	// Timeout overrides Config.TimeLimit; SoftTimeout overrides
	// Config.SoftTimeLimit.
	Timeout     time.Duration
	SoftTimeout time.Duration

	Run func(ctx context.Context) error
	Opt TaskOptions

	ConcurrencyKey string
	State          *RunState

	// Retries is the retry count already spent, e.g. by a redelivered
	// broker message.
	Retries int

	// RetryHandoff, when set, is offered every retry before the engine arms
	// its own timer. retries is the new retry count. Returning true means
	// the caller will redeliver the task itself; the engine then finishes
	// it with ErrRetryHandedOff.
	RetryHandoff func(retries int, countdown time.Duration, err error) bool

	OnDone func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Retrying int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Retried          uint64
	SoftLimitHits    uint64

	TimeLimit     time.Duration
	SoftTimeLimit time.Duration
	MaxQueueDelay time.Duration
	RetryMax      int
	Queues        map[string]int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}

// DefaultTaskOptions returns the effective task options when a task does not
// provide overrides. Diagnostics use it to show the active retry policy.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg.withDefaults())
}
