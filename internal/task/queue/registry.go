package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
)

// Handler runs one delivery of a task. engine.Attempt(ctx) tells it how
// many retries came before.
type Handler func(ctx context.Context, msg Message) error

// Definition describes a registered task.
type Definition struct {
	Name    string
	Queue   string
	Handler Handler

	// MaxRetries: 0 uses the engine default, < 0 disables retries.
	MaxRetries int
	// Countdown is the base of the exponential retry backoff (default 60s).
	Countdown time.Duration

	TimeLimit     time.Duration
	SoftTimeLimit time.Duration

	Description string
}

// DefaultCountdown is the retry base used when a definition sets none.
const DefaultCountdown = 60 * time.Second

// TaskRoutes maps the app prefix of a task name to its queue.
var TaskRoutes = map[string]string{
	"customers": "customers",
	"inventory": "inventory",
	"orders":    "orders",
	"payments":  "payments",
	"products":  "products",
}

// DefaultQueue receives tasks without a route.
const DefaultQueue = "default"

// RouteFor returns the queue for a task name such as "payments.cleanup_old_callbacks".
func RouteFor(name string) string {
	app, _, ok := strings.Cut(name, ".")
	if !ok {
		return DefaultQueue
	}
	if q, ok := TaskRoutes[app]; ok {
		return q
	}
	return DefaultQueue
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds d. Names are unique.
func (r *Registry) Register(d Definition) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errors.New("task name required")
	}
	if d.Handler == nil {
		return fmt.Errorf("task %s: handler required", d.Name)
	}
	if d.Queue == "" {
		d.Queue = RouteFor(d.Name)
	}
	if d.Countdown <= 0 {
		d.Countdown = DefaultCountdown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Queues lists the distinct queues of all registered tasks.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, d := range r.defs {
		if !slices.Contains(out, d.Queue) {
			out = append(out, d.Queue)
		}
	}
	slices.Sort(out)
	return out
}
