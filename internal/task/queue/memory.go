package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerStopped = errors.New("broker not running")

// MemoryBroker hands messages straight to the dispatcher in-process.
type MemoryBroker struct {
	mu sync.RWMutex
	d  Dispatcher
}

func NewMemoryBroker() *MemoryBroker { return &MemoryBroker{} }

func (b *MemoryBroker) Name() string { return "memory" }

func (b *MemoryBroker) Start(_ context.Context, _ []string, d Dispatcher) error {
	b.mu.Lock()
	b.d = d
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Stop(context.Context) error {
	b.mu.Lock()
	b.d = nil
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	d := b.d
	b.mu.RUnlock()
	if d == nil {
		return ErrBrokerStopped
	}
	return d.Dispatch(ctx, msg, nil)
}
