package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"shopd/pkg/logx"
)

// groupRetryPause keeps a worker from spinning on a queue that only holds
// tasks for a saturated queue group.
const groupRetryPause = 20 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *queuedTask, idx int) {
	// Per-worker RNG: jitter without contention on a shared source.
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			release, ok := s.acquireGroup(ctx, stopCh, queue, qt)
			if !ok {
				continue
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
			release()
		}
	}
}

// acquireGroup takes a slot in the task's queue group. When the group is
// full the task goes back on the queue and the worker moves on.
func (s *Service) acquireGroup(ctx context.Context, stopCh <-chan struct{}, queue chan *queuedTask, qt *queuedTask) (func(), bool) {
	gs := s.groupFor(qt)
	if gs == nil {
		return func() {}, true
	}
	if gs.tryAcquire() {
		return gs.release, true
	}

	select {
	case queue <- qt:
		t := time.NewTimer(groupRetryPause)
		select {
		case <-ctx.Done():
		case <-stopCh:
		case <-t.C:
		}
		t.Stop()
		return nil, false
	default:
	}

	// Queue is full: wait for the group rather than drop accepted work.
	select {
	case <-gs.ch:
		return gs.release, true
	case <-ctx.Done():
	case <-stopCh:
	}
	s.finish(qt, ErrStopped)
	return nil, false
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt *queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	cfg := s.Config()
	t := qt.task

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt, queueDelay)
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: start, QueueDelay: queueDelay, Attempts: qt.retries, Error: "stale_queue_delay"})
		s.finish(qt, ErrStale)
		return
	}

	attempt := qt.retries + 1
	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("id", t.ID), logx.Int("attempt", attempt), logx.Duration("queue_delay", queueDelay))
	s.emit("task.started", TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: start, QueueDelay: queueDelay, Attempts: attempt})

	err := s.runOnce(ctx, qt, start)

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempt}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempt}

	if err == nil {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempt))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempt))
		}
		s.emit("task.finished", ev)
		s.circuitRecordResult(time.Now(), t.Name, cfg, qt.opt, nil)
		s.record(cfg, item)
		s.finish(qt, nil)
		return
	}

	item.Error = err.Error()
	ev.Error = item.Error

	// Interrupted by shutdown: hand the task back instead of retrying.
	if stopping(ctx, stopCh) {
		s.record(cfg, item)
		s.finish(qt, fmt.Errorf("%w: %v", ErrStopped, err))
		return
	}

	if !IsNoRetry(err) && qt.retries < qt.opt.RetryMax {
		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		qt.retries++
		s.retried.Add(1)
		ev.RetryIn = delay
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.String("id", t.ID), logx.Int("retry", qt.retries), logx.Int("max_retries", qt.opt.RetryMax), logx.Duration("countdown", delay), logx.Err(err))
		s.emit("task.retry", ev)
		s.record(cfg, item)
		if t.RetryHandoff != nil && t.RetryHandoff(qt.retries, delay, err) {
			s.finish(qt, ErrRetryHandedOff)
			return
		}
		s.scheduleRetry(qt, delay)
		return
	}

	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
		item.Error = err.Error()
		ev.Error = item.Error
	}
	s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempt))
	s.emit("task.failed", ev)
	s.circuitRecordResult(time.Now(), t.Name, cfg, qt.opt, err)
	s.record(cfg, item)
	s.finish(qt, err)
}

// runOnce runs one attempt under the hard time limit and arms the soft
// limit warning.
func (s *Service) runOnce(ctx context.Context, qt *queuedTask, start time.Time) (err error) {
	runCtx := WithAttempt(ctx, qt.retries)
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
		defer cancel()
	}
	if qt.soft > 0 && (qt.timeout <= 0 || qt.soft < qt.timeout) {
		name, id, queue, soft := qt.task.Name, qt.task.ID, qt.task.Queue, qt.soft
		timer := time.AfterFunc(soft, func() {
			s.softHits.Add(1)
			elapsed := time.Since(start)
			s.log.Warn("task soft time limit exceeded", logx.String("task", name), logx.String("id", id), logx.Duration("soft_limit", soft), logx.Duration("elapsed", elapsed))
			s.emit("task.soft_limit", TaskEvent{ID: id, Name: name, Queue: queue, Started: start, Duration: elapsed})
		})
		defer timer.Stop()
	}

	// A panicking task must not take the worker down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = qt.task.Run(runCtx)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("time limit %s exceeded: %w", qt.timeout, err)
	}
	return err
}

func stopping(ctx context.Context, stopCh <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func backoffDelayWithHint(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	// An explicit countdown from the handler wins over the default policy.
	// A zero hint means the error had nothing to say.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return clampDelay(applyJitter(ra.RetryAfter(), opt.RetryJitter, rng), opt.RetryMaxDelay)
	}
	return backoffDelay(opt, attempt, rng)
}

// backoffDelay is base * 2^(attempt-1), capped at RetryMaxDelay.
func backoffDelay(opt TaskOptions, attempt int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = defaultRetryMaxDelay
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return clampDelay(applyJitter(d, opt.RetryJitter, rng), maxD)
}

func applyJitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}

func clampDelay(d, maxD time.Duration) time.Duration {
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
