package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shopd/internal/eventbus"
	rtsup "shopd/internal/runtime/supervisor"
	"shopd/internal/transport"
	"shopd/pkg/logx"
)

var (
	ErrDisabled       = errors.New("notifier disabled")
	ErrQueueFull      = errors.New("notifier queue full")
	ErrStopped        = errors.New("notifier stopped")
	ErrUnknownChannel = errors.New("notifier channel not registered")
)

type job struct {
	n        transport.Notification
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is the async alert pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders map[string]transport.Sender
	bus     eventbus.Bus
	store   DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, senders []transport.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.Component("notifier"),
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
	s.SetSenders(senders...)
	s.applyLocked(cfg)
	return s
}

// SetSenders replaces the channel senders. Queued jobs pick up the new
// sender for their channel.
func (s *Service) SetSenders(senders ...transport.Sender) {
	m := make(map[string]transport.Sender, len(senders))
	for _, snd := range senders {
		if snd != nil {
			m[snd.Channel()] = snd
		}
	}
	s.mu.Lock()
	s.senders = m
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Channels lists the channels an Alert fans out to.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelsLocked()
}

func (s *Service) channelsLocked() []string {
	var out []string
	if len(s.cfg.Channels) == 0 {
		for ch := range s.senders {
			out = append(out, ch)
		}
		sort.Strings(out)
		return out
	}
	for _, ch := range s.cfg.Channels {
		if _, ok := s.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitErr(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Any("channels", s.Channels()))
}

// exitErr classifies a loop return: shutdown is a cancel, anything else is
// restarted by the supervisor.
func (s *Service) exitErr(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Alert sends subject and text to every configured channel.
func (s *Service) Alert(ctx context.Context, priority int, subject, text string) error {
	return s.alert(ctx, nil, priority, subject, text)
}

// SendAlert implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.alert(ctx, nil, 9, "Error log", text)
}

// Without returns a view whose alerts skip the given channels. Callers
// that already emailed the admins use Without(transport.ChannelEmail).
func (s *Service) Without(channels ...string) View {
	return View{s: s, skip: channels}
}

type View struct {
	s    *Service
	skip []string
}

func (v View) Alert(ctx context.Context, priority int, subject, text string) error {
	return v.s.alert(ctx, v.skip, priority, subject, text)
}

func (s *Service) alert(ctx context.Context, skip []string, priority int, subject, text string) error {
	var errs []error
	for _, ch := range s.Channels() {
		if slices.Contains(skip, ch) {
			continue
		}
		err := s.Notify(ctx, transport.Notification{
			Channel:  ch,
			Priority: priority,
			Subject:  subject,
			Text:     text,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Notify queues n for its channel. A deduped notification returns nil.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.senders[n.Channel]; !ok {
		s.mu.Unlock()
		return ErrUnknownChannel
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup && s.store != nil
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(ctx, key, window, maxEntries, persist, pch) {
		s.emit("notifier.deduped", n, key, nil)
		s.log.Debug("alert deduped", logx.String("channel", n.Channel), logx.String("subject", n.Subject))
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.emit("notifier.queued", n, key, nil)
		return nil
	default:
		s.emit("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) emit(typ string, n transport.Notification, key string, err error) {
	ev := NotificationEvent{Channel: n.Channel, Subject: n.Subject, Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(ch, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Channel: ch, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	snd := s.senders[j.n.Channel]
	s.mu.Unlock()
	if snd == nil {
		return
	}

	n := j.n
	if n.Channel == transport.ChannelTelegram {
		n.Text = prefixForPriority(n.Priority) + n.Text
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := snd.Send(callCtx, n)
		cancel()
		if err == nil {
			s.appendHistory(n.Channel, n.Subject)
			s.emit("notifier.sent", j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.String("channel", n.Channel), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert not delivered", logx.String("channel", n.Channel), logx.String("subject", n.Subject), logx.Err(lastErr))
	s.emit("notifier.failed", j.n, j.dedupKey, lastErr)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d|%d|%s|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Subject)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, pch chan dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var minKey string
		var minT time.Time
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before the attempt after attempt, with 0.7..1.3
// jitter and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
