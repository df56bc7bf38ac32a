package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"shopd/internal/eventbus"
	"shopd/pkg/logx"
)

const triggerTimeout = 10 * time.Second

func New(cfg Config, pub Publisher, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		cfg:         cfg,
		log:         log.Component("beat"),
		bus:         bus,
		pub:         pub,
		parser:      specParser,
		lastEnqWarn: map[string]time.Time{},
	}
	for _, e := range cfg.Entries {
		if err := s.upsertLocked(e); err != nil {
			s.log.Error("schedule rejected", logx.String("name", e.Name), logx.String("spec", e.Schedule), logx.Err(err))
		}
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location returns the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps timezone and table. Entries that did not change keep their
// cron registration and counters.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.syncLocked(cfg.Entries)
	running := s.c != nil
	tzChanged := strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone)
	if running && cfg.Enabled && tzChanged {
		// cron binds the location at construction.
		s.restartLocked()
	}
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled && prev.Enabled != cfg.Enabled:
		s.Start(ctx)
	}
}

// Start starts cron triggering. It is a no-op when beat is disabled.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("beat disabled")
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("beat started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering. Runs already published keep going in the engine.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("beat stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("beat stopped", logx.Duration("took", time.Since(start)))
}

// Add registers or replaces the entry with the same name.
func (s *Service) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(e)
}

// Remove unschedules the named entry. It reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Entries returns the current table.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.entry)
	}
	return out
}

func (s *Service) upsertLocked(e Entry) error {
	e.Name = strings.TrimSpace(e.Name)
	e.Task = strings.TrimSpace(e.Task)
	if e.Name == "" {
		return errors.New("schedule name required")
	}
	if e.Task == "" {
		return fmt.Errorf("schedule %s: task required", e.Name)
	}
	ps, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}

	s.removeLocked(e.Name)
	d := &scheduleDef{entry: e, spec: ps.Spec()}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	i := slices.IndexFunc(s.defs, func(d *scheduleDef) bool { return d.entry.Name == name })
	if i < 0 {
		return false
	}
	if s.c != nil && s.defs[i].entryID != 0 {
		s.c.Remove(s.defs[i].entryID)
	}
	s.defs = slices.Delete(s.defs, i, i+1)
	return true
}

func (s *Service) syncLocked(entries []Entry) {
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[strings.TrimSpace(e.Name)] = true
	}
	for _, d := range slices.Clone(s.defs) {
		if !keep[d.entry.Name] {
			s.removeLocked(d.entry.Name)
			s.log.Info("schedule removed", logx.String("name", d.entry.Name))
		}
	}
	for _, e := range entries {
		i := slices.IndexFunc(s.defs, func(d *scheduleDef) bool { return d.entry.Name == strings.TrimSpace(e.Name) })
		if i >= 0 && s.defs[i].entry == e {
			continue
		}
		if err := s.upsertLocked(e); err != nil {
			s.log.Error("schedule rejected", logx.String("name", e.Name), logx.String("spec", e.Schedule), logx.Err(err))
			continue
		}
		s.log.Info("schedule updated", logx.String("name", e.Name), logx.String("task", e.Task), logx.String("spec", e.Schedule))
	}
}

func (s *Service) registerLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { s.trigger(d) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc), d.entry.Name)
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.entry.Name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		s.log.Debug("schedule registered", logx.String("name", d.entry.Name), logx.String("task", d.entry.Task), logx.String("spec", d.spec), logx.String("next", next))
	}
}

func (s *Service) trigger(d *scheduleDef) {
	s.mu.Lock()
	name, task := d.entry.Name, d.entry.Task
	d.triggered++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
	defer cancel()
	err := s.pub.Periodic(ctx, name, task)

	s.mu.Lock()
	if err != nil {
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.reportEnqueueError(name, err)
		return
	}
	s.log.Debug("schedule triggered", logx.String("schedule", name), logx.String("task", task))
	eventbus.Emit(s.bus, "beat.triggered", map[string]string{"schedule": name, "task": task})
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Not waiting for Done: a running trigger needs s.mu to finish.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("beat restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
