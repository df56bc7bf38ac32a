package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive final failures of one task name.
//
// Success closes the circuit. Once fails reaches the trip threshold the
// circuit opens for base * 2^(fails-trip), capped at maxDelay.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// lockedGet returns the state for key, creating it. Call with mu held.
func (s *circuitStore) lockedGet(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		enabled:    true,
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if opt.CircuitTripFailures > 0 {
		cc.trip = opt.CircuitTripFailures
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	return cc
}

// expire forgets failures that are older than resetAfter.
func (cc circuitCfg) expire(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		*st = circuitState{}
	}
}

func (cc circuitCfg) cooldown(fails int) time.Duration {
	d := cc.baseDelay
	for i := cc.trip; i < fails; i++ {
		d *= 2
		if d >= cc.maxDelay {
			return cc.maxDelay
		}
	}
	return min(d, cc.maxDelay)
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st, ok := s.circuits.m[key]
	if !ok {
		return false, time.Time{}
	}
	cc.expire(st, now)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	key := strings.TrimSpace(name)
	if !cc.enabled || key == "" {
		return
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	if err == nil {
		delete(s.circuits.m, key)
		return
	}
	st := s.circuits.lockedGet(key)
	cc.expire(st, now)
	st.fails++
	st.lastFailure = now
	if st.fails >= cc.trip {
		st.openUntil = now.Add(cc.cooldown(st.fails))
	}
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}

	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
