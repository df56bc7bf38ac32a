package scheduler

import (
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}

	now := time.Now().In(loc)
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:      d.entry.Name,
			Task:      d.entry.Task,
			Spec:      d.spec,
			Triggered: d.triggered,
			LastError: d.lastErr,
		}
		if d.startupSpread > 0 {
			it.StartupSpread = d.startupSpread.String()
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		} else if next, err := NextRun(d.entry.Schedule, loc, now); err == nil {
			// Not running: still show when it would fire.
			it.Next = next
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
