// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

// SetStatus replaces the guest's status with requested, after applying the
// terminal collapse and deriving Running, and re-files the guest into the
// collections matching the result.
//
// Any change other than to SpecMode counts as a reschedule, and is passed to
// the hook configured by [WithRescheduleHook]. The elapsed-time stopwatch
// runs while the running collection is non-empty.
//
// Calling SetStatus with the current status only re-files the guest.
func (s *Scheduler) SetStatus(g *Guest, requested Status) {
	if s.reg.lookup(g.pid) != g {
		return
	}
	wasRunning := s.reg.len(CollectionRunning) != 0

	old := g.status
	s.reg.unfile(g)
	g.status = normalize(requested)
	s.reg.file(g)

	if (old^g.status)&^SpecMode != 0 {
		s.stats.reschedules.Add(1)
		if s.rescheduleHook != nil {
			s.rescheduleHook(g, old, g.status)
		}
	}
	if old != g.status {
		s.logStatus(g, old, g.status)
	}

	if isRunning := s.reg.len(CollectionRunning) != 0; isRunning != wasRunning {
		s.clockMu.Lock()
		if isRunning {
			s.clock.start(s.now())
		} else {
			s.clock.stop(s.now())
		}
		s.clockMu.Unlock()
	}
}

// SetState adds flags to the guest's status.
func (s *Scheduler) SetState(g *Guest, flags Status) {
	s.SetStatus(g, g.status|flags)
}

// ClearState removes flags from the guest's status.
func (s *Scheduler) ClearState(g *Guest, flags Status) {
	s.SetStatus(g, g.status&^flags)
}
