// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"fmt"
)

// Finish terminates a guest with an exit code. It is a no-op for a guest that
// is already Finished or Zombie.
//
// The guest's workers are canceled, its children are orphaned (orphaned
// zombies are finished, as nobody can reap them), its clear-child-tid word is
// zeroed and woken, its robust futex list is released, and its exit signal is
// raised on its parent. The guest then becomes a Zombie if it has a parent,
// or Finished otherwise.
func (s *Scheduler) Finish(g *Guest, code int) {
	if g.status.Any(Finished | Zombie) {
		return
	}
	s.finish(g, code, false)
	s.ScheduleEvents()
}

// FinishGroup terminates every guest in g's thread group: the group parent
// (g itself, if it has none) and every guest whose group parent it is. The
// group parent follows the rules of Finish, while the other members become
// Finished unconditionally with the group's exit code, including members that
// were already zombies.
func (s *Scheduler) FinishGroup(g *Guest, code int) {
	leaderPID := g.pid
	if g.groupParent != 0 {
		leaderPID = g.groupParent
	}
	leader := s.reg.lookup(leaderPID)
	if leader != nil && leader.groupParent != 0 {
		s.invariant(leader.pid, fmt.Errorf("%w: %d", errNestedGroup, leader.groupParent))
	}

	for _, m := range s.reg.groupMembers(leaderPID) {
		switch {
		case m.status.Has(Finished):
		case m.status.Has(Zombie):
			m.exitCode = code
			s.SetState(m, Finished)
		default:
			s.finish(m, code, true)
		}
	}
	if leader != nil && !leader.status.Any(Finished|Zombie) {
		s.finish(leader, code, false)
	}
	s.logger.Debug().
		Int("pid", int(g.pid)).
		Int("group", int(leaderPID)).
		Int("code", code).
		Log("guest group finished")
	s.ScheduleEvents()
}

func (s *Scheduler) finish(g *Guest, code int, finished bool) {
	s.mu.Lock()
	s.cancelWorkersLocked(g)
	s.mu.Unlock()

	if g.status.Has(Handler) {
		s.signals.ReturnFromHandler(s, g)
	}

	for _, child := range s.reg.children(g.pid) {
		child.parent = 0
		if child.status.Has(Zombie) {
			s.SetState(child, Finished)
		}
	}

	if addr := g.clearChildTID; addr != 0 {
		s.writeResult(g, addr, make([]byte, 4))
		s.FutexWake(addr, 1, FutexBitsetMatchAny)
	}
	s.exitRobustList(g)

	g.timers = [NumTimers]IntervalTimer{}
	g.exitCode = code

	if parent := s.reg.lookup(g.parent); parent != nil && g.exitSignal != 0 {
		parent.Signals.Raise(g.exitSignal)
	}

	if g.parent != 0 && !finished {
		s.SetState(g, Zombie)
	} else {
		s.SetState(g, Finished)
	}
	s.logger.Debug().
		Int("pid", int(g.pid)).
		Int("code", code).
		Stringer("status", g.status).
		Log("guest finished")
}
