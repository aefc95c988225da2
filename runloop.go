// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"context"
)

// StopReason records why the run loop stopped.
type StopReason uint8

const (
	// StopNone indicates the loop has not stopped.
	StopNone StopReason = iota
	// StopNoGuests indicates every guest finished.
	StopNoGuests
	// StopInstructionLimit indicates the WithMaxInstructions budget ran out.
	StopInstructionLimit
	// StopCycleLimit indicates the WithMaxCycles budget ran out.
	StopCycleLimit
	// StopFault indicates a guest faulted outside speculative mode.
	StopFault
	// StopClosed indicates the Scheduler was closed.
	StopClosed
)

// String returns a human-readable representation of the reason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "None"
	case StopNoGuests:
		return "NoGuests"
	case StopInstructionLimit:
		return "InstructionLimit"
	case StopCycleLimit:
		return "CycleLimit"
	case StopFault:
		return "Fault"
	case StopClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StopReason returns why the last Step reported stop.
func (s *Scheduler) StopReason() StopReason { return s.stopReason }

// Step runs one cycle: every guest running at the start of the cycle (and
// still running when its turn comes) executes once, purely finished guests
// are freed, and an event pass is run. Step reports false once every guest
// has finished, a budget is exhausted, or a guest faults outside speculative
// mode, in which case the fault is returned as a [*FaultError].
//
// Step never blocks.
func (s *Scheduler) Step() (bool, error) {
	switch {
	case s.closed.Load():
		return s.stop(StopClosed), ErrClosed
	case s.reg.count() <= s.reg.len(CollectionFinished):
		return s.stop(StopNoGuests), nil
	case s.maxInstructions != 0 && s.stats.instructions.Load() >= s.maxInstructions:
		return s.stop(StopInstructionLimit), nil
	case s.maxCycles != 0 && s.stats.cycles.Load() >= s.maxCycles:
		return s.stop(StopCycleLimit), nil
	}

	for _, g := range s.reg.snapshot(CollectionRunning) {
		if !g.status.Has(Running) || s.reg.lookup(g.pid) != g {
			continue
		}
		if s.maxInstructions != 0 && s.stats.instructions.Load() >= s.maxInstructions {
			break
		}
		err := s.exec.Execute(s, g)
		s.stats.instructions.Add(1)
		if err = s.Fault(g, err); err != nil {
			return s.stop(StopFault), err
		}
	}
	s.stats.cycles.Add(1)

	for _, g := range s.reg.snapshot(CollectionFinished) {
		if g.status == Finished {
			s.Free(g)
		}
	}

	s.ProcessEvents()
	return true, nil
}

func (s *Scheduler) stop(reason StopReason) bool {
	if s.stopReason != reason {
		s.stopReason = reason
		s.logger.Info().
			Stringer("reason", reason).
			Uint64("instructions", s.stats.instructions.Load()).
			Uint64("cycles", s.stats.cycles.Load()).
			Log("run loop stopped")
	}
	return false
}

// Run calls Step until it reports stop, or ctx is canceled. While no guest
// is running and no pass is pending, Run blocks until a worker completes or
// ScheduleEvents is called, instead of spinning.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.Step()
		if err != nil || !ok {
			return err
		}
		if s.reg.len(CollectionRunning) != 0 || s.pending() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}
