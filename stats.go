// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time copy of a Scheduler's counters.
type Stats struct {
	// Instructions executed, including suppressed speculative faults.
	Instructions uint64
	// Cycles is the number of steps that executed.
	Cycles uint64
	// Passes is the number of event passes that ran (not skipped).
	Passes uint64
	// Reschedules counts status transitions changing anything but SpecMode.
	Reschedules uint64
	// WorkersStarted and WorkersCanceled count host workers.
	WorkersStarted  uint64
	WorkersCanceled uint64
	// SuppressedFaults counts faults discarded in speculative mode.
	SuppressedFaults uint64
	// Created and Freed count guests.
	Created uint64
	Freed   uint64
}

// counters are updated from the scheduler goroutine and read from any.
type counters struct {
	instructions     atomic.Uint64
	cycles           atomic.Uint64
	passes           atomic.Uint64
	reschedules      atomic.Uint64
	workersStarted   atomic.Uint64
	workersCanceled  atomic.Uint64
	suppressedFaults atomic.Uint64
	created          atomic.Uint64
	freed            atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Instructions:     c.instructions.Load(),
		Cycles:           c.cycles.Load(),
		Passes:           c.passes.Load(),
		Reschedules:      c.reschedules.Load(),
		WorkersStarted:   c.workersStarted.Load(),
		WorkersCanceled:  c.workersCanceled.Load(),
		SuppressedFaults: c.suppressedFaults.Load(),
		Created:          c.created.Load(),
		Freed:            c.freed.Load(),
	}
}

// stopwatch accumulates the wall time during which at least one guest was
// running.
type stopwatch struct {
	started time.Time
	total   time.Duration
	running bool
}

func (x *stopwatch) start(now time.Time) {
	if !x.running {
		x.started = now
		x.running = true
	}
}

func (x *stopwatch) stop(now time.Time) {
	if x.running {
		x.total += now.Sub(x.started)
		x.running = false
	}
}

func (x *stopwatch) elapsed(now time.Time) time.Duration {
	if x.running {
		return x.total + now.Sub(x.started)
	}
	return x.total
}
