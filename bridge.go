// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"context"
	"fmt"
	"time"
)

// workerKind identifies what a host worker blocks on.
type workerKind uint8

const (
	workerSleep workerKind = iota
	workerReady
	workerTimer
)

// String returns a human-readable representation of the kind.
func (k workerKind) String() string {
	switch k {
	case workerSleep:
		return "sleep"
	case workerReady:
		return "ready"
	case workerTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// worker is a goroutine blocking on the host on behalf of one guest. A guest
// references at most one suspend worker and one timer worker, and the
// reference is cleared (under Scheduler.mu) as soon as the worker completes
// or is canceled: a non-nil reference is the "active" flag.
//
// Workers never touch guest state. Their parameters are copied at spawn, and
// completion only sets the dirty flag.
type worker struct {
	cancel context.CancelFunc
	kind   workerKind
}

// spawn starts a worker running block, which must return promptly once ctx
// is canceled.
func (s *Scheduler) spawn(g *Guest, kind workerKind, block func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, kind: kind}

	s.mu.Lock()
	if kind == workerTimer {
		g.timerWorker = w
	} else {
		g.suspendWorker = w
	}
	s.mu.Unlock()

	s.stats.workersStarted.Add(1)
	s.logWorker(g, kind, "worker started")

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()

		block(ctx)

		s.mu.Lock()
		switch w {
		case g.suspendWorker:
			g.suspendWorker = nil
		case g.timerWorker:
			g.timerWorker = nil
		}
		s.force = true
		s.mu.Unlock()

		s.signal()
	}()
}

// spawnSleep starts a worker that sleeps for d.
func (s *Scheduler) spawnSleep(g *Guest, kind workerKind, d time.Duration) {
	s.spawn(g, kind, func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	})
}

// spawnReady starts a worker that waits for a host descriptor to become
// ready, with an optional timeout (negative to wait indefinitely). Failing to
// allocate the worker's wake descriptor is an invariant violation.
func (s *Scheduler) spawnReady(g *Guest, fd int, events IOEvents, timeout time.Duration) {
	wk, err := newWaker()
	if err != nil {
		s.invariant(g.pid, fmt.Errorf("%w: %w", errWorkerStart, err))
	}
	s.spawn(g, workerReady, func(ctx context.Context) {
		defer wk.close()
		woken := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(woken)
			wk.wake()
		})
		hostWait(wk, fd, events, timeout)
		if !stop() {
			<-woken
		}
	})
}

// cancelSuspendWorkerLocked cancels the guest's suspend worker, if any, and
// forces a pass. Must be called with s.mu held.
func (s *Scheduler) cancelSuspendWorkerLocked(g *Guest) {
	if w := g.suspendWorker; w != nil {
		w.cancel()
		g.suspendWorker = nil
		s.force = true
		s.stats.workersCanceled.Add(1)
		s.logWorker(g, w.kind, "worker canceled")
	}
}

// cancelTimerWorkerLocked cancels the guest's timer worker, if any, and
// forces a pass. Must be called with s.mu held.
func (s *Scheduler) cancelTimerWorkerLocked(g *Guest) {
	if w := g.timerWorker; w != nil {
		w.cancel()
		g.timerWorker = nil
		s.force = true
		s.stats.workersCanceled.Add(1)
		s.logWorker(g, w.kind, "worker canceled")
	}
}

func (s *Scheduler) cancelWorkersLocked(g *Guest) {
	s.cancelSuspendWorkerLocked(g)
	s.cancelTimerWorkerLocked(g)
}

// WorkerActive reports whether the guest has an outstanding suspend worker.
// Safe to call from any goroutine.
func (s *Scheduler) WorkerActive(g *Guest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return g.suspendWorker != nil
}

// ScheduleEvents requests an event pass. Safe to call from any goroutine.
func (s *Scheduler) ScheduleEvents() {
	s.mu.Lock()
	s.force = true
	s.mu.Unlock()
	s.signal()
}

// signal wakes Run, if it is idle.
func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pending reports whether a pass has been requested.
func (s *Scheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.force
}
