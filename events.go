// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Suspend moves a guest to Suspended for reason, with the given wake
// parameters, and requests an event pass. The guest must not already be
// suspended. Guests only leave Suspended via ProcessEvents, FutexWake,
// FutexRequeue and finishing.
//
// Suspending for WaitSigSuspend keeps the current blocked-signal mask; use
// SigSuspend to install a temporary one.
func (s *Scheduler) Suspend(g *Guest, reason WaitReason, params WaitParams) {
	if reason == WaitSigSuspend {
		g.Signals.Backup = g.Signals.Blocked
	}
	s.suspend(g, reason, params)
}

func (s *Scheduler) suspend(g *Guest, reason WaitReason, params WaitParams) {
	if reason == WaitNone {
		return
	}
	g.wait = params
	if reason == WaitFutex {
		s.futexSeq++
		g.futexSeq = s.futexSeq
	}
	s.SetStatus(g, g.status&^waitReasons|Suspended|reason.Flag())
	s.ScheduleEvents()
}

// SuspendCallback suspends a guest until canWake returns true, at which point
// onWake (which may be nil) is called. The predicate is evaluated on every
// event pass, so whatever makes it true must call ScheduleEvents.
func (s *Scheduler) SuspendCallback(g *Guest, canWake func(g *Guest) bool, onWake func(g *Guest)) {
	if g.status.Has(Suspended) {
		s.invariant(g.pid, errAlreadySuspended)
	}
	s.Suspend(g, WaitCallback, WaitParams{CanWake: canWake, OnWake: onWake})
}

// SigSuspend installs a temporary blocked-signal mask and suspends the guest
// until a signal it does not block is pending. The previous mask is restored
// on wake.
func (s *Scheduler) SigSuspend(g *Guest, mask uint64) {
	g.Signals.Backup = g.Signals.Blocked
	g.Signals.Blocked = mask
	s.suspend(g, WaitSigSuspend, WaitParams{})
}

// SetTimer arms (or, with a zero value, disarms) one of the guest's interval
// timers, returning its previous state.
func (s *Scheduler) SetTimer(g *Guest, which TimerKind, value time.Time, interval time.Duration) IntervalTimer {
	old := g.timers[which]
	g.timers[which] = IntervalTimer{Value: value, Interval: interval}
	if value.IsZero() {
		g.timers[which].Interval = 0
	}
	s.mu.Lock()
	s.cancelTimerWorkerLocked(g)
	s.force = true
	s.mu.Unlock()
	s.signal()
	return old
}

// ProcessEvents runs an event pass, if one was requested since the last, and
// reports whether it ran. A pass:
//
//  1. Resolves the waits of suspended guests that are satisfied, starting
//     host workers for those that are not.
//  2. Fires expired interval timers, starting a worker for the next expiry.
//  3. Delivers signals to running guests.
//
// Guests with a worker active at the start of the pass are skipped by the
// corresponding step. Requests made during the pass, including by worker
// completions, are observed by the next one. ProcessEvents never blocks.
func (s *Scheduler) ProcessEvents() bool {
	s.mu.Lock()
	if !s.force {
		s.mu.Unlock()
		return false
	}
	s.force = false
	suspended := s.reg.snapshot(CollectionSuspended)
	all := s.reg.snapshotAll()
	waiting := make(map[*Guest]struct{})
	for _, g := range suspended {
		if g.suspendWorker != nil {
			waiting[g] = struct{}{}
		}
	}
	timing := make(map[*Guest]struct{})
	for _, g := range all {
		if g.timerWorker != nil {
			timing[g] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.stats.passes.Add(1)
	now := s.now()

	for _, g := range suspended {
		if _, ok := waiting[g]; ok || !g.status.Has(Suspended) {
			continue
		}
		s.resolveWait(g, now)
	}

	for _, g := range all {
		if _, ok := timing[g]; ok || g.status.Any(Finished|Zombie) || s.reg.lookup(g.pid) != g {
			continue
		}
		s.checkTimers(g, now)
	}

	for _, g := range s.reg.snapshot(CollectionRunning) {
		if g.status.Has(Running) && s.signals.HasDeliverableSignal(g) {
			s.signals.Deliver(s, g)
		}
	}

	return true
}

// wake returns a suspended guest to running.
func (s *Scheduler) wake(g *Guest, reason Status) {
	g.wait = WaitParams{}
	g.futexSeq = 0
	s.ClearState(g, Suspended|reason)
}

func (s *Scheduler) resolveWait(g *Guest, now time.Time) {
	switch g.status.WaitReason() {
	case WaitNanosleep:
		s.resolveNanosleep(g, now)
	case WaitSigSuspend:
		s.resolveSigSuspend(g)
	case WaitPoll:
		s.resolvePoll(g, now)
	case WaitRead:
		s.resolveRead(g)
	case WaitWrite:
		s.resolveWrite(g)
	case WaitChild:
		s.resolveWaitPid(g)
	case WaitCallback:
		s.resolveCallback(g)
	}
}

// writeResult stores a wait's result in real guest memory. A bad address is
// the guest's problem, so it is only logged.
func (s *Scheduler) writeResult(g *Guest, addr uint64, p []byte) {
	if err := g.mem.value.Write(addr, p); err != nil {
		s.logger.Warning().
			Int("pid", int(g.pid)).
			Uint64("addr", addr).
			Err(err).
			Log("wait result not stored")
	}
}

func (s *Scheduler) resolveNanosleep(g *Guest, now time.Time) {
	p := g.wait
	if !now.Before(p.Deadline) {
		if p.ResultAddr != 0 {
			s.writeResult(g, p.ResultAddr, make([]byte, 8))
		}
		g.Regs.SetReturn(0)
		s.wake(g, Nanosleep)
		return
	}
	if s.signals.HasDeliverableSignal(g) {
		if p.ResultAddr != 0 {
			remaining := p.Deadline.Sub(now)
			var b [8]byte
			binary.LittleEndian.PutUint32(b[0:], uint32(remaining/time.Second))
			binary.LittleEndian.PutUint32(b[4:], uint32(remaining%time.Second/time.Microsecond))
			s.writeResult(g, p.ResultAddr, b[:])
		}
		g.Regs.SetReturn(-errnoEINTR)
		s.wake(g, Nanosleep)
		return
	}
	s.spawnSleep(g, workerSleep, p.Deadline.Sub(now))
}

func (s *Scheduler) resolveSigSuspend(g *Guest) {
	if !s.signals.HasDeliverableSignal(g) {
		return
	}
	// delivered under the temporary mask, which is what made it deliverable
	s.signals.Deliver(s, g)
	g.Signals.Blocked = g.Signals.Backup
	g.Regs.SetReturn(-errnoEINTR)
	s.wake(g, SigSuspend)
}

func (s *Scheduler) resolvePoll(g *Guest, now time.Time) {
	p := g.wait
	if s.signals.HasDeliverableSignal(g) {
		g.Regs.SetReturn(-errnoEINTR)
		s.wake(g, Poll)
		return
	}
	fd, ok := s.files.HostFD(p.FD)
	if !ok {
		s.pollResult(g, EventInvalid, 1)
		return
	}
	ready, err := hostReady(fd, p.Events)
	if err != nil {
		g.Regs.SetReturn(-guestErrno(err))
		s.wake(g, Poll)
		return
	}
	switch {
	case ready&p.Events&EventWrite != 0:
		s.pollResult(g, EventWrite, 1)
	case ready&p.Events&EventRead != 0:
		s.pollResult(g, EventRead, 1)
	case ready&(EventError|EventHangup|EventInvalid) != 0:
		s.pollResult(g, ready&(EventError|EventHangup|EventInvalid), 1)
	case !p.Deadline.IsZero() && !now.Before(p.Deadline):
		s.pollResult(g, 0, 0)
	case p.Deadline.IsZero():
		s.spawnReady(g, fd, p.Events, -1)
	default:
		s.spawnReady(g, fd, p.Events, p.Deadline.Sub(now))
	}
}

func (s *Scheduler) pollResult(g *Guest, revents IOEvents, ret int64) {
	if addr := g.wait.ResultAddr; addr != 0 {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(revents))
		s.writeResult(g, addr, b[:])
	}
	g.Regs.SetReturn(ret)
	s.wake(g, Poll)
}

func (s *Scheduler) resolveRead(g *Guest) {
	p := g.wait
	if s.signals.HasDeliverableSignal(g) {
		g.Regs.SetReturn(-errnoEINTR)
		s.wake(g, Read)
		return
	}
	fd, ok := s.files.HostFD(p.FD)
	if !ok {
		g.Regs.SetReturn(-errnoEBADF)
		s.wake(g, Read)
		return
	}
	ready, err := hostReady(fd, EventRead)
	if err == nil && ready == 0 {
		s.spawnReady(g, fd, EventRead, -1)
		return
	}
	buf := make([]byte, ioChunk(p.Count))
	n, err := hostRead(fd, buf)
	switch {
	case err != nil && isWouldBlock(err):
		s.spawnReady(g, fd, EventRead, -1)
		return
	case err != nil:
		g.Regs.SetReturn(-guestErrno(err))
	case g.mem.value.Write(p.BufAddr, buf[:n]) != nil:
		g.Regs.SetReturn(-errnoEFAULT)
	default:
		g.Regs.SetReturn(int64(n))
	}
	s.wake(g, Read)
}

// ioChunk clamps a guest-supplied transfer length.
func ioChunk(count int) int { return min(max(count, 0), MaxIOChunk) }

func (s *Scheduler) resolveWrite(g *Guest) {
	p := g.wait
	if s.signals.HasDeliverableSignal(g) {
		g.Regs.SetReturn(-errnoEINTR)
		s.wake(g, Write)
		return
	}
	fd, ok := s.files.HostFD(p.FD)
	if !ok {
		g.Regs.SetReturn(-errnoEBADF)
		s.wake(g, Write)
		return
	}
	ready, err := hostReady(fd, EventWrite)
	if err == nil && ready == 0 {
		s.spawnReady(g, fd, EventWrite, -1)
		return
	}
	buf := make([]byte, ioChunk(p.Count))
	if err := g.mem.value.Read(p.BufAddr, buf); err != nil {
		g.Regs.SetReturn(-errnoEFAULT)
		s.wake(g, Write)
		return
	}
	n, err := hostWrite(fd, buf)
	switch {
	case err != nil && isWouldBlock(err):
		s.spawnReady(g, fd, EventWrite, -1)
		return
	case err != nil:
		g.Regs.SetReturn(-guestErrno(err))
	default:
		g.Regs.SetReturn(int64(n))
	}
	s.wake(g, Write)
}

func (s *Scheduler) resolveWaitPid(g *Guest) {
	p := g.wait
	child := s.reg.zombieChild(g.pid, p.PID)
	if child == nil {
		if !s.hasChild(g.pid, p.PID) {
			g.Regs.SetReturn(-errnoECHILD)
			s.wake(g, WaitPid)
		}
		return
	}
	if p.ResultAddr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(child.exitCode)))
		s.writeResult(g, p.ResultAddr, b[:])
	}
	g.Regs.SetReturn(int64(child.pid))
	s.SetState(child, Finished)
	s.wake(g, WaitPid)
}

// hasChild reports whether parent has a child matching pid that may yet
// become a zombie.
func (s *Scheduler) hasChild(parent, pid PID) bool {
	for _, c := range s.reg.children(parent) {
		if (pid == AnyChild || c.pid == pid) && !c.status.Has(Finished) {
			return true
		}
	}
	return false
}

func (s *Scheduler) resolveCallback(g *Guest) {
	p := g.wait
	if p.CanWake == nil || !p.CanWake(g) {
		return
	}
	s.wake(g, Callback)
	if p.OnWake != nil {
		p.OnWake(g)
	}
}

// checkTimers fires the guest's expired interval timers, and starts a worker
// for the earliest remaining one.
func (s *Scheduler) checkTimers(g *Guest, now time.Time) {
	var next time.Time
	for k := range g.timers {
		t := &g.timers[k]
		if !t.Armed() {
			continue
		}
		if !now.Before(t.Value) {
			s.mu.Lock()
			s.cancelSuspendWorkerLocked(g)
			s.force = true
			s.mu.Unlock()

			g.Signals.Raise(TimerKind(k).Signal())
			if t.Interval > 0 {
				missed := now.Sub(t.Value)/t.Interval + 1
				t.Value = t.Value.Add(missed * t.Interval)
			} else {
				*t = IntervalTimer{}
			}
			s.logger.Debug().
				Int("pid", int(g.pid)).
				Int("signal", TimerKind(k).Signal()).
				Log("interval timer expired")
		}
		if t.Armed() && (next.IsZero() || t.Value.Before(next)) {
			next = t.Value
		}
	}
	if !next.IsZero() {
		s.spawnSleep(g, workerTimer, next.Sub(now))
	}
}

// String implements fmt.Stringer, for diagnostics.
func (p WaitParams) String() string {
	return fmt.Sprintf("fd=%d events=%#x deadline=%v pid=%d futex=%#x",
		p.FD, uint16(p.Events), p.Deadline, p.PID, p.FutexAddr)
}
