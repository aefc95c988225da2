// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"encoding/binary"
	"slices"
)

// FutexBitsetMatchAny is the futex bitset matching every waiter.
const FutexBitsetMatchAny = ^uint32(0)

// Robust futex word bits, and the bound on robust list walks.
const (
	futexWaitersBit = 0x80000000
	futexOwnerDied  = 0x40000000
	futexTIDMask    = 0x3fffffff
	robustListLimit = 2048
)

// FutexWait suspends the guest on the futex word at addr. Only wakes whose
// bitset intersects bitset apply to it.
func (s *Scheduler) FutexWait(g *Guest, addr uint64, bitset uint32) {
	s.Suspend(g, WaitFutex, WaitParams{FutexAddr: addr, FutexBitset: bitset})
}

// futexWaiters returns the guests waiting on addr with a bitset intersecting
// mask, longest waiting first.
func (s *Scheduler) futexWaiters(addr uint64, mask uint32) []*Guest {
	waiters := s.reg.collect(s.reg.sets[CollectionSuspended], func(g *Guest) bool {
		return g.status.Has(Suspended|Futex) &&
			g.wait.FutexAddr == addr &&
			g.wait.FutexBitset&mask != 0
	})
	slices.SortFunc(waiters, func(a, b *Guest) int {
		switch {
		case a.futexSeq < b.futexSeq:
			return -1
		case a.futexSeq > b.futexSeq:
			return 1
		default:
			return 0
		}
	})
	return waiters
}

// FutexWake wakes up to count guests waiting on addr whose bitset intersects
// mask, longest waiting first, returning the number woken.
func (s *Scheduler) FutexWake(addr uint64, count int, mask uint32) int {
	waiters := s.futexWaiters(addr, mask)
	n := min(max(count, 0), len(waiters))
	for _, g := range waiters[:n] {
		g.Regs.SetReturn(0)
		s.wake(g, Futex)
	}
	if n != 0 {
		s.logger.Trace().
			Uint64("addr", addr).
			Int("woken", n).
			Log("futex wake")
	}
	return n
}

// FutexRequeue wakes up to wakeCount waiters on from, then moves up to
// requeueCount of the remaining ones to wait on to, preserving their order.
// It returns the number of guests woken or moved.
func (s *Scheduler) FutexRequeue(from, to uint64, wakeCount, requeueCount int) int {
	waiters := s.futexWaiters(from, FutexBitsetMatchAny)
	woken := s.FutexWake(from, wakeCount, FutexBitsetMatchAny)
	rest := waiters[woken:]
	moved := min(max(requeueCount, 0), len(rest))
	for _, g := range rest[:moved] {
		g.wait.FutexAddr = to
	}
	return woken + moved
}

// exitRobustList releases the futexes on the guest's robust list, marking
// those it owns as owner-died and waking a waiter on each. The list uses the
// 32-bit layout: {next, futex_offset, list_op_pending}, each entry starting
// with its next pointer.
func (s *Scheduler) exitRobustList(g *Guest) {
	head := g.robustList
	if head == 0 {
		return
	}
	mem := g.mem.value
	var b [4]byte
	read := func(addr uint64) (uint32, bool) {
		if err := mem.Read(addr, b[:]); err != nil {
			return 0, false
		}
		return binary.LittleEndian.Uint32(b[:]), true
	}

	next, ok := read(head)
	if !ok {
		return
	}
	offset, ok := read(head + 4)
	if !ok {
		return
	}
	for i := 0; i < robustListLimit && next != 0 && uint64(next) != head; i++ {
		entry := uint64(next)
		if next, ok = read(entry); !ok {
			return
		}
		addr := uint64(uint32(int64(entry) + int64(int32(offset))))
		word, ok := read(addr)
		if !ok || PID(word&futexTIDMask) != g.pid {
			continue
		}
		binary.LittleEndian.PutUint32(b[:], word&futexWaitersBit|futexOwnerDied)
		if mem.Write(addr, b[:]) != nil {
			continue
		}
		if word&futexWaitersBit != 0 {
			s.FutexWake(addr, 1, FutexBitsetMatchAny)
		}
	}
}
