// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"math/bits"
)

// Executor executes guest instructions. It is called once per step for each
// running guest, and may call back into the Scheduler, e.g. to suspend the
// guest, force a branch, or finish it.
//
// A returned error is a fault. Faults raised while the guest is in
// speculative mode are suppressed; any other fault stops the run loop.
type Executor interface {
	Execute(s *Scheduler, g *Guest) error
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(s *Scheduler, g *Guest) error

// Execute calls fn(s, g).
func (fn ExecutorFunc) Execute(s *Scheduler, g *Guest) error { return fn(s, g) }

// SignalSubsystem delivers guest signals. The scheduler only raises pending
// bits (timers, child exit) and decides when delivery is attempted.
type SignalSubsystem interface {
	// HasDeliverableSignal reports whether g has a pending, unblocked signal.
	HasDeliverableSignal(g *Guest) bool
	// Deliver runs the handler for one deliverable signal of a running guest.
	Deliver(s *Scheduler, g *Guest)
	// ReturnFromHandler unwinds the handler g is executing, which is
	// indicated by the Handler status flag.
	ReturnFromHandler(s *Scheduler, g *Guest)
}

// PendingSignals is the default [SignalSubsystem]. Delivery consumes the
// lowest deliverable signal and passes it to Handle, if set, with no handler
// frame being entered.
type PendingSignals struct {
	Handle func(g *Guest, sig int)
}

var _ SignalSubsystem = PendingSignals{}

// HasDeliverableSignal implements [SignalSubsystem].
func (PendingSignals) HasDeliverableSignal(g *Guest) bool {
	return g.Signals.Deliverable() != 0
}

// Deliver implements [SignalSubsystem].
func (x PendingSignals) Deliver(_ *Scheduler, g *Guest) {
	set := g.Signals.Deliverable()
	if set == 0 {
		return
	}
	sig := bits.TrailingZeros64(set) + 1
	g.Signals.Pending &^= signalBit(sig)
	if x.Handle != nil {
		x.Handle(g, sig)
	}
}

// ReturnFromHandler implements [SignalSubsystem].
func (PendingSignals) ReturnFromHandler(s *Scheduler, g *Guest) {
	s.ClearState(g, Handler)
}

// FileTable maps guest file descriptors to host file descriptors.
type FileTable interface {
	HostFD(guestFD int) (hostFD int, ok bool)
}

// IdentityFiles maps every non-negative guest descriptor to the same host
// descriptor.
type IdentityFiles struct{}

// HostFD implements [FileTable].
func (IdentityFiles) HostFD(fd int) (int, bool) { return fd, fd >= 0 }

// FileMap is a [FileTable] backed by a map.
type FileMap map[int]int

// HostFD implements [FileTable].
func (x FileMap) HostFD(fd int) (int, bool) {
	host, ok := x[fd]
	return host, ok
}
