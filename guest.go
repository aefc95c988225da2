// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-guestloop/internal/guestmem"
)

// PID identifies a guest. The zero PID means "none".
type PID int

// AnyChild is the WaitPid target matching every child.
const AnyChild PID = -1

type (
	// Memory is a byte-addressable guest address space. Implementations that
	// also implement [Forker] support [Scheduler.Fork], and implementations
	// that implement [io.Closer] are closed once the last guest referencing
	// them is freed.
	Memory = guestmem.Memory

	// Forker is implemented by memories that can be copied for a forked guest.
	Forker = guestmem.Forker
)

// NewMemory returns an empty guest memory that allocates pages on demand.
func NewMemory() Memory { return guestmem.NewSparse() }

// TimerKind selects one of the per-guest interval timers.
type TimerKind int

const (
	TimerReal TimerKind = iota
	TimerVirtual
	TimerProf

	NumTimers = 3
)

// Guest signal numbers raised by the scheduler itself.
const (
	SIGCHLD   = 17
	SIGALRM   = 14
	SIGVTALRM = 26
	SIGPROF   = 27
)

// Signal returns the signal raised when a timer of this kind expires.
func (k TimerKind) Signal() int {
	switch k {
	case TimerReal:
		return SIGALRM
	case TimerVirtual:
		return SIGVTALRM
	case TimerProf:
		return SIGPROF
	default:
		return 0
	}
}

// IntervalTimer is the state of one interval timer. A zero Value is disarmed.
type IntervalTimer struct {
	Value    time.Time
	Interval time.Duration
}

// Armed reports whether the timer will fire.
func (x IntervalTimer) Armed() bool { return !x.Value.IsZero() }

// SignalState holds the signal bitmaps of a guest, bit n-1 representing
// signal n.
type SignalState struct {
	// Pending signals, raised but not yet delivered.
	Pending uint64
	// Blocked signals, which may not be delivered.
	Blocked uint64
	// Backup of Blocked, saved while a temporary mask is installed (e.g. by
	// sigsuspend).
	Backup uint64
}

func signalBit(sig int) uint64 {
	if sig < 1 || sig > 64 {
		return 0
	}
	return 1 << (sig - 1)
}

// Raise marks sig pending.
func (x *SignalState) Raise(sig int) { x.Pending |= signalBit(sig) }

// IsPending reports whether sig is pending.
func (x *SignalState) IsPending(sig int) bool { return x.Pending&signalBit(sig) != 0 }

// Deliverable returns the pending, unblocked signals.
func (x *SignalState) Deliverable() uint64 { return x.Pending &^ x.Blocked }

// shared is a reference-counted resource held by one or more guests.
type shared[T any] struct {
	value T
	refs  int
}

func newShared[T any](v T) *shared[T] { return &shared[T]{value: v, refs: 1} }

func (x *shared[T]) acquire() *shared[T] {
	x.refs++
	return x
}

// release drops a reference, closing the value after the last one.
func (x *shared[T]) release() error {
	x.refs--
	if x.refs == 0 {
		if c, ok := any(x.value).(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}

// Guest is a simulated process or thread. Guests are created and owned by a
// [Scheduler], and must only be used from the goroutine driving it.
//
// Regs is the live register file, which the instruction executor mutates
// directly. All other state changes go through Scheduler methods.
type Guest struct {
	Regs Regs

	// Signals are the signal bitmaps consulted by the [SignalSubsystem].
	Signals SignalState

	backup Regs
	wait   WaitParams
	timers [NumTimers]IntervalTimer

	mem   *shared[Memory]
	image *shared[any]
	spec  *guestmem.Overlay

	// guarded by Scheduler.mu
	suspendWorker *worker
	timerWorker   *worker

	pid         PID
	parent      PID
	groupParent PID

	exitCode      int
	exitSignal    int
	clearChildTID uint64
	robustList    uint64
	futexSeq      uint64

	status Status
}

// PID returns the guest's process id.
func (g *Guest) PID() PID { return g.pid }

// Parent returns the pid of the guest's parent, or 0 if it has none.
func (g *Guest) Parent() PID { return g.parent }

// GroupParent returns the pid of the guest's thread-group leader, or 0 if the
// guest is itself a leader.
func (g *Guest) GroupParent() PID { return g.groupParent }

// Status returns the current status flags.
func (g *Guest) Status() Status { return g.status }

// Wait returns the wake parameters of the current suspension.
func (g *Guest) Wait() WaitParams { return g.wait }

// ExitCode is valid once the guest is Finished or Zombie.
func (g *Guest) ExitCode() int { return g.exitCode }

// ExitSignal returns the signal raised on the parent when the guest exits.
func (g *Guest) ExitSignal() int { return g.exitSignal }

// SetExitSignal changes the signal raised on the parent at exit, 0 for none.
func (g *Guest) SetExitSignal(sig int) { g.exitSignal = sig }

// SetClearChildTID sets the address zeroed, and woken as a futex, at exit.
func (g *Guest) SetClearChildTID(addr uint64) { g.clearChildTID = addr }

// SetRobustList sets the head of the guest's robust futex list.
func (g *Guest) SetRobustList(head uint64) { g.robustList = head }

// Image returns the program image shared with the guest's clones.
func (g *Guest) Image() any {
	if g.image == nil {
		return nil
	}
	return g.image.value
}

// Memory returns the guest's real (non-speculative) memory.
func (g *Guest) Memory() Memory { return g.mem.value }

// Timer returns the state of one of the guest's interval timers.
func (g *Guest) Timer(which TimerKind) IntervalTimer { return g.timers[which] }

// Dump writes a diagnostic description of the guest.
func (g *Guest) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"guest %d: parent=%d group=%d status=[%s] pc=%#x sp=%#x ret=%d",
		g.pid, g.parent, g.groupParent, g.status, g.Regs.PC, g.Regs.SP, g.Regs.Return(),
	)
	if err == nil && g.status.Has(Suspended) {
		_, err = fmt.Fprintf(w, " wait=%s [%s]", g.status.WaitReason(), g.wait)
	}
	if err == nil && g.status.Any(Finished|Zombie) {
		_, err = fmt.Fprintf(w, " exit=%d", g.exitCode)
	}
	if err == nil {
		_, err = io.WriteString(w, "\n")
	}
	return err
}
