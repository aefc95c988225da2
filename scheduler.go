// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-guestloop/internal/guestmem"
	"github.com/joeycumines/logiface"
)

// Scheduler owns a set of guests and drives them. All methods except
// [Scheduler.ScheduleEvents], [Scheduler.Stats] and [Scheduler.Elapsed] must
// be called from a single goroutine (or with external synchronization), which
// includes calls made by the [Executor].
type Scheduler struct {
	exec           Executor
	signals        SignalSubsystem
	files          FileTable
	logger         *logiface.Logger[logiface.Event]
	faultLimiter   *catrate.Limiter
	rescheduleHook func(g *Guest, old, new Status)
	now            func() time.Time
	reg            *registry

	// notify receives a token whenever a pass is requested.
	notify chan struct{}

	stats counters

	workers sync.WaitGroup

	clockMu sync.Mutex
	clock   stopwatch

	futexSeq        uint64
	maxInstructions uint64
	maxCycles       uint64
	maxSpecBlocks   int

	mu sync.Mutex
	// force is the dirty flag, requesting an event pass; guarded by mu.
	force bool

	closed     atomic.Bool
	stopReason StopReason
}

// New creates a Scheduler with no guests.
func New(exec Executor, opts ...Option) (*Scheduler, error) {
	if exec == nil {
		return nil, ErrNoExecutor
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		exec:            exec,
		signals:         cfg.signals,
		files:           cfg.files,
		logger:          cfg.logger,
		faultLimiter:    cfg.faultLimiter,
		rescheduleHook:  cfg.rescheduleHook,
		now:             cfg.now,
		reg:             newRegistry(cfg.firstPID),
		notify:          make(chan struct{}, 1),
		maxInstructions: cfg.maxInstructions,
		maxCycles:       cfg.maxCycles,
		maxSpecBlocks:   cfg.maxSpecBlocks,
	}
	if s.signals == nil {
		s.signals = PendingSignals{}
	}
	return s, nil
}

func (s *Scheduler) newGuest(mem *shared[Memory], image *shared[any]) *Guest {
	g := &Guest{
		pid:   s.reg.allocPID(),
		mem:   mem,
		image: image,
		spec:  guestmem.NewOverlay(mem.value, s.maxSpecBlocks),
	}
	s.reg.insert(g)
	s.stats.created.Add(1)
	return g
}

// Create adds a new running guest with its own memory. The image is held by
// reference only, and closed (if it implements [io.Closer]) after the last
// guest sharing it is freed.
func (s *Scheduler) Create(mem Memory, image any, regs Regs) *Guest {
	if mem == nil {
		mem = NewMemory()
	}
	g := s.newGuest(newShared(mem), newShared(image))
	g.Regs = regs
	s.SetStatus(g, 0)
	s.logger.Debug().Int("pid", int(g.pid)).Log("guest created")
	return g
}

// CloneOptions configure [Scheduler.Clone].
type CloneOptions struct {
	// ClearChildTID is zeroed and woken as a futex when the child exits.
	ClearChildTID uint64
	// StackPointer, if non-zero, replaces the child's stack pointer.
	StackPointer uint64
	// ExitSignal is raised on the parent when the child exits.
	ExitSignal int
	// Thread places the child in the parent's thread group.
	Thread bool
}

// Clone creates a running child of parent that shares its memory and image.
// The child starts with the parent's registers, and a zero return value.
func (s *Scheduler) Clone(parent *Guest, opts CloneOptions) *Guest {
	g := s.newGuest(parent.mem.acquire(), parent.image.acquire())
	s.inherit(parent, g, opts)
	return g
}

// Fork creates a running child of parent with a copy of its memory.
func (s *Scheduler) Fork(parent *Guest, exitSignal int) (*Guest, error) {
	forker, ok := parent.mem.value.(Forker)
	if !ok {
		return nil, ErrForkUnsupported
	}
	mem, err := forker.Fork()
	if err != nil {
		return nil, fmt.Errorf("guestloop: fork pid %d: %w", parent.pid, err)
	}
	g := s.newGuest(newShared(mem), parent.image.acquire())
	s.inherit(parent, g, CloneOptions{ExitSignal: exitSignal})
	return g, nil
}

func (s *Scheduler) inherit(parent, g *Guest, opts CloneOptions) {
	g.Regs = parent.Regs
	if parent.status.Has(SpecMode) {
		g.Regs = parent.backup
	}
	g.Regs.SetReturn(0)
	if opts.StackPointer != 0 {
		g.Regs.SP = opts.StackPointer
	}
	g.Signals.Blocked = parent.Signals.Blocked
	g.parent = parent.pid
	if opts.Thread {
		g.groupParent = parent.pid
		if parent.groupParent != 0 {
			g.groupParent = parent.groupParent
		}
	}
	g.exitSignal = opts.ExitSignal
	g.clearChildTID = opts.ClearChildTID
	s.SetStatus(g, 0)
	s.logger.Debug().
		Int("pid", int(g.pid)).
		Int("parent", int(parent.pid)).
		Int("group", int(g.groupParent)).
		Log("guest cloned")
}

// Lookup returns the guest with the given pid, or nil.
func (s *Scheduler) Lookup(pid PID) *Guest { return s.reg.lookup(pid) }

// Guests returns the members of a collection, in pid order.
func (s *Scheduler) Guests(c Collection) []*Guest { return s.reg.snapshot(c) }

// All returns every guest, in pid order.
func (s *Scheduler) All() []*Guest { return s.reg.snapshotAll() }

// Len returns the number of members of a collection.
func (s *Scheduler) Len(c Collection) int { return s.reg.len(c) }

// Count returns the number of guests that have not been freed.
func (s *Scheduler) Count() int { return s.reg.count() }

// Stats returns a copy of the counters. Safe to call from any goroutine.
func (s *Scheduler) Stats() Stats { return s.stats.snapshot() }

// Elapsed returns the wall time during which at least one guest was running.
// Safe to call from any goroutine.
func (s *Scheduler) Elapsed() time.Duration {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock.elapsed(s.now())
}

// Free destroys a finished guest, releasing its memory and image references.
// Freeing a guest indexed by any collection other than finished (including a
// finished guest still marked Alloc) is an invariant violation.
func (s *Scheduler) Free(g *Guest) {
	if s.reg.lookup(g.pid) != g {
		return
	}
	for _, c := range s.reg.memberships(g.pid) {
		if c != CollectionFinished {
			s.invariant(g.pid, fmt.Errorf("%w: in %s", errReapReferenced, c))
		}
	}
	if !s.reg.has(CollectionFinished, g.pid) {
		s.invariant(g.pid, fmt.Errorf("%w: not finished", errReapReferenced))
	}
	s.mu.Lock()
	s.cancelWorkersLocked(g)
	s.mu.Unlock()
	s.reg.delete(g)
	if err := s.release(g); err != nil {
		s.logger.Warning().Int("pid", int(g.pid)).Err(err).Log("guest release failed")
	}
	s.stats.freed.Add(1)
	s.logger.Debug().Int("pid", int(g.pid)).Log("guest freed")
}

func (s *Scheduler) release(g *Guest) error {
	var errs []error
	if g.mem != nil {
		errs = append(errs, g.mem.release())
		g.mem = nil
	}
	if g.image != nil {
		errs = append(errs, g.image.release())
		g.image = nil
	}
	g.spec.Clear()
	return errors.Join(errs...)
}

// Close cancels every host worker, waits for them to exit, and frees every
// guest. It must not be called concurrently with Step or Run.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	guests := s.reg.snapshotAll()
	s.mu.Lock()
	for _, g := range guests {
		s.cancelWorkersLocked(g)
	}
	s.mu.Unlock()
	s.workers.Wait()

	var errs []error
	for _, g := range guests {
		s.reg.delete(g)
		errs = append(errs, s.release(g))
		s.stats.freed.Add(1)
	}
	s.clockMu.Lock()
	s.clock.stop(s.now())
	s.clockMu.Unlock()
	s.logger.Debug().Int("guests", len(guests)).Log("scheduler closed")
	return errors.Join(errs...)
}

// Dump writes a diagnostic description of every guest.
func (s *Scheduler) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w,
		"guests=%d running=%d suspended=%d zombie=%d finished=%d alloc=%d\n",
		s.reg.count(),
		s.reg.len(CollectionRunning),
		s.reg.len(CollectionSuspended),
		s.reg.len(CollectionZombie),
		s.reg.len(CollectionFinished),
		s.reg.len(CollectionAlloc),
	); err != nil {
		return err
	}
	for _, g := range s.reg.snapshotAll() {
		if err := g.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
