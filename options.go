// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DefaultFirstPID is the pid assigned to the first guest.
const DefaultFirstPID PID = 100

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger          *logiface.Logger[logiface.Event]
	signals         SignalSubsystem
	files           FileTable
	rescheduleHook  func(g *Guest, old, new Status)
	faultLimiter    *catrate.Limiter
	now             func() time.Time
	firstPID        PID
	maxInstructions uint64
	maxCycles       uint64
	maxSpecBlocks   int
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSignalSubsystem replaces the default [PendingSignals] delivery.
func WithSignalSubsystem(signals SignalSubsystem) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if signals == nil {
			return errors.New("guestloop: nil signal subsystem")
		}
		opts.signals = signals
		return nil
	}}
}

// WithFileTable sets the guest to host file descriptor mapping used by Poll,
// Read and Write waits. Defaults to [IdentityFiles].
func WithFileTable(files FileTable) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if files == nil {
			return errors.New("guestloop: nil file table")
		}
		opts.files = files
		return nil
	}}
}

// WithFirstPID sets the pid of the first guest created.
func WithFirstPID(pid PID) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if pid <= 0 {
			return errors.New("guestloop: first pid must be positive")
		}
		opts.firstPID = pid
		return nil
	}}
}

// WithMaxInstructions stops the run loop after n instructions. The budget is
// checked before every instruction, so a cycle may end early. Zero is
// unlimited.
func WithMaxInstructions(n uint64) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.maxInstructions = n
		return nil
	}}
}

// WithMaxCycles stops the run loop after n steps. Zero is unlimited.
func WithMaxCycles(n uint64) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.maxCycles = n
		return nil
	}}
}

// WithRescheduleHook is called whenever a status transition changes anything
// other than SpecMode, e.g. to let a timing model re-evaluate its thread
// allocation. The hook must not re-enter the Scheduler.
func WithRescheduleHook(fn func(g *Guest, old, new Status)) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.rescheduleHook = fn
		return nil
	}}
}

// WithFaultLogRates limits how often faults suppressed in speculative mode
// are logged, per guest, as per [catrate.NewLimiter]. An empty map logs every
// fault. Defaults to 5 per second and 60 per minute.
func WithFaultLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) (err error) {
		if len(rates) == 0 {
			opts.faultLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("guestloop: fault log rates: %v", r)
			}
		}()
		opts.faultLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithSpeculativeBlocks bounds the speculative memory overlay of each guest,
// in 16-byte blocks. Writes beyond the bound are discarded.
func WithSpeculativeBlocks(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("guestloop: speculative blocks must be positive")
		}
		opts.maxSpecBlocks = n
		return nil
	}}
}

// WithClock overrides the wall clock consulted for deadlines and timers.
// Host workers always sleep in real time, so the clock must not run slower
// than it.
func WithClock(now func() time.Time) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if now == nil {
			return errors.New("guestloop: nil clock")
		}
		opts.now = now
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		firstPID: DefaultFirstPID,
		files:    IdentityFiles{},
		now:      time.Now,
		faultLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
