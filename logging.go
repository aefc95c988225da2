// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewJSONLogger returns a logger writing newline-delimited JSON to w, at or
// above level, suitable for [WithLogger].
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func (s *Scheduler) logStatus(g *Guest, old, new Status) {
	s.logger.Trace().
		Int("pid", int(g.pid)).
		Stringer("from", old).
		Stringer("to", new).
		Log("status changed")
}

func (s *Scheduler) logWorker(g *Guest, kind workerKind, msg string) {
	s.logger.Debug().
		Int("pid", int(g.pid)).
		Stringer("worker", kind).
		Log(msg)
}

func (s *Scheduler) logSuppressedFault(g *Guest, err error) {
	if _, ok := s.faultLimiter.Allow(g.pid); !ok {
		return
	}
	s.logger.Debug().
		Int("pid", int(g.pid)).
		Uint64("pc", g.Regs.PC).
		Err(err).
		Log("fault suppressed in speculative mode")
}

// invariant logs and raises an unrecoverable violation.
func (s *Scheduler) invariant(pid PID, cause error) {
	err := &InvariantError{PID: pid, Err: cause}
	s.logger.Crit().
		Int("pid", int(pid)).
		Err(cause).
		Log("invariant violated")
	panic(err)
}
