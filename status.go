// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"strings"
)

// Status is the set of flags describing a guest's lifecycle.
//
// Invariants, maintained by [Scheduler.SetStatus]:
//   - Running is derived: it is set iff none of Suspended, Finished, Zombie
//     and Locked are set.
//   - Finished and Zombie are terminal: setting either clears every other flag
//     except Alloc. Finished takes precedence over Zombie.
type Status uint32

const (
	Running Status = 1 << iota
	SpecMode
	Suspended
	Finished
	Exclusive
	Locked
	Handler
	SigSuspend
	Nanosleep
	Poll
	Read
	Write
	WaitPid
	Zombie
	Futex
	Alloc
	Callback

	numStatusFlags = iota
)

const (
	// notRunning are the flags that preclude Running.
	notRunning = Suspended | Finished | Zombie | Locked

	// waitReasons are the flags that qualify Suspended.
	waitReasons = SigSuspend | Nanosleep | Poll | Read | Write | WaitPid | Futex | Callback
)

var statusNames = [numStatusFlags]string{
	"running",
	"specmode",
	"suspended",
	"finished",
	"exclusive",
	"locked",
	"handler",
	"sigsuspend",
	"nanosleep",
	"poll",
	"read",
	"write",
	"waitpid",
	"zombie",
	"futex",
	"alloc",
	"callback",
}

// Has reports whether every flag in f is set.
func (s Status) Has(f Status) bool { return s&f == f }

// Any reports whether at least one flag in f is set.
func (s Status) Any(f Status) bool { return s&f != 0 }

// String renders the set as a space-separated list of flag names, e.g.
// "suspended nanosleep".
func (s Status) String() string {
	if s == 0 {
		return "-"
	}
	var b strings.Builder
	for i, name := range statusNames {
		if s&(1<<i) == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte(' ')
		}
		b.WriteString(name)
	}
	if rest := s &^ (1<<numStatusFlags - 1); rest != 0 {
		if b.Len() != 0 {
			b.WriteByte(' ')
		}
		b.WriteString("unknown")
	}
	return b.String()
}

// normalize applies the terminal collapse and recomputes Running.
func normalize(requested Status) Status {
	switch {
	case requested.Has(Finished):
		requested = Finished | requested&Alloc
	case requested.Has(Zombie):
		requested = Zombie | requested&Alloc
	}
	if requested.Any(notRunning) {
		return requested &^ Running
	}
	return requested | Running
}

// Phase is the mutually exclusive lifecycle position implied by a [Status].
type Phase uint8

const (
	PhaseRunning Phase = iota
	PhaseSuspended
	PhaseLocked
	PhaseZombie
	PhaseFinished
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "Running"
	case PhaseSuspended:
		return "Suspended"
	case PhaseLocked:
		return "Locked"
	case PhaseZombie:
		return "Zombie"
	case PhaseFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Phase derives the lifecycle phase. A suspended guest that is also locked is
// suspended: it leaves neither state without the scheduler.
func (s Status) Phase() Phase {
	switch {
	case s.Has(Finished):
		return PhaseFinished
	case s.Has(Zombie):
		return PhaseZombie
	case s.Has(Suspended):
		return PhaseSuspended
	case s.Has(Locked):
		return PhaseLocked
	default:
		return PhaseRunning
	}
}

// WaitReason identifies why a guest is suspended.
type WaitReason uint8

const (
	WaitNone WaitReason = iota
	WaitNanosleep
	WaitSigSuspend
	WaitPoll
	WaitRead
	WaitWrite
	WaitChild
	WaitFutex
	WaitCallback
)

var waitReasonFlags = [...]Status{
	WaitNone:       0,
	WaitNanosleep:  Nanosleep,
	WaitSigSuspend: SigSuspend,
	WaitPoll:       Poll,
	WaitRead:       Read,
	WaitWrite:      Write,
	WaitChild:      WaitPid,
	WaitFutex:      Futex,
	WaitCallback:   Callback,
}

// Flag returns the status flag qualifying Suspended for the reason.
func (r WaitReason) Flag() Status {
	if int(r) < len(waitReasonFlags) {
		return waitReasonFlags[r]
	}
	return 0
}

// String returns a human-readable representation of the reason.
func (r WaitReason) String() string {
	switch r {
	case WaitNone:
		return "None"
	case WaitNanosleep:
		return "Nanosleep"
	case WaitSigSuspend:
		return "SigSuspend"
	case WaitPoll:
		return "Poll"
	case WaitRead:
		return "Read"
	case WaitWrite:
		return "Write"
	case WaitChild:
		return "WaitPid"
	case WaitFutex:
		return "Futex"
	case WaitCallback:
		return "Callback"
	default:
		return "Unknown"
	}
}

// WaitReason returns the reason a suspended status is waiting, or WaitNone.
func (s Status) WaitReason() WaitReason {
	if !s.Has(Suspended) {
		return WaitNone
	}
	for r := WaitNanosleep; r <= WaitCallback; r++ {
		if s.Has(r.Flag()) {
			return r
		}
	}
	return WaitNone
}
