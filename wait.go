// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"time"
)

// IOEvents is a guest poll event mask, using the guest ABI's bit values.
type IOEvents uint16

const (
	EventRead    IOEvents = 0x0001 // POLLIN
	EventWrite   IOEvents = 0x0004 // POLLOUT
	EventError   IOEvents = 0x0008 // POLLERR
	EventHangup  IOEvents = 0x0010 // POLLHUP
	EventInvalid IOEvents = 0x0020 // POLLNVAL
)

// WaitParams are the wake parameters of a suspended guest. Which fields are
// meaningful depends on the [WaitReason].
type WaitParams struct {
	// Deadline is the absolute wake time for Nanosleep, and the timeout for
	// Poll. The zero value is no timeout.
	Deadline time.Time

	// CanWake is the wake predicate for Callback waits.
	CanWake func(g *Guest) bool
	// OnWake runs after a Callback wait is satisfied.
	OnWake func(g *Guest)

	// ResultAddr receives the wait's result, if non-zero:
	//   - Nanosleep: the remaining time, as 32-bit seconds then microseconds.
	//   - Poll: the 16-bit returned event mask.
	//   - WaitPid: the 32-bit exit code of the reaped child.
	ResultAddr uint64

	// BufAddr and Count describe the guest buffer of a Read or Write. At
	// most MaxIOChunk bytes are transferred per wait, the rest being left to
	// the guest as a short count.
	BufAddr uint64
	Count   int

	// FutexAddr is the futex word a Futex wait sleeps on.
	FutexAddr uint64

	// FD is the guest file descriptor of a Poll, Read or Write.
	FD int

	// PID selects the child for WaitPid, or [AnyChild].
	PID PID

	// FutexBitset is the wake mask of a Futex wait.
	FutexBitset uint32

	// Events is the requested event mask of a Poll.
	Events IOEvents
}

// Guest ABI errno values, returned negated in the result register.
// MaxIOChunk bounds the bytes moved by a single Read or Write wait.
const MaxIOChunk = 64 << 10

const (
	errnoEINTR      = 4
	errnoEIO        = 5
	errnoEBADF      = 9
	errnoECHILD     = 10
	errnoEAGAIN     = 11
	errnoEFAULT     = 14
	errnoEINVAL     = 22
	errnoEPIPE      = 32
	errnoECONNRESET = 104
)
