// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

// NumGPR is the number of general-purpose registers in a [Regs].
const NumGPR = 16

// RegReturn is the index of the general-purpose register that receives
// system call results.
const RegReturn = 0

// fpuExceptionMask masks every x87 floating-point exception when or'ed into
// the control word.
const fpuExceptionMask = 0x3f

// Regs is the architectural register file of a guest.
type Regs struct {
	GPR        [NumGPR]uint64
	PC         uint64
	SP         uint64
	Flags      uint64
	FPUControl uint16
}

// Return reads the system call result register as a signed value.
func (r *Regs) Return() int64 { return int64(r.GPR[RegReturn]) }

// SetReturn stores a system call result, negative values being -errno.
func (r *Regs) SetReturn(v int64) { r.GPR[RegReturn] = uint64(v) }
