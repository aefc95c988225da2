// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

// ForceBranch redirects the guest to pc. If pc differs from the current
// program counter, and the guest is not already speculating, the guest enters
// speculative mode: its registers are backed up, and floating-point
// exceptions are masked, so that the wrong path cannot trap.
func (s *Scheduler) ForceBranch(g *Guest, pc uint64) {
	if pc != g.Regs.PC && !g.status.Has(SpecMode) {
		s.SetState(g, SpecMode)
		g.backup = g.Regs
		g.Regs.FPUControl |= fpuExceptionMask
	}
	g.Regs.PC = pc
}

// Recover leaves speculative mode, restoring the registers saved by
// ForceBranch and discarding every speculative memory write. Calling Recover
// outside of speculative mode is an invariant violation.
func (s *Scheduler) Recover(g *Guest) {
	if !g.status.Has(SpecMode) {
		s.invariant(g.pid, errNotSpeculative)
	}
	s.ClearState(g, SpecMode)
	g.Regs = g.backup
	g.backup = Regs{}
	g.spec.Clear()
}

// Fault classifies an instruction-level fault. Faults raised in speculative
// mode are suppressed, and nil is returned; otherwise a [*FaultError] is.
func (s *Scheduler) Fault(g *Guest, err error) error {
	if err == nil {
		return nil
	}
	if g.status.Has(SpecMode) {
		s.stats.suppressedFaults.Add(1)
		s.logSuppressedFault(g, err)
		return nil
	}
	s.logger.Err().
		Int("pid", int(g.pid)).
		Uint64("pc", g.Regs.PC).
		Err(err).
		Log("guest fault")
	return &FaultError{PID: g.pid, PC: g.Regs.PC, Err: err}
}

// ReadMem reads guest memory as the guest observes it: through the
// speculative overlay while in speculative mode.
func (g *Guest) ReadMem(addr uint64, p []byte) error {
	if g.status.Has(SpecMode) {
		return g.spec.Read(addr, p)
	}
	return g.mem.value.Read(addr, p)
}

// WriteMem writes guest memory as the guest observes it. Writes in
// speculative mode never reach real memory.
func (g *Guest) WriteMem(addr uint64, p []byte) error {
	if g.status.Has(SpecMode) {
		return g.spec.Write(addr, p)
	}
	return g.mem.value.Write(addr, p)
}

// SpeculativeByte reports the byte at addr held by the speculative overlay,
// if any.
func (g *Guest) SpeculativeByte(addr uint64) (byte, bool) {
	return g.spec.Lookup(addr)
}
