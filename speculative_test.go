package guestloop

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRegs(r *rand.Rand) Regs {
	var regs Regs
	for i := range regs.GPR {
		regs.GPR[i] = r.Uint64()
	}
	regs.PC = r.Uint64()
	regs.SP = r.Uint64()
	regs.Flags = r.Uint64()
	regs.FPUControl = uint16(r.Uint32())
	return regs
}

func TestScheduler_ForceBranch_recoverRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	r := rand.New(rand.NewPCG(7, 8))
	for range 200 {
		regs := randomRegs(r)
		g := s.Create(nil, nil, regs)

		s.ForceBranch(g, regs.PC+4)
		require.True(t, g.Status().Has(SpecMode))
		assert.Equal(t, regs.PC+4, g.Regs.PC)
		assert.Equal(t, regs.FPUControl|fpuExceptionMask, g.Regs.FPUControl)

		addr := r.Uint64N(1 << 32)
		require.NoError(t, g.WriteMem(addr, []byte{0xaa, 0xbb}))
		_, ok := g.SpeculativeByte(addr)
		require.True(t, ok)

		s.Recover(g)
		assert.False(t, g.Status().Has(SpecMode))
		assert.Equal(t, regs, g.Regs)
		_, ok = g.SpeculativeByte(addr)
		assert.False(t, ok, "overlay must be empty after recovery")
		assert.Equal(t, []byte{0, 0}, readMem(t, g.Memory(), addr, 2), "speculative writes never reach memory")
	}
}

func TestScheduler_ForceBranch_samePCOrNested(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{PC: 0x1000})

	s.ForceBranch(g, 0x1000)
	assert.False(t, g.Status().Has(SpecMode), "branch to the current pc is not speculative")

	s.ForceBranch(g, 0x2000)
	s.ForceBranch(g, 0x3000)
	assert.Equal(t, uint64(0x3000), g.Regs.PC)
	s.Recover(g)
	assert.Equal(t, uint64(0x1000), g.Regs.PC, "the first backup wins")
}

func TestScheduler_Recover_notSpeculative(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{})
	requireInvariant(t, func() { s.Recover(g) })
}

func TestGuest_ReadMem_throughOverlay(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{})
	require.NoError(t, g.WriteMem(0x500, []byte("real")))

	s.ForceBranch(g, 0x10)
	require.NoError(t, g.WriteMem(0x501, []byte("EA")))
	assert.Equal(t, []byte("rEAl"), func() []byte {
		b := make([]byte, 4)
		require.NoError(t, g.ReadMem(0x500, b))
		return b
	}())
	assert.Equal(t, []byte("real"), readMem(t, g.Memory(), 0x500, 4))
}

func TestScheduler_Fault(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil, WithFaultLogRates(nil))
	g := s.Create(nil, nil, Regs{PC: 0x42})
	cause := errors.New("divide by zero")

	assert.NoError(t, s.Fault(g, nil))

	err := s.Fault(g, cause)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, g.PID(), fault.PID)
	assert.Equal(t, uint64(0x42), fault.PC)
	assert.ErrorIs(t, err, cause)

	s.ForceBranch(g, 0x80)
	assert.NoError(t, s.Fault(g, cause))
	assert.Equal(t, uint64(1), s.Stats().SuppressedFaults)
}
