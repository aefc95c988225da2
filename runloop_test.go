package guestloop

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDivideByZero = errors.New("divide by zero")

func TestScheduler_Step_speculativeFaultSuppressed(t *testing.T) {
	t.Parallel()
	var steps int
	exec := ExecutorFunc(func(s *Scheduler, g *Guest) error {
		defer func() { steps++ }()
		switch steps {
		case 0:
			s.ForceBranch(g, 0x4000)
			return nil
		case 1:
			g.Regs.GPR[1] = 0xdead
			return errDivideByZero
		default:
			return nil
		}
	})
	s := newTestScheduler(t, exec)
	a := s.Create(nil, nil, Regs{PC: 0x1000, GPR: [NumGPR]uint64{1, 2, 3}})
	before := a.Regs

	for range 2 {
		ok, err := s.Step()
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.True(t, a.Status().Has(SpecMode))
	assert.Equal(t, uint64(1), s.Stats().SuppressedFaults)

	s.Recover(a)
	assert.Equal(t, before, a.Regs)
	assert.Equal(t, Running, a.Status())
}

func TestScheduler_Step_faultStops(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, ExecutorFunc(func(*Scheduler, *Guest) error { return errDivideByZero }))
	g := s.Create(nil, nil, Regs{PC: 0x77})

	ok, err := s.Step()
	assert.False(t, ok)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, g.PID(), fault.PID)
	assert.ErrorIs(t, err, errDivideByZero)
	assert.Equal(t, StopFault, s.StopReason())
}

func TestScheduler_Step_budgets(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name   string
		opt    Option
		reason StopReason
		steps  int
	}{
		{"instructions", WithMaxInstructions(5), StopInstructionLimit, 3},
		{"cycles", WithMaxCycles(4), StopCycleLimit, 4},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestScheduler(t, nil, tt.opt)
			s.Create(nil, nil, Regs{})
			s.Create(nil, nil, Regs{})
			var steps int
			for {
				ok, err := s.Step()
				require.NoError(t, err)
				if !ok {
					break
				}
				steps++
			}
			assert.Equal(t, tt.steps, steps)
			assert.Equal(t, tt.reason, s.StopReason())
		})
	}
}

func TestScheduler_Step_instructionBudgetWithinCycle(t *testing.T) {
	t.Parallel()
	var executed []PID
	s := newTestScheduler(t, ExecutorFunc(func(_ *Scheduler, g *Guest) error {
		executed = append(executed, g.PID())
		return nil
	}), WithMaxInstructions(1))
	for range 4 {
		s.Create(nil, nil, Regs{})
	}

	ok, err := s.Step()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []PID{100}, executed)

	ok, err = s.Step()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StopInstructionLimit, s.StopReason())
	assert.Equal(t, uint64(1), s.Stats().Instructions)
}

// Not parallel: AllocsPerRun counts allocations process-wide.
func TestScheduler_ProcessEvents_idleDoesNotAllocate(t *testing.T) {
	s := newTestScheduler(t, nil)
	for range 64 {
		g := s.Create(nil, nil, Regs{})
		s.FutexWait(g, 0x10, FutexBitsetMatchAny)
	}
	require.True(t, s.ProcessEvents())
	allocs := testing.AllocsPerRun(100, func() {
		if s.ProcessEvents() {
			t.Fatal("unexpected pass")
		}
	})
	assert.Zero(t, allocs)
}

func TestScheduler_Step_freesFinished(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, ExecutorFunc(func(s *Scheduler, g *Guest) error {
		s.Finish(g, 0)
		return nil
	}))
	a := s.Create(nil, nil, Regs{})
	b := s.Create(nil, nil, Regs{})
	s.SetState(b, Alloc)

	ok, err := s.Step()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, s.Lookup(a.PID()), "freed")
	assert.Same(t, b, s.Lookup(b.PID()), "still allocated")
	assert.Equal(t, Finished|Alloc, b.Status())

	ok, err = s.Step()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StopNoGuests, s.StopReason())

	requireInvariant(t, func() { s.Free(b) })
	s.ClearState(b, Alloc)
	s.Free(b)
	assert.Zero(t, s.Count())
	assert.Equal(t, uint64(2), s.Stats().Freed)
}

func TestScheduler_Free_referenced(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{})
	requireInvariant(t, func() { s.Free(g) })
	s.SetState(g, Zombie)
	requireInvariant(t, func() { s.Free(g) })
}

type closingMemory struct {
	Memory
	closed int
}

func (x *closingMemory) Close() error {
	x.closed++
	return nil
}

func TestScheduler_sharedMemoryLifetime(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	mem := &closingMemory{Memory: NewMemory()}
	a := s.Create(mem, nil, Regs{})
	b := s.Clone(a, CloneOptions{})

	_, err := s.Fork(a, 0)
	assert.ErrorIs(t, err, ErrForkUnsupported)

	s.Finish(a, 0)
	s.Finish(b, 0)
	s.Free(a)
	assert.Zero(t, mem.closed, "still held by the clone")
	s.Free(b)
	assert.Equal(t, 1, mem.closed)
}

func TestScheduler_Fork(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	parent := s.Create(nil, "image", Regs{PC: 0x10})
	parent.Regs.SetReturn(55)
	require.NoError(t, parent.WriteMem(0x100, []byte{1}))

	child, err := s.Fork(parent, SIGCHLD)
	require.NoError(t, err)
	require.NoError(t, parent.WriteMem(0x100, []byte{2}))

	assert.Equal(t, []byte{1}, readMem(t, child.Memory(), 0x100, 1))
	assert.Equal(t, "image", child.Image())
	assert.Equal(t, parent.PID(), child.Parent())
	assert.Equal(t, PID(0), child.GroupParent())
	assert.Equal(t, SIGCHLD, child.ExitSignal())
	assert.Zero(t, child.Regs.Return())
	assert.Equal(t, uint64(0x10), child.Regs.PC)
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()
	exec := ExecutorFunc(func(s *Scheduler, g *Guest) error {
		if g.Regs.PC == 0 {
			g.Regs.PC++
			s.Suspend(g, WaitNanosleep, WaitParams{Deadline: time.Now().Add(5 * time.Millisecond)})
			return nil
		}
		s.Finish(g, 0)
		return nil
	})
	s := newTestScheduler(t, exec)
	s.Create(nil, nil, Regs{})
	s.Create(nil, nil, Regs{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, StopNoGuests, s.StopReason())
	assert.Zero(t, s.Count())
	assert.Greater(t, s.Elapsed(), time.Duration(0))
}

func TestScheduler_Run_canceled(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{})
	s.FutexWait(g, 0x10, FutexBitsetMatchAny)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()
	s, err := New(nopExecutor())
	require.NoError(t, err)
	g := s.Create(nil, nil, Regs{})
	s.Suspend(g, WaitNanosleep, WaitParams{Deadline: time.Now().Add(time.Hour)})
	s.ProcessEvents()
	require.True(t, s.WorkerActive(g))

	require.NoError(t, s.Close())
	assert.Zero(t, s.Count())
	assert.Equal(t, uint64(1), s.Stats().WorkersCanceled)
	require.NoError(t, s.Close())

	ok, err := s.Step()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_Dump(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	a := s.Create(nil, nil, Regs{})
	b := s.Clone(a, CloneOptions{})
	s.FutexWait(b, 0x80, FutexBitsetMatchAny)

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "guests=2 running=1 suspended=1")
	assert.Contains(t, out, "guest 100: parent=0")
	assert.Contains(t, out, "guest 101: parent=100 group=0 status=[suspended futex]")
	assert.Contains(t, out, "wait=Futex")
}

func TestNew_options(t *testing.T) {
	t.Parallel()
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoExecutor)

	for name, opt := range map[string]Option{
		"pid":     WithFirstPID(0),
		"rates":   WithFaultLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5}),
		"signals": WithSignalSubsystem(nil),
		"files":   WithFileTable(nil),
		"clock":   WithClock(nil),
		"blocks":  WithSpeculativeBlocks(0),
	} {
		_, err := New(nopExecutor(), opt)
		assert.Error(t, err, name)
	}

	s, err := New(nopExecutor(), nil, WithSpeculativeBlocks(1))
	require.NoError(t, err)
	defer s.Close()
	g := s.Create(nil, nil, Regs{})
	s.ForceBranch(g, 1)
	require.NoError(t, g.WriteMem(0, make([]byte, 64)))
	assert.Equal(t, 1, g.spec.Len())
}

func TestScheduler_logging(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := newTestScheduler(t, ExecutorFunc(func(*Scheduler, *Guest) error { return errDivideByZero }),
		WithLogger(NewJSONLogger(&buf, logiface.LevelTrace)),
	)
	g := s.Create(nil, nil, Regs{})
	s.ForceBranch(g, 8)
	ok, err := s.Step()
	require.NoError(t, err)
	require.True(t, ok)

	out := buf.String()
	assert.Contains(t, out, "guest created")
	assert.Contains(t, out, "status changed")
	assert.Contains(t, out, "fault suppressed in speculative mode")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.True(t, strings.HasPrefix(line, "{"), line)
	}
}
