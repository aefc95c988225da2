package guestloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nopExecutor() Executor {
	return ExecutorFunc(func(*Scheduler, *Guest) error { return nil })
}

func newTestScheduler(t *testing.T, exec Executor, opts ...Option) *Scheduler {
	t.Helper()
	if exec == nil {
		exec = nopExecutor()
	}
	s, err := New(exec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return s
}

// requireConsistent checks every guest is indexed by exactly the collections
// its status implies.
func requireConsistent(t *testing.T, s *Scheduler) {
	t.Helper()
	for _, g := range s.All() {
		st := g.Status()
		require.Equal(t, !st.Any(notRunning), st.Has(Running), "pid %d: running derivation: %s", g.PID(), st)
		for c := range numCollections {
			require.Equal(t, c.Contains(st), s.reg.has(c, g.PID()), "pid %d: %s membership: %s", g.PID(), c, st)
		}
	}
	for c := range numCollections {
		for _, g := range s.Guests(c) {
			require.Same(t, g, s.Lookup(g.PID()))
		}
	}
}

// eventually runs event passes until cond holds.
func eventually(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		if !s.ProcessEvents() {
			time.Sleep(time.Millisecond)
		}
	}
}

// requireInvariant checks fn panics with an InvariantError.
func requireInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, "expected an error panic, got %v", r)
		require.ErrorIs(t, err, ErrInvariant)
	}()
	fn()
}

func readMem(t *testing.T, m Memory, addr uint64, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	require.NoError(t, m.Read(addr, b))
	return b
}
