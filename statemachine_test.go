package guestloop

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SetStatus_collectionConsistency(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	var guests []*Guest
	for range 16 {
		guests = append(guests, s.Create(nil, nil, Regs{}))
	}
	requireConsistent(t, s)

	r := rand.New(rand.NewPCG(5, 6))
	for range 5000 {
		g := guests[r.IntN(len(guests))]
		s.SetStatus(g, Status(r.Uint32N(1<<numStatusFlags)))
		requireConsistent(t, s)
	}
}

func TestScheduler_SetStatus_idempotent(t *testing.T) {
	t.Parallel()
	var hooks int
	s := newTestScheduler(t, nil, WithRescheduleHook(func(*Guest, Status, Status) { hooks++ }))
	g := s.Create(nil, nil, Regs{})
	before := s.Stats().Reschedules

	s.SetStatus(g, g.Status())
	s.SetStatus(g, g.Status())
	assert.Equal(t, Running, g.Status())
	assert.Equal(t, before, s.Stats().Reschedules)
	requireConsistent(t, s)
	assert.Equal(t, 1, hooks)
}

func TestScheduler_SetStatus_reschedule(t *testing.T) {
	t.Parallel()
	type call struct{ old, new Status }
	var calls []call
	s := newTestScheduler(t, nil, WithRescheduleHook(func(_ *Guest, old, new Status) {
		calls = append(calls, call{old, new})
	}))
	g := s.Create(nil, nil, Regs{})
	calls = nil

	s.SetState(g, SpecMode)
	assert.Empty(t, calls, "spec mode alone does not reschedule")

	s.SetState(g, Locked)
	require.Len(t, calls, 1)
	assert.Equal(t, call{Running | SpecMode, SpecMode | Locked}, calls[0])

	s.ClearState(g, SpecMode|Locked)
	require.Len(t, calls, 2)
	assert.Equal(t, Running, g.Status())
}

func TestScheduler_SetStatus_membership(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	g := s.Create(nil, nil, Regs{})

	s.SetState(g, Alloc)
	assert.ElementsMatch(t, []Collection{CollectionRunning, CollectionAlloc}, s.reg.memberships(g.PID()))

	s.SetState(g, Suspended|Poll)
	assert.ElementsMatch(t, []Collection{CollectionSuspended, CollectionAlloc}, s.reg.memberships(g.PID()))

	s.SetState(g, Finished)
	assert.Equal(t, Finished|Alloc, g.Status())
	assert.ElementsMatch(t, []Collection{CollectionFinished, CollectionAlloc}, s.reg.memberships(g.PID()))
}

func TestScheduler_Elapsed(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	s := newTestScheduler(t, nil, WithClock(func() time.Time { return now }))

	g := s.Create(nil, nil, Regs{})
	now = now.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, s.Elapsed())

	s.SetState(g, Locked)
	now = now.Add(time.Hour)
	assert.Equal(t, 5*time.Second, s.Elapsed(), "stopped while nothing runs")

	s.ClearState(g, Locked)
	now = now.Add(time.Second)
	assert.Equal(t, 6*time.Second, s.Elapsed())
}

func TestScheduler_pids(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	a := s.Create(nil, nil, Regs{})
	b := s.Clone(a, CloneOptions{})
	assert.Equal(t, DefaultFirstPID, a.PID())
	assert.Equal(t, DefaultFirstPID+1, b.PID())

	s2 := newTestScheduler(t, nil, WithFirstPID(1))
	assert.Equal(t, PID(1), s2.Create(nil, nil, Regs{}).PID())
}
