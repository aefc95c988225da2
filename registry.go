// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestloop

import (
	"github.com/google/btree"
)

// Collection is a view of the guests in a particular lifecycle position.
// A guest may be a member of more than one collection, e.g. Finished and
// Alloc.
type Collection uint8

const (
	CollectionRunning Collection = iota
	CollectionSuspended
	CollectionZombie
	CollectionFinished
	CollectionAlloc

	numCollections
)

// String returns a human-readable representation of the collection.
func (c Collection) String() string {
	switch c {
	case CollectionRunning:
		return "running"
	case CollectionSuspended:
		return "suspended"
	case CollectionZombie:
		return "zombie"
	case CollectionFinished:
		return "finished"
	case CollectionAlloc:
		return "alloc"
	default:
		return "unknown"
	}
}

// Contains reports whether a guest with status st belongs to the collection.
func (c Collection) Contains(st Status) bool {
	switch c {
	case CollectionRunning:
		return st.Phase() == PhaseRunning
	case CollectionSuspended:
		return st.Phase() == PhaseSuspended
	case CollectionZombie:
		return st.Phase() == PhaseZombie
	case CollectionFinished:
		return st.Phase() == PhaseFinished
	case CollectionAlloc:
		return st.Has(Alloc)
	default:
		return false
	}
}

// btreeDegree is the degree of the pid index trees.
const btreeDegree = 8

// registry owns every guest, indexed by pid, and maintains one ordered pid
// set per [Collection]. Since pids are assigned in increasing order, every
// set iterates in creation order.
type registry struct {
	guests  map[PID]*Guest
	all     *btree.BTreeG[PID]
	sets    [numCollections]*btree.BTreeG[PID]
	nextPID PID
}

func newRegistry(firstPID PID) *registry {
	r := &registry{
		guests:  make(map[PID]*Guest),
		all:     btree.NewOrderedG[PID](btreeDegree),
		nextPID: firstPID,
	}
	for i := range r.sets {
		r.sets[i] = btree.NewOrderedG[PID](btreeDegree)
	}
	return r
}

func (r *registry) allocPID() PID {
	pid := r.nextPID
	r.nextPID++
	return pid
}

// insert registers a new guest. It is filed by its first status transition.
func (r *registry) insert(g *Guest) {
	r.guests[g.pid] = g
	r.all.ReplaceOrInsert(g.pid)
}

// delete forgets a guest entirely.
func (r *registry) delete(g *Guest) {
	r.unfile(g)
	r.all.Delete(g.pid)
	delete(r.guests, g.pid)
}

func (r *registry) unfile(g *Guest) {
	for _, set := range r.sets {
		set.Delete(g.pid)
	}
}

func (r *registry) file(g *Guest) {
	for c, set := range r.sets {
		if Collection(c).Contains(g.status) {
			set.ReplaceOrInsert(g.pid)
		}
	}
}

func (r *registry) lookup(pid PID) *Guest { return r.guests[pid] }

func (r *registry) count() int { return len(r.guests) }

func (r *registry) len(c Collection) int { return r.sets[c].Len() }

func (r *registry) has(c Collection, pid PID) bool { return r.sets[c].Has(pid) }

// memberships lists the collections that index pid.
func (r *registry) memberships(pid PID) []Collection {
	var cs []Collection
	for c, set := range r.sets {
		if set.Has(pid) {
			cs = append(cs, Collection(c))
		}
	}
	return cs
}

// snapshot returns the guests of a collection in pid order, as of the call.
func (r *registry) snapshot(c Collection) []*Guest {
	return r.collect(r.sets[c], nil)
}

// snapshotAll returns every guest in pid order, as of the call.
func (r *registry) snapshotAll() []*Guest {
	return r.collect(r.all, nil)
}

func (r *registry) collect(set *btree.BTreeG[PID], filter func(*Guest) bool) []*Guest {
	guests := make([]*Guest, 0, set.Len())
	set.Ascend(func(pid PID) bool {
		if g := r.guests[pid]; g != nil && (filter == nil || filter(g)) {
			guests = append(guests, g)
		}
		return true
	})
	return guests
}

// children returns every guest whose parent is pid.
func (r *registry) children(pid PID) []*Guest {
	return r.collect(r.all, func(g *Guest) bool { return g.parent == pid })
}

// groupMembers returns every guest whose group parent is leader, excluding
// the leader itself.
func (r *registry) groupMembers(leader PID) []*Guest {
	return r.collect(r.all, func(g *Guest) bool { return g.groupParent == leader })
}

// zombieChild finds the oldest zombie child of parent matching pid, which may
// be [AnyChild].
func (r *registry) zombieChild(parent, pid PID) *Guest {
	var found *Guest
	r.sets[CollectionZombie].Ascend(func(p PID) bool {
		g := r.guests[p]
		if g != nil && g.parent == parent && (pid == AnyChild || pid == p) {
			found = g
			return false
		}
		return true
	})
	return found
}
