// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package guestmem implements guest address spaces: a sparse, page-granular
// memory, and the speculative overlay that shadows it while a guest executes
// down a path that may be squashed.
package guestmem

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the granularity of [Sparse] allocations.
const PageSize = 4096

// ErrFault is returned for accesses to unmapped addresses of a strict memory.
var ErrFault = errors.New("guestmem: fault")

type (
	// Memory is a byte-addressable guest address space.
	Memory interface {
		Read(addr uint64, p []byte) error
		Write(addr uint64, p []byte) error
	}

	// Forker is implemented by memories that can produce an independent copy
	// of themselves.
	Forker interface {
		Fork() (Memory, error)
	}
)

var (
	_ Memory = (*Sparse)(nil)
	_ Forker = (*Sparse)(nil)
)

// Sparse is a paged guest address space. Pages are allocated on first write.
// Reads of pages that were never written observe zeros, unless the memory is
// strict, in which case only explicitly mapped ranges may be accessed.
//
// Sparse is safe for concurrent use.
type Sparse struct {
	pages  map[uint64]*[PageSize]byte
	mu     sync.RWMutex
	strict bool
}

// NewSparse returns an empty, lenient memory.
func NewSparse() *Sparse {
	return &Sparse{pages: make(map[uint64]*[PageSize]byte)}
}

// NewStrict returns an empty memory that faults on access outside of ranges
// established with [Sparse.Map].
func NewStrict() *Sparse {
	m := NewSparse()
	m.strict = true
	return m
}

// Map allocates zeroed pages covering [addr, addr+size).
func (x *Sparse) Map(addr, size uint64) {
	if size == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for page := addr / PageSize; page <= (addr+size-1)/PageSize; page++ {
		if x.pages[page] == nil {
			x.pages[page] = new([PageSize]byte)
		}
	}
}

// Read copies len(p) bytes starting at addr into p.
func (x *Sparse) Read(addr uint64, p []byte) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for len(p) != 0 {
		page, off := addr/PageSize, addr%PageSize
		n := min(uint64(len(p)), PageSize-off)
		if data := x.pages[page]; data != nil {
			copy(p[:n], data[off:off+n])
		} else if x.strict {
			return fmt.Errorf("%w: read at %#x", ErrFault, addr)
		} else {
			clear(p[:n])
		}
		p = p[n:]
		addr += n
	}
	return nil
}

// Write copies p into memory starting at addr. In strict mode a write
// touching any unmapped page faults without modifying memory.
func (x *Sparse) Write(addr uint64, p []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.strict && len(p) != 0 {
		last := (addr + uint64(len(p)) - 1) / PageSize
		for page := addr / PageSize; page <= last; page++ {
			if x.pages[page] == nil {
				return fmt.Errorf("%w: write at %#x", ErrFault, max(addr, page*PageSize))
			}
		}
	}
	for len(p) != 0 {
		page, off := addr/PageSize, addr%PageSize
		n := min(uint64(len(p)), PageSize-off)
		data := x.pages[page]
		if data == nil {
			if x.strict {
				return fmt.Errorf("%w: write at %#x", ErrFault, addr)
			}
			data = new([PageSize]byte)
			x.pages[page] = data
		}
		copy(data[off:off+n], p[:n])
		p = p[n:]
		addr += n
	}
	return nil
}

// Pages returns the number of allocated pages.
func (x *Sparse) Pages() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.pages)
}

// Fork returns a deep copy of the memory, for a child that must not observe
// its parent's later writes.
func (x *Sparse) Fork() (Memory, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c := &Sparse{
		pages:  make(map[uint64]*[PageSize]byte, len(x.pages)),
		strict: x.strict,
	}
	for k, v := range x.pages {
		data := *v
		c.pages[k] = &data
	}
	return c, nil
}
