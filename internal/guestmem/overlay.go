// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package guestmem

const (
	// BlockSize is the granularity of overlay copies.
	BlockSize = 16

	// DefaultMaxBlocks bounds the footprint of a single speculative episode.
	DefaultMaxBlocks = 100
)

// Overlay shadows a base memory during speculative execution. Writes land in
// copy-on-write blocks and never reach the base. Reads observe the overlay
// first, then the base. Accesses never fail: a wrong path may touch any
// address, so unreadable base bytes read as zero, and writes beyond the block
// limit are dropped.
//
// Overlay is not safe for concurrent use.
type Overlay struct {
	base      Memory
	blocks    map[uint64]*[BlockSize]byte
	maxBlocks int
	dropped   int
}

// NewOverlay returns an empty overlay over base. A maxBlocks <= 0 selects
// [DefaultMaxBlocks].
func NewOverlay(base Memory, maxBlocks int) *Overlay {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	return &Overlay{
		base:      base,
		blocks:    make(map[uint64]*[BlockSize]byte),
		maxBlocks: maxBlocks,
	}
}

// Read fills p from the overlay, falling back to the base memory.
func (x *Overlay) Read(addr uint64, p []byte) error {
	for len(p) != 0 {
		block, off := addr/BlockSize, addr%BlockSize
		n := min(uint64(len(p)), BlockSize-off)
		if data := x.blocks[block]; data != nil {
			copy(p[:n], data[off:off+n])
		} else if x.base == nil || x.base.Read(addr, p[:n]) != nil {
			clear(p[:n])
		}
		p = p[n:]
		addr += n
	}
	return nil
}

// Write stores p in the overlay.
func (x *Overlay) Write(addr uint64, p []byte) error {
	for len(p) != 0 {
		block, off := addr/BlockSize, addr%BlockSize
		n := min(uint64(len(p)), BlockSize-off)
		data := x.blocks[block]
		if data == nil && len(x.blocks) < x.maxBlocks {
			data = new([BlockSize]byte)
			if x.base != nil && x.base.Read(block*BlockSize, data[:]) != nil {
				clear(data[:])
			}
			x.blocks[block] = data
		}
		if data != nil {
			copy(data[off:off+n], p[:n])
		} else {
			x.dropped++
		}
		p = p[n:]
		addr += n
	}
	return nil
}

// Lookup reports the speculative value of the byte at addr, if the overlay
// holds one.
func (x *Overlay) Lookup(addr uint64) (byte, bool) {
	if data := x.blocks[addr/BlockSize]; data != nil {
		return data[addr%BlockSize], true
	}
	return 0, false
}

// Len returns the number of blocks held.
func (x *Overlay) Len() int { return len(x.blocks) }

// Dropped returns the number of block writes discarded due to the limit,
// since the last Clear.
func (x *Overlay) Dropped() int { return x.dropped }

// Clear discards every speculative write.
func (x *Overlay) Clear() {
	clear(x.blocks)
	x.dropped = 0
}
