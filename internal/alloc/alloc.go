// Package alloc implements dmsnapd's chunk allocator: one bitmap per
// allocation space (metadata, snapshot data), wrap-around free-chunk
// search, and the reclamation hook that lets the allocator free up space
// by deleting a snapshot without importing the store package that owns
// snapshot lifecycle (see DESIGN.md for why this callback exists).
//
// Grounded directly on ddsnapd.c's get_bitmap_bit/set_bitmap_bit/
// clear_bitmap_bit, alloc_chunk_range, alloc_chunk, free_chunk,
// find_snapshot_to_delete.
package alloc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// Space names one of the two bitmap-backed chunk address spaces.
type Space int

const (
	SpaceMetadata Space = iota
	SpaceSnapData
)

func (s Space) String() string {
	if s == SpaceMetadata {
		return "metadata"
	}
	return "snapdata"
}

// ErrStoreFull is returned when a space has no free chunks and
// reclamation either is not configured or found nothing to reclaim.
var ErrStoreFull = fmt.Errorf("alloc: store full")

// spaceState is one allocation space's live bitmap and counters.
type spaceState struct {
	bitmap     []byte
	chunks     uint64
	freeChunks uint64
	lastAlloc  types.ChunkT
}

// ReclaimFunc is invoked when a space is exhausted. Implementations
// (owned by internal/store, which holds the snapshot list) should find
// the lowest-priority, zero-use-count snapshot and delete it, freeing
// chunks back into the relevant space's bitmap. It returns an error if
// there is nothing left to reclaim.
type ReclaimFunc func() error

// Allocator tracks free/used chunks for both allocation spaces. It never
// touches a device directly; internal/store reads the bitmap blocks
// through the cache at startup (NewSpace) and writes the dirtied blocks
// back the same way after every Alloc/Free (via Dirty).
type Allocator struct {
	mu      sync.Mutex
	spaces  map[Space]*spaceState
	Reclaim ReclaimFunc
	// Dirty, if set, is called with the byte range of the bitmap that
	// changed so the caller can mark the backing cache buffer dirty.
	Dirty func(space Space, byteOffset, length int)
}

// New creates an allocator with no spaces registered; call NewSpace for
// each of metadata/snapdata before using Alloc/Free.
func New() *Allocator {
	return &Allocator{spaces: make(map[Space]*spaceState)}
}

// NewSpace registers a space with chunks total chunks and an initial
// bitmap image (as read from disk, or freshly zeroed by `initialize`).
// The caller is responsible for having reserved any bitmap/journal/
// superblock chunks by pre-setting their bits before calling this.
func (a *Allocator) NewSpace(space Space, chunks uint64, bitmap []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := chunks - countSetBits(bitmap, chunks)
	a.spaces[space] = &spaceState{bitmap: bitmap, chunks: chunks, freeChunks: free}
}

func countSetBits(bitmap []byte, chunks uint64) uint64 {
	var n uint64
	full := chunks / 8
	for i := uint64(0); i < full; i++ {
		n += uint64(bits.OnesCount8(bitmap[i]))
	}
	for b := full * 8; b < chunks; b++ {
		if getBit(bitmap, b) {
			n++
		}
	}
	return n
}

func getBit(bitmap []byte, bit uint64) bool {
	return bitmap[bit>>3]&(1<<(bit&7)) != 0
}

func setBit(bitmap []byte, bit uint64) {
	bitmap[bit>>3] |= 1 << (bit & 7)
}

func clearBit(bitmap []byte, bit uint64) {
	bitmap[bit>>3] &^= 1 << (bit & 7)
}

// ReserveBits marks the first count bits of bitmap as allocated, used
// when laying out a fresh store to protect the superblock, bitmap, and
// journal regions before any chunk is handed out by Alloc.
func ReserveBits(bitmap []byte, count uint64) {
	for i := uint64(0); i < count; i++ {
		setBit(bitmap, i)
	}
}

// FreeChunks reports the number of unallocated chunks remaining in space.
func (a *Allocator) FreeChunks(space Space) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spaces[space].freeChunks
}

// allocRange scans [start, start+count) for a clear bit, sets it, and
// returns its chunk number, or ok=false if none found in range.
func (a *Allocator) allocRange(s *spaceState, start, count uint64) (types.ChunkT, bool) {
	for i := uint64(0); i < count; i++ {
		chunk := start + i
		if chunk >= s.chunks {
			break
		}
		if !getBit(s.bitmap, chunk) {
			setBit(s.bitmap, chunk)
			return types.ChunkT(chunk), true
		}
	}
	return 0, false
}

// Alloc finds a free chunk in space, preferring chunks after the last
// allocation (wrap-around scan), reclaiming a snapshot via Reclaim
// if the space is full, and retrying once reclamation succeeds.
func (a *Allocator) Alloc(space Space) (types.ChunkT, error) {
	for {
		a.mu.Lock()
		s, ok := a.spaces[space]
		if !ok {
			a.mu.Unlock()
			return 0, fmt.Errorf("alloc: space %s not initialized", space)
		}
		last := uint64(s.lastAlloc)
		chunk, found := a.allocRange(s, last, s.chunks-last)
		if !found {
			chunk, found = a.allocRange(s, 0, last)
		}
		if found {
			s.lastAlloc = chunk + 1
			s.freeChunks--
			a.mu.Unlock()
			if a.Dirty != nil {
				a.Dirty(space, int(chunk>>3), 1)
			}
			return chunk, nil
		}
		a.mu.Unlock()

		if a.Reclaim == nil {
			return 0, ErrStoreFull
		}
		if err := a.Reclaim(); err != nil {
			return 0, fmt.Errorf("alloc: space %s full, reclaim failed: %w", space, err)
		}
		// Space was presumably freed by Reclaim (via Free); loop and retry.
	}
}

// Free clears chunk's bit in space. Freeing an already-free chunk is a
// no-op, matching ddsnapd.c's free_chunk warning-and-continue behavior.
func (a *Allocator) Free(space Space, chunk types.ChunkT) {
	a.mu.Lock()
	s, ok := a.spaces[space]
	if !ok {
		a.mu.Unlock()
		return
	}
	if !getBit(s.bitmap, uint64(chunk)) {
		a.mu.Unlock()
		return
	}
	clearBit(s.bitmap, uint64(chunk))
	s.freeChunks++
	a.mu.Unlock()
	if a.Dirty != nil {
		a.Dirty(space, int(chunk>>3), 1)
	}
}

// AllocRange tries to allocate count contiguous chunks starting at hint
// in space, used when pre-extending a file-backed device; it does not
// wrap, matching ddsnapd.c's alloc_chunk_range semantics of scanning
// strictly forward from hint.
func (a *Allocator) AllocRange(space Space, hint types.ChunkT, count uint64) (types.ChunkT, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.spaces[space]
	if !ok {
		return 0, false
	}
	chunk, found := a.allocRange(s, uint64(hint), count)
	if found {
		s.freeChunks--
		if a.Dirty != nil {
			a.Dirty(space, int(chunk>>3), 1)
		}
	}
	return chunk, found
}
