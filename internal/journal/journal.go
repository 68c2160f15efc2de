// Package journal implements dmsnapd's circular redo log: every
// transaction's dirty blocks are written to journal slots followed by a
// checksummed commit block naming their real destinations, then written
// to their real destinations; on a BUSY (unclean-shutdown) reopen, the
// newest valid commit block's data is replayed to recover from a crash
// between those two steps.
//
// Grounded on ddsnapd.c's commit_transaction/recover_journal/
// checksum_block/is_commit_block. Wire layout is kept little-endian
// throughout (this repo's one intentional endian fix relative to the
// original's host-native struct writes; see DESIGN.md), with the manual
// per-field binary.LittleEndian style used across this repo's on-disk
// formats.
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

const (
	magicSize      = 8
	commitHeadSize = magicSize + 4 + 4 + 4 // magic + checksum + sequence + entries
	sectorFieldSz  = 8
)

// IO is the block storage dependency the journal needs: read/write a
// journal slot by index, and write a recovered (or freshly committed)
// block to its real home sector.
type IO interface {
	ReadSlot(i int) ([]byte, error)
	WriteSlot(i int, buf []byte) error
	WriteHome(sector types.SectorT, buf []byte) error
}

// DirtyBlock is one buffer due to be committed: its real sector and its
// current contents.
type DirtyBlock struct {
	Sector types.SectorT
	Data   []byte
}

// Journal drives one circular log of Size slots, each BlockSize bytes.
type Journal struct {
	IO        IO
	Size      int
	BlockSize int

	next     int
	sequence int32
}

// New creates a journal over an already-formatted (or freshly zeroed)
// set of slots.
func New(io IO, size, blockSize int) *Journal {
	return &Journal{IO: io, Size: size, BlockSize: blockSize}
}

// Next and Sequence expose the journal's current write cursor and
// sequence counter so the caller can persist them in the superblock
// (ddsnapd.c keeps journal_next/sequence in the on-disk image itself).
func (j *Journal) Next() int         { return j.next }
func (j *Journal) Sequence() int32   { return j.sequence }

// SetState restores a previously persisted cursor/sequence pair, used
// when loading a superblock whose journal was not freshly initialized.
func (j *Journal) SetState(next int, sequence int32) {
	j.next = next
	j.sequence = sequence
}

func (j *Journal) nextSlot() int {
	pos := j.next
	j.next++
	if j.next == j.Size {
		j.next = 0
	}
	return pos
}

// checksumBlock sums the block as little-endian uint32 words, matching
// ddsnapd.c's checksum_block (which sums as host-native int32 words over
// one allocation-unit-sized block).
func checksumBlock(data []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i : i+4])
	}
	return sum
}

func isCommitBlock(buf []byte) bool {
	return len(buf) >= magicSize && string(buf[0:magicSize]) == constants.JournalMagic
}

// Commit writes every block in buffers to the journal, then a checksummed
// commit block naming their real destinations, then writes each block to
// its real destination directly. If buffers is empty, Commit is a no-op
// (ddsnapd.c: "if (list_empty(&dirty_buffers)) return").
func (j *Journal) Commit(buffers []DirtyBlock) error {
	if len(buffers) == 0 {
		return nil
	}
	if commitHeadSize+len(buffers)*sectorFieldSz > j.BlockSize {
		return fmt.Errorf("journal: %d dirty blocks do not fit in one commit block", len(buffers))
	}

	for _, b := range buffers {
		pos := j.nextSlot()
		if err := j.IO.WriteSlot(pos, b.Data); err != nil {
			return fmt.Errorf("journal: write data slot %d: %w", pos, err)
		}
	}

	commitPos := j.nextSlot()
	commit := make([]byte, j.BlockSize)
	copy(commit[0:magicSize], constants.JournalMagic)
	binary.LittleEndian.PutUint32(commit[16:20], uint32(len(buffers)))
	for i, b := range buffers {
		off := commitHeadSize + i*sectorFieldSz
		binary.LittleEndian.PutUint64(commit[off:off+8], uint64(b.Sector))
	}
	binary.LittleEndian.PutUint32(commit[12:16], uint32(j.sequence))
	j.sequence++

	binary.LittleEndian.PutUint32(commit[8:12], 0)
	sum := checksumBlock(commit)
	binary.LittleEndian.PutUint32(commit[8:12], -sum)

	if err := j.IO.WriteSlot(commitPos, commit); err != nil {
		return fmt.Errorf("journal: write commit slot %d: %w", commitPos, err)
	}

	for _, b := range buffers {
		if err := j.IO.WriteHome(b.Sector, b.Data); err != nil {
			return fmt.Errorf("journal: write home sector %d: %w", b.Sector, err)
		}
	}
	return nil
}

// StampEmptySlot formats buf (one journal-slot-sized block) as a valid,
// zero-entry commit block carrying sequence. ddsnapd.c's init_snapstore
// pre-stamps every journal slot this way with a strictly increasing
// sequence so a fresh store's first Recover call (should it ever be
// invoked before any real commit) finds a well-defined newest slot
// instead of scanning uninitialized data.
func StampEmptySlot(buf []byte, sequence int32) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:magicSize], constants.JournalMagic)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(sequence))
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	sum := checksumBlock(buf)
	binary.LittleEndian.PutUint32(buf[8:12], -sum)
}

// Recover scans the journal for the newest valid (checksum-clean) commit
// block and replays its entries to their home sectors. It is called once
// at startup when the superblock's BUSY bit is set. Returns
// ErrNoCommitFound on a journal with no valid commit block (a fresh
// store, never yet committed to).
var ErrNoCommitFound = fmt.Errorf("journal: no commit block found")

func (j *Journal) Recover() error {
	type found struct {
		slot     int
		sequence int32
		entries  uint32
		sectors  []types.SectorT
	}
	var newest *found

	for i := 0; i < j.Size; i++ {
		buf, err := j.IO.ReadSlot(i)
		if err != nil {
			return fmt.Errorf("journal: read slot %d: %w", i, err)
		}
		if !isCommitBlock(buf) {
			continue
		}
		if checksumBlock(buf) != 0 {
			continue // scribbled (torn write); skip, same as ddsnapd.c's checksum guard
		}
		sequence := int32(binary.LittleEndian.Uint32(buf[12:16]))
		entries := binary.LittleEndian.Uint32(buf[16:20])
		if newest != nil && sequence <= newest.sequence {
			continue
		}
		sectors := make([]types.SectorT, entries)
		for e := uint32(0); e < entries; e++ {
			off := commitHeadSize + int(e)*sectorFieldSz
			sectors[e] = types.SectorT(binary.LittleEndian.Uint64(buf[off : off+8]))
		}
		newest = &found{slot: i, sequence: sequence, entries: entries, sectors: sectors}
	}

	if newest == nil {
		return ErrNoCommitFound
	}

	for e := uint32(0); e < newest.entries; e++ {
		pos := (newest.slot - int(newest.entries) + int(e) + j.Size) % j.Size
		data, err := j.IO.ReadSlot(pos)
		if err != nil {
			return fmt.Errorf("journal: read data slot %d during recovery: %w", pos, err)
		}
		if isCommitBlock(data) {
			return fmt.Errorf("journal: data slot %d is itself a commit block during recovery", pos)
		}
		if err := j.IO.WriteHome(newest.sectors[e], data); err != nil {
			return fmt.Errorf("journal: replay to sector %d: %w", newest.sectors[e], err)
		}
	}

	j.next = (newest.slot + 1) % j.Size
	j.sequence = newest.sequence + 1
	return nil
}
