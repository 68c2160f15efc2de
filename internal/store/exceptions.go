package store

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/alloc"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// ErrUseCountRange reports a USECOUNT delta that would push a snapshot's
// use-count outside the 16-bit range ddsnapd.c's USECOUNT handler enforces.
// Callers can match it with errors.Is to pick the wire-level USECOUNT error
// code apart from an unknown-tag error.
var ErrUseCountRange = errors.New("store: usecount out of range")

// snapshotIndex returns the index of tag in SB.Snapshots, or -1.
func (s *Store) snapshotIndex(tag uint32) int {
	for i, snap := range s.SB.Snapshots {
		if snap.Tag == tag {
			return i
		}
	}
	return -1
}

// snapnumForTag returns the snapshot-set bit of the live snapshot with
// tag, or an error if no live snapshot has that tag.
func (s *Store) snapnumForTag(tag uint32) (int, error) {
	i := s.snapshotIndex(tag)
	if i < 0 {
		return 0, fmt.Errorf("store: unknown snapshot tag %d", tag)
	}
	return int(s.SB.Snapshots[i].Bit), nil
}

// SnapnumForTag exposes snapnumForTag to internal/server's IDENTIFY
// handler, which must translate a client-supplied tag into the bit
// number every later MakeUnique/TestException call expects.
func (s *Store) SnapnumForTag(tag uint32) (int, error) {
	return s.snapnumForTag(tag)
}

// TestException reports whether chunk already has an exception visible
// to snapnum, without allocating one (ddsnapd.c's test_unique, used on
// the QUERY_SNAPSHOT_READ path: a found exception chunk is read from the
// snapshot store directly; otherwise the client must read chunk from the
// origin and hold a readlock against a concurrent origin write).
func (s *Store) TestException(chunk types.ChunkT, snapnum int) (exceptionChunk types.ChunkT, found bool, err error) {
	_, leaf, _, err := s.Tree.Probe(chunk)
	if err != nil {
		return 0, false, fmt.Errorf("store: probe chunk %d: %w", chunk, err)
	}
	existing, _, found := leaf.SnapshotChunkUnique(chunk, snapnum)
	if !found {
		return 0, false, nil
	}
	return existing, true, nil
}

// MakeUnique ensures chunk is privately owned by the writer (the origin,
// when snapnum is types.OriginSnapNum, or the snapshot holding that bit
// otherwise), allocating a new exception and queuing a copy-out of its
// prior contents if it was shared. When it allocates, it returns the new
// snapshot-store chunk and needCopyout true: the prior contents were just
// queued for copy via queueCopyout and the caller must FlushCopyouts
// before replying, matching ddsnapd.c's make_unique/copyout split. For a
// snapshot write that chunk is where the caller writes the new data; for
// an origin write it receives the origin's old contents and the caller
// writes the origin itself. When chunk is already private to the writer
// it returns the existing exception (snapshot) or 0 (origin) and
// needCopyout false.
func (s *Store) MakeUnique(chunk types.ChunkT, snapnum int) (exceptionChunk types.ChunkT, needCopyout bool, err error) {
	_, leaf, _, err := s.Tree.Probe(chunk)
	if err != nil {
		return 0, false, fmt.Errorf("store: probe chunk %d: %w", chunk, err)
	}

	active := s.SB.Snapmask
	var copySource types.ChunkT
	var copyFromSnapStore bool

	if snapnum < 0 {
		if leaf.OriginChunkUnique(chunk, active) {
			return 0, false, nil
		}
		copySource = chunk
		copyFromSnapStore = false
	} else {
		mask := uint64(1) << uint(snapnum)
		if active&mask == 0 {
			return 0, false, fmt.Errorf("store: snapshot bit %d is not active", snapnum)
		}
		existing, unique, found := leaf.SnapshotChunkUnique(chunk, snapnum)
		if found && unique {
			return existing, false, nil
		}
		if found {
			copySource = existing
			copyFromSnapStore = true
		} else {
			copySource = chunk
			copyFromSnapStore = false
		}
	}

	newChunk, err := s.Alloc.Alloc(s.snapSpace())
	if err != nil {
		return 0, false, fmt.Errorf("store: allocate snapshot-store chunk: %w", err)
	}
	s.SB.SnapChunksUsed++

	if err := s.queueCopyout(copySource, copyFromSnapStore, newChunk); err != nil {
		s.Alloc.Free(s.snapSpace(), newChunk)
		s.SB.SnapChunksUsed--
		return 0, false, fmt.Errorf("store: queue copyout for chunk %d: %w", chunk, err)
	}

	orphaned, orphanChunk, err := s.Tree.AddExceptionToTree(chunk, newChunk, snapnum, active)
	if err != nil {
		s.Alloc.Free(s.snapSpace(), newChunk)
		s.SB.SnapChunksUsed--
		return 0, false, fmt.Errorf("store: add exception for chunk %d: %w", chunk, err)
	}
	if orphaned {
		s.Alloc.Free(s.snapSpace(), orphanChunk)
		if s.SB.SnapChunksUsed > 0 {
			s.SB.SnapChunksUsed--
		}
	}
	return newChunk, true, nil
}

// CreateSnapshot adds a new snapshot entry sharing the origin's current
// exceptions under a fresh bit in the snapshot-set mask. Grounded on
// ddsnapd.c's create_snapshot (new snapshots start with use_count 0 and
// inherit every chunk the origin owns uniquely at creation time implicitly,
// since exceptions are created lazily on the next write to each chunk).
func (s *Store) CreateSnapshot(tag uint32) error {
	if s.snapshotIndex(tag) >= 0 {
		return fmt.Errorf("store: snapshot tag %d already exists", tag)
	}
	if len(s.SB.Snapshots) >= 64 {
		return fmt.Errorf("store: maximum of 64 snapshots reached")
	}
	bit := s.allocateBit()
	if bit < 0 {
		return fmt.Errorf("store: no free snapshot bit available")
	}
	s.SB.Snapshots = append(s.SB.Snapshots, types.Snapshot{
		Tag:    tag,
		Bit:    int8(bit),
		Ctime:  uint64(initTime().Unix()),
		Prio:   0,
		UseCnt: 0,
	})
	s.SB.Snapmask = s.SB.ActiveMask()
	return nil
}

func (s *Store) allocateBit() int {
	used := uint64(0)
	for _, snap := range s.SB.Snapshots {
		used |= 1 << uint(snap.Bit)
	}
	for b := 0; b < 64; b++ {
		if used&(1<<uint(b)) == 0 {
			return b
		}
	}
	return -1
}

// DeleteSnapshot removes a snapshot entry and frees every snapshot-store
// chunk that becomes wholly unshared as a result. Grounded on ddsnapd.c's
// delete_snapshot.
func (s *Store) DeleteSnapshot(tag uint32) error {
	i := s.snapshotIndex(tag)
	if i < 0 {
		return fmt.Errorf("store: unknown snapshot tag %d", tag)
	}
	bit := s.SB.Snapshots[i].Bit
	mask := uint64(1) << uint(bit)

	release := func(chunk types.ChunkT) {
		s.Alloc.Free(s.snapSpace(), chunk)
		if s.SB.SnapChunksUsed > 0 {
			s.SB.SnapChunksUsed--
		}
	}
	if err := s.Tree.DeleteTreeRange(0, maxChunkT, mask, release); err != nil {
		return fmt.Errorf("store: delete snapshot %d exceptions: %w", tag, err)
	}

	s.SB.Snapshots = append(s.SB.Snapshots[:i], s.SB.Snapshots[i+1:]...)
	s.SB.Snapmask = s.SB.ActiveMask()
	return nil
}

const maxChunkT = types.ChunkT(1<<64 - 1)

// SetPriority updates a snapshot's deletion priority (lower deletes
// first under reclaim; ddsnapd.c's PRIORITY message).
func (s *Store) SetPriority(tag uint32, prio int8) error {
	i := s.snapshotIndex(tag)
	if i < 0 {
		return fmt.Errorf("store: unknown snapshot tag %d", tag)
	}
	s.SB.Snapshots[i].Prio = prio
	return nil
}

// SetUseCount adjusts a snapshot's reference count by delta (ddsnapd.c's
// USECOUNT message: positive to register a new user, negative to release
// one), validating the result against the 16-bit range before committing
// it. Matching ddsnapd.c's USECOUNT handler, a delta that would push the
// count outside [0, 1<<16) is rejected with no mutation: overflow when
// delta >= 0, underflow when delta < 0.
func (s *Store) SetUseCount(tag uint32, delta int32) (int32, error) {
	i := s.snapshotIndex(tag)
	if i < 0 {
		return 0, fmt.Errorf("store: unknown snapshot tag %d", tag)
	}
	newCount := int32(s.SB.Snapshots[i].UseCnt) + delta
	if newCount>>16 != 0 {
		if delta >= 0 {
			return 0, fmt.Errorf("store: usecount overflow for snapshot %d: %w", tag, ErrUseCountRange)
		}
		return 0, fmt.Errorf("store: usecount underflow for snapshot %d: %w", tag, ErrUseCountRange)
	}
	s.SB.Snapshots[i].UseCnt = uint32(newCount)
	return newCount, nil
}

// AdjustUseCountClamped changes tag's use-count by delta for internal
// bookkeeping that the protocol never exposes a delta for directly
// (IDENTIFY's implicit +1 on bind, a client disconnect's implicit -1):
// these have no client-facing error path, so the result clamps at zero
// instead of being rejected.
func (s *Store) AdjustUseCountClamped(tag uint32, delta int32) (int32, error) {
	i := s.snapshotIndex(tag)
	if i < 0 {
		return 0, fmt.Errorf("store: unknown snapshot tag %d", tag)
	}
	uc := int32(s.SB.Snapshots[i].UseCnt) + delta
	if uc < 0 {
		uc = 0
	}
	s.SB.Snapshots[i].UseCnt = uint32(uc)
	return uc, nil
}

// reclaimLowestPriority is the allocator's ReclaimFunc: it finds the
// lowest-priority, zero-use-count snapshot (ties broken by the highest
// index, scanning from the tail) and deletes it, matching ddsnapd.c's
// find_snapshot_to_delete.
func (s *Store) reclaimLowestPriority() error {
	best := -1
	for i := len(s.SB.Snapshots) - 1; i >= 0; i-- {
		snap := s.SB.Snapshots[i]
		if snap.UseCnt != 0 {
			continue
		}
		if best < 0 || snap.Prio < s.SB.Snapshots[best].Prio {
			best = i
		}
	}
	if best < 0 {
		return fmt.Errorf("store: %w (no deletable snapshot)", alloc.ErrStoreFull)
	}
	return s.DeleteSnapshot(s.SB.Snapshots[best].Tag)
}
