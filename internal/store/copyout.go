package store

import (
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// copybufChunks bounds how many contiguous chunks one coalesced copyout
// batch may span, matching ddsnapd.c's copybuf_size = 32 * allocsize.
const copybufChunks = 32

// copyJob is one pending (possibly coalesced) run of contiguous chunks
// awaiting copy-out from their source into freshly allocated snapshot-
// store exceptions.
type copyJob struct {
	sourceChunk   types.ChunkT
	fromSnapStore bool
	destChunk     types.ChunkT
	count         int
}

// queueCopyout records that destChunk needs sourceChunk's contents copied
// into it before the caller may write to destChunk. It merges into the
// previous job when both source and destination continue contiguously
// from it, matching ddsnapd.c's copyout coalescing.
func (s *Store) queueCopyout(sourceChunk types.ChunkT, fromSnapStore bool, destChunk types.ChunkT) error {
	if n := len(s.copyQueue); n > 0 {
		last := &s.copyQueue[n-1]
		if last.fromSnapStore == fromSnapStore &&
			last.sourceChunk+types.ChunkT(last.count) == sourceChunk &&
			last.destChunk+types.ChunkT(last.count) == destChunk &&
			last.count < copybufChunks {
			last.count++
			return nil
		}
	}
	if err := s.FlushCopyouts(); err != nil {
		return err
	}
	s.copyQueue = append(s.copyQueue, copyJob{
		sourceChunk:   sourceChunk,
		fromSnapStore: fromSnapStore,
		destChunk:     destChunk,
		count:         1,
	})
	return nil
}

// FlushCopyouts performs every queued copy-out, reading each job's run of
// contiguous source chunks and writing them to their destination
// snapshot-store chunks. Called at the end of request handling (matching
// ddsnapd.c's finish_copyout call sites bracketing origin/snapshot writes)
// so a crash never leaves an exception pointing at uncopied data for
// longer than one in-flight request.
func (s *Store) FlushCopyouts() error {
	for _, job := range s.copyQueue {
		size := job.count * s.snapChunkSize
		buf := make([]byte, size)

		srcDev := s.Devices.Get(device.Origin)
		sectorsPerSrcChunk := s.sectorsPerSnapChunk
		if job.fromSnapStore {
			srcDev = s.Devices.Get(device.SnapStore)
		}
		srcSector := types.SectorT(uint64(job.sourceChunk) * sectorsPerSrcChunk)
		if _, err := srcDev.ReadAt(buf, int64(srcSector)*constants.SectorSize); err != nil {
			return fmt.Errorf("store: copyout read: %w", err)
		}

		dstSector := s.snapChunkToSector(job.destChunk)
		dstDev := s.Devices.Get(device.SnapStore)
		if _, err := dstDev.WriteAt(buf, int64(dstSector)*constants.SectorSize); err != nil {
			return fmt.Errorf("store: copyout write: %w", err)
		}
	}
	s.copyQueue = s.copyQueue[:0]
	return nil
}
