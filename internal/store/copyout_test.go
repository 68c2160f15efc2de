package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

func TestQueueCopyout_CoalescesContiguousRuns(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.queueCopyout(types.ChunkT(0), false, types.ChunkT(100)))
	require.NoError(t, s.queueCopyout(types.ChunkT(1), false, types.ChunkT(101)))
	require.NoError(t, s.queueCopyout(types.ChunkT(2), false, types.ChunkT(102)))
	require.Len(t, s.copyQueue, 1, "contiguous source/dest runs coalesce into one job")
	require.Equal(t, 3, s.copyQueue[0].count)

	require.NoError(t, s.queueCopyout(types.ChunkT(50), false, types.ChunkT(200)))
	require.Len(t, s.copyQueue, 1, "a non-contiguous run flushes the old job and starts a fresh one")
	require.Equal(t, 1, s.copyQueue[0].count)
}

func TestFlushCopyouts_CopiesOriginDataToSnapStore(t *testing.T) {
	s := newTestStore(t)

	origin := s.Devices.Get(device.Origin)
	want := make([]byte, s.snapChunkSize)
	for i := range want {
		want[i] = byte(i % 256)
	}
	require.NoError(t, origin.WriteBlock(s.snapChunkToSector(types.ChunkT(1)), want))

	destChunk, err := s.Alloc.Alloc(s.snapSpace())
	require.NoError(t, err)

	require.NoError(t, s.queueCopyout(types.ChunkT(1), false, destChunk))
	require.NoError(t, s.FlushCopyouts())
	require.Empty(t, s.copyQueue)

	snap := s.Devices.Get(device.SnapStore)
	got, err := snap.ReadBlock(s.snapChunkToSector(destChunk), s.snapChunkSize)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
