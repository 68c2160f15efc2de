package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

func TestSuperblock_MarshalUnmarshalRoundTrip(t *testing.T) {
	sb := Superblock{
		Magic:             constants.SBMagic,
		CreateTime:        1234,
		Flags:             SBFlagBusy,
		OrgSectors:        9000,
		OrgOffset:         0,
		MetaChunkSizeBits: 16,
		SnapChunkSizeBits: 16,
		EtreeRoot:         types.SectorT(128),
		EtreeLevels:       1,
		JournalBase:       types.SectorT(256),
		JournalSize:       16,
		JournalNext:       3,
		Sequence:          42,
		MetaChunks:        1000,
		MetaBitmapBase:    types.SectorT(16),
		MetaBitmapBlocks:  1,
		SnapChunks:        2000,
		SnapBitmapBase:    types.SectorT(32),
		SnapBitmapBlocks:  2,
		MetaChunksUsed:    50,
		SnapChunksUsed:    10,
		Snapshots: []types.Snapshot{
			{Tag: 1, Bit: 0, Ctime: 111, Prio: 0, UseCnt: 1},
			{Tag: 2, Bit: 1, Ctime: 222, Prio: -1, UseCnt: 0},
		},
	}
	sb.Snapmask = sb.ActiveMask()

	buf := sb.Marshal()
	require.Len(t, buf, Size())

	var got Superblock
	require.NoError(t, got.Unmarshal(buf))

	require.Equal(t, sb.Magic, got.Magic)
	require.Equal(t, sb.CreateTime, got.CreateTime)
	require.True(t, got.Busy())
	require.Equal(t, sb.OrgSectors, got.OrgSectors)
	require.Equal(t, sb.EtreeRoot, got.EtreeRoot)
	require.Equal(t, sb.JournalBase, got.JournalBase)
	require.Equal(t, sb.Sequence, got.Sequence)
	require.Equal(t, sb.Snapmask, got.Snapmask)
	require.Equal(t, sb.Snapshots, got.Snapshots)
}

func TestSuperblock_UnmarshalRejectsBadMagic(t *testing.T) {
	sb := Superblock{Magic: 0xdeadbeef}
	buf := sb.Marshal()

	var got Superblock
	require.Error(t, got.Unmarshal(buf))
}

func TestSuperblock_ActiveMaskAndBusy(t *testing.T) {
	sb := Superblock{Snapshots: []types.Snapshot{{Bit: 0}, {Bit: 3}}}
	require.Equal(t, uint64(0b1001), sb.ActiveMask())

	sb.Flags = 0
	require.False(t, sb.Busy())
	sb.Flags |= SBFlagBusy
	require.True(t, sb.Busy())
}
