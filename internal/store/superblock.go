// Package store implements dmsnapd's superblock lifecycle and the
// exception/copy-out logic layered on top of the buffer cache, allocator,
// journal and B-tree engine. Grounded on ddsnapd.c's superblock fields
// (setup_sb/load_sb/save_state/init_snapstore) and on spec.md §3/§4.8,
// with the on-disk layout redesigned little-endian per spec.md's stated
// endian-fix Non-goal.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// SBFlagBusy marks the superblock as not cleanly shut down; set on
// START_SERVER, cleared on clean shutdown, checked on load to trigger
// journal recovery (spec.md §4.8/§7).
const SBFlagBusy uint32 = 1 << 0

const snapshotEntrySize = 24

// superblockFixedSize is the byte size of every field preceding the
// snapshot list.
const superblockFixedSize = 8 + 8 + 4 + 8 + 8 + 4 + 4 + 8 + 4 + 8 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 8 + 8 + 8 + 4

// Superblock is the on-disk header: magic, device geometry, journal and
// B-tree descriptors, allocation-space chunk counts, and the snapshot
// list. See spec.md §3 "Superblock image".
type Superblock struct {
	Magic      uint64
	CreateTime uint64
	Flags      uint32

	OrgSectors uint64
	OrgOffset  uint64

	MetaChunkSizeBits uint32
	SnapChunkSizeBits uint32

	EtreeRoot   types.SectorT
	EtreeLevels uint32

	JournalBase types.SectorT
	JournalSize uint32
	JournalNext uint32
	Sequence    int32

	MetaChunks        uint64
	MetaBitmapBase    types.SectorT
	MetaBitmapBlocks  uint32
	SnapChunks        uint64
	SnapBitmapBase    types.SectorT
	SnapBitmapBlocks  uint32
	MetaChunksUsed    uint64
	SnapChunksUsed    uint64

	Snapmask  uint64
	Snapshots []types.Snapshot
}

// Size is the fixed byte length of one marshaled superblock image
// (snapshot list padded to constants.MaxSnapshots entries).
func Size() int {
	return superblockFixedSize + constants.MaxSnapshots*snapshotEntrySize
}

// Marshal encodes sb into a freshly allocated, fixed-size buffer.
func (sb *Superblock) Marshal() []byte {
	buf := make([]byte, Size())
	o := 0
	put64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[o:o+8], v); o += 8 }
	put32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[o:o+4], v); o += 4 }

	put64(sb.Magic)
	put64(sb.CreateTime)
	put32(sb.Flags)
	put64(sb.OrgSectors)
	put64(sb.OrgOffset)
	put32(sb.MetaChunkSizeBits)
	put32(sb.SnapChunkSizeBits)
	put64(uint64(sb.EtreeRoot))
	put32(sb.EtreeLevels)
	put64(uint64(sb.JournalBase))
	put32(sb.JournalSize)
	put32(sb.JournalNext)
	put32(uint32(sb.Sequence))
	put64(sb.MetaChunks)
	put64(uint64(sb.MetaBitmapBase))
	put32(sb.MetaBitmapBlocks)
	put64(sb.SnapChunks)
	put64(uint64(sb.SnapBitmapBase))
	put32(sb.SnapBitmapBlocks)
	put64(sb.MetaChunksUsed)
	put64(sb.SnapChunksUsed)
	put64(sb.Snapmask)
	put32(uint32(len(sb.Snapshots)))

	for _, s := range sb.Snapshots {
		binary.LittleEndian.PutUint32(buf[o:o+4], s.Tag)
		buf[o+4] = byte(s.Bit)
		buf[o+5] = byte(s.Prio)
		binary.LittleEndian.PutUint64(buf[o+8:o+16], s.Ctime)
		binary.LittleEndian.PutUint32(buf[o+16:o+20], s.UseCnt)
		o += snapshotEntrySize
	}
	return buf
}

// Unmarshal decodes buf (as produced by Marshal) into sb. It validates
// the magic and returns an error if it does not match.
func (sb *Superblock) Unmarshal(buf []byte) error {
	if len(buf) < Size() {
		return fmt.Errorf("store: superblock buffer too short: %d < %d", len(buf), Size())
	}
	o := 0
	get64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[o : o+8]); o += 8; return v }
	get32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[o : o+4]); o += 4; return v }

	sb.Magic = get64()
	if sb.Magic != constants.SBMagic {
		return fmt.Errorf("store: bad superblock magic %#x", sb.Magic)
	}
	sb.CreateTime = get64()
	sb.Flags = get32()
	sb.OrgSectors = get64()
	sb.OrgOffset = get64()
	sb.MetaChunkSizeBits = get32()
	sb.SnapChunkSizeBits = get32()
	sb.EtreeRoot = types.SectorT(get64())
	sb.EtreeLevels = get32()
	sb.JournalBase = types.SectorT(get64())
	sb.JournalSize = get32()
	sb.JournalNext = get32()
	sb.Sequence = int32(get32())
	sb.MetaChunks = get64()
	sb.MetaBitmapBase = types.SectorT(get64())
	sb.MetaBitmapBlocks = get32()
	sb.SnapChunks = get64()
	sb.SnapBitmapBase = types.SectorT(get64())
	sb.SnapBitmapBlocks = get32()
	sb.MetaChunksUsed = get64()
	sb.SnapChunksUsed = get64()
	sb.Snapmask = get64()
	count := get32()

	sb.Snapshots = make([]types.Snapshot, count)
	for i := range sb.Snapshots {
		tag := binary.LittleEndian.Uint32(buf[o : o+4])
		bit := int8(buf[o+4])
		prio := int8(buf[o+5])
		ctime := binary.LittleEndian.Uint64(buf[o+8 : o+16])
		usecnt := binary.LittleEndian.Uint32(buf[o+16 : o+20])
		sb.Snapshots[i] = types.Snapshot{Tag: tag, Bit: bit, Ctime: ctime, Prio: prio, UseCnt: usecnt}
		o += snapshotEntrySize
	}
	return nil
}

// ActiveMask recomputes the snapmask from the live snapshot list (used on
// load, matching ddsnapd.c's load_sb: "sb->snapmask = calc_snapmask(sb)").
func (sb *Superblock) ActiveMask() uint64 {
	var mask uint64
	for _, s := range sb.Snapshots {
		mask |= 1 << uint(s.Bit)
	}
	return mask
}

// Busy reports whether the superblock was left in the BUSY state by an
// unclean shutdown.
func (sb *Superblock) Busy() bool { return sb.Flags&SBFlagBusy != 0 }
