package store

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/dmsnapd/internal/alloc"
	"github.com/ehrlich-b/dmsnapd/internal/btree"
	"github.com/ehrlich-b/dmsnapd/internal/cache"
	"github.com/ehrlich-b/dmsnapd/internal/constants"
	"github.com/ehrlich-b/dmsnapd/internal/device"
	"github.com/ehrlich-b/dmsnapd/internal/journal"
	"github.com/ehrlich-b/dmsnapd/internal/logging"
	"github.com/ehrlich-b/dmsnapd/internal/types"
)

// Store ties together the devices, buffer cache, allocator, journal and
// B-tree engine into the running state of one snapshot store. It is the
// dependency-injection root for btree.BlockIO and journal.IO: neither of
// those packages imports this one, so Store supplies small adapters
// (blockIO, journalIO below) instead.
type Store struct {
	Devices *device.Set
	Cache   *cache.Cache
	Alloc   *alloc.Allocator
	Journal *journal.Journal
	Tree    *btree.Tree
	SB      Superblock
	Log     *logging.Logger

	sectorsPerMetaChunk uint64
	sectorsPerSnapChunk uint64
	metaChunkSize       int
	snapChunkSize       int
	sharedDevice        bool

	// metaBitmap and snapBitmap are the same backing slices handed to
	// alloc.Allocator.NewSpace; the allocator mutates them in place, so
	// Save only needs to re-write them to their on-disk base sector.
	// snapBitmap is nil when sharedDevice (there is only one bitmap).
	metaBitmap []byte
	snapBitmap []byte

	copyQueue []copyJob
}

func sectorsPerChunk(chunkBits uint32) uint64 {
	return 1 << (chunkBits - 9) // SectorSize == 512 == 1<<9
}

func calcBitmapBlocks(chunks uint64, chunkSize int) uint32 {
	bitsPerChunk := uint64(chunkSize) * 8
	return uint32((chunks + bitsPerChunk - 1) / bitsPerChunk)
}

func divRound(n, d int) int { return (n + d - 1) / d }

// snapSpace is the allocation space snapshot-store chunks come from. When
// the metadata and snapshot-store devices coincide, this implementation
// allocates both kinds of chunk from the single metadata space rather
// than maintaining two spaceStates that alias the same underlying bitmap
// (which would let their freeChunks counters diverge from its real
// state) — see DESIGN.md.
func (s *Store) snapSpace() alloc.Space {
	if s.sharedDevice {
		return alloc.SpaceMetadata
	}
	return alloc.SpaceSnapData
}

// MetaFreeChunks reports the number of unallocated metadata chunks, for
// STATUS's meta{bits,used,free} reply fields.
func (s *Store) MetaFreeChunks() uint64 {
	return s.Alloc.FreeChunks(alloc.SpaceMetadata)
}

// SnapFreeChunks reports the number of unallocated snapshot-store chunks,
// for STATUS's store{bits,used,free} reply fields.
func (s *Store) SnapFreeChunks() uint64 {
	return s.Alloc.FreeChunks(s.snapSpace())
}

func (s *Store) metaChunkToSector(chunk types.ChunkT) types.SectorT {
	return types.SectorT(uint64(chunk) * s.sectorsPerMetaChunk)
}
func (s *Store) sectorToMetaChunk(sector types.SectorT) types.ChunkT {
	return types.ChunkT(uint64(sector) / s.sectorsPerMetaChunk)
}
func (s *Store) snapChunkToSector(chunk types.ChunkT) types.SectorT {
	return types.SectorT(uint64(chunk) * s.sectorsPerSnapChunk)
}

// blockIO adapts Store onto btree.BlockIO, routing interior node and leaf
// block I/O through the buffer cache and metadata allocation space.
type blockIO struct{ s *Store }

func (b *blockIO) ReadBlock(sector types.SectorT) ([]byte, error) {
	buf, err := b.s.Cache.Read(device.Meta, sector)
	if err != nil {
		return nil, err
	}
	data := buf.Data
	b.s.Cache.Release(buf)
	return data, nil
}

func (b *blockIO) Dirty(sector types.SectorT) {
	buf := b.s.Cache.Get(device.Meta, sector)
	b.s.Cache.ReleaseDirty(buf)
}

func (b *blockIO) NewBlock() (types.SectorT, []byte, error) {
	chunk, err := b.s.Alloc.Alloc(alloc.SpaceMetadata)
	if err != nil {
		return 0, nil, err
	}
	b.s.SB.MetaChunksUsed++
	sector := b.s.metaChunkToSector(chunk)
	buf := b.s.Cache.Get(device.Meta, sector)
	b.s.Cache.ReleaseDirty(buf)
	return sector, buf.Data, nil
}

func (b *blockIO) Free(sector types.SectorT) {
	chunk := b.s.sectorToMetaChunk(sector)
	b.s.Alloc.Free(alloc.SpaceMetadata, chunk)
	if b.s.SB.MetaChunksUsed > 0 {
		b.s.SB.MetaChunksUsed--
	}
}

// journalIO adapts Store onto journal.IO: journal slots are raw
// metadata-chunk-sized writes directly against the metadata device,
// bypassing the buffer cache (the journal is the cache's durability
// mechanism, not a cache client itself).
type journalIO struct{ s *Store }

func (j *journalIO) slotSector(i int) types.SectorT {
	return j.s.SB.JournalBase + types.SectorT(uint64(i)*j.s.sectorsPerMetaChunk)
}

func (j *journalIO) ReadSlot(i int) ([]byte, error) {
	return j.s.Devices.Meta.ReadBlock(j.slotSector(i), j.s.metaChunkSize)
}

func (j *journalIO) WriteSlot(i int, buf []byte) error {
	return j.s.Devices.Meta.WriteBlock(j.slotSector(i), buf)
}

func (j *journalIO) WriteHome(sector types.SectorT, buf []byte) error {
	return j.s.Devices.Meta.WriteBlock(sector, buf)
}

// CommitTransaction journals and writes every currently-dirty buffer, then
// clears the cache's dirty set. Grounded on ddsnapd.c's commit_transaction
// via internal/journal; the final Cache.FlushAll call re-writes buffers
// journal.Commit already wrote to their home sectors (a harmless,
// idempotent second write) so the cache's own dirty bookkeeping stays the
// single source of truth for "is this buffer flushed" without adding a
// separate cache API just to clear dirty flags after an external writer.
func (s *Store) CommitTransaction() error {
	dirty := s.Cache.DirtyBuffers()
	if len(dirty) == 0 {
		return nil
	}
	blocks := make([]journal.DirtyBlock, len(dirty))
	for i, b := range dirty {
		blocks[i] = journal.DirtyBlock{Sector: b.Sector, Data: b.Data}
	}
	if err := s.Journal.Commit(blocks); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return s.Cache.FlushAll()
}

// Initialize lays out a fresh snapshot store across devices: superblock,
// allocation bitmaps, an empty journal, and a one-leaf B-tree. Grounded on
// ddsnapd.c's init_snapstore/init_allocation.
func Initialize(devices *device.Set, journalBytes int, metaChunkBits, snapChunkBits uint32) (*Store, error) {
	sharedDevice := devices.Meta == devices.SnapStore
	if sharedDevice && metaChunkBits != snapChunkBits {
		return nil, fmt.Errorf("store: metadata and snapshot chunk sizes must match when metadev == snapdev")
	}

	metaChunkSize := 1 << metaChunkBits
	snapChunkSize := 1 << snapChunkBits

	s := &Store{
		Devices:             devices,
		Cache:               cache.New(devices, metaChunkSize),
		sectorsPerMetaChunk: sectorsPerChunk(metaChunkBits),
		sectorsPerSnapChunk: sectorsPerChunk(snapChunkBits),
		metaChunkSize:       metaChunkSize,
		snapChunkSize:       snapChunkSize,
		sharedDevice:        sharedDevice,
	}

	metaChunks := uint64(devices.Meta.Size()) / uint64(metaChunkSize)
	snapChunks := uint64(devices.SnapStore.Size()) / uint64(snapChunkSize)
	orgSectors := uint64(devices.Origin.Size()) / constants.SectorSize

	// metaBitmapBaseChunk is the first whole chunk lying entirely after the
	// superblock's own sectors, so the bitmap region never overlaps it —
	// simpler than ddsnapd.c's SB_SECTOR-based rounding chain but
	// equivalent for any metadata chunk size.
	sbSectors := uint64(constants.SBSector) + uint64(divRound(Size(), constants.SectorSize))
	metaBitmapBaseChunk := (sbSectors + s.sectorsPerMetaChunk - 1) / s.sectorsPerMetaChunk
	metaBitmapBlocks := calcBitmapBlocks(metaChunks, metaChunkSize)

	journalChunks := uint32(divRound(journalBytes, metaChunkSize))

	var snapBitmapBaseChunk, snapBitmapBlocks uint64
	journalBaseChunk := uint64(metaBitmapBaseChunk) + uint64(metaBitmapBlocks)
	reserved := uint64(metaBitmapBaseChunk) + uint64(metaBitmapBlocks) + uint64(journalChunks)

	if !sharedDevice {
		snapBitmapBaseChunk = journalBaseChunk
		snapBitmapBlocks = uint64(calcBitmapBlocks(snapChunks, metaChunkSize))
		journalBaseChunk += snapBitmapBlocks
		reserved += snapBitmapBlocks
	}

	metaBitmap := make([]byte, metaBitmapBlocks*uint32(metaChunkSize))
	alloc.ReserveBits(metaBitmap, reserved)
	s.metaBitmap = metaBitmap

	s.Alloc = alloc.New()
	s.Alloc.NewSpace(alloc.SpaceMetadata, metaChunks, metaBitmap)

	if sharedDevice {
		s.SB.SnapBitmapBase = 0
		s.SB.SnapBitmapBlocks = 0
		s.SB.SnapChunks = metaChunks
	} else {
		snapBitmap := make([]byte, snapBitmapBlocks*uint64(metaChunkSize))
		s.snapBitmap = snapBitmap
		s.Alloc.NewSpace(alloc.SpaceSnapData, snapChunks, snapBitmap)
		s.SB.SnapBitmapBase = types.SectorT(snapBitmapBaseChunk * s.sectorsPerMetaChunk)
		s.SB.SnapBitmapBlocks = uint32(snapBitmapBlocks)
		s.SB.SnapChunks = snapChunks
	}

	s.SB.Magic = constants.SBMagic
	s.SB.CreateTime = uint64(initTime().Unix())
	s.SB.OrgSectors = orgSectors
	s.SB.OrgOffset = 0
	s.SB.MetaChunkSizeBits = metaChunkBits
	s.SB.SnapChunkSizeBits = snapChunkBits
	s.SB.MetaChunks = metaChunks
	s.SB.MetaBitmapBase = types.SectorT(uint64(metaBitmapBaseChunk) * s.sectorsPerMetaChunk)
	s.SB.MetaBitmapBlocks = metaBitmapBlocks
	s.SB.JournalBase = types.SectorT(journalBaseChunk * s.sectorsPerMetaChunk)
	s.SB.JournalSize = journalChunks
	s.SB.JournalNext = 0
	s.SB.Sequence = int32(journalChunks)
	s.SB.MetaChunksUsed = reserved
	s.SB.SnapChunksUsed = 0
	s.SB.Snapmask = 0
	s.SB.Snapshots = nil

	s.Journal = journal.New(&journalIO{s: s}, int(journalChunks), metaChunkSize)
	s.Journal.SetState(0, s.SB.Sequence) // first real commit outranks every stamped slot
	journalBase := types.SectorT(journalBaseChunk * s.sectorsPerMetaChunk)
	for i := uint32(0); i < journalChunks; i++ {
		blk := make([]byte, metaChunkSize)
		journal.StampEmptySlot(blk, int32(i))
		slotSector := journalBase + types.SectorT(uint64(i)*s.sectorsPerMetaChunk)
		if err := s.Devices.Meta.WriteBlock(slotSector, blk); err != nil {
			return nil, fmt.Errorf("store: stamp journal slot %d: %w", i, err)
		}
	}
	s.Alloc.Reclaim = s.reclaimLowestPriority

	rootSector, rootBuf, err := (&blockIO{s: s}).NewBlock()
	if err != nil {
		return nil, fmt.Errorf("store: allocate root leaf: %w", err)
	}
	btree.InitLeaf(rootBuf)
	s.SB.EtreeRoot = rootSector
	s.SB.EtreeLevels = 1

	s.Tree = &btree.Tree{IO: &blockIO{s: s}, Root: s.SB.EtreeRoot, Levels: 1, BlockSize: metaChunkSize}
	s.Log = logging.NewLogger(nil)

	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// initTime exists only so Initialize does not call time.Now() directly in
// more than one place; kept trivial on purpose.
func initTime() time.Time { return time.Now() }

// Load opens an existing snapshot store, reading the superblock and
// allocation bitmaps from disk and recovering the journal if it was left
// BUSY. Grounded on ddsnapd.c's load_sb plus START_SERVER's recovery
// check.
func Load(devices *device.Set) (*Store, error) {
	sharedDevice := devices.Meta == devices.SnapStore

	header, err := devices.Meta.ReadBlock(constants.SBSector, Size())
	if err != nil {
		return nil, fmt.Errorf("store: read superblock: %w", err)
	}
	var sb Superblock
	if err := sb.Unmarshal(header); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	sb.Snapmask = sb.ActiveMask()

	metaChunkSize := 1 << sb.MetaChunkSizeBits
	snapChunkSize := 1 << sb.SnapChunkSizeBits

	s := &Store{
		Devices:             devices,
		Cache:               cache.New(devices, metaChunkSize),
		SB:                  sb,
		sectorsPerMetaChunk: sectorsPerChunk(sb.MetaChunkSizeBits),
		sectorsPerSnapChunk: sectorsPerChunk(sb.SnapChunkSizeBits),
		metaChunkSize:       metaChunkSize,
		snapChunkSize:       snapChunkSize,
		sharedDevice:        sharedDevice,
		Log:                 logging.NewLogger(nil),
	}

	metaBitmap, err := devices.Meta.ReadBlock(sb.MetaBitmapBase, int(sb.MetaBitmapBlocks)*metaChunkSize)
	if err != nil {
		return nil, fmt.Errorf("store: read metadata bitmap: %w", err)
	}
	s.metaBitmap = metaBitmap
	s.Alloc = alloc.New()
	s.Alloc.NewSpace(alloc.SpaceMetadata, sb.MetaChunks, metaBitmap)

	if !sharedDevice {
		snapBitmap, err := devices.Meta.ReadBlock(sb.SnapBitmapBase, int(sb.SnapBitmapBlocks)*metaChunkSize)
		if err != nil {
			return nil, fmt.Errorf("store: read snapshot bitmap: %w", err)
		}
		s.snapBitmap = snapBitmap
		s.Alloc.NewSpace(alloc.SpaceSnapData, sb.SnapChunks, snapBitmap)
	}

	s.Journal = journal.New(&journalIO{s: s}, int(sb.JournalSize), metaChunkSize)
	s.Journal.SetState(int(sb.JournalNext), sb.Sequence)

	s.Tree = &btree.Tree{IO: &blockIO{s: s}, Root: sb.EtreeRoot, Levels: int(sb.EtreeLevels), BlockSize: metaChunkSize}
	s.Alloc.Reclaim = s.reclaimLowestPriority

	if sb.Busy() {
		s.Log.Info("store was busy, recovering journal")
		if err := s.Journal.Recover(); err != nil && err != journal.ErrNoCommitFound {
			return nil, fmt.Errorf("store: journal recovery: %w", err)
		}
	}

	return s, nil
}

// Save flushes every dirty buffer and rewrites the superblock image
// unconditionally. Grounded on ddsnapd.c's save_state (flush_buffers +
// save_sb), simplified here to always write the superblock rather than
// tracking a separate SB_DIRTY bit — the superblock image is one sector,
// so the extra write is cheap and this avoids a second piece of dirty
// state to keep in sync with the cache's.
func (s *Store) Save() error {
	if err := s.Cache.FlushAll(); err != nil {
		return err
	}
	if err := s.Devices.Meta.WriteBlock(s.SB.MetaBitmapBase, s.metaBitmap); err != nil {
		return fmt.Errorf("store: write metadata bitmap: %w", err)
	}
	if s.snapBitmap != nil {
		if err := s.Devices.Meta.WriteBlock(s.SB.SnapBitmapBase, s.snapBitmap); err != nil {
			return fmt.Errorf("store: write snapshot bitmap: %w", err)
		}
	}
	s.SB.JournalNext = uint32(s.Journal.Next())
	s.SB.Sequence = s.Journal.Sequence()
	return s.Devices.Meta.WriteBlock(constants.SBSector, s.SB.Marshal())
}

// StartServer marks the store BUSY and persists that before serving any
// requests, so a crash between here and a clean Shutdown is detected on
// the next Load (spec.md §4.8).
func (s *Store) StartServer() error {
	s.SB.Flags |= SBFlagBusy
	return s.Save()
}

// Shutdown clears BUSY and persists, signaling a clean exit.
func (s *Store) Shutdown() error {
	s.SB.Flags &^= SBFlagBusy
	return s.Save()
}
