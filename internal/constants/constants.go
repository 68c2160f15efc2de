// Package constants holds the fixed layout values used across dmsnapd.
package constants

// SectorSize is the size of one disk sector in bytes. All on-disk offsets
// in this server are expressed in sectors of this size.
const SectorSize = 512

// SBSector is the sector at which the superblock image is written.
const SBSector = 8

// SBMagic identifies a valid superblock image.
const SBMagic uint64 = 0x5355504552444d31 // "SUPERDM1"

// LeafMagic identifies a valid exception-leaf block.
const LeafMagic uint16 = 0x1eaf

// JournalMagic is the 8-byte literal that opens every commit block.
const JournalMagic = "MAGICNUM"

// MaxSnapshots is the number of bits in a share bitmap, and therefore the
// maximum number of live snapshots the store can hold at once.
const MaxSnapshots = 64

// DefaultChunkSizeBits is used by the CLI when the operator does not
// specify a chunk size explicitly.
const DefaultChunkSizeBits = 16 // 64 KiB chunks

// DefaultJournalBytes is the default size of the journal laid out by
// `dmsnapd initialize` when the operator does not specify one.
const DefaultJournalBytes = 8 << 20 // 8 MiB

// MaxBody is the largest request/reply body the wire protocol will accept
// before treating the frame as malformed and dropping the client.
const MaxBody = 1 << 20 // 1 MiB

// SnaplockHashBits sizes the snaplock hash table (2^SnaplockHashBits buckets).
const SnaplockHashBits = 8

// SnaplockHashMultiplier is kept identical to the original ddsnapd
// implementation so that bucket distribution stays reproducible across
// ports; see DESIGN.md.
const SnaplockHashMultiplier uint32 = 3498734713

// DefaultListenAddr is used by `dmsnapd server` when --listen is omitted.
const DefaultListenAddr = "127.0.0.1:4745"
