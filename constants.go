package dmsnapd

import "github.com/ehrlich-b/dmsnapd/internal/constants"

// Re-export the fixed layout values for callers that only import the root
// package. The CLI and the internal packages use internal/constants
// directly.
const (
	SectorSize             = constants.SectorSize
	SBSector               = constants.SBSector
	SBMagic                = constants.SBMagic
	LeafMagic              = constants.LeafMagic
	JournalMagic           = constants.JournalMagic
	MaxSnapshots           = constants.MaxSnapshots
	DefaultChunkSizeBits   = constants.DefaultChunkSizeBits
	DefaultJournalBytes    = constants.DefaultJournalBytes
	MaxBody                = constants.MaxBody
	SnaplockHashBits       = constants.SnaplockHashBits
	SnaplockHashMultiplier = constants.SnaplockHashMultiplier
	DefaultListenAddr      = constants.DefaultListenAddr
)
