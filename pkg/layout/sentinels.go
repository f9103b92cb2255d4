package layout

// Sentinel values. An erased NAND bit reads as 1, so every "absent" or
// "not yet sealed" field is encoded as all-ones.
const (
	InvalidBlock     uint16 = 0xFFFF
	InvalidAge       uint32 = 0xFFFFFFFF
	InvalidFileID    uint32 = 0xFFFFFFFF
	InvalidTimestamp uint32 = 0xFFFFFFFF
	EmptySectorBytes uint16 = 0xFFFF
)

// BlockType is the per-block classification stored in sector-0 spare.
type BlockType uint8

const (
	BlockUnallocated BlockType = 0xFF
	BlockInode       BlockType = 1
	BlockFile        BlockType = 2
)

func (t BlockType) String() string {
	switch t {
	case BlockUnallocated:
		return "unallocated"
	case BlockInode:
		return "inode"
	case BlockFile:
		return "file"
	default:
		return "unknown"
	}
}

// CopyCompleteMarker flags an inode allocation sector's spare as fully
// written (the allocation sector plus its filename tail).
const CopyCompleteMarker uint8 = 0x55

// BlockStatKey is the fixed signature written into a block-stat sector
// to distinguish "we own this, trust the age field" from a block that
// merely reads as all-ones because it was erased and never touched.
const BlockStatKey uint32 = 0xB10C57A7
