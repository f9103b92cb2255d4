package layout

import "encoding/binary"

// SpareSize is the number of out-of-band bytes available per sector.
// It is small and fixed regardless of geometry, matching typical SLC
// NAND spare-area budgets.
const SpareSize = 4

// EncodeInodeInitSpare serializes the spare for an inode block's init
// sector.
func EncodeInodeInitSpare(s InodeInitSpare) []byte {
	buf := make([]byte, SpareSize)
	buf[0] = byte(s.TypeID)
	binary.LittleEndian.PutUint16(buf[2:4], s.InodeIndex)
	return buf
}

// DecodeInodeInitSpare parses the spare for an inode block's init
// sector.
func DecodeInodeInitSpare(data []byte) InodeInitSpare {
	return InodeInitSpare{
		TypeID:     BlockType(data[0]),
		InodeIndex: binary.LittleEndian.Uint16(data[2:4]),
	}
}

// EncodeFileInitSpare serializes the spare for a file block's init
// sector.
func EncodeFileInitSpare(s FileInitSpare) []byte {
	buf := make([]byte, SpareSize)
	buf[0] = byte(s.TypeID)
	binary.LittleEndian.PutUint16(buf[2:4], s.Nbytes)
	return buf
}

// DecodeFileInitSpare parses the spare for a file block's init sector.
func DecodeFileInitSpare(data []byte) FileInitSpare {
	return FileInitSpare{
		TypeID: BlockType(data[0]),
		Nbytes: binary.LittleEndian.Uint16(data[2:4]),
	}
}

// RawBlockType reads just the type_id byte out of any sector-0 spare,
// without requiring the caller to know which variant it decodes to.
func RawBlockType(data []byte) BlockType {
	return BlockType(data[0])
}

// EncodeInodeAllocationSpare serializes the copy-complete marker.
func EncodeInodeAllocationSpare(s InodeAllocationSpare) []byte {
	buf := make([]byte, SpareSize)
	buf[0] = s.CopyComplete
	return buf
}

// DecodeInodeAllocationSpare parses the copy-complete marker.
func DecodeInodeAllocationSpare(data []byte) InodeAllocationSpare {
	return InodeAllocationSpare{CopyComplete: data[0]}
}

// EncodeFileDataSpare serializes an ordinary data sector's valid-byte
// count.
func EncodeFileDataSpare(s FileDataSpare) []byte {
	buf := make([]byte, SpareSize)
	binary.LittleEndian.PutUint16(buf[0:2], s.Nbytes)
	return buf
}

// DecodeFileDataSpare parses an ordinary data sector's valid-byte count.
func DecodeFileDataSpare(data []byte) FileDataSpare {
	return FileDataSpare{Nbytes: binary.LittleEndian.Uint16(data[0:2])}
}
