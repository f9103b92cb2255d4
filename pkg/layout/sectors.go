package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// InodeInitSector is sector 0 of an inode block.
type InodeInitSector struct {
	Timestamp     uint32
	PreviousBlock uint16
}

// InodeInitSpare is the out-of-band flags written alongside InodeInitSector.
type InodeInitSpare struct {
	TypeID      BlockType
	InodeIndex  uint16
}

// InodeAllocationSector is the first sector of an inode entry pair.
type InodeAllocationSector struct {
	FileID        uint32
	FirstBlock    uint16
	FirstBlockAge uint32
	Timestamp     uint32
	Filename      string // truncated/padded to Geometry.MaxFnameLen on encode
}

// InodeAllocationSpare flags whether the allocation sector (including its
// filename tail) finished copying.
type InodeAllocationSpare struct {
	CopyComplete uint8
}

// InodeInvalidationSector is the second sector of an inode entry pair.
// Timestamp == InvalidTimestamp means the entry is still live.
type InodeInvalidationSector struct {
	Timestamp uint32
	LastBlock uint16
}

// FileInitSector is sector 0 of a file data block.
type FileInitSector struct {
	Age       uint32
	FileID    uint32
	Timestamp uint32
}

// FileInitSpare is the out-of-band flags for a file block's init sector.
// Nbytes counts only payload bytes following the header.
type FileInitSpare struct {
	TypeID BlockType
	Nbytes uint16
}

// FileDataSpare is the out-of-band flags for an ordinary (non-init,
// non-tail) file data sector.
type FileDataSpare struct {
	Nbytes uint16
}

// FileTailSector is the second-to-last sector of a file block: the
// forward link to the file's next block, written last.
type FileTailSector struct {
	NextBlock    uint16
	NextAge      uint32
	Timestamp    uint32
	BytesInBlock uint16
}

// BlockStatSector is the last sector of every block, written whenever a
// block becomes free (at invalidation or at format time).
type BlockStatSector struct {
	Age       uint32
	NextBlock uint16
	NextAge   uint32
	Timestamp uint32
	Key       uint32
}

func encode(v interface{}) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("layout: encoding %T: %v", v, err))
	}
	return buf.Bytes()
}

func decode(data []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// EncodeInodeInit serializes an inode block's init header.
func EncodeInodeInit(s InodeInitSector) []byte {
	return encode(struct {
		Timestamp     uint32
		PreviousBlock uint16
	}{s.Timestamp, s.PreviousBlock})
}

// DecodeInodeInit parses an inode block's init header.
func DecodeInodeInit(data []byte) (InodeInitSector, error) {
	var raw struct {
		Timestamp     uint32
		PreviousBlock uint16
	}
	if err := decode(data, &raw); err != nil {
		return InodeInitSector{}, err
	}
	return InodeInitSector{Timestamp: raw.Timestamp, PreviousBlock: raw.PreviousBlock}, nil
}

// EncodeInodeAllocation serializes an allocation sector, padding or
// truncating Filename to maxName bytes.
func EncodeInodeAllocation(s InodeAllocationSector, maxName int) []byte {
	buf := new(bytes.Buffer)
	header := struct {
		FileID        uint32
		FirstBlock    uint16
		FirstBlockAge uint32
		Timestamp     uint32
	}{s.FileID, s.FirstBlock, s.FirstBlockAge, s.Timestamp}
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		panic(err)
	}
	name := make([]byte, maxName)
	copy(name, s.Filename)
	buf.Write(name)
	return buf.Bytes()
}

// InodeAllocationHeaderSize is the byte size of the allocation sector's
// fixed-width header, i.e. everything before the filename.
const InodeAllocationHeaderSize = 4 + 2 + 4 + 4

// DecodeInodeAllocation parses an allocation sector. maxName must match
// the value EncodeInodeAllocation was called with.
func DecodeInodeAllocation(data []byte, maxName int) (InodeAllocationSector, error) {
	var header struct {
		FileID        uint32
		FirstBlock    uint16
		FirstBlockAge uint32
		Timestamp     uint32
	}
	if err := decode(data[:InodeAllocationHeaderSize], &header); err != nil {
		return InodeAllocationSector{}, err
	}
	nameBytes := data[InodeAllocationHeaderSize : InodeAllocationHeaderSize+maxName]
	n := bytes.IndexByte(nameBytes, 0)
	if n < 0 {
		n = len(nameBytes)
	}
	return InodeAllocationSector{
		FileID:        header.FileID,
		FirstBlock:    header.FirstBlock,
		FirstBlockAge: header.FirstBlockAge,
		Timestamp:     header.Timestamp,
		Filename:      string(nameBytes[:n]),
	}, nil
}

// EncodeInodeInvalidation serializes an invalidation sector.
func EncodeInodeInvalidation(s InodeInvalidationSector) []byte {
	return encode(struct {
		Timestamp uint32
		LastBlock uint16
	}{s.Timestamp, s.LastBlock})
}

// DecodeInodeInvalidation parses an invalidation sector.
func DecodeInodeInvalidation(data []byte) (InodeInvalidationSector, error) {
	var raw struct {
		Timestamp uint32
		LastBlock uint16
	}
	if err := decode(data, &raw); err != nil {
		return InodeInvalidationSector{}, err
	}
	return InodeInvalidationSector{Timestamp: raw.Timestamp, LastBlock: raw.LastBlock}, nil
}

// FileInitHeaderSize is the encoded size of FileInitSector.
const FileInitHeaderSize = 4 + 4 + 4

// EncodeFileInit serializes a file block's init header.
func EncodeFileInit(s FileInitSector) []byte {
	return encode(struct {
		Age       uint32
		FileID    uint32
		Timestamp uint32
	}{s.Age, s.FileID, s.Timestamp})
}

// DecodeFileInit parses a file block's init header.
func DecodeFileInit(data []byte) (FileInitSector, error) {
	var raw struct {
		Age       uint32
		FileID    uint32
		Timestamp uint32
	}
	if err := decode(data, &raw); err != nil {
		return FileInitSector{}, err
	}
	return FileInitSector{Age: raw.Age, FileID: raw.FileID, Timestamp: raw.Timestamp}, nil
}

// FileTailHeaderSize is the encoded size of FileTailSector.
const FileTailHeaderSize = 2 + 4 + 4 + 2

// EncodeFileTail serializes a file block's tail header.
func EncodeFileTail(s FileTailSector) []byte {
	return encode(struct {
		NextBlock    uint16
		NextAge      uint32
		Timestamp    uint32
		BytesInBlock uint16
	}{s.NextBlock, s.NextAge, s.Timestamp, s.BytesInBlock})
}

// DecodeFileTail parses a file block's tail header.
func DecodeFileTail(data []byte) (FileTailSector, error) {
	var raw struct {
		NextBlock    uint16
		NextAge      uint32
		Timestamp    uint32
		BytesInBlock uint16
	}
	if err := decode(data, &raw); err != nil {
		return FileTailSector{}, err
	}
	return FileTailSector{
		NextBlock:    raw.NextBlock,
		NextAge:      raw.NextAge,
		Timestamp:    raw.Timestamp,
		BytesInBlock: raw.BytesInBlock,
	}, nil
}

// BlockStatHeaderSize is the encoded size of BlockStatSector.
const BlockStatHeaderSize = 4 + 2 + 4 + 4 + 4

// EncodeBlockStat serializes a block-stat sector.
func EncodeBlockStat(s BlockStatSector) []byte {
	return encode(struct {
		Age       uint32
		NextBlock uint16
		NextAge   uint32
		Timestamp uint32
		Key       uint32
	}{s.Age, s.NextBlock, s.NextAge, s.Timestamp, s.Key})
}

// DecodeBlockStat parses a block-stat sector.
func DecodeBlockStat(data []byte) (BlockStatSector, error) {
	var raw struct {
		Age       uint32
		NextBlock uint16
		NextAge   uint32
		Timestamp uint32
		Key       uint32
	}
	if err := decode(data, &raw); err != nil {
		return BlockStatSector{}, err
	}
	return BlockStatSector{
		Age:       raw.Age,
		NextBlock: raw.NextBlock,
		NextAge:   raw.NextAge,
		Timestamp: raw.Timestamp,
		Key:       raw.Key,
	}, nil
}

// IsOwned reports whether a decoded block-stat sector was written by us,
// as opposed to reading back raw erased (all-ones) flash.
func (s BlockStatSector) IsOwned() bool {
	return s.Key == BlockStatKey
}
