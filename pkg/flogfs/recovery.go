package flogfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/layout"
)

// allocKind distinguishes the two block types an interrupted
// allocation can be repairing a successor of.
type allocKind int

const (
	allocKindInode allocKind = iota
	allocKindFile
)

// allocCandidate is the single most recent allocation Mount's census
// observed, tracked across every sealed inode and file block's tail
// sector. Its candidateBlock is where a crash could have left an
// init sector half-written; repairLastAllocation checks it.
type allocCandidate struct {
	found                 bool
	kind                  allocKind
	predecessorBlock      int
	predecessorInodeIndex uint16 // valid only when kind == allocKindInode
	fileID                uint32 // valid only when kind == allocKindFile
	candidateBlock        int
	nextAge               uint32
	timestamp             uint32
}

// deleteCandidate is the single most recently timestamped deletion
// Mount's inode-chain scan observed. Its lastBlock is where a crash
// could have interrupted invalidateChain before it finished erasing
// the file's final block; repairLastDeletion checks it.
type deleteCandidate struct {
	found      bool
	fileID     uint32
	firstBlock int
	lastBlock  int
	timestamp  uint32
}

// repairLastAllocation implements spec §4.7's Pass 3: if the block a
// crash could have left as the still-unwritten successor of the most
// recent allocation was in fact never finished, its init sector is
// rewritten from what the predecessor's own tail sector already
// recorded about it (next_age and the timestamp the predecessor itself
// was sealed with) so the chain reads as complete again. A block that
// already carries the expected init sector (the predecessor's write
// was actually the thing interrupted, and the successor itself is
// fine, or there was no crash at all) is left untouched.
func (fs *FS) repairLastAllocation(ctx context.Context, c allocCandidate) error {
	if !c.found || c.candidateBlock == int(layout.InvalidBlock) {
		return nil
	}
	block := c.candidateBlock

	initSector := fs.geom.InitSector()
	if err := fs.cache.OpenSector(ctx, block, initSector); err != nil {
		return err
	}
	spare := make([]byte, fs.cache.SpareSize())
	if err := fs.cache.ReadSpare(ctx, spare, initSector); err != nil {
		return err
	}

	broken := false
	switch c.kind {
	case allocKindFile:
		if layout.RawBlockType(spare) != layout.BlockFile {
			broken = true
		} else {
			raw := make([]byte, layout.FileInitHeaderSize)
			if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
				return err
			}
			init, err := layout.DecodeFileInit(raw)
			if err != nil {
				return err
			}
			broken = init.FileID != c.fileID
		}
	case allocKindInode:
		if layout.RawBlockType(spare) != layout.BlockInode {
			broken = true
		} else {
			raw := make([]byte, 6)
			if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
				return err
			}
			hdr, err := layout.DecodeInodeInit(raw)
			if err != nil {
				return err
			}
			broken = int(hdr.PreviousBlock) != c.predecessorBlock
		}
	}
	if !broken {
		return nil
	}

	// The census (run before this repair) may have mistaken this block
	// for free, since its init sector read back unwritten at the time.
	// Claim reads the block's stat sector, so it runs before the erase.
	fs.alloc.Claim(block)

	if err := fs.cache.EraseBlock(ctx, block); err != nil {
		return errors.Wrapf(err, "flogfs: erasing unfinished allocation successor block %d", block)
	}
	if err := fs.cache.OpenSector(ctx, block, initSector); err != nil {
		return err
	}
	switch c.kind {
	case allocKindFile:
		raw := layout.EncodeFileInit(layout.FileInitSector{Age: c.nextAge, FileID: c.fileID, Timestamp: c.timestamp})
		if err := fs.cache.WriteSector(ctx, raw, initSector, 0, len(raw)); err != nil {
			return err
		}
		s := layout.EncodeFileInitSpare(layout.FileInitSpare{TypeID: layout.BlockFile, Nbytes: 0})
		if err := fs.cache.WriteSpare(ctx, s, initSector); err != nil {
			return err
		}
	case allocKindInode:
		raw := layout.EncodeInodeInit(layout.InodeInitSector{Timestamp: c.timestamp, PreviousBlock: uint16(c.predecessorBlock)})
		if err := fs.cache.WriteSector(ctx, raw, initSector, 0, len(raw)); err != nil {
			return err
		}
		s := layout.EncodeInodeInitSpare(layout.InodeInitSpare{TypeID: layout.BlockInode, InodeIndex: c.predecessorInodeIndex + 1})
		if err := fs.cache.WriteSpare(ctx, s, initSector); err != nil {
			return err
		}
	}
	if err := fs.cache.Commit(ctx); err != nil {
		return err
	}
	return nil
}

// repairLastDeletion implements spec §4.7's Pass 4: if the last
// deletion's recorded last_block still reads as a live FILE block for
// the same file_id, invalidateChain was interrupted before it could
// erase that block, so it is simply rerun from the file's first block
// — every block it already reclaimed reads as already-reclaimed and
// is skipped via its own block-stat sector's continuation pointer.
func (fs *FS) repairLastDeletion(ctx context.Context, c deleteCandidate) error {
	if !c.found || c.lastBlock == int(layout.InvalidBlock) {
		return nil
	}

	initSector := fs.geom.InitSector()
	if err := fs.cache.OpenSector(ctx, c.lastBlock, initSector); err != nil {
		return err
	}
	spare := make([]byte, fs.cache.SpareSize())
	if err := fs.cache.ReadSpare(ctx, spare, initSector); err != nil {
		return err
	}
	if layout.RawBlockType(spare) != layout.BlockFile {
		return nil
	}
	raw := make([]byte, layout.FileInitHeaderSize)
	if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
		return err
	}
	init, err := layout.DecodeFileInit(raw)
	if err != nil {
		return err
	}
	if init.FileID != c.fileID {
		return nil
	}

	return fs.invalidateChain(ctx, c.firstBlock, c.fileID)
}
