// Package inode implements the directory: a singly linked chain of
// inode blocks, each holding a fixed number of two-sector entries
// (allocation + invalidation), terminated by the first entry whose
// allocation sector still reads as erased.
package inode

import (
	"context"
	"errors"
	"fmt"

	"github.com/vorteil/flogfs/pkg/allocator"
	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// ErrChainExhausted is returned by Next when the iterator is sitting on
// the last entry of a block that has no successor yet: the caller must
// call PrepareNew before continuing.
var ErrChainExhausted = errors.New("inode: chain block has no successor yet")

// Iterator walks the entry pairs of the inode chain, one pair at a
// time, crossing block boundaries transparently via each block's tail
// sector — the same traversal flog_inode_iterator_next performs.
type Iterator struct {
	cache *media.Cache
	geom  layout.Geometry

	Block      int
	Sector     int
	EntryIndex int
	NextBlock  int    // the chain's next block, or -1 if none allocated yet
	BlockIndex uint16 // this block's position in the inode chain (inode_block_idx)
}

func noBlock() int { return -1 }

// lastInodeEntrySector is the sector of the final entry pair that fits
// in a block, derived the same way Geometry.InodeEntriesPerBlock counts
// them, so the two can never disagree about where a block's entries
// run out.
func lastInodeEntrySector(geom layout.Geometry) int {
	n := geom.InodeEntriesPerBlock()
	if n == 0 {
		return geom.InodeFirstEntrySector()
	}
	return geom.InodeFirstEntrySector() + 2*(n-1)
}

// NewIterator positions an Iterator at the first entry of the inode
// chain rooted at root (ordinarily flogfs's cached inode0).
func NewIterator(ctx context.Context, cache *media.Cache, geom layout.Geometry, root int) (*Iterator, error) {
	it := &Iterator{cache: cache, geom: geom, Block: root, Sector: geom.InodeFirstEntrySector()}
	if err := it.readBlockHeader(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// readBlockHeader reloads NextBlock and BlockIndex from the current
// block's tail and init sectors, done whenever the iterator lands on a
// new block.
func (it *Iterator) readBlockHeader(ctx context.Context) error {
	tailSector := it.geom.TailSector()
	if err := it.cache.OpenSector(ctx, it.Block, tailSector); err != nil {
		return fmt.Errorf("inode: opening block %d tail sector: %w", it.Block, err)
	}
	raw := make([]byte, layout.FileTailHeaderSize)
	if err := it.cache.ReadSector(ctx, raw, tailSector, 0, len(raw)); err != nil {
		return fmt.Errorf("inode: reading block %d tail sector: %w", it.Block, err)
	}
	tail, err := layout.DecodeFileTail(raw)
	if err != nil {
		return err
	}
	if tail.NextBlock == layout.InvalidBlock {
		it.NextBlock = noBlock()
	} else {
		it.NextBlock = int(tail.NextBlock)
	}

	initSector := it.geom.InitSector()
	if err := it.cache.OpenSector(ctx, it.Block, initSector); err != nil {
		return fmt.Errorf("inode: opening block %d init sector: %w", it.Block, err)
	}
	spare := make([]byte, it.cache.SpareSize())
	if err := it.cache.ReadSpare(ctx, spare, initSector); err != nil {
		return fmt.Errorf("inode: reading block %d init spare: %w", it.Block, err)
	}
	it.BlockIndex = layout.DecodeInodeInitSpare(spare).InodeIndex
	return nil
}

// Next advances to the following entry, crossing into the next block
// when the current block's entries are exhausted. It returns
// ErrChainExhausted, leaving the iterator positioned on the last entry
// of the current block, when no successor block has been allocated
// yet — the caller should call PrepareNew and retry.
func (it *Iterator) Next(ctx context.Context) error {
	if it.Sector == lastInodeEntrySector(it.geom) {
		if it.NextBlock == noBlock() {
			return ErrChainExhausted
		}
		it.Block = it.NextBlock
		it.Sector = it.geom.InodeFirstEntrySector()
		it.EntryIndex++
		return it.readBlockHeader(ctx)
	}
	it.Sector += 2
	it.EntryIndex++
	return nil
}

// Prev walks the iterator one entry backward, following each block's
// stored previous-block pointer when it must cross a block boundary.
// It is a no-op at the head of the chain.
func (it *Iterator) Prev(ctx context.Context) error {
	if it.Sector == it.geom.InodeFirstEntrySector() {
		prev, err := PreviousBlock(ctx, it.cache, it.geom, it.Block)
		if err != nil {
			return err
		}
		if prev == noBlock() {
			return nil
		}
		it.NextBlock = it.Block
		it.Block = prev
		it.Sector = lastInodeEntrySector(it.geom)
		it.EntryIndex--
		return nil
	}
	it.Sector -= 2
	it.EntryIndex--
	return nil
}

// PreviousBlock reads the back-pointer stored in an inode block's init
// sector (flog_inode_get_prev_block).
func PreviousBlock(ctx context.Context, cache *media.Cache, geom layout.Geometry, block int) (int, error) {
	if block == noBlock() {
		return noBlock(), nil
	}
	sector := geom.InitSector()
	if err := cache.OpenSector(ctx, block, sector); err != nil {
		return 0, fmt.Errorf("inode: opening block %d init sector: %w", block, err)
	}
	raw := make([]byte, 6) // timestamp(4) + previous_block(2)
	if err := cache.ReadSector(ctx, raw, sector, 0, len(raw)); err != nil {
		return 0, fmt.Errorf("inode: reading block %d init sector: %w", block, err)
	}
	hdr, err := layout.DecodeInodeInit(raw)
	if err != nil {
		return 0, err
	}
	if hdr.PreviousBlock == layout.InvalidBlock {
		return noBlock(), nil
	}
	return int(hdr.PreviousBlock), nil
}

// ReadAllocation reads the allocation sector of the entry the iterator
// is currently positioned on.
func (it *Iterator) ReadAllocation(ctx context.Context) (layout.InodeAllocationSector, error) {
	if err := it.cache.OpenSector(ctx, it.Block, it.Sector); err != nil {
		return layout.InodeAllocationSector{}, fmt.Errorf("inode: opening allocation sector: %w", err)
	}
	n := layout.InodeAllocationHeaderSize + it.geom.MaxFnameLen
	raw := make([]byte, n)
	if err := it.cache.ReadSector(ctx, raw, it.Sector, 0, n); err != nil {
		return layout.InodeAllocationSector{}, fmt.Errorf("inode: reading allocation sector: %w", err)
	}
	return layout.DecodeInodeAllocation(raw, it.geom.MaxFnameLen)
}

// ReadInvalidation reads the invalidation sector paired with the
// iterator's current entry.
func (it *Iterator) ReadInvalidation(ctx context.Context) (layout.InodeInvalidationSector, error) {
	sector := it.Sector + 1
	if err := it.cache.OpenSector(ctx, it.Block, sector); err != nil {
		return layout.InodeInvalidationSector{}, fmt.Errorf("inode: opening invalidation sector: %w", err)
	}
	raw := make([]byte, 6) // timestamp(4) + last_block(2)
	if err := it.cache.ReadSector(ctx, raw, sector, 0, len(raw)); err != nil {
		return layout.InodeInvalidationSector{}, fmt.Errorf("inode: reading invalidation sector: %w", err)
	}
	return layout.DecodeInodeInvalidation(raw)
}

// WriteAllocation writes (and commits) the allocation entry the
// iterator is positioned on, then marks its spare copy-complete.
func (it *Iterator) WriteAllocation(ctx context.Context, entry layout.InodeAllocationSector) error {
	if err := it.cache.OpenSector(ctx, it.Block, it.Sector); err != nil {
		return fmt.Errorf("inode: opening allocation sector: %w", err)
	}
	raw := layout.EncodeInodeAllocation(entry, it.geom.MaxFnameLen)
	if err := it.cache.WriteSector(ctx, raw, it.Sector, 0, len(raw)); err != nil {
		return fmt.Errorf("inode: writing allocation sector: %w", err)
	}
	spare := layout.EncodeInodeAllocationSpare(layout.InodeAllocationSpare{CopyComplete: layout.CopyCompleteMarker})
	if err := it.cache.WriteSpare(ctx, spare, it.Sector); err != nil {
		return fmt.Errorf("inode: writing allocation spare: %w", err)
	}
	return it.cache.Commit(ctx)
}

// WriteInvalidation writes (and commits) the invalidation entry paired
// with the iterator's current allocation entry, marking the file as
// deleted.
func (it *Iterator) WriteInvalidation(ctx context.Context, entry layout.InodeInvalidationSector) error {
	sector := it.Sector + 1
	if err := it.cache.OpenSector(ctx, it.Block, sector); err != nil {
		return fmt.Errorf("inode: opening invalidation sector: %w", err)
	}
	raw := layout.EncodeInodeInvalidation(entry)
	if err := it.cache.WriteSector(ctx, raw, sector, 0, len(raw)); err != nil {
		return fmt.Errorf("inode: writing invalidation sector: %w", err)
	}
	return it.cache.Commit(ctx)
}

// PrepareNew ensures the iterator's current entry can be written to: if
// the iterator sits on the last entry of its block and no successor
// block exists yet, it allocates one, seals the current block's tail
// sector, and writes the new block's init header — exactly the
// allocate-on-demand behavior of flog_inode_prepare_new. It reports
// ok=false only when the filesystem has no free blocks left.
func (it *Iterator) PrepareNew(ctx context.Context, alloc *allocator.Allocator, timestamp uint32) (bool, error) {
	if it.Sector != lastInodeEntrySector(it.geom) || it.NextBlock != noBlock() {
		return true, nil
	}

	block, ok, err := alloc.Allocate(ctx, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	tailSector := it.geom.TailSector()
	if err := it.cache.OpenSector(ctx, it.Block, tailSector); err != nil {
		return false, fmt.Errorf("inode: opening tail sector for seal: %w", err)
	}
	tail := layout.EncodeFileTail(layout.FileTailSector{
		NextBlock: uint16(block.Block),
		NextAge:   block.Age + 1,
		Timestamp: timestamp,
	})
	if err := it.cache.WriteSector(ctx, tail, tailSector, 0, len(tail)); err != nil {
		return false, fmt.Errorf("inode: writing tail sector: %w", err)
	}
	if err := it.cache.Commit(ctx); err != nil {
		return false, fmt.Errorf("inode: committing tail sector: %w", err)
	}

	initSector := it.geom.InitSector()
	if err := it.cache.OpenSector(ctx, block.Block, initSector); err != nil {
		return false, fmt.Errorf("inode: opening new block init sector: %w", err)
	}
	init := layout.EncodeInodeInit(layout.InodeInitSector{Timestamp: timestamp, PreviousBlock: uint16(it.Block)})
	if err := it.cache.WriteSector(ctx, init, initSector, 0, len(init)); err != nil {
		return false, fmt.Errorf("inode: writing new block init sector: %w", err)
	}
	newIndex := it.BlockIndex + 1
	spare := layout.EncodeInodeInitSpare(layout.InodeInitSpare{TypeID: layout.BlockInode, InodeIndex: newIndex})
	if err := it.cache.WriteSpare(ctx, spare, initSector); err != nil {
		return false, fmt.Errorf("inode: writing new block init spare: %w", err)
	}
	if err := it.cache.Commit(ctx); err != nil {
		return false, fmt.Errorf("inode: committing new block init sector: %w", err)
	}

	it.NextBlock = block.Block
	return true, nil
}

// FindResult is what Find reports about a named entry in the
// directory.
type FindResult struct {
	FileID     uint32
	FirstBlock int
	Found      bool
}

// Find scans the inode chain rooted at root for filename, returning the
// first live (not-yet-deleted) match. The returned Iterator is left
// positioned on the matching entry so the caller can delete it without
// searching again.
func Find(ctx context.Context, cache *media.Cache, geom layout.Geometry, root int, filename string) (FindResult, *Iterator, error) {
	it, err := NewIterator(ctx, cache, geom, root)
	if err != nil {
		return FindResult{}, nil, err
	}
	for {
		alloc, err := it.ReadAllocation(ctx)
		if err != nil {
			return FindResult{}, nil, err
		}
		if alloc.FileID == layout.InvalidFileID {
			return FindResult{Found: false}, it, nil
		}
		if alloc.Filename == filename {
			inval, err := it.ReadInvalidation(ctx)
			if err != nil {
				return FindResult{}, nil, err
			}
			if inval.Timestamp == layout.InvalidTimestamp {
				return FindResult{FileID: alloc.FileID, FirstBlock: int(alloc.FirstBlock), Found: true}, it, nil
			}
		}
		if err := it.Next(ctx); err != nil {
			if errors.Is(err, ErrChainExhausted) {
				return FindResult{Found: false}, it, nil
			}
			return FindResult{}, nil, err
		}
	}
}

// List walks the whole directory and calls visit for every live
// (non-deleted) entry, stopping early if visit returns false.
func List(ctx context.Context, cache *media.Cache, geom layout.Geometry, root int, visit func(name string, fileID uint32, firstBlock int) bool) error {
	it, err := NewIterator(ctx, cache, geom, root)
	if err != nil {
		return err
	}
	for {
		alloc, err := it.ReadAllocation(ctx)
		if err != nil {
			return err
		}
		if alloc.FileID == layout.InvalidFileID {
			return nil
		}
		inval, err := it.ReadInvalidation(ctx)
		if err != nil {
			return err
		}
		if inval.Timestamp == layout.InvalidTimestamp {
			if !visit(alloc.Filename, alloc.FileID, int(alloc.FirstBlock)) {
				return nil
			}
		}
		if err := it.Next(ctx); err != nil {
			if errors.Is(err, ErrChainExhausted) {
				return nil
			}
			return err
		}
	}
}
