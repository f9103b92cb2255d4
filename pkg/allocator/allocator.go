// Package allocator implements FLogFS's wear-leveling block allocator:
// a roving free-block scan, a small age-sorted preallocation window
// that lets Allocate satisfy most requests in O(1), and the single
// system-wide "dirty block" that lets a writer defer sealing its most
// recently allocated block until either another allocation or a close
// forces the issue.
package allocator

import (
	"context"
	"fmt"

	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// BlockAlloc is a free block handed out by Allocate, paired with the
// age it had when it was freed. The caller stamps this age (plus one)
// into the block it writes there, so age keeps climbing across reuse.
type BlockAlloc struct {
	Block int
	Age   uint32
}

// DirtyOwner is flushed before its own most-recently-allocated block
// can be reassigned to anyone else. A filechain.Writer implements this
// to seal its in-progress block's tail sector on demand instead of
// after every single allocation, the way flog_flush_dirty_block defers
// flog_flush_write until the block is actually needed elsewhere.
type DirtyOwner interface {
	FlushDirtyBlock(ctx context.Context) error
}

// Allocator tracks which blocks are free, their ages, and hands out
// blocks for reuse with age-threshold wear leveling.
type Allocator struct {
	cache *media.Cache
	geom  layout.Geometry

	free    []bool
	numFree int
	freeSum uint64
	meanAge uint32

	prealloc []BlockAlloc // ascending by Age, len <= geom.PreallocSize

	head int // roving scan pointer, flogfs.allocate_head

	dirtyBlock int // -1 when none
	dirtyOwner DirtyOwner
}

// New creates an allocator over every block in geom, with no blocks
// marked free yet. Call NoteFree for every reclaimable block found
// during mount (or Format), then Finalize, before calling Allocate.
func New(cache *media.Cache, geom layout.Geometry) *Allocator {
	return &Allocator{
		cache:      cache,
		geom:       geom,
		free:       make([]bool, geom.NumBlocks),
		dirtyBlock: -1,
	}
}

// NoteFree records a block as free with the given age, as found by the
// caller's mount-time scan of every block's block-stat sector.
func (a *Allocator) NoteFree(block int, age uint32) {
	if a.free[block] {
		return
	}
	a.free[block] = true
	a.numFree++
	a.freeSum += uint64(age)
}

// Finalize recomputes the mean free age from everything NoteFree has
// accumulated so far, and seeds the roving allocation head at start
// (mod NumBlocks). Call this once after the mount-time scan completes,
// before the first Allocate.
func (a *Allocator) Finalize(start int) {
	if a.numFree > 0 {
		a.meanAge = uint32(a.freeSum / uint64(a.numFree))
	}
	a.head = ((start % a.geom.NumBlocks) + a.geom.NumBlocks) % a.geom.NumBlocks
}

// NumFree reports how many blocks are currently free.
func (a *Allocator) NumFree() int {
	return a.numFree
}

// MeanFreeAge reports the current mean age of all free blocks, the
// baseline every allocation threshold is measured against.
func (a *Allocator) MeanFreeAge() uint32 {
	return a.meanAge
}

func ageIsSufficient(threshold int32, meanAge, age uint32) bool {
	return int32(meanAge)-int32(age) >= threshold
}

// Allocate hands out a free block whose age is no more than threshold
// below the mean free age (a smaller threshold, including negative
// values, accepts progressively older-than-average blocks; Allocate
// itself lowers threshold by one after every scan step, the way the
// reference allocator's search loop does). It first flushes whatever
// block is currently dirty, since that block might otherwise be handed
// right back out while still incompletely sealed.
//
// Allocate reports ok=false only when the filesystem is completely
// out of free blocks.
func (a *Allocator) Allocate(ctx context.Context, threshold int32) (BlockAlloc, bool, error) {
	if err := a.FlushDirty(ctx); err != nil {
		return BlockAlloc{}, false, err
	}
	if a.numFree == 0 {
		return BlockAlloc{}, false, nil
	}

	for i := 0; i < a.geom.NumBlocks; i++ {
		if block, ok := a.preallocPop(threshold); ok {
			a.take(block)
			return block, true, nil
		}

		block, ok, err := a.iterate(ctx)
		if err != nil {
			return BlockAlloc{}, false, err
		}
		if ok {
			if ageIsSufficient(threshold, a.meanAge, block.Age) {
				a.take(block)
				return block, true, nil
			}
			a.preallocPush(block)
		}
		threshold--
	}
	return BlockAlloc{}, false, nil
}

// take removes a block from the free-block accounting once it has
// been committed to a caller, whether it came straight from the
// prealloc window or from a fresh scan step.
func (a *Allocator) take(block BlockAlloc) {
	a.free[block.Block] = false
	a.numFree--
	if a.freeSum >= uint64(block.Age) {
		a.freeSum -= uint64(block.Age)
	} else {
		a.freeSum = 0
	}
	if a.numFree > 0 {
		a.meanAge = uint32(a.freeSum / uint64(a.numFree))
	}
}

// iterate advances the roving head by one free slot, reading that
// block's stat sector to recover its age, mirroring
// flog_allocate_block_iterate.
func (a *Allocator) iterate(ctx context.Context) (BlockAlloc, bool, error) {
	if !a.free[a.head] {
		a.head = (a.head + 1) % a.geom.NumBlocks
		return BlockAlloc{}, false, nil
	}

	stat, err := a.readBlockStat(ctx, a.head)
	if err != nil {
		return BlockAlloc{}, false, err
	}
	block := BlockAlloc{Block: a.head, Age: stat.Age}
	a.head = (a.head + 1) % a.geom.NumBlocks
	return block, true, nil
}

func (a *Allocator) readBlockStat(ctx context.Context, block int) (layout.BlockStatSector, error) {
	sector := a.geom.BlockStatSector()
	if err := a.cache.OpenSector(ctx, block, sector); err != nil {
		return layout.BlockStatSector{}, fmt.Errorf("allocator: opening block %d stat sector: %w", block, err)
	}
	raw := make([]byte, layout.BlockStatHeaderSize)
	if err := a.cache.ReadSector(ctx, raw, sector, 0, len(raw)); err != nil {
		return layout.BlockStatSector{}, fmt.Errorf("allocator: reading block %d stat sector: %w", block, err)
	}
	return layout.DecodeBlockStat(raw)
}

// preallocPush inserts block into the age-sorted prealloc window,
// after any entries of equal age. If the window is already full, the
// oldest entry is evicted to make room, unless the new block is older
// than every entry, in which case the new block is dropped instead.
func (a *Allocator) preallocPush(block BlockAlloc) {
	n := len(a.prealloc)
	if n == a.geom.PreallocSize && a.prealloc[n-1].Age < block.Age {
		return
	}
	i := 0
	for ; i < n; i++ {
		if block.Age < a.prealloc[i].Age {
			break
		}
	}
	a.prealloc = append(a.prealloc, BlockAlloc{})
	copy(a.prealloc[i+1:], a.prealloc[i:])
	a.prealloc[i] = block
	if len(a.prealloc) > a.geom.PreallocSize {
		a.prealloc = a.prealloc[:a.geom.PreallocSize]
	}
}

// preallocPop removes and returns the youngest (lowest-age) entry in
// the window, provided it already clears threshold against the
// current mean free age. Leading entries whose block is no longer free
// (already handed out by a scan step, or pushed twice) are discarded.
func (a *Allocator) preallocPop(threshold int32) (BlockAlloc, bool) {
	for len(a.prealloc) > 0 && !a.free[a.prealloc[0].Block] {
		a.prealloc = a.prealloc[1:]
	}
	if len(a.prealloc) == 0 || !ageIsSufficient(threshold, a.meanAge, a.prealloc[0].Age) {
		return BlockAlloc{}, false
	}
	block := a.prealloc[0]
	a.prealloc = a.prealloc[1:]
	return block, true
}

// MarkDirty records block as the one block in the system that has been
// allocated but not yet sealed with a tail sector, owned by owner.
// The next Allocate (by anyone) flushes it; a matching
// ClearDirtyIfOwner drops it without flushing.
func (a *Allocator) MarkDirty(block int, owner DirtyOwner) {
	a.dirtyBlock = block
	a.dirtyOwner = owner
}

// FlushDirty seals the current dirty block, if any, and clears the
// slot. It is always safe to call with nothing dirty.
func (a *Allocator) FlushDirty(ctx context.Context) error {
	if a.dirtyBlock < 0 {
		return nil
	}
	owner := a.dirtyOwner
	a.dirtyBlock = -1
	a.dirtyOwner = nil
	if err := owner.FlushDirtyBlock(ctx); err != nil {
		return fmt.Errorf("allocator: flushing dirty block: %w", err)
	}
	return nil
}

// ClearDirtyIfOwner drops the dirty-block slot without flushing it, if
// and only if it currently belongs to owner. A file close calls this
// because closing has already sealed the block itself.
func (a *Allocator) ClearDirtyIfOwner(owner DirtyOwner) {
	if a.dirtyOwner == owner {
		a.dirtyBlock = -1
		a.dirtyOwner = nil
	}
}

// Free returns a block to the pool after it has been erased and its
// new block-stat sector written by the caller (invalidation is the
// caller's responsibility; the allocator only tracks accounting).
func (a *Allocator) Free(block int, age uint32) {
	a.NoteFree(block, age)
}

// Claim removes block from the free-block pool without anyone having
// called Allocate for it, used by mount-time recovery when a block
// that an earlier census mistook for free turns out to already be
// claimed by a repaired, interrupted allocation.
func (a *Allocator) Claim(block int) {
	if !a.free[block] {
		return
	}
	stat, err := a.readBlockStat(context.Background(), block)
	age := uint32(0)
	if err == nil {
		age = stat.Age
	}
	a.take(BlockAlloc{Block: block, Age: age})
}
