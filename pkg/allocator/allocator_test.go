package allocator

import (
	"context"
	"testing"

	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
	"github.com/vorteil/flogfs/pkg/memdriver"
)

func smallGeometry() layout.Geometry {
	g := layout.DefaultGeometry()
	g.NumBlocks = 16
	g.PreallocSize = 4
	return g
}

// writeStat erases block and writes a block-stat sector declaring it
// free with the given age, the state a real invalidation or format
// leaves behind.
func writeStat(t *testing.T, ctx context.Context, cache *media.Cache, geom layout.Geometry, block int, age uint32) {
	t.Helper()
	if err := cache.EraseBlock(ctx, block); err != nil {
		t.Fatalf("EraseBlock(%d): %v", block, err)
	}
	sector := geom.BlockStatSector()
	if err := cache.OpenSector(ctx, block, sector); err != nil {
		t.Fatalf("OpenSector: %v", err)
	}
	raw := layout.EncodeBlockStat(layout.BlockStatSector{
		Age:       age,
		NextBlock: layout.InvalidBlock,
		NextAge:   layout.InvalidAge,
		Timestamp: layout.InvalidTimestamp,
		Key:       layout.BlockStatKey,
	})
	if err := cache.WriteSector(ctx, raw, sector, 0, len(raw)); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := cache.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func newTestAllocator(t *testing.T) (*Allocator, *media.Cache, context.Context) {
	t.Helper()
	geom := smallGeometry()
	drv := memdriver.New(geom)
	cache := media.NewCache(drv, geom.SectorsPerPage)
	return New(cache, geom), cache, context.Background()
}

func TestAllocateReturnsFalseWhenNothingFree(t *testing.T) {
	a, _, ctx := newTestAllocator(t)
	a.Finalize(0)
	_, ok, err := a.Allocate(ctx, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ok {
		t.Fatalf("Allocate on an empty allocator should report ok=false")
	}
}

func TestAllocateConsumesEveryFreeBlockExactlyOnce(t *testing.T) {
	a, cache, ctx := newTestAllocator(t)
	geom := smallGeometry()

	ages := []uint32{5, 1, 9, 3, 0, 7}
	for i, age := range ages {
		writeStat(t, ctx, cache, geom, i, age)
		a.NoteFree(i, age)
	}
	a.Finalize(0)

	seen := map[int]bool{}
	for i := 0; i < len(ages); i++ {
		b, ok, err := a.Allocate(ctx, -1000)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if !ok {
			t.Fatalf("Allocate ran out of blocks after %d allocations, want %d", i, len(ages))
		}
		if seen[b.Block] {
			t.Fatalf("block %d allocated twice", b.Block)
		}
		seen[b.Block] = true
	}
	if a.NumFree() != 0 {
		t.Fatalf("NumFree() = %d, want 0 after draining every free block", a.NumFree())
	}
	_, ok, err := a.Allocate(ctx, -1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ok {
		t.Fatalf("Allocate succeeded after every free block was drained")
	}
}

func TestAllocatePrefersYoungBlocksUnderThreshold(t *testing.T) {
	a, cache, ctx := newTestAllocator(t)
	geom := smallGeometry()

	// Mean age will be (10+0+10+0)/4 = 5. A threshold of 0 only accepts
	// blocks whose age is <= the mean, so the two age-0 blocks must come
	// out before either age-10 block.
	ages := map[int]uint32{0: 10, 1: 0, 2: 10, 3: 0}
	for block, age := range ages {
		writeStat(t, ctx, cache, geom, block, age)
		a.NoteFree(block, age)
	}
	a.Finalize(0)

	first, ok, err := a.Allocate(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if first.Age != 0 {
		t.Fatalf("first block allocated under threshold 0 has age %d, want 0", first.Age)
	}
}

func TestDirtyBlockFlushesBeforeNextAllocation(t *testing.T) {
	a, cache, ctx := newTestAllocator(t)
	geom := smallGeometry()
	writeStat(t, ctx, cache, geom, 0, 1)
	writeStat(t, ctx, cache, geom, 1, 1)
	a.NoteFree(0, 1)
	a.NoteFree(1, 1)
	a.Finalize(0)

	flushed := false
	owner := &fakeOwner{flush: func(ctx context.Context) error {
		flushed = true
		return nil
	}}

	first, ok, err := a.Allocate(ctx, -1000)
	if err != nil || !ok {
		t.Fatalf("first Allocate: ok=%v err=%v", ok, err)
	}
	a.MarkDirty(first.Block, owner)

	if _, _, err := a.Allocate(ctx, -1000); err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if !flushed {
		t.Fatalf("second Allocate did not flush the dirty block from the first")
	}
}

func TestClearDirtyIfOwnerOnlyClearsMatchingOwner(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	ownerA := &fakeOwner{flush: func(ctx context.Context) error { return nil }}
	ownerB := &fakeOwner{flush: func(ctx context.Context) error { return nil }}

	a.MarkDirty(3, ownerA)
	a.ClearDirtyIfOwner(ownerB)
	if a.dirtyBlock != 3 {
		t.Fatalf("ClearDirtyIfOwner cleared the slot for a non-matching owner")
	}
	a.ClearDirtyIfOwner(ownerA)
	if a.dirtyBlock != -1 {
		t.Fatalf("ClearDirtyIfOwner left the slot set for the matching owner")
	}
}

type fakeOwner struct {
	flush func(ctx context.Context) error
}

func (o *fakeOwner) FlushDirtyBlock(ctx context.Context) error { return o.flush(ctx) }
