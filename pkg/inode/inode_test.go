package inode

import (
	"context"
	"testing"

	"github.com/vorteil/flogfs/pkg/allocator"
	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
	"github.com/vorteil/flogfs/pkg/memdriver"
)

func smallGeometry() layout.Geometry {
	g := layout.DefaultGeometry()
	g.NumBlocks = 8
	g.PagesPerBlock = 2 // small block: few entries, easy to force a crossing
	g.PreallocSize = 4
	return g
}

// formatInodeBlock erases block and writes a bare, empty inode-block
// header (init sector declaring it INODE type with the given chain
// index, an erased tail sector meaning "no successor yet"; the stat
// sector is left erased, so the block never reads as free).
func formatInodeBlock(t *testing.T, ctx context.Context, cache *media.Cache, geom layout.Geometry, block int, chainIndex uint16, previous int) {
	t.Helper()
	if err := cache.EraseBlock(ctx, block); err != nil {
		t.Fatalf("EraseBlock(%d): %v", block, err)
	}
	prev := layout.InvalidBlock
	if previous >= 0 {
		prev = uint16(previous)
	}
	initSector := geom.InitSector()
	if err := cache.OpenSector(ctx, block, initSector); err != nil {
		t.Fatalf("OpenSector init: %v", err)
	}
	raw := layout.EncodeInodeInit(layout.InodeInitSector{Timestamp: 0, PreviousBlock: prev})
	if err := cache.WriteSector(ctx, raw, initSector, 0, len(raw)); err != nil {
		t.Fatalf("WriteSector init: %v", err)
	}
	spare := layout.EncodeInodeInitSpare(layout.InodeInitSpare{TypeID: layout.BlockInode, InodeIndex: chainIndex})
	if err := cache.WriteSpare(ctx, spare, initSector); err != nil {
		t.Fatalf("WriteSpare init: %v", err)
	}
	if err := cache.Commit(ctx); err != nil {
		t.Fatalf("Commit init: %v", err)
	}
}

func newTestFixture(t *testing.T) (*media.Cache, layout.Geometry, *allocator.Allocator, context.Context) {
	t.Helper()
	geom := smallGeometry()
	drv := memdriver.New(geom)
	cache := media.NewCache(drv, geom.SectorsPerPage)
	ctx := context.Background()

	formatInodeBlock(t, ctx, cache, geom, 0, 0, -1)

	alloc := allocator.New(cache, geom)
	for b := 1; b < geom.NumBlocks; b++ {
		if err := cache.EraseBlock(ctx, b); err != nil {
			t.Fatalf("EraseBlock(%d): %v", b, err)
		}
		sector := geom.BlockStatSector()
		if err := cache.OpenSector(ctx, b, sector); err != nil {
			t.Fatalf("OpenSector stat: %v", err)
		}
		raw := layout.EncodeBlockStat(layout.BlockStatSector{
			Age: 0, NextBlock: layout.InvalidBlock, NextAge: layout.InvalidAge,
			Timestamp: layout.InvalidTimestamp, Key: layout.BlockStatKey,
		})
		if err := cache.WriteSector(ctx, raw, sector, 0, len(raw)); err != nil {
			t.Fatalf("WriteSector stat: %v", err)
		}
		if err := cache.Commit(ctx); err != nil {
			t.Fatalf("Commit stat: %v", err)
		}
		alloc.NoteFree(b, 0)
	}
	alloc.Finalize(1)
	return cache, geom, alloc, ctx
}

func writeEntry(t *testing.T, ctx context.Context, it *Iterator, fileID uint32, firstBlock uint16, name string) {
	t.Helper()
	if err := it.WriteAllocation(ctx, layout.InodeAllocationSector{
		FileID: fileID, FirstBlock: firstBlock, FirstBlockAge: 0, Timestamp: 1, Filename: name,
	}); err != nil {
		t.Fatalf("WriteAllocation: %v", err)
	}
	if err := it.WriteInvalidation(ctx, layout.InodeInvalidationSector{
		Timestamp: layout.InvalidTimestamp, LastBlock: layout.InvalidBlock,
	}); err != nil {
		t.Fatalf("WriteInvalidation: %v", err)
	}
}

func TestFindMissingFileOnEmptyDirectory(t *testing.T) {
	cache, geom, _, ctx := newTestFixture(t)
	result, _, err := Find(ctx, cache, geom, 0, "nope.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if result.Found {
		t.Fatalf("Find on an empty directory reported a match")
	}
}

func TestWriteAndFindEntry(t *testing.T) {
	cache, geom, _, ctx := newTestFixture(t)
	it, err := NewIterator(ctx, cache, geom, 0)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	writeEntry(t, ctx, it, 42, 5, "hello.txt")

	result, _, err := Find(ctx, cache, geom, 0, "hello.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !result.Found || result.FileID != 42 || result.FirstBlock != 5 {
		t.Fatalf("Find returned %+v, want FileID=42 FirstBlock=5", result)
	}
}

func TestFindSkipsDeletedEntry(t *testing.T) {
	cache, geom, _, ctx := newTestFixture(t)
	it, err := NewIterator(ctx, cache, geom, 0)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	if err := it.WriteAllocation(ctx, layout.InodeAllocationSector{
		FileID: 1, FirstBlock: 2, Timestamp: 1, Filename: "gone.txt",
	}); err != nil {
		t.Fatalf("WriteAllocation: %v", err)
	}
	if err := it.WriteInvalidation(ctx, layout.InodeInvalidationSector{
		Timestamp: 9, LastBlock: 2,
	}); err != nil {
		t.Fatalf("WriteInvalidation: %v", err)
	}

	result, _, err := Find(ctx, cache, geom, 0, "gone.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if result.Found {
		t.Fatalf("Find matched a deleted entry")
	}
}

func TestPrepareNewCrossesBlockBoundary(t *testing.T) {
	cache, geom, alloc, ctx := newTestFixture(t)
	it, err := NewIterator(ctx, cache, geom, 0)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}

	entries := geom.InodeEntriesPerBlock()
	for i := 0; i < entries; i++ {
		ok, err := it.PrepareNew(ctx, alloc, uint32(i+1))
		if err != nil {
			t.Fatalf("PrepareNew entry %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("PrepareNew entry %d: out of free blocks", i)
		}
		writeEntry(t, ctx, it, uint32(100+i), uint16(i), "f")
		if i < entries-1 {
			if err := it.Next(ctx); err != nil {
				t.Fatalf("Next entry %d: %v", i, err)
			}
		}
	}

	// The block is now full; advancing past the last entry must cross
	// into a freshly allocated block without the caller preparing it
	// explicitly this time, since PrepareNew already did it above.
	if err := it.Next(ctx); err != nil {
		t.Fatalf("Next crossing block boundary: %v", err)
	}
	if it.Block == 0 {
		t.Fatalf("iterator did not cross into a new block")
	}
	if it.BlockIndex != 1 {
		t.Fatalf("BlockIndex = %d, want 1 for the second inode block", it.BlockIndex)
	}
}

func TestListVisitsEveryLiveEntry(t *testing.T) {
	cache, geom, _, ctx := newTestFixture(t)
	it, err := NewIterator(ctx, cache, geom, 0)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	writeEntry(t, ctx, it, 1, 1, "a.txt")
	if err := it.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	writeEntry(t, ctx, it, 2, 2, "b.txt")

	var names []string
	err = List(ctx, cache, geom, 0, func(name string, fileID uint32, firstBlock int) bool {
		names = append(names, name)
		return true
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("List returned %v, want [a.txt b.txt]", names)
	}
}
