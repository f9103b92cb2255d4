package filechain

import (
	"bytes"
	"context"
	"testing"

	"github.com/vorteil/flogfs/pkg/allocator"
	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
	"github.com/vorteil/flogfs/pkg/memdriver"
)

func smallGeometry() layout.Geometry {
	g := layout.DefaultGeometry()
	g.SectorSize = 64
	g.SectorsPerPage = 2
	g.PagesPerBlock = 2 // 4 sectors/block: init, one data sector, tail, stat
	g.NumBlocks = 8
	g.PreallocSize = 4
	return g
}

func newTestFixture(t *testing.T) (*media.Cache, layout.Geometry, *allocator.Allocator, context.Context) {
	t.Helper()
	geom := smallGeometry()
	drv := memdriver.New(geom)
	cache := media.NewCache(drv, geom.SectorsPerPage)
	ctx := context.Background()

	alloc := allocator.New(cache, geom)
	for b := 0; b < geom.NumBlocks; b++ {
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
	alloc.Finalize(0)
	return cache, geom, alloc, ctx
}

func ticker() func() uint32 {
	var t uint32
	return func() uint32 {
		t++
		return t
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	cache, geom, alloc, ctx := newTestFixture(t)

	first, ok, err := alloc.Allocate(ctx, -1000)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}

	w := NewWriter(cache, geom, alloc, 7, first.Block, first.Age)
	next := ticker()

	payload := []byte("the quick brown fox jumps over the lazy dog, twice over for good measure")
	if _, err := w.Write(ctx, payload, next); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.FlushDirtyBlock(ctx); err != nil {
		t.Fatalf("FlushDirtyBlock: %v", err)
	}

	r, err := OpenReader(ctx, cache, geom, 7, first.Block)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	got := make([]byte, len(payload))
	n, err := r.Read(ctx, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read returned %q, want %q", got, payload)
	}
}

func TestWriteCrossesBlockBoundary(t *testing.T) {
	cache, geom, alloc, ctx := newTestFixture(t)

	first, ok, err := alloc.Allocate(ctx, -1000)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}

	w := NewWriter(cache, geom, alloc, 11, first.Block, first.Age)
	next := ticker()

	// A 4-sector block here holds (SectorSize-FileInitHeaderSize) +
	// SectorSize + (SectorSize-FileTailHeaderSize) = 168 bytes before
	// needing a second block; 3*SectorSize = 192 forces one crossing.
	payload := make([]byte, geom.SectorSize*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := w.Write(ctx, payload, next); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.FlushDirtyBlock(ctx); err != nil {
		t.Fatalf("FlushDirtyBlock: %v", err)
	}
	if w.Block == first.Block {
		t.Fatalf("writer never crossed into a new block despite writing %d bytes", len(payload))
	}

	r, err := OpenReader(ctx, cache, geom, 11, first.Block)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	got := make([]byte, len(payload))
	n, err := r.Read(ctx, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped payload corrupted across a block boundary")
	}
}

func TestReaderStopsAtFirstUnwrittenSector(t *testing.T) {
	cache, geom, alloc, ctx := newTestFixture(t)

	first, ok, err := alloc.Allocate(ctx, -1000)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	w := NewWriter(cache, geom, alloc, 3, first.Block, first.Age)
	next := ticker()

	small := []byte("short write, well within the first block")
	if _, err := w.Write(ctx, small, next); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.FlushDirtyBlock(ctx); err != nil {
		t.Fatalf("FlushDirtyBlock: %v", err)
	}

	r, err := OpenReader(ctx, cache, geom, 3, first.Block)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	got := make([]byte, len(small)+64)
	n, err := r.Read(ctx, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(small) {
		t.Fatalf("Read returned %d bytes, want exactly %d (stopping at unwritten data)", n, len(small))
	}
}

func TestResumeWriterContinuesAppend(t *testing.T) {
	cache, geom, alloc, ctx := newTestFixture(t)

	first, ok, err := alloc.Allocate(ctx, -1000)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	w := NewWriter(cache, geom, alloc, 9, first.Block, first.Age)
	next := ticker()

	part1 := []byte("first part of the file")
	if _, err := w.Write(ctx, part1, next); err != nil {
		t.Fatalf("Write part1: %v", err)
	}
	if err := w.FlushDirtyBlock(ctx); err != nil {
		t.Fatalf("FlushDirtyBlock: %v", err)
	}

	resumed, err := ResumeWriter(ctx, cache, geom, alloc, 9, first.Block)
	if err != nil {
		t.Fatalf("ResumeWriter: %v", err)
	}
	if resumed.WriteHead != uint64(len(part1)) {
		t.Fatalf("ResumeWriter.WriteHead = %d, want %d", resumed.WriteHead, len(part1))
	}

	part2 := []byte(", second part appended after reopening")
	if _, err := resumed.Write(ctx, part2, next); err != nil {
		t.Fatalf("Write part2: %v", err)
	}
	if err := resumed.FlushDirtyBlock(ctx); err != nil {
		t.Fatalf("FlushDirtyBlock: %v", err)
	}

	r, err := OpenReader(ctx, cache, geom, 9, first.Block)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	want := append(append([]byte{}, part1...), part2...)
	got := make([]byte, len(want))
	n, err := r.Read(ctx, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("Read after resume = %q (n=%d), want %q", got[:n], n, want)
	}
}
