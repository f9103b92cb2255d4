package filedriver

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/vorteil/flogfs/pkg/layout"
)

func smallGeometry() layout.Geometry {
	g := layout.DefaultGeometry()
	g.SectorSize = 64
	g.SectorsPerPage = 2
	g.PagesPerBlock = 2
	g.NumBlocks = 4
	return g
}

func TestFreshFileReadsAsErased(t *testing.T) {
	geom := smallGeometry()
	path := filepath.Join(t.TempDir(), "vol.img")
	d, err := Open(path, geom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.OpenPage(ctx, 0, 0); err != nil {
		t.Fatalf("OpenPage: %v", err)
	}
	dst := make([]byte, geom.SectorSize)
	if err := d.ReadSector(ctx, dst, 0, 0, len(dst)); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	for i, b := range dst {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xFF on a fresh volume", i, b)
		}
	}
}

func TestWriteCommitReopenRoundTrip(t *testing.T) {
	geom := smallGeometry()
	path := filepath.Join(t.TempDir(), "vol.img")
	d, err := Open(path, geom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	if err := d.OpenPage(ctx, 1, 0); err != nil {
		t.Fatalf("OpenPage: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, geom.SectorSize)
	if err := d.WriteSector(ctx, payload, 0, 0, len(payload)); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, geom)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.OpenPage(ctx, 1, 0); err != nil {
		t.Fatalf("OpenPage after reopen: %v", err)
	}
	got := make([]byte, geom.SectorSize)
	if err := reopened.ReadSector(ctx, got, 0, 0, len(got)); err != nil {
		t.Fatalf("ReadSector after reopen: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("data did not survive a Close/Open round trip")
	}
}

func TestProgrammingOnlyClearsBits(t *testing.T) {
	geom := smallGeometry()
	path := filepath.Join(t.TempDir(), "vol.img")
	d, err := Open(path, geom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.OpenPage(ctx, 0, 0); err != nil {
		t.Fatalf("OpenPage: %v", err)
	}
	if err := d.WriteSector(ctx, []byte{0b11110000}, 0, 0, 1); err != nil {
		t.Fatalf("WriteSector 1: %v", err)
	}
	if err := d.WriteSector(ctx, []byte{0b11111111}, 0, 0, 1); err != nil {
		t.Fatalf("WriteSector 2: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got := make([]byte, 1)
	if err := d.ReadSector(ctx, got, 0, 0, 1); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if got[0] != 0b11110000 {
		t.Fatalf("second write set bits that the first write had already cleared: got %#b", got[0])
	}
}

func TestEraseBlockResetsToErased(t *testing.T) {
	geom := smallGeometry()
	path := filepath.Join(t.TempDir(), "vol.img")
	d, err := Open(path, geom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if err := d.OpenPage(ctx, 2, 0); err != nil {
		t.Fatalf("OpenPage: %v", err)
	}
	if err := d.WriteSector(ctx, []byte{0x00}, 0, 0, 1); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := d.EraseBlock(ctx, 2); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}
	if err := d.OpenPage(ctx, 2, 0); err != nil {
		t.Fatalf("OpenPage after erase: %v", err)
	}
	got := make([]byte, 1)
	if err := d.ReadSector(ctx, got, 0, 0, 1); err != nil {
		t.Fatalf("ReadSector after erase: %v", err)
	}
	if got[0] != 0xFF {
		t.Fatalf("byte after erase = %#x, want 0xFF", got[0])
	}
}

func TestMarkBadPersists(t *testing.T) {
	geom := smallGeometry()
	path := filepath.Join(t.TempDir(), "vol.img")
	d, err := Open(path, geom)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := d.MarkBad(3); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, geom)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	bad, err := reopened.IsBadBlock(ctx, 3)
	if err != nil {
		t.Fatalf("IsBadBlock: %v", err)
	}
	if !bad {
		t.Fatalf("IsBadBlock(3) = false after MarkBad + reopen")
	}
	bad, err = reopened.IsBadBlock(ctx, 0)
	if err != nil {
		t.Fatalf("IsBadBlock: %v", err)
	}
	if bad {
		t.Fatalf("IsBadBlock(0) = true, want false (never marked)")
	}
}
