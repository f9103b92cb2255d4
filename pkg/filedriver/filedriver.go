// Package filedriver implements media.Driver over a plain host file,
// letting the CLI format and mount a flogfs volume backed by ordinary
// disk storage instead of real NAND. It enforces the same
// program-only-clears-bits discipline as pkg/memdriver by merging
// every write against the page's last-committed content before it
// touches disk.
package filedriver

import (
	"context"
	"fmt"
	"os"

	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// Driver is a file-backed flash device. The file layout is: a
// bad-block bitmap, then NumBlocks fixed-size block regions, each
// holding its sectors' data followed by their spare bytes.
type Driver struct {
	f    *os.File
	geom layout.Geometry

	bitmapSize   int64
	blockDataLen int64
	blockSize    int64

	openBlock int
	openPage  int
	isOpen    bool
	pageData  []byte // cached data for every sector in the open page
	pageSpare []byte // cached spare for every sector in the open page
}

// Open opens (creating if necessary) path as a flogfs volume of the
// given geometry. A freshly created file reads back as entirely
// erased (all-ones), same as a blank NAND device.
func Open(path string, geom layout.Geometry) (*Driver, error) {
	if err := geom.Validate(); err != nil {
		return nil, fmt.Errorf("filedriver: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filedriver: opening %s: %w", path, err)
	}

	d := &Driver{
		f:            f,
		geom:         geom,
		bitmapSize:   int64((geom.NumBlocks + 7) / 8),
		blockDataLen: int64(geom.SectorsPerBlock() * geom.SectorSize),
		blockSize:    int64(geom.SectorsPerBlock()*geom.SectorSize + geom.SectorsPerBlock()*layout.SpareSize),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filedriver: stat %s: %w", path, err)
	}
	wantSize := d.bitmapSize + d.blockSize*int64(geom.NumBlocks)
	if info.Size() < wantSize {
		if err := d.formatNew(wantSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return d, nil
}

// formatNew extends a new or undersized file to wantSize, filling
// every block's data and spare region with erased (all-ones) bytes and
// zeroing the bad-block bitmap.
func (d *Driver) formatNew(wantSize int64) error {
	if err := d.f.Truncate(wantSize); err != nil {
		return fmt.Errorf("filedriver: truncating to %d bytes: %w", wantSize, err)
	}
	zero := make([]byte, d.bitmapSize)
	if _, err := d.f.WriteAt(zero, 0); err != nil {
		return fmt.Errorf("filedriver: clearing bad-block bitmap: %w", err)
	}
	erased := erasedBytes(int(d.blockSize))
	for b := 0; b < d.geom.NumBlocks; b++ {
		if _, err := d.f.WriteAt(erased, d.blockOffset(b)); err != nil {
			return fmt.Errorf("filedriver: erasing block %d: %w", b, err)
		}
	}
	return d.f.Sync()
}

func erasedBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func (d *Driver) blockOffset(block int) int64 {
	return d.bitmapSize + int64(block)*d.blockSize
}

// Close releases the underlying file handle.
func (d *Driver) Close() error {
	return d.f.Close()
}

func (d *Driver) OpenPage(ctx context.Context, block, page int) error {
	if block < 0 || block >= d.geom.NumBlocks {
		return fmt.Errorf("filedriver: block %d out of range", block)
	}
	if page < 0 || page >= d.geom.PagesPerBlock {
		return fmt.Errorf("filedriver: page %d out of range", page)
	}

	dataLen := d.geom.SectorsPerPage * d.geom.SectorSize
	spareLen := d.geom.SectorsPerPage * layout.SpareSize
	dataOff := d.blockOffset(block) + int64(page*dataLen)
	spareOff := d.blockOffset(block) + d.blockDataLen + int64(page*spareLen)

	pageData := make([]byte, dataLen)
	if _, err := d.f.ReadAt(pageData, dataOff); err != nil {
		return fmt.Errorf("filedriver: reading block %d page %d data: %w", block, page, err)
	}
	pageSpare := make([]byte, spareLen)
	if _, err := d.f.ReadAt(pageSpare, spareOff); err != nil {
		return fmt.Errorf("filedriver: reading block %d page %d spare: %w", block, page, err)
	}

	d.openBlock, d.openPage = block, page
	d.pageData, d.pageSpare = pageData, pageSpare
	d.isOpen = true
	return nil
}

func (d *Driver) requireSectorInOpenPage(sector int) error {
	if !d.isOpen {
		return fmt.Errorf("filedriver: no page open")
	}
	if sector/d.geom.SectorsPerPage != d.openPage {
		return fmt.Errorf("filedriver: sector %d is not in the open page (block %d page %d)", sector, d.openBlock, d.openPage)
	}
	return nil
}

func (d *Driver) sectorDataOffset(sector int) int {
	return (sector % d.geom.SectorsPerPage) * d.geom.SectorSize
}

func (d *Driver) sectorSpareOffset(sector int) int {
	return (sector % d.geom.SectorsPerPage) * layout.SpareSize
}

func (d *Driver) ReadSector(ctx context.Context, dst []byte, sector, offset, n int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	base := d.sectorDataOffset(sector)
	if offset < 0 || base+offset+n > len(d.pageData) {
		return fmt.Errorf("filedriver: read out of bounds")
	}
	copy(dst, d.pageData[base+offset:base+offset+n])
	return nil
}

func (d *Driver) WriteSector(ctx context.Context, src []byte, sector, offset, n int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	base := d.sectorDataOffset(sector)
	if offset < 0 || base+offset+n > len(d.pageData) {
		return fmt.Errorf("filedriver: write out of bounds")
	}
	for i := 0; i < n; i++ {
		d.pageData[base+offset+i] &= src[i]
	}
	return nil
}

func (d *Driver) ReadSpare(ctx context.Context, dst []byte, sector int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	base := d.sectorSpareOffset(sector)
	copy(dst, d.pageSpare[base:base+layout.SpareSize])
	return nil
}

func (d *Driver) WriteSpare(ctx context.Context, src []byte, sector int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	base := d.sectorSpareOffset(sector)
	for i := 0; i < layout.SpareSize; i++ {
		d.pageSpare[base+i] &= src[i]
	}
	return nil
}

func (d *Driver) Commit(ctx context.Context) error {
	if !d.isOpen {
		return fmt.Errorf("filedriver: commit with no page open")
	}
	dataOff := d.blockOffset(d.openBlock) + int64(d.openPage*len(d.pageData))
	if _, err := d.f.WriteAt(d.pageData, dataOff); err != nil {
		return fmt.Errorf("filedriver: committing page data: %w", err)
	}
	spareOff := d.blockOffset(d.openBlock) + d.blockDataLen + int64(d.openPage*len(d.pageSpare))
	if _, err := d.f.WriteAt(d.pageSpare, spareOff); err != nil {
		return fmt.Errorf("filedriver: committing page spare: %w", err)
	}
	return d.f.Sync()
}

func (d *Driver) ClosePage(ctx context.Context) error {
	d.isOpen = false
	d.pageData = nil
	d.pageSpare = nil
	return nil
}

func (d *Driver) EraseBlock(ctx context.Context, block int) error {
	if block < 0 || block >= d.geom.NumBlocks {
		return fmt.Errorf("filedriver: block %d out of range", block)
	}
	if d.isOpen && d.openBlock == block {
		if err := d.ClosePage(ctx); err != nil {
			return err
		}
	}
	erased := erasedBytes(int(d.blockSize))
	if _, err := d.f.WriteAt(erased, d.blockOffset(block)); err != nil {
		return fmt.Errorf("filedriver: erasing block %d: %w", block, err)
	}
	return d.f.Sync()
}

func (d *Driver) IsBadBlock(ctx context.Context, block int) (bool, error) {
	if block < 0 || block >= d.geom.NumBlocks {
		return false, fmt.Errorf("filedriver: block %d out of range", block)
	}
	b := make([]byte, 1)
	if _, err := d.f.ReadAt(b, int64(block/8)); err != nil {
		return false, fmt.Errorf("filedriver: reading bad-block bitmap: %w", err)
	}
	return b[0]&(1<<uint(block%8)) != 0, nil
}

// MarkBad flags block as a manufacturer/scrub-detected bad block,
// persisting the change immediately.
func (d *Driver) MarkBad(block int) error {
	if block < 0 || block >= d.geom.NumBlocks {
		return fmt.Errorf("filedriver: block %d out of range", block)
	}
	b := make([]byte, 1)
	if _, err := d.f.ReadAt(b, int64(block/8)); err != nil {
		return fmt.Errorf("filedriver: reading bad-block bitmap: %w", err)
	}
	b[0] |= 1 << uint(block%8)
	if _, err := d.f.WriteAt(b, int64(block/8)); err != nil {
		return fmt.Errorf("filedriver: writing bad-block bitmap: %w", err)
	}
	return d.f.Sync()
}

func (d *Driver) SpareSize() int {
	return layout.SpareSize
}

var _ media.Driver = (*Driver)(nil)
