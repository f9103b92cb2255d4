// Package memdriver implements an in-RAM media.Driver over plain byte
// slices, used by every FLogFS unit test and by the crash-injection
// harness that exercises spec.md's recovery guarantees.
package memdriver

import (
	"context"
	"fmt"

	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// Driver is an in-memory flash device. Programming a byte only ever
// clears bits (matching real NAND), and EraseBlock is the only
// operation that can set bits back to 1.
type Driver struct {
	geom      layout.Geometry
	sectors   [][]byte // [block*sectorsPerBlock+sector] -> payload
	spares    [][]byte // [block*sectorsPerBlock+sector] -> spare
	badBlocks map[int]bool

	openBlock int
	openPage  int
	isOpen    bool

	// CommitBudget, when >= 0, counts down on every Commit; once it has
	// reached zero the next Commit simulates a crash: that Commit (and
	// everything after it) returns ErrSimulatedCrash instead of
	// succeeding. A negative budget (the default) disables fault
	// injection.
	CommitBudget int

	commits int
}

// ErrSimulatedCrash is returned by Commit once CommitBudget is exhausted.
var ErrSimulatedCrash = fmt.Errorf("memdriver: simulated crash")

// New allocates a zeroed (all-erased) device for the given geometry.
func New(geom layout.Geometry) *Driver {
	n := geom.NumBlocks * geom.SectorsPerBlock()
	d := &Driver{
		geom:         geom,
		sectors:      make([][]byte, n),
		spares:       make([][]byte, n),
		badBlocks:    make(map[int]bool),
		CommitBudget: -1,
	}
	for i := range d.sectors {
		d.sectors[i] = erasedBytes(geom.SectorSize)
		d.spares[i] = erasedBytes(layout.SpareSize)
	}
	return d
}

func erasedBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// MarkBad flags a block as a manufacturer/scrub-detected bad block.
func (d *Driver) MarkBad(block int) {
	d.badBlocks[block] = true
}

func (d *Driver) index(block, sector int) int {
	return block*d.geom.SectorsPerBlock() + sector
}

func (d *Driver) OpenPage(ctx context.Context, block, page int) error {
	if block < 0 || block >= d.geom.NumBlocks {
		return fmt.Errorf("memdriver: block %d out of range", block)
	}
	if page < 0 || page >= d.geom.PagesPerBlock {
		return fmt.Errorf("memdriver: page %d out of range", page)
	}
	d.openBlock, d.openPage = block, page
	d.isOpen = true
	return nil
}

func (d *Driver) globalSector(sector int) int {
	return d.index(d.openBlock, sector)
}

func (d *Driver) requireOpen() error {
	if !d.isOpen {
		return fmt.Errorf("memdriver: no page open")
	}
	return nil
}

func (d *Driver) requireSectorInOpenPage(sector int) error {
	if err := d.requireOpen(); err != nil {
		return err
	}
	if sector/d.geom.SectorsPerPage != d.openPage {
		return fmt.Errorf("memdriver: sector %d is not in the open page (block %d page %d)", sector, d.openBlock, d.openPage)
	}
	return nil
}

func (d *Driver) ReadSector(ctx context.Context, dst []byte, sector, offset, n int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	buf := d.sectors[d.globalSector(sector)]
	if offset < 0 || offset+n > len(buf) {
		return fmt.Errorf("memdriver: read out of bounds")
	}
	copy(dst, buf[offset:offset+n])
	return nil
}

func (d *Driver) WriteSector(ctx context.Context, src []byte, sector, offset, n int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	buf := d.sectors[d.globalSector(sector)]
	if offset < 0 || offset+n > len(buf) {
		return fmt.Errorf("memdriver: write out of bounds")
	}
	for i := 0; i < n; i++ {
		buf[offset+i] &= src[i] // programming only clears bits
	}
	return nil
}

func (d *Driver) ReadSpare(ctx context.Context, dst []byte, sector int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	copy(dst, d.spares[d.globalSector(sector)])
	return nil
}

func (d *Driver) WriteSpare(ctx context.Context, src []byte, sector int) error {
	if err := d.requireSectorInOpenPage(sector); err != nil {
		return err
	}
	buf := d.spares[d.globalSector(sector)]
	for i := range buf {
		buf[i] &= src[i]
	}
	return nil
}

func (d *Driver) Commit(ctx context.Context) error {
	if err := d.requireOpen(); err != nil {
		return err
	}
	d.commits++
	if d.CommitBudget >= 0 {
		if d.CommitBudget == 0 {
			return ErrSimulatedCrash
		}
		d.CommitBudget--
	}
	return nil
}

func (d *Driver) ClosePage(ctx context.Context) error {
	d.isOpen = false
	return nil
}

func (d *Driver) EraseBlock(ctx context.Context, block int) error {
	if block < 0 || block >= d.geom.NumBlocks {
		return fmt.Errorf("memdriver: block %d out of range", block)
	}
	for s := 0; s < d.geom.SectorsPerBlock(); s++ {
		idx := d.index(block, s)
		d.sectors[idx] = erasedBytes(d.geom.SectorSize)
		d.spares[idx] = erasedBytes(layout.SpareSize)
	}
	return nil
}

func (d *Driver) IsBadBlock(ctx context.Context, block int) (bool, error) {
	return d.badBlocks[block], nil
}

func (d *Driver) SpareSize() int {
	return layout.SpareSize
}

var _ media.Driver = (*Driver)(nil)
