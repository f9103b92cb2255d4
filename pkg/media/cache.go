package media

import (
	"context"
	"fmt"
)

// Cache wraps a Driver with the single-page cache described by the
// design: at most one page is ever open across the whole system, and
// opening the same {block,page} pair that is already open is a no-op.
// Every other FLogFS package talks to flash exclusively through a
// Cache, never through a Driver directly.
type Cache struct {
	drv            Driver
	sectorsPerPage int

	open       bool
	block      int
	page       int
	lastResult ReadResult
}

// NewCache wraps drv with a page cache. sectorsPerPage is the device
// geometry's SectorsPerPage, used by OpenSector to translate a
// block-relative sector index into the page that contains it.
func NewCache(drv Driver, sectorsPerPage int) *Cache {
	return &Cache{drv: drv, sectorsPerPage: sectorsPerPage}
}

// OpenSector opens whichever page contains the given block-relative
// sector, the way flog_open_sector wraps flog_open_page in the
// reference implementation. Every higher-level package (allocator,
// inode, filechain) addresses flash this way and never calls OpenPage
// directly.
func (c *Cache) OpenSector(ctx context.Context, block, sector int) error {
	return c.OpenPage(ctx, block, sector/c.sectorsPerPage)
}

// Driver returns the underlying driver, for operations (like bad-block
// queries at mount time) that do not go through the page cache.
func (c *Cache) Driver() Driver {
	return c.drv
}

// IsOpen reports whether a page is currently cached, and which one.
func (c *Cache) IsOpen() (block, page int, ok bool) {
	return c.block, c.page, c.open
}

// LastResult reports the ECC classification of the most recent read.
func (c *Cache) LastResult() ReadResult {
	return c.lastResult
}

// OpenPage opens block/page, doing nothing if it is already cached.
func (c *Cache) OpenPage(ctx context.Context, block, page int) error {
	if c.open && c.block == block && c.page == page {
		return nil
	}
	if c.open {
		if err := c.drv.ClosePage(ctx); err != nil {
			return fmt.Errorf("media: closing previous page before open: %w", err)
		}
	}
	if err := c.drv.OpenPage(ctx, block, page); err != nil {
		return fmt.Errorf("media: opening block %d page %d: %w", block, page, err)
	}
	c.open = true
	c.block = block
	c.page = page
	return nil
}

// ReadSector reads through the cached page.
func (c *Cache) ReadSector(ctx context.Context, dst []byte, sector, offset, n int) error {
	if !c.open {
		return fmt.Errorf("media: ReadSector with no page open")
	}
	if err := c.drv.ReadSector(ctx, dst, sector, offset, n); err != nil {
		c.lastResult = ReadUncorrectable
		return err
	}
	c.lastResult = ReadClean
	return nil
}

// WriteSector writes through the cached page.
func (c *Cache) WriteSector(ctx context.Context, src []byte, sector, offset, n int) error {
	if !c.open {
		return fmt.Errorf("media: WriteSector with no page open")
	}
	return c.drv.WriteSector(ctx, src, sector, offset, n)
}

// ReadSpare reads the spare bytes of a sector in the cached page.
func (c *Cache) ReadSpare(ctx context.Context, dst []byte, sector int) error {
	if !c.open {
		return fmt.Errorf("media: ReadSpare with no page open")
	}
	return c.drv.ReadSpare(ctx, dst, sector)
}

// WriteSpare writes the spare bytes of a sector in the cached page.
func (c *Cache) WriteSpare(ctx context.Context, src []byte, sector int) error {
	if !c.open {
		return fmt.Errorf("media: WriteSpare with no page open")
	}
	return c.drv.WriteSpare(ctx, src, sector)
}

// Commit durably programs the cached page.
func (c *Cache) Commit(ctx context.Context) error {
	if !c.open {
		return fmt.Errorf("media: Commit with no page open")
	}
	return c.drv.Commit(ctx)
}

// ClosePage releases the cached page, if any. It is always safe to
// call, including with nothing cached.
func (c *Cache) ClosePage(ctx context.Context) error {
	if !c.open {
		return nil
	}
	err := c.drv.ClosePage(ctx)
	c.open = false
	return err
}

// EraseBlock closes the cached page first if it belongs to the target
// block (the design requires this so a stale cache entry can never
// shadow an erase), then erases.
func (c *Cache) EraseBlock(ctx context.Context, block int) error {
	if c.open && c.block == block {
		if err := c.ClosePage(ctx); err != nil {
			return fmt.Errorf("media: closing page before erasing block %d: %w", block, err)
		}
	}
	return c.drv.EraseBlock(ctx, block)
}

// IsBadBlock delegates directly to the driver.
func (c *Cache) IsBadBlock(ctx context.Context, block int) (bool, error) {
	return c.drv.IsBadBlock(ctx, block)
}

// SpareSize delegates directly to the driver.
func (c *Cache) SpareSize() int {
	return c.drv.SpareSize()
}
