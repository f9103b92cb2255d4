// Package media defines the abstract flash driver contract and the
// single-page cache every other FLogFS component reads and writes
// through. Concrete drivers (an in-RAM device for tests, a file-backed
// device for the CLI) live in sibling packages.
package media

import "context"

// Driver is the minimal set of operations FLogFS needs from a NAND
// flash device. Implementations need not be safe for concurrent use;
// callers serialize access externally (see pkg/flogfs's locking model).
type Driver interface {
	// OpenPage opens the page containing the given block/page pair for
	// subsequent Read/Write/Commit calls. Implementations may treat this
	// as a no-op if the requested page is already open.
	OpenPage(ctx context.Context, block, page int) error

	// ReadSector reads n bytes from the currently open page's sector at
	// the given byte offset into dst.
	ReadSector(ctx context.Context, dst []byte, sector, offset, n int) error

	// WriteSector programs n bytes from src into the currently open
	// page's sector at the given byte offset. Programming only ever
	// clears bits (1->0); it is the caller's responsibility to target
	// sectors that have not already been written since the last erase.
	WriteSector(ctx context.Context, src []byte, sector, offset, n int) error

	// ReadSpare reads the out-of-band spare bytes for a sector in the
	// currently open page.
	ReadSpare(ctx context.Context, dst []byte, sector int) error

	// WriteSpare programs the out-of-band spare bytes for a sector in
	// the currently open page.
	WriteSpare(ctx context.Context, src []byte, sector int) error

	// Commit durably programs everything staged for the open page. No
	// write performed since the last Commit (or since OpenPage, if none)
	// is guaranteed to survive a crash until Commit returns nil.
	Commit(ctx context.Context) error

	// ClosePage releases the currently open page without requiring a
	// fresh OpenPage before the next page is addressed. Required before
	// erasing a block that might be cached.
	ClosePage(ctx context.Context) error

	// EraseBlock erases every page of the given block, returning it to
	// the all-ones state. The caller must ClosePage first if the block
	// might be cached.
	EraseBlock(ctx context.Context, block int) error

	// IsBadBlock reports whether the manufacturer or a prior scrub has
	// flagged this block as unusable.
	IsBadBlock(ctx context.Context, block int) (bool, error)

	// SpareSize returns the number of out-of-band bytes available per
	// sector.
	SpareSize() int
}

// ReadResult classifies the outcome of an ECC-checked page read,
// matching the three states real NAND controllers report: a clean read,
// a read that required single-bit correction (silent, but countable),
// and an uncorrectable read (a real failure).
type ReadResult int

const (
	ReadClean ReadResult = iota
	ReadCorrected
	ReadUncorrectable
)
