package flogfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/filechain"
	"github.com/vorteil/flogfs/pkg/inode"
	"github.com/vorteil/flogfs/pkg/layout"
)

// ErrNameTooLong is returned by OpenWrite when filename does not fit in
// Geometry.MaxFnameLen bytes including the implicit terminator (i.e. it
// must be at most MaxFnameLen-1 bytes).
var ErrNameTooLong = errors.New("flogfs: filename too long")

// ErrInodeTableFull is returned by OpenWrite when a brand-new file
// needs a new inode block and the allocator has none to give it.
var ErrInodeTableFull = errors.New("flogfs: no free block for a new inode entry")

// WriteHandle is a file opened for append-only writing via OpenWrite.
type WriteHandle struct {
	fs       *FS
	filename string
	w        *filechain.Writer
}

// OpenWrite opens filename for append, creating it (with a fresh
// directory entry and first data block) if it does not already exist.
// Every write through the returned handle lands after whatever the
// file already held.
func (fs *FS) OpenWrite(ctx context.Context, filename string) (*WriteHandle, error) {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}
	if len(filename) > fs.geom.MaxFnameLen-1 {
		return nil, ErrNameTooLong
	}

	result, it, err := inode.Find(ctx, fs.cache, fs.geom, fs.inode0, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "flogfs: looking up %q", filename)
	}
	if result.Found {
		w, err := filechain.ResumeWriter(ctx, fs.cache, fs.geom, fs.alloc, result.FileID, result.FirstBlock)
		if err != nil {
			return nil, errors.Wrapf(err, "flogfs: resuming %q for append", filename)
		}
		return &WriteHandle{fs: fs, filename: filename, w: w}, nil
	}

	return fs.createFile(ctx, it, filename)
}

// createFile reserves a fresh directory entry (allocating a successor
// inode block via it.PrepareNew if the current one is full) and a
// first data block, then writes the allocation sector, exactly the way
// flogfs_open_write's "file does not yet exist" branch does.
func (fs *FS) createFile(ctx context.Context, it *inode.Iterator, filename string) (*WriteHandle, error) {
	ts := fs.nextTimestamp()
	ok, err := it.PrepareNew(ctx, fs.alloc, ts)
	if err != nil {
		return nil, errors.Wrap(err, "flogfs: preparing new inode entry")
	}
	if !ok {
		return nil, ErrInodeTableFull
	}

	block, ok, err := fs.allocate(ctx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "flogfs: allocating first data block")
	}
	if !ok {
		return nil, ErrNoSpace
	}

	fileID := fs.nextFileID()
	blockAge := block.Age + 1
	entry := layout.InodeAllocationSector{
		FileID:        fileID,
		FirstBlock:    uint16(block.Block),
		FirstBlockAge: blockAge,
		Timestamp:     fs.nextTimestamp(),
		Filename:      filename,
	}
	if err := it.WriteAllocation(ctx, entry); err != nil {
		return nil, errors.Wrapf(err, "flogfs: writing directory entry for %q", filename)
	}
	invalidation := layout.InodeInvalidationSector{Timestamp: layout.InvalidTimestamp, LastBlock: layout.InvalidBlock}
	if err := it.WriteInvalidation(ctx, invalidation); err != nil {
		return nil, errors.Wrapf(err, "flogfs: writing live invalidation marker for %q", filename)
	}

	w := filechain.NewWriter(fs.cache, fs.geom, fs.alloc, fileID, block.Block, blockAge)
	return &WriteHandle{fs: fs, filename: filename, w: w}, nil
}

// Write appends src, returning fewer bytes than len(src) only if the
// allocator runs out of space partway through.
func (h *WriteHandle) Write(ctx context.Context, src []byte) (int, error) {
	h.fs.fsLock.Lock()
	defer h.fs.fsLock.Unlock()
	n, err := h.w.Write(ctx, src, h.fs.nextTimestamp)
	if err != nil {
		if errors.Is(err, filechain.ErrOutOfSpace) {
			return n, nil
		}
		return n, errors.Wrapf(err, "flogfs: writing %q", h.filename)
	}
	return n, nil
}

// CloseWrite seals whatever is staged in the handle's sector buffer and
// releases it. A file is not guaranteed visible to readers until this
// (or a subsequent sector commit from further writes) has run.
func (h *WriteHandle) CloseWrite(ctx context.Context) error {
	h.fs.fsLock.Lock()
	defer h.fs.fsLock.Unlock()
	if err := h.w.Close(ctx, h.fs.nextTimestamp); err != nil {
		return errors.Wrapf(err, "flogfs: closing %q", h.filename)
	}
	return nil
}
