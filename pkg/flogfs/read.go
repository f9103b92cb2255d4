package flogfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/filechain"
	"github.com/vorteil/flogfs/pkg/inode"
)

// ReadHandle is a file opened for sequential reading via OpenRead.
type ReadHandle struct {
	fs       *FS
	filename string
	r        *filechain.Reader
}

// OpenRead locates filename in the directory and positions a handle at
// its first data byte. Returns ErrNotFound if no live entry matches.
func (fs *FS) OpenRead(ctx context.Context, filename string) (*ReadHandle, error) {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}

	result, _, err := inode.Find(ctx, fs.cache, fs.geom, fs.inode0, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "flogfs: looking up %q", filename)
	}
	if !result.Found {
		return nil, ErrNotFound
	}

	r, err := filechain.OpenReader(ctx, fs.cache, fs.geom, result.FileID, result.FirstBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "flogfs: opening %q for read", filename)
	}
	return &ReadHandle{fs: fs, filename: filename, r: r}, nil
}

// Read fills dst, returning fewer bytes than len(dst) only at
// end-of-file; reaching EOF is never itself an error.
func (h *ReadHandle) Read(ctx context.Context, dst []byte) (int, error) {
	h.fs.fsLock.Lock()
	defer h.fs.fsLock.Unlock()
	n, err := h.r.Read(ctx, dst)
	if err != nil {
		return n, errors.Wrapf(err, "flogfs: reading %q", h.filename)
	}
	return n, nil
}

// CloseRead releases the handle. Reading never leaves staged state on
// flash, so this is purely bookkeeping on the Go side.
func (h *ReadHandle) CloseRead(ctx context.Context) error {
	return nil
}
