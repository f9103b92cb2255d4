package flogfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/filechain"
	"github.com/vorteil/flogfs/pkg/inode"
)

// FileInfo describes a live file the way a `ls -l`-style listing would.
type FileInfo struct {
	Name   string
	FileID uint32
	Size   uint64
}

// List enumerates every live (non-deleted) filename, in directory
// order (oldest first).
func (fs *FS) List(ctx context.Context) ([]string, error) {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}

	var names []string
	err := inode.List(ctx, fs.cache, fs.geom, fs.inode0, func(name string, fileID uint32, firstBlock int) bool {
		names = append(names, name)
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "flogfs: listing directory")
	}
	return names, nil
}

// Stat reports filename's size by walking its full block chain, the
// same traversal OpenRead already performs, exposed as a read-only Go
// API rather than requiring a caller to open and drain a ReadHandle
// just to learn a length.
func (fs *FS) Stat(ctx context.Context, filename string) (FileInfo, error) {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return FileInfo{}, err
	}

	result, _, err := inode.Find(ctx, fs.cache, fs.geom, fs.inode0, filename)
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "flogfs: looking up %q", filename)
	}
	if !result.Found {
		return FileInfo{}, ErrNotFound
	}

	r, err := filechain.OpenReader(ctx, fs.cache, fs.geom, result.FileID, result.FirstBlock)
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "flogfs: opening %q to measure size", filename)
	}
	buf := make([]byte, fs.geom.SectorSize)
	for {
		n, err := r.Read(ctx, buf)
		if err != nil {
			return FileInfo{}, errors.Wrapf(err, "flogfs: reading %q to measure size", filename)
		}
		if n == 0 {
			break
		}
	}
	return FileInfo{Name: filename, FileID: result.FileID, Size: r.ReadHead}, nil
}
