package flogfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/inode"
	"github.com/vorteil/flogfs/pkg/layout"
)

// Remove marks filename deleted and reclaims its block chain. A
// missing filename is treated as success, matching the reference
// implementation's "rm of a nonexistent file is a no-op" policy.
func (fs *FS) Remove(ctx context.Context, filename string) error {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return err
	}

	result, it, err := inode.Find(ctx, fs.cache, fs.geom, fs.inode0, filename)
	if err != nil {
		return errors.Wrapf(err, "flogfs: looking up %q", filename)
	}
	if !result.Found {
		return nil
	}

	lastBlock, err := fs.lastBlockOf(ctx, result.FirstBlock)
	if err != nil {
		return errors.Wrapf(err, "flogfs: walking %q's block chain", filename)
	}
	inval := layout.InodeInvalidationSector{Timestamp: fs.nextTimestamp(), LastBlock: uint16(lastBlock)}
	if err := it.WriteInvalidation(ctx, inval); err != nil {
		return errors.Wrapf(err, "flogfs: writing deletion marker for %q", filename)
	}

	return fs.invalidateChain(ctx, result.FirstBlock, result.FileID)
}

// lastBlockOf walks a file's tail-sector links forward from firstBlock,
// stopping at the block whose tail sector has not yet been sealed
// (Timestamp == InvalidTimestamp) — the file's current final block.
func (fs *FS) lastBlockOf(ctx context.Context, firstBlock int) (int, error) {
	block := firstBlock
	for {
		tailSector := fs.geom.TailSector()
		if err := fs.cache.OpenSector(ctx, block, tailSector); err != nil {
			return 0, err
		}
		raw := make([]byte, layout.FileTailHeaderSize)
		if err := fs.cache.ReadSector(ctx, raw, tailSector, 0, len(raw)); err != nil {
			return 0, err
		}
		tail, err := layout.DecodeFileTail(raw)
		if err != nil {
			return 0, err
		}
		if tail.Timestamp == layout.InvalidTimestamp {
			return block, nil
		}
		block = int(tail.NextBlock)
	}
}

// invalidateChain reclaims every block of a now-deleted file, starting
// at start. Each FILE-typed block still bearing fileID is erased and
// rewritten with a block-stat sector that records the chain's
// continuation (the block's former tail NextBlock/NextAge), so an
// interrupted run can resume exactly where it left off by following an
// already-reclaimed block's own stat sector instead of its erased tail.
// Stops once it reaches a block with no recorded continuation.
func (fs *FS) invalidateChain(ctx context.Context, start int, fileID uint32) error {
	fs.deleteLock.Lock()
	defer fs.deleteLock.Unlock()

	block := start
	reclaimed := 0
	for block != int(layout.InvalidBlock) {
		initSector := fs.geom.InitSector()
		if err := fs.cache.OpenSector(ctx, block, initSector); err != nil {
			return err
		}
		spare := make([]byte, fs.cache.SpareSize())
		if err := fs.cache.ReadSpare(ctx, spare, initSector); err != nil {
			return err
		}

		var next uint16
		switch layout.RawBlockType(spare) {
		case layout.BlockFile:
			raw := make([]byte, layout.FileInitHeaderSize)
			if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
				return err
			}
			init, err := layout.DecodeFileInit(raw)
			if err != nil {
				return err
			}
			if init.FileID != fileID {
				// Belongs to a different, still-live file; nothing
				// more to reclaim on this path.
				block = int(layout.InvalidBlock)
				continue
			}

			tailSector := fs.geom.TailSector()
			if err := fs.cache.OpenSector(ctx, block, tailSector); err != nil {
				return err
			}
			traw := make([]byte, layout.FileTailHeaderSize)
			if err := fs.cache.ReadSector(ctx, traw, tailSector, 0, len(traw)); err != nil {
				return err
			}
			tail, err := layout.DecodeFileTail(traw)
			if err != nil {
				return err
			}
			next = tail.NextBlock

			ts := fs.nextTimestamp()
			if err := fs.cache.EraseBlock(ctx, block); err != nil {
				return err
			}
			statSector := fs.geom.BlockStatSector()
			if err := fs.cache.OpenSector(ctx, block, statSector); err != nil {
				return err
			}
			stat := layout.EncodeBlockStat(layout.BlockStatSector{
				Age: init.Age, NextBlock: next, NextAge: tail.NextAge, Timestamp: ts, Key: layout.BlockStatKey,
			})
			if err := fs.cache.WriteSector(ctx, stat, statSector, 0, len(stat)); err != nil {
				return err
			}
			if err := fs.cache.Commit(ctx); err != nil {
				return err
			}
			fs.alloc.Free(block, init.Age)
			reclaimed++

		default:
			// Already reclaimed by a prior, interrupted run; its own
			// stat sector carries where the chain continues.
			statSector := fs.geom.BlockStatSector()
			if err := fs.cache.OpenSector(ctx, block, statSector); err != nil {
				return err
			}
			raw := make([]byte, layout.BlockStatHeaderSize)
			if err := fs.cache.ReadSector(ctx, raw, statSector, 0, len(raw)); err != nil {
				return err
			}
			stat, err := layout.DecodeBlockStat(raw)
			if err != nil {
				return err
			}
			if !stat.IsOwned() {
				block = int(layout.InvalidBlock)
				continue
			}
			next = stat.NextBlock
		}

		if next == layout.InvalidBlock {
			block = int(layout.InvalidBlock)
		} else {
			block = int(next)
		}
	}

	fs.Metrics.incReclaimed(reclaimed)
	return nil
}
