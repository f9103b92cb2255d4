// Package flogfs is the append-only, log-structured filesystem core:
// it ties pkg/layout's sector codecs, pkg/allocator's wear-leveling
// block allocator, pkg/inode's directory chain, and pkg/filechain's
// per-file block chains together behind Format/Mount/OpenRead/
// OpenWrite/Read/Write/Close/Remove/List.
package flogfs

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vorteil/flogfs/pkg/allocator"
	"github.com/vorteil/flogfs/pkg/elog"
	"github.com/vorteil/flogfs/pkg/inode"
	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// ErrNotMounted is returned by every operation besides Format/Mount
// when called on an FS that Mount has not yet succeeded on.
var ErrNotMounted = errors.New("flogfs: not mounted")

// ErrCorrupt is returned by Mount when the volume has no recoverable
// inode0 block at all (never formatted, or every candidate root block
// failed validation).
var ErrCorrupt = errors.New("flogfs: no valid root inode block found")

// ErrNotFound is returned by OpenRead and Stat when filename has no
// live directory entry. Remove treats a missing name as success, and
// OpenWrite creates the file.
var ErrNotFound = errors.New("flogfs: file not found")

// ErrExists is not returned by any operation in this package: OpenWrite
// on an existing file opens it for append instead of failing.
var ErrExists = errors.New("flogfs: file already exists")

// ErrNoSpace is returned by OpenWrite when the allocator has no free
// block for a new file's first block. WriteHandle.Write reports running
// out of space as a short count instead.
var ErrNoSpace = errors.New("flogfs: no free blocks available")

// FS is a mounted (or freshly formatted) flogfs volume. The zero value
// is not usable; construct one with New.
//
// Three mutexes mirror the reference implementation's fs_lock,
// allocate_lock and delete_lock: fsLock is held for the full duration
// of every exported method (this package has no internal concurrency,
// so it plays the role the reference gives flash_lock too);
// allocateLock is taken only by FS.allocate, around the first-block
// allocation OpenWrite makes for a new file (filechain writers and the
// inode chain call the allocator directly, under fsLock alone);
// deleteLock serializes Remove's chain walk. Since every exported
// method already runs with fsLock held end to end, the finer locks
// never see contention from this package itself.
type FS struct {
	fsLock       sync.Mutex
	allocateLock sync.Mutex
	deleteLock   sync.Mutex

	cache *media.Cache
	geom  layout.Geometry
	alloc *allocator.Allocator

	mounted   bool
	inode0    int
	maxFileID uint32
	clock     uint32

	// Logger is used for diagnostic messages; never nil.
	Logger elog.Logger
	// Metrics accumulates lifetime counters; never nil.
	Metrics *Metrics
}

// New wraps drv as a flogfs volume of the given geometry. Call either
// Format or Mount before any other method.
func New(drv media.Driver, geom layout.Geometry) (*FS, error) {
	if err := geom.Validate(); err != nil {
		return nil, errors.Wrap(err, "flogfs: invalid geometry")
	}
	cache := media.NewCache(drv, geom.SectorsPerPage)
	return &FS{
		cache:   cache,
		geom:    geom,
		alloc:   allocator.New(cache, geom),
		Logger:  &elog.CLI{},
		Metrics: &Metrics{},
	}, nil
}

// nextTimestamp returns a freshly incremented, session-monotonic
// timestamp. Callers must hold fs.fsLock.
func (fs *FS) nextTimestamp() uint32 {
	fs.clock++
	return fs.clock
}

// nextFileID returns a freshly incremented, volume-lifetime-unique
// file ID. Callers must hold fs.fsLock.
func (fs *FS) nextFileID() uint32 {
	fs.maxFileID++
	return fs.maxFileID
}

// allocate wraps the allocator under allocateLock, recording the
// attempt in Metrics. Callers must already hold fs.fsLock.
func (fs *FS) allocate(ctx context.Context, threshold int32) (allocator.BlockAlloc, bool, error) {
	fs.allocateLock.Lock()
	defer fs.allocateLock.Unlock()
	block, ok, err := fs.alloc.Allocate(ctx, threshold)
	if err == nil && ok {
		fs.Metrics.incAllocations()
	}
	return block, ok, err
}

// Format erases every block and lays down a brand-new, empty root
// inode block at the first block not flagged bad. Bad blocks already flagged by the driver are
// preserved (never implicitly un-marked) and excluded from both the
// new inode0 candidacy and the free-block pool.
func (fs *FS) Format(ctx context.Context) error {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()

	bad := make([]bool, fs.geom.NumBlocks)
	for b := 0; b < fs.geom.NumBlocks; b++ {
		ok, err := fs.cache.IsBadBlock(ctx, b)
		if err != nil {
			return errors.Wrapf(err, "flogfs: checking block %d for bad-block flag", b)
		}
		bad[b] = ok
	}

	rootBlock := -1
	for b := 0; b < fs.geom.NumBlocks; b++ {
		if !bad[b] {
			rootBlock = b
			break
		}
	}
	if rootBlock < 0 {
		return errors.New("flogfs: every block is marked bad, nothing to format")
	}

	if err := fs.cache.EraseBlock(ctx, rootBlock); err != nil {
		return errors.Wrapf(err, "flogfs: erasing root inode block %d", rootBlock)
	}
	initSector := fs.geom.InitSector()
	if err := fs.cache.OpenSector(ctx, rootBlock, initSector); err != nil {
		return err
	}
	raw := layout.EncodeInodeInit(layout.InodeInitSector{Timestamp: 0, PreviousBlock: layout.InvalidBlock})
	if err := fs.cache.WriteSector(ctx, raw, initSector, 0, len(raw)); err != nil {
		return err
	}
	spare := layout.EncodeInodeInitSpare(layout.InodeInitSpare{TypeID: layout.BlockInode, InodeIndex: 0})
	if err := fs.cache.WriteSpare(ctx, spare, initSector); err != nil {
		return err
	}
	if err := fs.cache.Commit(ctx); err != nil {
		return err
	}

	fs.alloc = allocator.New(fs.cache, fs.geom)
	for b := 0; b < fs.geom.NumBlocks; b++ {
		if bad[b] || b == rootBlock {
			continue
		}
		if err := fs.cache.EraseBlock(ctx, b); err != nil {
			return errors.Wrapf(err, "flogfs: erasing block %d", b)
		}
		statSector := fs.geom.BlockStatSector()
		if err := fs.cache.OpenSector(ctx, b, statSector); err != nil {
			return err
		}
		stat := layout.EncodeBlockStat(layout.BlockStatSector{
			Age: 0, NextBlock: layout.InvalidBlock, NextAge: layout.InvalidAge,
			Timestamp: layout.InvalidTimestamp, Key: layout.BlockStatKey,
		})
		if err := fs.cache.WriteSector(ctx, stat, statSector, 0, len(stat)); err != nil {
			return err
		}
		if err := fs.cache.Commit(ctx); err != nil {
			return err
		}
		fs.alloc.NoteFree(b, 0)
	}
	fs.alloc.Finalize(rootBlock + 1)

	fs.inode0 = rootBlock
	fs.maxFileID = 0
	fs.clock = 0
	fs.mounted = true
	return nil
}

// Mount scans every block, classifying it by the type ID stamped in
// its init-sector spare (inode, file, or neither — in which case its
// block-stat sector decides whether it is free), rebuilds the
// allocator's free-block pool, resolves the root inode block (if two
// init-timestamp-stamped candidates exist with no previous-block
// pointer, the older one wins; see DESIGN.md), recovers the highest
// file ID and timestamp ever assigned, and repairs the one allocation
// and one deletion that a crash could have left half-finished (the
// four-pass recovery of spec §4.7; see recovery.go).
func (fs *FS) Mount(ctx context.Context) error {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()

	alloc := allocator.New(fs.cache, fs.geom)
	type rootCandidate struct {
		block     int
		timestamp uint32
	}
	var roots []rootCandidate
	var lastAlloc allocCandidate
	var maxTimestamp uint32
	noteTimestamp := func(ts uint32) {
		if ts != layout.InvalidTimestamp && ts > maxTimestamp {
			maxTimestamp = ts
		}
	}

	for b := 0; b < fs.geom.NumBlocks; b++ {
		bad, err := fs.cache.IsBadBlock(ctx, b)
		if err != nil {
			return errors.Wrapf(err, "flogfs: checking block %d for bad-block flag", b)
		}
		if bad {
			continue
		}

		initSector := fs.geom.InitSector()
		if err := fs.cache.OpenSector(ctx, b, initSector); err != nil {
			return err
		}
		spare := make([]byte, fs.cache.SpareSize())
		if err := fs.cache.ReadSpare(ctx, spare, initSector); err != nil {
			return err
		}
		switch layout.RawBlockType(spare) {
		case layout.BlockInode:
			raw := make([]byte, 6)
			if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
				return err
			}
			hdr, err := layout.DecodeInodeInit(raw)
			if err != nil {
				return err
			}
			noteTimestamp(hdr.Timestamp)
			if hdr.PreviousBlock == layout.InvalidBlock {
				roots = append(roots, rootCandidate{block: b, timestamp: hdr.Timestamp})
			}
			inodeSpare := layout.DecodeInodeInitSpare(spare)
			tail, ok, err := fs.readTail(ctx, b)
			if err != nil {
				return err
			}
			if ok {
				noteTimestamp(tail.Timestamp)
				if tail.Timestamp > lastAlloc.timestamp {
					lastAlloc = allocCandidate{
						found: true, kind: allocKindInode, predecessorBlock: b,
						candidateBlock: int(tail.NextBlock), nextAge: tail.NextAge,
						timestamp: tail.Timestamp, predecessorInodeIndex: inodeSpare.InodeIndex,
					}
				}
			}
		case layout.BlockFile:
			raw := make([]byte, layout.FileInitHeaderSize)
			if err := fs.cache.ReadSector(ctx, raw, initSector, 0, len(raw)); err != nil {
				return err
			}
			init, err := layout.DecodeFileInit(raw)
			if err != nil {
				return err
			}
			noteTimestamp(init.Timestamp)
			tail, ok, err := fs.readTail(ctx, b)
			if err != nil {
				return err
			}
			if ok {
				noteTimestamp(tail.Timestamp)
				if tail.Timestamp > lastAlloc.timestamp {
					lastAlloc = allocCandidate{
						found: true, kind: allocKindFile, predecessorBlock: b,
						candidateBlock: int(tail.NextBlock), nextAge: tail.NextAge,
						timestamp: tail.Timestamp, fileID: init.FileID,
					}
				}
			}
		default:
			statSector := fs.geom.BlockStatSector()
			if err := fs.cache.OpenSector(ctx, b, statSector); err != nil {
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
			if stat.IsOwned() {
				noteTimestamp(stat.Timestamp)
				alloc.NoteFree(b, stat.Age)
			}
		}
	}

	if len(roots) == 0 {
		return ErrCorrupt
	}
	best := roots[0]
	for _, c := range roots[1:] {
		if c.timestamp < best.timestamp {
			best = c
		}
	}
	alloc.Finalize(best.block + 1)
	fs.alloc = alloc
	fs.inode0 = best.block

	maxFileID, lastDeletion, err := fs.scanInodeChain(ctx, best.block)
	if err != nil {
		return err
	}
	noteTimestamp(lastDeletion.timestamp)

	if err := fs.repairLastAllocation(ctx, lastAlloc); err != nil {
		return errors.Wrap(err, "flogfs: repairing last allocation")
	}
	if err := fs.repairLastDeletion(ctx, lastDeletion); err != nil {
		return errors.Wrap(err, "flogfs: repairing last deletion")
	}

	fs.maxFileID = maxFileID
	fs.clock = maxTimestamp
	fs.mounted = true
	fs.Metrics.incMounts()
	return nil
}

// readTail reads block's tail sector, reporting ok=false if it has
// never been sealed (Timestamp == InvalidTimestamp) — an unsealed
// tail carries no forward link and is never an allocation predecessor.
func (fs *FS) readTail(ctx context.Context, block int) (layout.FileTailSector, bool, error) {
	tailSector := fs.geom.TailSector()
	if err := fs.cache.OpenSector(ctx, block, tailSector); err != nil {
		return layout.FileTailSector{}, false, err
	}
	raw := make([]byte, layout.FileTailHeaderSize)
	if err := fs.cache.ReadSector(ctx, raw, tailSector, 0, len(raw)); err != nil {
		return layout.FileTailSector{}, false, err
	}
	tail, err := layout.DecodeFileTail(raw)
	if err != nil {
		return layout.FileTailSector{}, false, err
	}
	if tail.Timestamp == layout.InvalidTimestamp {
		return layout.FileTailSector{}, false, nil
	}
	return tail, true, nil
}

// scanInodeChain walks every entry (live or deleted) of the inode
// chain rooted at root, returning the highest FileID ever assigned
// (so a freshly created file never reuses an ID a crash might have
// left dangling references to) and the most recently timestamped
// deletion, a candidate for Pass 4 repair.
func (fs *FS) scanInodeChain(ctx context.Context, root int) (uint32, deleteCandidate, error) {
	it, err := inode.NewIterator(ctx, fs.cache, fs.geom, root)
	if err != nil {
		return 0, deleteCandidate{}, err
	}
	var maxFileID uint32
	var lastDeletion deleteCandidate
	for {
		a, err := it.ReadAllocation(ctx)
		if err != nil {
			return 0, deleteCandidate{}, err
		}
		if a.FileID == layout.InvalidFileID {
			return maxFileID, lastDeletion, nil
		}
		if a.FileID > maxFileID {
			maxFileID = a.FileID
		}
		inval, err := it.ReadInvalidation(ctx)
		if err != nil {
			return 0, deleteCandidate{}, err
		}
		if inval.Timestamp != layout.InvalidTimestamp && inval.Timestamp > lastDeletion.timestamp {
			lastDeletion = deleteCandidate{
				found: true, fileID: a.FileID, firstBlock: int(a.FirstBlock),
				lastBlock: int(inval.LastBlock), timestamp: inval.Timestamp,
			}
		}
		if err := it.Next(ctx); err != nil {
			if errors.Is(err, inode.ErrChainExhausted) {
				return maxFileID, lastDeletion, nil
			}
			return 0, deleteCandidate{}, err
		}
	}
}

// requireMounted returns ErrNotMounted unless Format or Mount has
// already succeeded. Callers must hold fs.fsLock.
func (fs *FS) requireMounted() error {
	if !fs.mounted {
		return ErrNotMounted
	}
	return nil
}

// DeviceInfo summarizes the volume's geometry and current utilization,
// the way a `df`/`fsck -n` style report would.
type DeviceInfo struct {
	Geometry    layout.Geometry
	FreeBlocks  int
	MeanFreeAge uint32
}

// DeviceInfo reports the volume's geometry and free-space utilization.
func (fs *FS) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	fs.fsLock.Lock()
	defer fs.fsLock.Unlock()
	if err := fs.requireMounted(); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Geometry:    fs.geom,
		FreeBlocks:  fs.alloc.NumFree(),
		MeanFreeAge: fs.alloc.MeanFreeAge(),
	}, nil
}
