// Package filechain implements a file's data as a singly linked list of
// flash blocks. Within a block, sectors are written sequentially from
// the init sector up to the tail sector (layout.Geometry.NextSector);
// the tail sector, written last, both seals the block and links to its
// successor.
package filechain

import (
	"context"
	"errors"
	"fmt"

	"github.com/vorteil/flogfs/pkg/allocator"
	"github.com/vorteil/flogfs/pkg/layout"
	"github.com/vorteil/flogfs/pkg/media"
)

// ErrOutOfSpace is returned by Write and FlushDirtyBlock when a new
// block is needed to seal a file but the allocator has nothing free.
var ErrOutOfSpace = errors.New("filechain: no free blocks to continue the chain")

// Writer appends data to a file one sector at a time, staging a
// partial sector's header and short writes in buf exactly the way the
// reference implementation's file->sector_buffer does, and only
// touching flash once a sector (or the whole block, at the tail) is
// ready to commit.
type Writer struct {
	cache *media.Cache
	geom  layout.Geometry
	alloc *allocator.Allocator

	FileID   uint32
	Block    int
	BlockAge uint32

	Sector          int
	Offset          int
	SectorRemaining int
	BytesInBlock    uint32
	WriteHead       uint64

	baseThreshold int32
	buf           []byte
}

// NewWriter starts a brand-new file whose first block has already been
// allocated by the caller (ordinarily flogfs.OpenWrite, which must also
// record the inode entry pointing at block). The writer immediately
// owns the allocator's dirty-block slot, since block exists but has no
// sealed data yet.
func NewWriter(cache *media.Cache, geom layout.Geometry, alloc *allocator.Allocator, fileID uint32, block int, blockAge uint32) *Writer {
	w := &Writer{
		cache: cache, geom: geom, alloc: alloc,
		FileID: fileID, Block: block, BlockAge: blockAge,
		Sector: geom.InitSector(), Offset: layout.FileInitHeaderSize,
		buf: make([]byte, geom.SectorSize),
	}
	w.SectorRemaining = geom.SectorSize - w.Offset
	alloc.MarkDirty(block, w)
	return w
}

// ResumeWriter reopens an existing file for append, replaying the
// reference implementation's open_write scan: walk every sealed block
// to accumulate WriteHead and land on the first incomplete block, then
// scan that block sector by sector for the first one that still reads
// as erased.
func ResumeWriter(ctx context.Context, cache *media.Cache, geom layout.Geometry, alloc *allocator.Allocator, fileID uint32, firstBlock int) (*Writer, error) {
	w := &Writer{cache: cache, geom: geom, alloc: alloc, FileID: fileID, Block: firstBlock, buf: make([]byte, geom.SectorSize)}

	for {
		tailSector := geom.TailSector()
		if err := cache.OpenSector(ctx, w.Block, tailSector); err != nil {
			return nil, fmt.Errorf("filechain: opening block %d tail sector: %w", w.Block, err)
		}
		raw := make([]byte, layout.FileTailHeaderSize)
		if err := cache.ReadSector(ctx, raw, tailSector, 0, len(raw)); err != nil {
			return nil, fmt.Errorf("filechain: reading block %d tail sector: %w", w.Block, err)
		}
		tail, err := layout.DecodeFileTail(raw)
		if err != nil {
			return nil, err
		}
		if tail.Timestamp == layout.InvalidTimestamp {
			break // this block is still incomplete
		}
		w.Block = int(tail.NextBlock)
		w.WriteHead += uint64(tail.BytesInBlock)
	}

	initSector := geom.InitSector()
	if err := cache.OpenSector(ctx, w.Block, initSector); err != nil {
		return nil, fmt.Errorf("filechain: opening block %d init sector: %w", w.Block, err)
	}
	hdrRaw := make([]byte, layout.FileInitHeaderSize)
	if err := cache.ReadSector(ctx, hdrRaw, initSector, 0, len(hdrRaw)); err != nil {
		return nil, fmt.Errorf("filechain: reading block %d init sector: %w", w.Block, err)
	}
	init, err := layout.DecodeFileInit(hdrRaw)
	if err != nil {
		return nil, err
	}
	w.BlockAge = init.Age
	spare := make([]byte, cache.SpareSize())
	if err := cache.ReadSpare(ctx, spare, initSector); err != nil {
		return nil, fmt.Errorf("filechain: reading block %d init spare: %w", w.Block, err)
	}
	initNbytes := layout.DecodeFileInitSpare(spare).Nbytes
	w.WriteHead += uint64(initNbytes)
	w.Sector = initSector

	for {
		next, ok := geom.NextSector(w.Sector)
		if !ok {
			// The block is entirely full; the caller must allocate a
			// new one on the next Write, exactly like the reference
			// hitting the tail sector with no data left.
			w.Sector = geom.TailSector()
			w.Offset = layout.FileTailHeaderSize
			w.SectorRemaining = geom.SectorSize - w.Offset
			break
		}
		w.Sector = next
		if err := cache.OpenSector(ctx, w.Block, w.Sector); err != nil {
			return nil, fmt.Errorf("filechain: opening block %d sector %d: %w", w.Block, w.Sector, err)
		}
		sp := make([]byte, cache.SpareSize())
		if err := cache.ReadSpare(ctx, sp, w.Sector); err != nil {
			return nil, fmt.Errorf("filechain: reading spare for block %d sector %d: %w", w.Block, w.Sector, err)
		}
		nbytes := layout.DecodeFileDataSpare(sp).Nbytes
		if nbytes == layout.EmptySectorBytes {
			if w.Sector == geom.TailSector() {
				w.Offset = layout.FileTailHeaderSize
			} else {
				w.Offset = 0
			}
			w.SectorRemaining = geom.SectorSize - w.Offset
			break
		}
		w.WriteHead += uint64(nbytes)
	}

	alloc.ClearDirtyIfOwner(w) // a resumed writer never owns the dirty slot until it writes
	return w, nil
}

// Write appends src, committing whole sectors (and whole blocks, at
// the tail) as they fill, and staging any remainder shorter than a
// sector. nextTimestamp is called once for each init-sector or
// tail-sector commit, the two sector kinds that carry a timestamp;
// plain data sectors are committed without one.
func (w *Writer) Write(ctx context.Context, src []byte, nextTimestamp func() uint32) (int, error) {
	count := 0
	for len(src) > 0 {
		if len(src) >= w.SectorRemaining {
			n := w.SectorRemaining
			if err := w.commitSector(ctx, src[:n], nextTimestamp); err != nil {
				return count, err
			}
			src = src[n:]
			count += n
		} else {
			copy(w.buf[w.Offset:], src)
			n := len(src)
			w.SectorRemaining -= n
			w.Offset += n
			w.BytesInBlock += uint32(n)
			w.WriteHead += uint64(n)
			count += n
			src = nil
		}
	}
	return count, nil
}

// FlushDirtyBlock commits whatever is staged without requiring a full
// sector's worth of data, sealing a new block's tail header if the
// writer happens to be sitting on one. It implements allocator.DirtyOwner.
// Called only as a mid-session forced flush on behalf of a competing
// allocation, which has no real timestamp to offer the commit.
func (w *Writer) FlushDirtyBlock(ctx context.Context) error {
	return w.flushWith(ctx, nil)
}

// Close flushes whatever is staged using nextTimestamp for any commit
// that needs one, the way CloseWrite seals a file deliberately (as
// opposed to FlushDirtyBlock's forced, timestamp-less mid-session
// flush).
func (w *Writer) Close(ctx context.Context, nextTimestamp func() uint32) error {
	return w.flushWith(ctx, nextTimestamp)
}

func (w *Writer) flushWith(ctx context.Context, nextTimestamp func() uint32) error {
	if nextTimestamp == nil {
		nextTimestamp = func() uint32 { return layout.InvalidTimestamp }
	}
	return w.commitSector(ctx, nil, nextTimestamp)
}

// commitSector is flog_commit_file_sector: write everything staged in
// buf plus n new bytes of data, seal the block at the tail sector
// (allocating its successor) or just advance within the block.
func (w *Writer) commitSector(ctx context.Context, data []byte, nextTimestamp func() uint32) error {
	if w.Sector == w.geom.TailSector() {
		next, ok, err := w.alloc.Allocate(ctx, w.baseThreshold)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOutOfSpace
		}
		w.alloc.MarkDirty(next.Block, w)

		n := len(data)
		w.BytesInBlock += uint32(n)
		bytesInBlock := w.BytesInBlock
		tail := layout.EncodeFileTail(layout.FileTailSector{
			NextBlock:    uint16(next.Block),
			NextAge:      next.Age + 1,
			Timestamp:    nextTimestamp(),
			BytesInBlock: uint16(bytesInBlock),
		})
		if err := w.cache.OpenSector(ctx, w.Block, w.Sector); err != nil {
			return fmt.Errorf("filechain: opening tail sector: %w", err)
		}
		copy(w.buf, tail)
		if err := w.cache.WriteSector(ctx, w.buf[:w.Offset], w.Sector, 0, w.Offset); err != nil {
			return fmt.Errorf("filechain: writing tail header: %w", err)
		}
		if n > 0 {
			if err := w.cache.WriteSector(ctx, data, w.Sector, w.Offset, n); err != nil {
				return fmt.Errorf("filechain: writing tail payload: %w", err)
			}
		}
		spare := layout.EncodeFileDataSpare(layout.FileDataSpare{Nbytes: uint16(w.Offset - layout.FileTailHeaderSize + n)})
		if err := w.cache.WriteSpare(ctx, spare, w.Sector); err != nil {
			return fmt.Errorf("filechain: writing tail spare: %w", err)
		}
		if err := w.cache.Commit(ctx); err != nil {
			return fmt.Errorf("filechain: committing tail sector: %w", err)
		}

		w.Block = next.Block
		w.BlockAge = next.Age + 1
		w.Sector = w.geom.InitSector()
		w.Offset = layout.FileInitHeaderSize
		w.SectorRemaining = w.geom.SectorSize - w.Offset
		w.BytesInBlock = 0
		w.WriteHead += uint64(len(data))
		return nil
	}

	w.alloc.ClearDirtyIfOwner(w)

	n := len(data)
	nbytes := w.Offset + n
	if w.Sector == w.geom.InitSector() {
		init := layout.EncodeFileInit(layout.FileInitSector{Age: w.BlockAge, FileID: w.FileID, Timestamp: nextTimestamp()})
		copy(w.buf, init)
		nbytes -= layout.FileInitHeaderSize
	}

	if err := w.cache.OpenSector(ctx, w.Block, w.Sector); err != nil {
		return fmt.Errorf("filechain: opening sector %d: %w", w.Sector, err)
	}
	if w.Offset > 0 {
		if err := w.cache.WriteSector(ctx, w.buf[:w.Offset], w.Sector, 0, w.Offset); err != nil {
			return fmt.Errorf("filechain: writing staged header: %w", err)
		}
	}
	if n > 0 {
		if err := w.cache.WriteSector(ctx, data, w.Sector, w.Offset, n); err != nil {
			return fmt.Errorf("filechain: writing sector payload: %w", err)
		}
	}
	var spare []byte
	if w.Sector == w.geom.InitSector() {
		spare = layout.EncodeFileInitSpare(layout.FileInitSpare{TypeID: layout.BlockFile, Nbytes: uint16(nbytes)})
	} else {
		spare = layout.EncodeFileDataSpare(layout.FileDataSpare{Nbytes: uint16(nbytes)})
	}
	if err := w.cache.WriteSpare(ctx, spare, w.Sector); err != nil {
		return fmt.Errorf("filechain: writing sector spare: %w", err)
	}
	if err := w.cache.Commit(ctx); err != nil {
		return fmt.Errorf("filechain: committing sector: %w", err)
	}

	next, _ := w.geom.NextSector(w.Sector) // w.Sector != TailSector here, so a successor always exists
	w.Sector = next
	if w.Sector == w.geom.TailSector() {
		w.Offset = layout.FileTailHeaderSize
	} else {
		w.Offset = 0
	}
	w.BytesInBlock += uint32(n)
	w.SectorRemaining = w.geom.SectorSize - w.Offset
	w.WriteHead += uint64(n)
	return nil
}

// Reader walks a file's data forward, crossing block boundaries as
// tail sectors are consumed and stopping at the first sector whose
// successor block was never completed (current end of file).
type Reader struct {
	cache *media.Cache
	geom  layout.Geometry

	FileID          uint32
	Block           int
	Sector          int
	Offset          int
	SectorRemaining uint16
	ReadHead        uint64
}

// OpenReader positions a Reader at the start of a file's data, the way
// flogfs_open_read does: sector 0 if it holds any payload, otherwise
// the block's second writable sector.
func OpenReader(ctx context.Context, cache *media.Cache, geom layout.Geometry, fileID uint32, firstBlock int) (*Reader, error) {
	r := &Reader{cache: cache, geom: geom, FileID: fileID, Block: firstBlock}

	initSector := geom.InitSector()
	if err := cache.OpenSector(ctx, r.Block, initSector); err != nil {
		return nil, fmt.Errorf("filechain: opening block %d init sector: %w", r.Block, err)
	}
	spare := make([]byte, cache.SpareSize())
	if err := cache.ReadSpare(ctx, spare, initSector); err != nil {
		return nil, fmt.Errorf("filechain: reading block %d init spare: %w", r.Block, err)
	}
	initNbytes := layout.DecodeFileInitSpare(spare).Nbytes
	if initNbytes != 0 && initNbytes != layout.EmptySectorBytes {
		r.Sector = initSector
		r.Offset = layout.FileInitHeaderSize
		r.SectorRemaining = initNbytes
		return r, nil
	}

	next, _ := geom.NextSector(initSector)
	if err := cache.OpenSector(ctx, r.Block, next); err != nil {
		return nil, fmt.Errorf("filechain: opening block %d sector %d: %w", r.Block, next, err)
	}
	sp := make([]byte, cache.SpareSize())
	if err := cache.ReadSpare(ctx, sp, next); err != nil {
		return nil, fmt.Errorf("filechain: reading spare for block %d sector %d: %w", r.Block, next, err)
	}
	r.Sector = next
	r.Offset = 0
	r.SectorRemaining = layout.DecodeFileDataSpare(sp).Nbytes
	if r.SectorRemaining == layout.EmptySectorBytes {
		r.SectorRemaining = 0
	}
	return r, nil
}

// Read fills dst, returning the number of bytes read and io.EOF-style
// zero reads once the file's data runs out (a reader never returns an
// error for reaching end of file; it simply reports fewer bytes than
// requested, matching flogfs_read's uint32-count return convention).
func (r *Reader) Read(ctx context.Context, dst []byte) (int, error) {
	count := 0
	for len(dst) > 0 {
		if r.SectorRemaining == 0 {
			more, err := r.advance(ctx)
			if err != nil {
				return count, err
			}
			if !more {
				break
			}
		}

		toRead := len(dst)
		if toRead > int(r.SectorRemaining) {
			toRead = int(r.SectorRemaining)
		}
		if toRead == 0 {
			continue
		}
		if err := r.cache.OpenSector(ctx, r.Block, r.Sector); err != nil {
			return count, fmt.Errorf("filechain: opening sector %d: %w", r.Sector, err)
		}
		if err := r.cache.ReadSector(ctx, dst[:toRead], r.Sector, r.Offset, toRead); err != nil {
			return count, fmt.Errorf("filechain: reading sector %d: %w", r.Sector, err)
		}
		count += toRead
		dst = dst[toRead:]
		r.Offset += toRead
		r.SectorRemaining -= uint16(toRead)
		r.ReadHead += uint64(toRead)
	}
	return count, nil
}

// advance moves to the next sector (or block) of data, reporting
// more=false once it finds no further committed data: either the
// successor block's init sector doesn't carry this file's ID (it was
// never finished), or the next sector in the current block still
// reads as erased.
func (r *Reader) advance(ctx context.Context) (bool, error) {
	if r.Sector == r.geom.TailSector() {
		if err := r.cache.OpenSector(ctx, r.Block, r.Sector); err != nil {
			return false, fmt.Errorf("filechain: opening tail sector: %w", err)
		}
		raw := make([]byte, layout.FileTailHeaderSize)
		if err := r.cache.ReadSector(ctx, raw, r.Sector, 0, len(raw)); err != nil {
			return false, fmt.Errorf("filechain: reading tail sector: %w", err)
		}
		tail, err := layout.DecodeFileTail(raw)
		if err != nil {
			return false, err
		}
		nextBlock := int(tail.NextBlock)

		initSector := r.geom.InitSector()
		if err := r.cache.OpenSector(ctx, nextBlock, initSector); err != nil {
			return false, fmt.Errorf("filechain: opening block %d init sector: %w", nextBlock, err)
		}
		hdrRaw := make([]byte, layout.FileInitHeaderSize)
		if err := r.cache.ReadSector(ctx, hdrRaw, initSector, 0, len(hdrRaw)); err != nil {
			return false, fmt.Errorf("filechain: reading block %d init sector: %w", nextBlock, err)
		}
		init, err := layout.DecodeFileInit(hdrRaw)
		if err != nil {
			return false, err
		}
		if init.FileID != r.FileID {
			return false, nil // successor never finished: EOF for now
		}

		r.Block = nextBlock
		spare := make([]byte, r.cache.SpareSize())
		if err := r.cache.ReadSpare(ctx, spare, initSector); err != nil {
			return false, fmt.Errorf("filechain: reading block %d init spare: %w", nextBlock, err)
		}
		r.Sector = initSector
		r.Offset = layout.FileInitHeaderSize
		r.SectorRemaining = layout.DecodeFileInitSpare(spare).Nbytes
		return true, nil
	}

	next, ok := r.geom.NextSector(r.Sector)
	if !ok {
		return false, nil
	}
	if err := r.cache.OpenSector(ctx, r.Block, next); err != nil {
		return false, fmt.Errorf("filechain: opening sector %d: %w", next, err)
	}
	spare := make([]byte, r.cache.SpareSize())
	if err := r.cache.ReadSpare(ctx, spare, next); err != nil {
		return false, fmt.Errorf("filechain: reading spare for sector %d: %w", next, err)
	}
	nbytes := layout.DecodeFileDataSpare(spare).Nbytes
	if nbytes == layout.EmptySectorBytes {
		return false, nil
	}
	r.Sector = next
	r.Offset = 0
	if next == r.geom.TailSector() {
		r.Offset = layout.FileTailHeaderSize
	}
	r.SectorRemaining = nbytes
	return true, nil
}
