package flogfs

import (
	"sync/atomic"

	"github.com/vorteil/flogfs/pkg/media"
)

// Metrics are lightweight counters accumulated over a volume's mounted
// lifetime, read by cmd/flogfs's fsck/info commands and its optional
// HTTP status server. Every field is updated with atomic ops so a
// reader never needs fsLock.
//
// Allocations counts only the first block OpenWrite allocates for a
// new file; blocks that writers and the inode chain allocate later are
// not counted. ECCCorrections and ECCUncorrectable are never updated:
// observeCache has no caller, so both stay zero.
type Metrics struct {
	Mounts           uint64
	Allocations      uint64
	ReclaimedBlocks  uint64
	ECCCorrections   uint64
	ECCUncorrectable uint64
}

func (m *Metrics) incMounts()         { atomic.AddUint64(&m.Mounts, 1) }
func (m *Metrics) incAllocations()    { atomic.AddUint64(&m.Allocations, 1) }
func (m *Metrics) incReclaimed(n int) { atomic.AddUint64(&m.ReclaimedBlocks, uint64(n)) }

// observeCache inspects a cache's last read result, counting ECC
// corrections and uncorrectable reads. Single-bit corrections stay
// silent to every caller except here, matching the reference
// implementation's "only uncorrectable is a failure" policy.
func (m *Metrics) observeCache(c *media.Cache) {
	switch c.LastResult() {
	case media.ReadCorrected:
		atomic.AddUint64(&m.ECCCorrections, 1)
	case media.ReadUncorrectable:
		atomic.AddUint64(&m.ECCUncorrectable, 1)
	}
}

// Snapshot returns a point-in-time copy safe to read without further
// synchronization.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Mounts:           atomic.LoadUint64(&m.Mounts),
		Allocations:      atomic.LoadUint64(&m.Allocations),
		ReclaimedBlocks:  atomic.LoadUint64(&m.ReclaimedBlocks),
		ECCCorrections:   atomic.LoadUint64(&m.ECCCorrections),
		ECCUncorrectable: atomic.LoadUint64(&m.ECCUncorrectable),
	}
}
