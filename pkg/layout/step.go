package layout

// NextSector returns the next writable sector within a block after
// sector, implementing the design's increment_sector rule: sectors are
// visited in plain ascending order from InitSector up to TailSector,
// which is always the last sector visited; BlockStatSector is never
// produced by this function because it is not a data sector. Calling
// NextSector on the tail sector returns false: the caller must seal the
// block and move on to the successor's init sector instead.
func (g Geometry) NextSector(sector int) (next int, ok bool) {
	tail := g.TailSector()
	if sector < 0 || sector > tail {
		return 0, false
	}
	if sector == tail {
		return 0, false
	}
	return sector + 1, true
}

// WritableSectors returns every data sector of a block in visitation
// order, i.e. InitSector, InitSector+1, ..., TailSector. It exists
// mainly so tests can exhaustively confirm NextSector is a permutation
// of this set landing on TailSector exactly once.
func (g Geometry) WritableSectors() []int {
	tail := g.TailSector()
	out := make([]int, 0, tail+1)
	for s := g.InitSector(); s <= tail; s++ {
		out = append(out, s)
	}
	return out
}
