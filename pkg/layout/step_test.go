package layout

import "testing"

func TestNextSectorIsPermutationEndingAtTail(t *testing.T) {
	g := DefaultGeometry()

	seen := map[int]bool{}
	sector := g.InitSector()
	seen[sector] = true

	count := 1
	for {
		next, ok := g.NextSector(sector)
		if !ok {
			break
		}
		if seen[next] {
			t.Fatalf("NextSector revisited sector %d", next)
		}
		seen[next] = true
		sector = next
		count++
	}

	if sector != g.TailSector() {
		t.Fatalf("walk ended on sector %d, want tail sector %d", sector, g.TailSector())
	}

	want := g.WritableSectors()
	if count != len(want) {
		t.Fatalf("visited %d sectors, want %d", count, len(want))
	}
	for _, s := range want {
		if !seen[s] {
			t.Fatalf("sector %d never visited", s)
		}
	}
	if seen[g.BlockStatSector()] {
		t.Fatalf("NextSector produced the block-stat sector")
	}
}

func TestNextSectorAtTailHasNoSuccessor(t *testing.T) {
	g := DefaultGeometry()
	if _, ok := g.NextSector(g.TailSector()); ok {
		t.Fatalf("NextSector(TailSector) should report no successor")
	}
}
