package layout

import "testing"

func TestClassifySpareByteExact(t *testing.T) {
	for _, tt := range []BlockType{BlockUnallocated, BlockInode, BlockFile} {
		r := ClassifySpareByte(uint8(tt))
		if r.Ambiguous || r.Corrected || r.Type != tt {
			t.Fatalf("ClassifySpareByte(%#x) = %+v, want exact match", tt, r)
		}
	}
}

func TestClassifySpareByteSingleBitFlip(t *testing.T) {
	// BlockFile = 0x02 (00000010); flipping bit 3 yields 0x0A (00001010),
	// one flip from BlockFile and >=3 flips from every other canonical
	// value, so it corrects unambiguously to BlockFile.
	r := ClassifySpareByte(0x0A)
	if r.Ambiguous {
		t.Fatalf("expected a correctable single-bit flip, got ambiguous")
	}
	if !r.Corrected || r.Type != BlockFile {
		t.Fatalf("ClassifySpareByte(0x0A) = %+v, want corrected BlockFile", r)
	}
}

func TestClassifySpareByteAmbiguousFallsThrough(t *testing.T) {
	// 0x00 is one bit away from both BlockInode (0x01) and BlockFile
	// (0x02): a tie, so there is no unique nearest canonical value and
	// the classifier must not guess.
	r := ClassifySpareByte(0x00)
	if !r.Ambiguous {
		t.Fatalf("ClassifySpareByte(0x00) = %+v, want Ambiguous", r)
	}
}
