package torrent

// Bitfield records which piece indices are present, one bit per piece,
// most significant bit first within each byte (the wire encoding of the
// bitfield peer message).
type Bitfield []byte

// NewBitfield returns an empty bitfield sized for numPieces pieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// Complete reports whether every piece in [0, numPieces) is present.
func (bf Bitfield) Complete(numPieces int) bool {
	for i := 0; i < numPieces; i++ {
		if !bf.HasPiece(i) {
			return false
		}
	}
	return true
}

func (bf Bitfield) Clone() Bitfield {
	out := make(Bitfield, len(bf))
	copy(out, bf)
	return out
}
