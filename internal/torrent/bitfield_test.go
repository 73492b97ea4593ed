package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfieldSetAndHas(t *testing.T) {
	bf := NewBitfield(10)

	assert.False(t, bf.HasPiece(0))
	bf.SetPiece(0)
	bf.SetPiece(7)
	bf.SetPiece(9)

	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(7))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(1))
	assert.Equal(t, 3, bf.Count())
}

func TestBitfieldBounds(t *testing.T) {
	bf := NewBitfield(8)

	// Out-of-range queries and sets must be harmless.
	assert.False(t, bf.HasPiece(-1))
	assert.False(t, bf.HasPiece(8))
	bf.SetPiece(-1)
	bf.SetPiece(100)
	assert.Equal(t, 0, bf.Count())
}

func TestBitfieldComplete(t *testing.T) {
	bf := NewBitfield(9)
	for i := 0; i < 8; i++ {
		bf.SetPiece(i)
	}
	assert.False(t, bf.Complete(9))
	bf.SetPiece(8)
	assert.True(t, bf.Complete(9))
}

func TestBitfieldCloneIsIndependent(t *testing.T) {
	bf := NewBitfield(8)
	bf.SetPiece(1)

	clone := bf.Clone()
	clone.SetPiece(2)

	assert.True(t, clone.HasPiece(1))
	assert.False(t, bf.HasPiece(2))
}
