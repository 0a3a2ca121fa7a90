package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketID_Contains(t *testing.T) {
	b := NewBucketID(4, 0b1010)

	assert.True(t, b.Contains(GlobalID(0b1010)))
	assert.True(t, b.Contains(GlobalID(0b111010)))
	assert.False(t, b.Contains(GlobalID(0b1011)))
}

func TestBucketID_Child(t *testing.T) {
	b := NewBucketID(2, 0b01)

	c0 := b.Child(0)
	c1 := b.Child(1)
	assert.Equal(t, NewBucketID(3, 0b001), c0)
	assert.Equal(t, NewBucketID(3, 0b101), c1)

	assert.True(t, b.ContainsBucket(c0))
	assert.True(t, b.ContainsBucket(c1))
	assert.False(t, c0.ContainsBucket(b))

	// Every location in the parent falls in exactly one child.
	for gid := GlobalID(0); gid < 64; gid++ {
		if !b.Contains(gid) {
			continue
		}
		in0 := c0.Contains(gid)
		in1 := c1.Contains(gid)
		assert.True(t, in0 != in1, "gid %b must be in exactly one child", gid)
	}
}

func TestNewBucketID_MasksBits(t *testing.T) {
	b := NewBucketID(3, 0xff)
	assert.Equal(t, uint64(0b111), b.Bits)
}

func TestGlobalIDOf_Deterministic(t *testing.T) {
	assert.Equal(t, GlobalIDOf("doc:a"), GlobalIDOf("doc:a"))
	assert.NotEqual(t, GlobalIDOf("doc:a"), GlobalIDOf("doc:b"))
}
