package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum_OrderIndependent(t *testing.T) {
	a := EntryChecksum("doc:a", 10, false)
	b := EntryChecksum("doc:b", 20, false)
	c := EntryChecksum("doc:c", 30, true)

	var x, y Checksum
	x = x.Add(a).Add(b).Add(c)
	y = y.Add(c).Add(a).Add(b)
	assert.Equal(t, x, y)
}

func TestChecksum_RemoveReverts(t *testing.T) {
	a := EntryChecksum("doc:a", 10, false)
	b := EntryChecksum("doc:b", 20, false)

	var sum Checksum
	sum = sum.Add(a).Add(b)
	assert.Equal(t, Checksum(0).Add(a), sum.Remove(b))
}

func TestEntryChecksum_DistinguishesTombstones(t *testing.T) {
	put := EntryChecksum("doc:a", 10, false)
	tomb := EntryChecksum("doc:a", 10, true)
	assert.NotEqual(t, put, tomb)

	later := EntryChecksum("doc:a", 11, false)
	assert.NotEqual(t, put, later)
}
