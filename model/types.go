package model

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Timestamp is a 64-bit logical clock value. Only ordering matters: the
// newest timestamp for a document id determines its visible state.
type Timestamp uint64

// MaxTimestamp is the highest representable timestamp.
const MaxTimestamp = Timestamp(^uint64(0))

// BucketSpace is a logical namespace partitioning buckets by document type
// grouping.
type BucketSpace string

const (
	// DefaultSpace holds buckets for regular document types.
	DefaultSpace = BucketSpace("default")
	// GlobalSpace holds buckets for globally distributed document types.
	GlobalSpace = BucketSpace("global")
)

// DocumentID identifies a document independent of where it is stored.
type DocumentID string

// GlobalID is the hashed location of a document id. The low-order bits
// select the bucket a document belongs to.
type GlobalID uint64

// GlobalIDOf hashes a document id to its location.
func GlobalIDOf(id DocumentID) GlobalID {
	return GlobalID(xxhash.Sum64String(string(id)))
}

// BucketID identifies a partition of the document location space by a
// bit-count and a bit pattern. A location belongs to the bucket when its
// lowest UsedBits bits equal the bucket's bits.
type BucketID struct {
	UsedBits uint8
	Bits     uint64
}

// NewBucketID creates a bucket id, masking Bits down to UsedBits.
func NewBucketID(usedBits uint8, bits uint64) BucketID {
	return BucketID{UsedBits: usedBits, Bits: bits & mask(usedBits)}
}

// BucketOf returns the bucket id with the given bit count that contains gid.
func BucketOf(usedBits uint8, gid GlobalID) BucketID {
	return NewBucketID(usedBits, uint64(gid))
}

func mask(usedBits uint8) uint64 {
	if usedBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << usedBits) - 1
}

// Contains reports whether gid falls inside this bucket.
func (b BucketID) Contains(gid GlobalID) bool {
	return uint64(gid)&mask(b.UsedBits) == b.Bits
}

// ContainsBucket reports whether other is this bucket or a sub-bucket of it.
func (b BucketID) ContainsBucket(other BucketID) bool {
	return other.UsedBits >= b.UsedBits && other.Bits&mask(b.UsedBits) == b.Bits
}

// Child returns the bucket id with one more used bit, with the new highest
// bit set to bit.
func (b BucketID) Child(bit uint8) BucketID {
	bits := b.Bits
	if bit != 0 {
		bits |= uint64(1) << b.UsedBits
	}
	return BucketID{UsedBits: b.UsedBits + 1, Bits: bits}
}

func (b BucketID) String() string {
	return fmt.Sprintf("BucketID(0x%x:%d)", b.Bits, b.UsedBits)
}

// Bucket is a bucket id scoped to a bucket space.
type Bucket struct {
	Space BucketSpace
	ID    BucketID
}

func (b Bucket) String() string {
	return fmt.Sprintf("Bucket(%s, %s)", b.Space, b.ID)
}
