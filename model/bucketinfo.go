package model

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Checksum is an order-independent summary of a bucket's visible content.
// Per-entry checksums combine with XOR, so the value depends only on the set
// of (document id, newest timestamp, operation) facts, never on the order
// they were applied in.
type Checksum uint64

// EntryChecksum computes the checksum contribution of one visible entry.
func EntryChecksum(id DocumentID, ts Timestamp, tombstone bool) Checksum {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(string(id))
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(ts))
	if tombstone {
		buf[8] = 1
	}
	_, _ = d.Write(buf[:])
	return Checksum(d.Sum64())
}

// Add folds another entry checksum into c.
func (c Checksum) Add(other Checksum) Checksum { return c ^ other }

// Remove cancels a previously added entry checksum. XOR is its own inverse.
func (c Checksum) Remove(other Checksum) Checksum { return c ^ other }

// BucketInfo summarizes the content of one bucket.
type BucketInfo struct {
	// Checksum covers the newest visible version of every document id.
	Checksum Checksum
	// DocumentCount counts live documents (ids whose newest entry is a put).
	DocumentCount int
	// EntryCount counts all retained entries, including tombstones and
	// superseded put versions.
	EntryCount int
	// DocumentSize is the total byte size of live newest document versions.
	DocumentSize int64
	// UsedSize is the total byte size of all retained entries.
	UsedSize int64
	// Ready reports whether the bucket is fully indexed.
	Ready bool
	// Active reports whether the bucket serves queries.
	Active bool
}
