// Package wal provides a write-ahead log for provider mutations.
//
// Every state-changing bucket operation is appended as one entry; replaying
// the log in order reconstructs the provider state. The log is a single
// append-only file with a small uncompressed header followed by optionally
// zstd-compressed records.
package wal

import "github.com/hupe1980/bucketgo/model"

// Op is the kind of mutation an entry records.
type Op uint8

const (
	// OpCreateBucket records a bucket creation.
	OpCreateBucket Op = iota
	// OpDeleteBucket records a bucket deletion.
	OpDeleteBucket
	// OpPut records a document put.
	OpPut
	// OpRemove records a tombstone write.
	OpRemove
	// OpRemoveEntry records a surgical entry removal at one timestamp.
	OpRemoveEntry
	// OpSplit records a bucket split (Bucket is the source, Aux1/Aux2 the
	// targets).
	OpSplit
	// OpJoin records a bucket join (Aux1/Aux2 are the sources, Bucket the
	// target).
	OpJoin
	// OpSetActive records an active-state change.
	OpSetActive
)

// Entry is a single WAL record.
type Entry struct {
	Op     Op
	SeqNum uint64
	Space  model.BucketSpace
	Bucket model.BucketID
	// Aux1 and Aux2 carry the extra bucket ids of split/join operations.
	Aux1 model.BucketID
	Aux2 model.BucketID

	Timestamp model.Timestamp
	DocID     model.DocumentID
	// Payload is the encoded document for OpPut, empty otherwise.
	Payload []byte
	// Active carries the flag for OpSetActive.
	Active bool
}

// Options contains configuration for the WAL.
type Options struct {
	// Compress enables zstd compression of the record stream.
	Compress bool

	// CompressionLevel sets the zstd level when Compress is on.
	// Zero means the zstd default.
	CompressionLevel int

	// Sync forces an fsync after every append. Off by default; callers
	// that need a durability boundary call WAL.Sync explicitly.
	Sync bool
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Compress:         false,
	CompressionLevel: 3,
	Sync:             false,
}
