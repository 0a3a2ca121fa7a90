package bucketgo

import (
	"context"

	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/resource"
	"github.com/hupe1980/bucketgo/selection"
)

// EntryType distinguishes document versions from tombstones.
type EntryType uint8

const (
	// EntryPut is a stored document version.
	EntryPut EntryType = iota
	// EntryRemove is a tombstone.
	EntryRemove
)

// DocEntry is one versioned fact about a document at a timestamp: either a
// put carrying a document body, or a remove carrying only the id.
type DocEntry struct {
	Type      EntryType
	Timestamp model.Timestamp
	ID        model.DocumentID
	// Document is the body for EntryPut; nil for tombstones.
	Document *document.Document
	// Size is the entry's accounted byte size: the encoded document for
	// puts, the serialized id for removes.
	Size int
}

// IsTombstone reports whether the entry is a remove.
func (e DocEntry) IsTombstone() bool { return e.Type == EntryRemove }

// IteratorID identifies a server-side iterator. Zero is never a valid id.
type IteratorID uint64

// TimedID pairs a document id with the timestamp of an operation on it.
type TimedID struct {
	Timestamp model.Timestamp
	ID        model.DocumentID
}

// GetResult is the outcome of Provider.Get. For a nonexistent id all fields
// are zero.
type GetResult struct {
	// Document holds the requested field subset; nil when the id does not
	// exist or is a tombstone.
	Document *document.Document
	// Timestamp of the newest entry for the id, 0 when none exists.
	Timestamp model.Timestamp
	// Tombstone reports whether the newest entry is a remove.
	Tombstone bool
}

// IterateResult is one chunk of iteration output.
type IterateResult struct {
	Entries []DocEntry
	// Completed reports that the iterator is exhausted. Iterating again
	// after completion yields zero entries, still completed.
	Completed bool
}

// RemoveBatchResult is the single completion of RemoveBatchAsync.
type RemoveBatchResult struct {
	// Removed counts ids for which a live document was actually removed.
	Removed int
	Err     error
}

// ClusterState is the slice of cluster topology a provider cares about:
// whether the owning node is up in a bucket space.
type ClusterState struct {
	NodeUp bool
}

// Provider is the contract every storage backend implements.
//
// Expected conditions are normal results: reads on a bucket that was never
// created behave exactly like reads on an existing empty bucket, a get for
// an unknown id returns a zero GetResult, and deleting a missing bucket
// succeeds. Errors are reserved for exceptional conditions and carry a Code
// (see CodeOf).
//
// Implementations must support concurrent readers and serialize writers per
// bucket at minimum. A single iterator must not be advanced concurrently;
// distinct iterators are independent.
type Provider interface {
	// CreateBucket makes the bucket exist. Idempotent.
	CreateBucket(ctx context.Context, b model.Bucket) error

	// DeleteBucket removes the bucket and all of its entries. Deleting a
	// nonexistent bucket is not an error.
	DeleteBucket(ctx context.Context, b model.Bucket) error

	// ListBuckets returns the ids of all created buckets in the space.
	ListBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error)

	// GetBucketInfo summarizes the bucket's content. A missing bucket
	// yields a clean empty summary, never an error.
	GetBucketInfo(ctx context.Context, b model.Bucket) (model.BucketInfo, error)

	// Put stores doc at timestamp ts. A put below an existing newer entry
	// for the same id is accepted but does not change the visible version.
	Put(ctx context.Context, b model.Bucket, ts model.Timestamp, doc *document.Document) error

	// Remove writes a tombstone at ts and reports whether a live document
	// existed. Removing an unknown id still records the tombstone.
	Remove(ctx context.Context, b model.Bucket, ts model.Timestamp, id model.DocumentID) (bool, error)

	// RemoveBatch writes tombstones for all ids and returns how many live
	// documents were removed.
	RemoveBatch(ctx context.Context, b model.Bucket, ids []TimedID) (int, error)

	// RemoveBatchAsync is RemoveBatch completing through a channel that
	// delivers exactly one result once the operation is durable or failed,
	// then closes.
	RemoveBatchAsync(ctx context.Context, b model.Bucket, ids []TimedID) <-chan RemoveBatchResult

	// Update applies a partial update and returns the timestamp of the
	// document it was applied to: 0 when no live document existed and
	// CreateIfMissing was unset, ts when a document was synthesized, the
	// prior version's timestamp otherwise.
	Update(ctx context.Context, b model.Bucket, ts model.Timestamp, upd *document.Update) (model.Timestamp, error)

	// Get returns the newest version of id restricted to fs.
	Get(ctx context.Context, b model.Bucket, fs document.FieldSet, id model.DocumentID) (GetResult, error)

	// CreateIterator opens a cursor over the bucket. A malformed selection
	// expression fails immediately with a permanent error.
	CreateIterator(ctx context.Context, b model.Bucket, fs document.FieldSet, sel selection.Selection, versions selection.IncludedVersions) (IteratorID, error)

	// Iterate returns the next chunk, bounded by maxByteSize. Entries are
	// never split across chunks and every chunk carries at least one entry
	// until the iterator completes. Unknown ids are a permanent error.
	Iterate(ctx context.Context, id IteratorID, maxByteSize int) (IterateResult, error)

	// DestroyIterator releases the cursor. Idempotent, succeeds for
	// unknown ids.
	DestroyIterator(ctx context.Context, id IteratorID) error

	// Split partitions all entries of source into target1/target2 by each
	// document's hashed location. Additive when a target already holds
	// data; source ends up logically empty.
	Split(ctx context.Context, source, target1, target2 model.Bucket) error

	// Join merges the entries of up to two source buckets into target.
	// The same bucket may be passed twice.
	Join(ctx context.Context, source1, source2, target model.Bucket) error

	// RemoveEntry surgically deletes the entry at exactly ts, reverting
	// bucket info as if it had never been written. Used by compaction.
	RemoveEntry(ctx context.Context, b model.Bucket, ts model.Timestamp) error

	// SetActiveState flags the bucket as serving queries or not.
	SetActiveState(ctx context.Context, b model.Bucket, active bool) error

	// SetClusterState informs the provider of the node state for a space.
	// A non-up state clears every active flag in the space.
	SetClusterState(ctx context.Context, space model.BucketSpace, state ClusterState) error

	// GetModifiedBuckets returns the buckets touched since the previous
	// call for the space, then resets the set.
	GetModifiedBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error)

	// RegisterResourceUsageListener subscribes to periodic disk/memory
	// usage reports. Dropping the registration unsubscribes.
	RegisterResourceUsageListener(l resource.UsageListener) *resource.Registration

	// Close releases backend resources. The provider must not be used
	// afterwards.
	Close() error
}
