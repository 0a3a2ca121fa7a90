// Package merge reconciles divergent bucket replicas across nodes.
//
// A merge is a pull-diff protocol in three phases: each participant
// summarizes its bucket as a sorted info list, the coordinator folds the
// lists into a union diff recording which nodes hold which entries, and
// missing entries are exchanged in byte-bounded apply rounds until every
// participant holds the union. Entry application goes through a per-bucket
// sequenced executor so merges never race the write path on one bucket.
package merge

import (
	"github.com/hupe1980/bucketgo/model"
)

// DiffFlags describes the disposition of one entry in a diff.
type DiffFlags uint16

const (
	// FlagInUse marks a live document version.
	FlagInUse DiffFlags = 0x01
	// FlagDeleted marks a tombstone.
	FlagDeleted DiffFlags = 0x02
	// FlagDeletedInPlace marks a tombstone that replaced a version the
	// remote also held, so only the flag change needs to travel.
	FlagDeletedInPlace DiffFlags = 0x04
)

// IsDeleted reports whether the entry is a tombstone of either kind.
func (f DiffFlags) IsDeleted() bool {
	return f&(FlagDeleted|FlagDeletedInPlace) != 0
}

// NodeIndex identifies a participant node within one merge.
type NodeIndex uint16

// Entry is one row of a bucket diff: a document fact and the set of
// participants that already hold it. HasMask bit i corresponds to
// Spec.Nodes[i]. Size is the encoded document size in bytes; apply rounds
// are budgeted against it.
type Entry struct {
	Timestamp model.Timestamp  `json:"timestamp"`
	ID        model.DocumentID `json:"id"`
	GID       model.GlobalID   `json:"gid"`
	Flags     DiffFlags        `json:"flags"`
	Size      int              `json:"size"`
	HasMask   uint16           `json:"has_mask"`
}

// budgetSize is the byte cost an entry counts against a chunk budget.
// Tombstones and unsized entries fall back to the id length.
func (e Entry) budgetSize() int {
	if e.Size > 0 {
		return e.Size
	}
	return len(e.ID)
}

// key identifies an entry independent of which node reported it.
type key struct {
	ts model.Timestamp
	id model.DocumentID
}

// Spec names one merge operation.
type Spec struct {
	// ID is the coordinator-assigned merge id.
	ID string
	// Bucket is the replica set being reconciled.
	Bucket model.Bucket
	// Nodes lists the participants; index into this slice is the HasMask
	// bit position. The coordinator is Nodes[0].
	Nodes []NodeIndex
	// MaxTimestamp bounds the entries considered; newer writes stay out of
	// this merge.
	MaxTimestamp model.Timestamp
}

// fullMask is the HasMask value meaning every participant holds the entry.
func (s Spec) fullMask() uint16 {
	return uint16(1)<<len(s.Nodes) - 1
}

// GetBucketDiffCmd asks a participant to fold its info list into the diff.
type GetBucketDiffCmd struct {
	MergeID      string          `json:"merge_id"`
	Bucket       model.Bucket    `json:"bucket"`
	Nodes        []NodeIndex     `json:"nodes"`
	NodeBit      uint16          `json:"node_bit"`
	MaxTimestamp model.Timestamp `json:"max_timestamp"`
	Diff         []Entry         `json:"diff"`
}

// GetBucketDiffReply carries the folded diff back.
type GetBucketDiffReply struct {
	Diff []Entry `json:"diff"`
}

// AppliedEntry pairs a diff entry with its serialized document. Tombstones
// travel with an empty payload.
type AppliedEntry struct {
	Entry   Entry  `json:"entry"`
	Payload []byte `json:"payload,omitempty"`
}

// ApplyBucketDiffCmd carries one chunked apply round: entries with payloads
// for the receiver to apply, entries without payloads for the receiver to
// fill from its own store.
type ApplyBucketDiffCmd struct {
	MergeID      string         `json:"merge_id"`
	Bucket       model.Bucket   `json:"bucket"`
	Entries      []AppliedEntry `json:"entries"`
	MaxChunkSize int            `json:"max_chunk_size"`
}

// ApplyBucketDiffReply returns the round's entries with every payload the
// peer could supply filled in.
type ApplyBucketDiffReply struct {
	Entries []AppliedEntry `json:"entries"`
}
