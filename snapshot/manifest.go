package snapshot

import (
	"time"

	"github.com/hupe1980/bucketgo/model"
)

// CurrentName is the blob holding the pointer to the newest manifest.
const CurrentName = "CURRENT"

// Manifest describes one complete snapshot: which segment blob holds each
// bucket's entries and what the bucket looked like when it was captured.
type Manifest struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Spaces    []SpaceManifest `json:"spaces"`
}

// SpaceManifest lists the captured buckets of one bucket space.
type SpaceManifest struct {
	Space   model.BucketSpace `json:"space"`
	Buckets []BucketManifest  `json:"buckets"`
}

// BucketManifest points at the segment blob of one bucket.
type BucketManifest struct {
	ID       model.BucketID `json:"id"`
	Blob     string         `json:"blob"`
	Entries  int            `json:"entries"`
	Checksum model.Checksum `json:"checksum"`
	Active   bool           `json:"active"`
}

// segment is the decoded content of one bucket's segment blob.
type segment struct {
	Entries []segmentEntry `json:"entries"`
}

// segmentEntry is one archived entry. Tombstones carry no fields.
type segmentEntry struct {
	Tombstone bool             `json:"tombstone,omitempty"`
	Timestamp model.Timestamp  `json:"timestamp"`
	ID        model.DocumentID `json:"id"`
	Type      string           `json:"type,omitempty"`
	Fields    map[string]any   `json:"fields,omitempty"`
}
