package engine

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
)

// entryRef is one retained entry, ordered by (timestamp, id, tombstone) in
// the bucket's btree.
type entryRef struct {
	ts   model.Timestamp
	id   model.DocumentID
	tomb bool
	doc  *document.Document
	size int
}

func entryLess(a, b entryRef) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	if a.id != b.id {
		return a.id < b.id
	}
	return !a.tomb && b.tomb
}

// putVersion is one stored document version.
type putVersion struct {
	ts   model.Timestamp
	doc  *document.Document
	size int
}

// docVersions holds all retained entries for one document id: its put
// versions ascending by timestamp plus at most the newest tombstone.
type docVersions struct {
	id   model.DocumentID
	puts []putVersion
	// tombTS/tombSize describe the retained tombstone; tombTS == 0 means
	// none.
	tombTS   model.Timestamp
	tombSize int
}

func (dv *docVersions) empty() bool {
	return len(dv.puts) == 0 && dv.tombTS == 0
}

// newestPut returns the highest-timestamp put, ok == false when none.
func (dv *docVersions) newestPut() (putVersion, bool) {
	if len(dv.puts) == 0 {
		return putVersion{}, false
	}
	return dv.puts[len(dv.puts)-1], true
}

// visible returns the newest entry overall. A tombstone at the same
// timestamp as a put wins: the remove hides the document.
func (dv *docVersions) visible() (ts model.Timestamp, tomb bool, doc *document.Document, size int) {
	put, ok := dv.newestPut()
	if dv.tombTS != 0 && (!ok || dv.tombTS >= put.ts) {
		return dv.tombTS, true, nil, dv.tombSize
	}
	if !ok {
		return 0, false, nil, 0
	}
	return put.ts, false, put.doc, put.size
}

// bucketState is all data of one bucket. The mutex serializes writers;
// readers take it shared.
type bucketState struct {
	mu      sync.RWMutex
	docs    map[model.DocumentID]*docVersions
	entries *btree.BTreeG[entryRef]
	active  bool
	meta    *metaStore
}

func newBucketState() *bucketState {
	return &bucketState{
		docs:    make(map[model.DocumentID]*docVersions),
		entries: btree.NewG(16, entryLess),
		meta:    newMetaStore(),
	}
}

func (bs *bucketState) versions(id model.DocumentID) *docVersions {
	dv, ok := bs.docs[id]
	if !ok {
		dv = &docVersions{id: id}
		bs.docs[id] = dv
	}
	return dv
}

// applyPut stores doc at ts. Returns the net byte delta (0 when the put is
// an exact duplicate of an existing entry at the same timestamp).
// Caller holds bs.mu.
func (bs *bucketState) applyPut(ts model.Timestamp, doc *document.Document, size int) int64 {
	dv := bs.versions(doc.ID)
	idx := sort.Search(len(dv.puts), func(i int) bool { return dv.puts[i].ts >= ts })
	var delta int64
	if idx < len(dv.puts) && dv.puts[idx].ts == ts {
		// Duplicate timestamp: replace in place, idempotent for identical
		// content.
		old := dv.puts[idx]
		bs.entries.Delete(entryRef{ts: ts, id: doc.ID, tomb: false})
		delta = int64(size) - int64(old.size)
		dv.puts[idx] = putVersion{ts: ts, doc: doc, size: size}
	} else {
		dv.puts = append(dv.puts, putVersion{})
		copy(dv.puts[idx+1:], dv.puts[idx:])
		dv.puts[idx] = putVersion{ts: ts, doc: doc, size: size}
		delta = int64(size)
	}
	bs.entries.ReplaceOrInsert(entryRef{ts: ts, id: doc.ID, tomb: false, doc: doc, size: size})
	bs.meta.assign(doc.ID, bs.active)
	return delta
}

// applyRemove records a tombstone at ts and reports whether a live document
// was visible before it, plus the net byte delta. Superseded tombstones are
// compacted away: only the newest remove per id survives.
// Caller holds bs.mu.
func (bs *bucketState) applyRemove(ts model.Timestamp, id model.DocumentID) (wasFound bool, delta int64) {
	dv := bs.versions(id)
	visTS, visTomb, _, _ := dv.visible()
	wasFound = visTS != 0 && !visTomb && visTS <= ts

	size := len(id)
	switch {
	case dv.tombTS == 0:
		dv.tombTS = ts
		dv.tombSize = size
		bs.entries.ReplaceOrInsert(entryRef{ts: ts, id: id, tomb: true, size: size})
		delta = int64(size)
	case ts > dv.tombTS:
		bs.entries.Delete(entryRef{ts: dv.tombTS, id: id, tomb: true})
		delta = int64(size) - int64(dv.tombSize)
		dv.tombTS = ts
		dv.tombSize = size
		bs.entries.ReplaceOrInsert(entryRef{ts: ts, id: id, tomb: true, size: size})
	default:
		// Older or duplicate remove: the newer tombstone already covers it.
	}
	bs.meta.assign(id, bs.active)
	return wasFound, delta
}

// removeAt drops every entry stored at exactly ts, as if it had never been
// written. Returns the freed byte count. Caller holds bs.mu.
func (bs *bucketState) removeAt(ts model.Timestamp) int64 {
	// Not AscendRange: ts+1 would wrap to zero at the maximum timestamp.
	var victims []entryRef
	bs.entries.AscendGreaterOrEqual(entryRef{ts: ts}, func(e entryRef) bool {
		if e.ts != ts {
			return false
		}
		victims = append(victims, e)
		return true
	})
	var freed int64
	for _, v := range victims {
		bs.entries.Delete(v)
		freed += int64(v.size)
		dv, ok := bs.docs[v.id]
		if !ok {
			continue
		}
		if v.tomb {
			dv.tombTS = 0
			dv.tombSize = 0
		} else {
			idx := sort.Search(len(dv.puts), func(i int) bool { return dv.puts[i].ts >= ts })
			if idx < len(dv.puts) && dv.puts[idx].ts == ts {
				dv.puts = append(dv.puts[:idx], dv.puts[idx+1:]...)
			}
		}
		if dv.empty() {
			delete(bs.docs, v.id)
			bs.meta.drop([]model.DocumentID{v.id})
		}
	}
	return freed
}

// info computes the bucket summary by folding the newest visible entry of
// every document id. XOR-combination keeps the checksum independent of the
// order operations were applied in. Caller holds bs.mu (shared is enough).
func (bs *bucketState) info() model.BucketInfo {
	out := model.BucketInfo{Ready: true, Active: bs.active}
	for id, dv := range bs.docs {
		ts, tomb, _, size := dv.visible()
		if ts == 0 {
			continue
		}
		out.Checksum = out.Checksum.Add(model.EntryChecksum(id, ts, tomb))
		if !tomb {
			out.DocumentCount++
			out.DocumentSize += int64(size)
		}
		out.EntryCount += len(dv.puts)
		if dv.tombTS != 0 {
			out.EntryCount++
		}
		for _, p := range dv.puts {
			out.UsedSize += int64(p.size)
		}
		out.UsedSize += int64(dv.tombSize)
	}
	return out
}

// totalBytes sums the accounted size of every retained entry.
// Caller holds bs.mu.
func (bs *bucketState) totalBytes() int64 {
	var total int64
	bs.entries.Ascend(func(e entryRef) bool {
		total += int64(e.size)
		return true
	})
	return total
}

// setActive flips the bucket's active flag and mirrors it onto the meta
// store's active lids. Caller holds bs.mu.
func (bs *bucketState) setActive(active bool) {
	bs.active = active
	bs.meta.setAllActive(active)
}
