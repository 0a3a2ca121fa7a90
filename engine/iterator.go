package engine

import (
	"context"
	"time"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/selection"
)

// iterator is a server-side cursor. Entries are snapshotted at creation, so
// concurrent mutation of the bucket never disturbs an open iteration.
type iterator struct {
	entries []bucketgo.DocEntry
	pos     int
}

// CreateIterator implements bucketgo.Provider. The selection is compiled and
// the matching entries captured up front; a malformed expression fails here
// with a permanent error.
func (e *Engine) CreateIterator(ctx context.Context, b model.Bucket, fs document.FieldSet, sel selection.Selection, versions selection.IncludedVersions) (bucketgo.IteratorID, error) {
	m, err := selection.Compile(sel)
	if err != nil {
		return 0, bucketgo.NewError(bucketgo.CodePermanent, err, "create iterator")
	}

	entries, err := e.collect(b, fs, m, versions)
	if err != nil {
		return 0, err
	}

	e.iterMu.Lock()
	e.iterSeq++
	id := bucketgo.IteratorID(e.iterSeq)
	e.iterators[id] = &iterator{entries: entries}
	e.iterMu.Unlock()
	return id, nil
}

// collect snapshots the bucket's entries in (timestamp, id) order, filtered
// by the matcher and version policy.
func (e *Engine) collect(b model.Bucket, fs document.FieldSet, m *selection.Matcher, versions selection.IncludedVersions) ([]bucketgo.DocEntry, error) {
	bs := e.lookupBucket(b)
	if bs == nil {
		return nil, nil
	}

	bs.mu.RLock()
	defer bs.mu.RUnlock()

	// For the newest-per-id policies, precompute the visible entry of every
	// id so the ascent can skip superseded entries. Tombstone-ness is part
	// of the key: a remove at the same timestamp as a put hides it.
	type visibleEntry struct {
		ts   model.Timestamp
		tomb bool
	}
	var newest map[model.DocumentID]visibleEntry
	if versions != selection.AllVersions {
		newest = make(map[model.DocumentID]visibleEntry, len(bs.docs))
		for id, dv := range bs.docs {
			ts, tomb, _, _ := dv.visible()
			newest[id] = visibleEntry{ts: ts, tomb: tomb}
		}
	}

	var (
		out     []bucketgo.DocEntry
		iterErr error
	)
	bs.entries.Ascend(func(ref entryRef) bool {
		if versions != selection.AllVersions && newest[ref.id] != (visibleEntry{ts: ref.ts, tomb: ref.tomb}) {
			return true
		}
		if versions == selection.NewestOnly && ref.tomb {
			return true
		}
		if !m.MatchTimestamp(ref.ts) {
			return true
		}
		match, err := m.MatchDocument(ref.doc)
		if err != nil {
			iterErr = bucketgo.NewError(bucketgo.CodePermanent, err, "create iterator")
			return false
		}
		if !match {
			return true
		}
		entry := bucketgo.DocEntry{
			Type:      bucketgo.EntryPut,
			Timestamp: ref.ts,
			ID:        ref.id,
			Size:      ref.size,
		}
		if ref.tomb {
			entry.Type = bucketgo.EntryRemove
		} else {
			entry.Document = fs.Apply(ref.doc)
		}
		out = append(out, entry)
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return out, nil
}

// Iterate implements bucketgo.Provider. Chunks are bounded by maxByteSize
// but always progress: each chunk carries at least one entry until the
// cursor completes.
func (e *Engine) Iterate(ctx context.Context, id bucketgo.IteratorID, maxByteSize int) (bucketgo.IterateResult, error) {
	start := time.Now()

	e.iterMu.Lock()
	it, ok := e.iterators[id]
	e.iterMu.Unlock()
	if !ok {
		return bucketgo.IterateResult{}, bucketgo.NewPermanent("unknown iterator id %d", id)
	}

	var (
		res   bucketgo.IterateResult
		bytes int
	)
	for it.pos < len(it.entries) {
		entry := it.entries[it.pos]
		if len(res.Entries) > 0 && bytes+entry.Size > maxByteSize {
			break
		}
		res.Entries = append(res.Entries, entry)
		bytes += entry.Size
		it.pos++
	}
	res.Completed = it.pos >= len(it.entries)

	e.metrics.RecordIterate(len(res.Entries), time.Since(start), nil)
	return res, nil
}

// DestroyIterator implements bucketgo.Provider. Idempotent.
func (e *Engine) DestroyIterator(ctx context.Context, id bucketgo.IteratorID) error {
	e.iterMu.Lock()
	delete(e.iterators, id)
	e.iterMu.Unlock()
	return nil
}
