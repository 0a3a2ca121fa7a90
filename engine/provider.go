package engine

import (
	"context"
	"sort"
	"time"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/wal"
)

// CreateBucket implements bucketgo.Provider. Idempotent.
func (e *Engine) CreateBucket(ctx context.Context, b model.Bucket) error {
	e.ensureBucket(b)
	return e.logWAL(&wal.Entry{Op: wal.OpCreateBucket, Space: b.Space, Bucket: b.ID})
}

// DeleteBucket implements bucketgo.Provider. Deleting a nonexistent bucket
// is not an error; recreating a deleted bucket yields a zeroed summary.
func (e *Engine) DeleteBucket(ctx context.Context, b model.Bucket) error {
	e.mu.Lock()
	s, ok := e.spaces[b.Space]
	var bs *bucketState
	if ok {
		bs = s.buckets[b.ID]
		delete(s.buckets, b.ID)
		s.modified[b.ID] = struct{}{}
	}
	e.mu.Unlock()

	if bs != nil {
		bs.mu.Lock()
		e.releaseMemory(bs.totalBytes())
		bs.mu.Unlock()
	}
	return e.logWAL(&wal.Entry{Op: wal.OpDeleteBucket, Space: b.Space, Bucket: b.ID})
}

// ListBuckets implements bucketgo.Provider.
func (e *Engine) ListBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.spaces[space]
	if !ok {
		return nil, nil
	}
	ids := make([]model.BucketID, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	sortBucketIDs(ids)
	return ids, nil
}

// GetBucketInfo implements bucketgo.Provider. A missing bucket yields a
// clean empty summary.
func (e *Engine) GetBucketInfo(ctx context.Context, b model.Bucket) (model.BucketInfo, error) {
	bs := e.lookupBucket(b)
	if bs == nil {
		return model.BucketInfo{Ready: true}, nil
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.info(), nil
}

// Put implements bucketgo.Provider.
func (e *Engine) Put(ctx context.Context, b model.Bucket, ts model.Timestamp, doc *document.Document) error {
	start := time.Now()
	err := e.put(b, ts, doc, true)
	e.metrics.RecordPut(time.Since(start), err)
	e.logger.LogPut(ctx, b, ts, doc.ID, err)
	return err
}

func (e *Engine) put(b model.Bucket, ts model.Timestamp, doc *document.Document, log bool) error {
	payload, err := e.codec.Marshal(doc)
	if err != nil {
		return bucketgo.NewError(bucketgo.CodePermanent, err, "encode document %s", doc.ID)
	}
	size := len(payload)

	if !e.rc.TryAcquireMemory(int64(size)) {
		return bucketgo.NewResourceExhausted("memory limit reached storing %s", doc.ID)
	}

	bs := e.ensureBucket(b)
	bs.mu.Lock()
	delta := bs.applyPut(ts, doc.Clone(), size)
	bs.mu.Unlock()

	// applyPut may have replaced an entry; settle the accounting to the
	// actual delta.
	if delta < int64(size) {
		e.releaseMemory(int64(size) - delta)
	}

	if log {
		return e.logWAL(&wal.Entry{
			Op:        wal.OpPut,
			Space:     b.Space,
			Bucket:    b.ID,
			Timestamp: ts,
			DocID:     doc.ID,
			Payload:   payload,
		})
	}
	return nil
}

// Remove implements bucketgo.Provider.
func (e *Engine) Remove(ctx context.Context, b model.Bucket, ts model.Timestamp, id model.DocumentID) (bool, error) {
	start := time.Now()
	found, err := e.remove(b, ts, id, true)
	e.metrics.RecordRemove(time.Since(start), err)
	e.logger.LogRemove(ctx, b, ts, id, found, err)
	return found, err
}

func (e *Engine) remove(b model.Bucket, ts model.Timestamp, id model.DocumentID, log bool) (bool, error) {
	bs := e.ensureBucket(b)
	bs.mu.Lock()
	found, delta := bs.applyRemove(ts, id)
	bs.mu.Unlock()

	if delta > 0 {
		// Tombstones are tiny; account them without failing the remove.
		e.rc.TryAcquireMemory(delta)
	} else if delta < 0 {
		e.releaseMemory(-delta)
	}

	if log {
		return found, e.logWAL(&wal.Entry{
			Op:        wal.OpRemove,
			Space:     b.Space,
			Bucket:    b.ID,
			Timestamp: ts,
			DocID:     id,
		})
	}
	return found, nil
}

// RemoveBatch implements bucketgo.Provider.
func (e *Engine) RemoveBatch(ctx context.Context, b model.Bucket, ids []bucketgo.TimedID) (int, error) {
	removed := 0
	for _, t := range ids {
		found, err := e.remove(b, t.Timestamp, t.ID, true)
		if err != nil {
			return removed, err
		}
		if found {
			removed++
		}
	}
	return removed, nil
}

// RemoveBatchAsync implements bucketgo.Provider. Exactly one result is
// delivered on the returned channel.
func (e *Engine) RemoveBatchAsync(ctx context.Context, b model.Bucket, ids []bucketgo.TimedID) <-chan bucketgo.RemoveBatchResult {
	out := make(chan bucketgo.RemoveBatchResult, 1)
	go func() {
		defer close(out)
		removed, err := e.RemoveBatch(ctx, b, ids)
		if err == nil && e.wal != nil {
			err = e.wal.Sync()
		}
		out <- bucketgo.RemoveBatchResult{Removed: removed, Err: err}
	}()
	return out
}

// Update implements bucketgo.Provider.
func (e *Engine) Update(ctx context.Context, b model.Bucket, ts model.Timestamp, upd *document.Update) (model.Timestamp, error) {
	start := time.Now()
	prior, err := e.update(b, ts, upd)
	e.metrics.RecordUpdate(time.Since(start), err)
	return prior, err
}

func (e *Engine) update(b model.Bucket, ts model.Timestamp, upd *document.Update) (model.Timestamp, error) {
	bs := e.lookupBucket(b)

	var existing *putVersion
	if bs != nil {
		bs.mu.RLock()
		if dv, ok := bs.docs[upd.ID]; ok {
			if visTS, tomb, doc, size := dv.visible(); visTS != 0 && !tomb {
				existing = &putVersion{ts: visTS, doc: doc, size: size}
			}
		}
		bs.mu.RUnlock()
	}

	if existing == nil {
		if !upd.CreateIfMissing {
			return 0, nil
		}
		created, err := upd.Apply(nil)
		if err != nil {
			return 0, bucketgo.NewError(bucketgo.CodePermanent, err, "apply update for %s", upd.ID)
		}
		if err := e.put(b, ts, created, true); err != nil {
			return 0, err
		}
		return ts, nil
	}

	patched, err := upd.Apply(existing.doc)
	if err != nil {
		return 0, bucketgo.NewError(bucketgo.CodePermanent, err, "apply update for %s", upd.ID)
	}
	if err := e.put(b, ts, patched, true); err != nil {
		return 0, err
	}
	return existing.ts, nil
}

// Get implements bucketgo.Provider.
func (e *Engine) Get(ctx context.Context, b model.Bucket, fs document.FieldSet, id model.DocumentID) (bucketgo.GetResult, error) {
	start := time.Now()
	res := e.get(b, fs, id)
	e.metrics.RecordGet(time.Since(start), nil)
	return res, nil
}

func (e *Engine) get(b model.Bucket, fs document.FieldSet, id model.DocumentID) bucketgo.GetResult {
	bs := e.lookupBucket(b)
	if bs == nil {
		return bucketgo.GetResult{}
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	dv, ok := bs.docs[id]
	if !ok {
		return bucketgo.GetResult{}
	}
	ts, tomb, doc, _ := dv.visible()
	if ts == 0 {
		return bucketgo.GetResult{}
	}
	if tomb {
		return bucketgo.GetResult{Timestamp: ts, Tombstone: true}
	}
	return bucketgo.GetResult{Document: fs.Apply(doc), Timestamp: ts}
}

func sortBucketIDs(ids []model.BucketID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].UsedBits != ids[j].UsedBits {
			return ids[i].UsedBits < ids[j].UsedBits
		}
		return ids[i].Bits < ids[j].Bits
	})
}
