package engine

import (
	"context"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/wal"
)

// Split implements bucketgo.Provider. Every entry of source is re-homed to
// the target whose bit pattern contains the document's hashed location;
// entries are additive when a target already holds data. The source is gone
// afterwards. An active source activates both targets.
func (e *Engine) Split(ctx context.Context, source, target1, target2 model.Bucket) error {
	e.mu.Lock()
	var (
		src       *bucketState
		srcActive bool
	)
	if s, ok := e.spaces[source.Space]; ok {
		src = s.buckets[source.ID]
		delete(s.buckets, source.ID)
		s.modified[source.ID] = struct{}{}
	}
	t1 := e.ensureBucketLocked(target1)
	t2 := e.ensureBucketLocked(target2)
	e.mu.Unlock()

	if src != nil {
		src.mu.Lock()
		srcActive = src.active
		entries := snapshotRefs(src)
		src.mu.Unlock()

		for _, ref := range entries {
			target := t1
			if !target1.ID.Contains(model.GlobalIDOf(ref.id)) && target2.ID.Contains(model.GlobalIDOf(ref.id)) {
				target = t2
			}
			e.moveEntry(target, ref)
		}
	}

	if srcActive {
		t1.mu.Lock()
		t1.setActive(true)
		t1.mu.Unlock()
		t2.mu.Lock()
		t2.setActive(true)
		t2.mu.Unlock()
	}

	err := e.logWAL(&wal.Entry{
		Op:     wal.OpSplit,
		Space:  source.Space,
		Bucket: source.ID,
		Aux1:   target1.ID,
		Aux2:   target2.ID,
	})
	e.logger.LogSplit(ctx, source, target1, target2, err)
	return err
}

// Join implements bucketgo.Provider. The same source may be passed twice;
// its entries are folded in once. The target becomes active only when every
// distinct source was active.
func (e *Engine) Join(ctx context.Context, source1, source2, target model.Bucket) error {
	e.mu.Lock()
	sources := make([]*bucketState, 0, 2)
	if s, ok := e.spaces[source1.Space]; ok {
		if bs := s.buckets[source1.ID]; bs != nil {
			sources = append(sources, bs)
			delete(s.buckets, source1.ID)
			s.modified[source1.ID] = struct{}{}
		}
	}
	if source2 != source1 {
		if s, ok := e.spaces[source2.Space]; ok {
			if bs := s.buckets[source2.ID]; bs != nil {
				sources = append(sources, bs)
				delete(s.buckets, source2.ID)
				s.modified[source2.ID] = struct{}{}
			}
		}
	}
	tgt := e.ensureBucketLocked(target)
	e.mu.Unlock()

	allActive := len(sources) > 0
	for _, src := range sources {
		src.mu.Lock()
		if !src.active {
			allActive = false
		}
		entries := snapshotRefs(src)
		src.mu.Unlock()
		for _, ref := range entries {
			e.moveEntry(tgt, ref)
		}
	}

	tgt.mu.Lock()
	tgt.setActive(allActive)
	tgt.mu.Unlock()

	err := e.logWAL(&wal.Entry{
		Op:     wal.OpJoin,
		Space:  target.Space,
		Bucket: target.ID,
		Aux1:   source1.ID,
		Aux2:   source2.ID,
	})
	e.logger.LogJoin(ctx, source1, source2, target, err)
	return err
}

// snapshotRefs copies a bucket's entries in ascending order.
// Caller holds src.mu.
func snapshotRefs(src *bucketState) []entryRef {
	out := make([]entryRef, 0, src.entries.Len())
	src.entries.Ascend(func(ref entryRef) bool {
		out = append(out, ref)
		return true
	})
	return out
}

// moveEntry folds one entry into target, reconciling memory accounting for
// collapsed duplicates. The entry's bytes were already acquired when it was
// first stored, so only the difference is settled.
func (e *Engine) moveEntry(target *bucketState, ref entryRef) {
	target.mu.Lock()
	var delta int64
	if ref.tomb {
		_, delta = target.applyRemove(ref.ts, ref.id)
	} else {
		delta = target.applyPut(ref.ts, ref.doc, ref.size)
	}
	target.mu.Unlock()
	if delta < int64(ref.size) {
		e.releaseMemory(int64(ref.size) - delta)
	}
}

// RemoveEntry implements bucketgo.Provider. The entry stored at exactly ts
// disappears and the bucket summary reverts as if it had never been written.
func (e *Engine) RemoveEntry(ctx context.Context, b model.Bucket, ts model.Timestamp) error {
	bs := e.lookupBucket(b)
	if bs != nil {
		bs.mu.Lock()
		freed := bs.removeAt(ts)
		bs.mu.Unlock()
		e.releaseMemory(freed)
		e.markModified(b)
	}
	return e.logWAL(&wal.Entry{Op: wal.OpRemoveEntry, Space: b.Space, Bucket: b.ID, Timestamp: ts})
}

// CompactBucket drops entries no reader can observe anymore: put versions
// superseded at or below horizon, and tombstones at or below horizon that
// no longer hide anything. Visible documents are never touched.
func (e *Engine) CompactBucket(ctx context.Context, b model.Bucket, horizon model.Timestamp) error {
	bs := e.lookupBucket(b)
	if bs == nil {
		return nil
	}

	bs.mu.Lock()
	var victims []model.Timestamp
	for _, dv := range bs.docs {
		visTS, visTomb, _, _ := dv.visible()
		for _, p := range dv.puts {
			if p.ts < visTS && p.ts <= horizon {
				victims = append(victims, p.ts)
			}
		}
		if dv.tombTS != 0 && dv.tombTS <= horizon {
			// A visible tombstone at or below the horizon has outlived its
			// purpose; a superseded one is plain garbage.
			if visTomb || dv.tombTS < visTS {
				victims = append(victims, dv.tombTS)
			}
		}
	}
	var freed int64
	for _, ts := range victims {
		freed += bs.removeAt(ts)
	}
	bs.mu.Unlock()

	e.releaseMemory(freed)
	if len(victims) > 0 {
		e.markModified(b)
	}
	return nil
}

// SetActiveState implements bucketgo.Provider. Creates the bucket when
// missing so activation can precede the first write.
func (e *Engine) SetActiveState(ctx context.Context, b model.Bucket, active bool) error {
	bs := e.ensureBucket(b)
	bs.mu.Lock()
	bs.setActive(active)
	bs.mu.Unlock()
	return e.logWAL(&wal.Entry{Op: wal.OpSetActive, Space: b.Space, Bucket: b.ID, Active: active})
}

// SetClusterState implements bucketgo.Provider. When the node is not up in
// the space, no bucket may keep serving queries, so every active flag in the
// space is cleared.
func (e *Engine) SetClusterState(ctx context.Context, space model.BucketSpace, state bucketgo.ClusterState) error {
	e.mu.Lock()
	s := e.spaceLocked(space)
	s.nodeUp = state.NodeUp
	var deactivate []*bucketState
	if !state.NodeUp {
		for id, bs := range s.buckets {
			deactivate = append(deactivate, bs)
			s.modified[id] = struct{}{}
		}
	}
	e.mu.Unlock()

	for _, bs := range deactivate {
		bs.mu.Lock()
		if bs.active {
			bs.setActive(false)
		}
		bs.mu.Unlock()
	}
	return nil
}

// GetModifiedBuckets implements bucketgo.Provider. Consuming: the reported
// set resets on read.
func (e *Engine) GetModifiedBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.spaces[space]
	if !ok {
		return nil, nil
	}
	ids := make([]model.BucketID, 0, len(s.modified))
	for id := range s.modified {
		ids = append(ids, id)
	}
	s.modified = make(map[model.BucketID]struct{})
	sortBucketIDs(ids)
	return ids, nil
}
