package engine

import (
	"github.com/hupe1980/bucketgo/lid"
	"github.com/hupe1980/bucketgo/model"
)

// metaStore maps document ids to lids for one bucket. The engine mutates it
// under the bucket's write lock, so the single-writer requirement of the
// allocator holds; the generation is bumped and trimmed immediately because
// no bitmap reader survives outside that lock.
type metaStore struct {
	alloc *lid.Allocator
	byDoc map[model.DocumentID]uint32
	byLid map[uint32]model.DocumentID
	limit uint32
	gen   lid.Generation
}

func newMetaStore() *metaStore {
	m := &metaStore{
		alloc: lid.NewAllocator(),
		byDoc: make(map[model.DocumentID]uint32),
		byLid: make(map[uint32]model.DocumentID),
		limit: 1,
	}
	m.alloc.ConstructFreeList(1)
	return m
}

// assign registers a lid for id if it has none yet.
func (m *metaStore) assign(id model.DocumentID, active bool) uint32 {
	if l, ok := m.byDoc[id]; ok {
		return l
	}
	l := m.alloc.GetFreeLid(m.limit)
	if l >= m.limit {
		m.limit = l + 1
	}
	m.byDoc[id] = l
	m.byLid[l] = id
	if active {
		m.alloc.UpdateActiveLids(l, true)
	}
	return l
}

// drop unregisters the lids of ids and recycles them through a hold/trim
// cycle so the reuse order stays ascending.
func (m *metaStore) drop(ids []model.DocumentID) {
	lids := make([]uint32, 0, len(ids))
	for _, id := range ids {
		l, ok := m.byDoc[id]
		if !ok {
			continue
		}
		lids = append(lids, l)
		delete(m.byDoc, id)
		delete(m.byLid, l)
	}
	if len(lids) == 0 {
		return
	}
	m.alloc.UnregisterLids(lids)
	m.alloc.HoldLids(lids, m.gen)
	m.gen++
	m.alloc.TrimHoldLists(m.gen)
}

// setAllActive mirrors the bucket active flag onto every assigned lid.
func (m *metaStore) setAllActive(active bool) {
	for l := range m.byLid {
		m.alloc.UpdateActiveLids(l, active)
	}
}

// lidOf returns the lid assigned to id.
func (m *metaStore) lidOf(id model.DocumentID) (uint32, bool) {
	l, ok := m.byDoc[id]
	return l, ok
}
