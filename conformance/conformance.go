// Package conformance is the executable contract for Provider
// implementations. Run drives a backend through every behavioral guarantee
// of the interface; any backend that passes can serve the engine's callers
// interchangeably.
package conformance

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/selection"
)

// Factory creates a fresh, empty provider per test. Cleanup registration is
// the factory's job.
type Factory func(t *testing.T) bucketgo.Provider

// Run executes the full conformance suite against providers built by
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("OrderIndependentChecksum", func(t *testing.T) { testOrderIndependence(t, factory) })
	t.Run("MissingBucketReadsAsEmpty", func(t *testing.T) { testMissingBucket(t, factory) })
	t.Run("TombstoneVisibility", func(t *testing.T) { testTombstoneVisibility(t, factory) })
	t.Run("EqualTimestampRemoveWins", func(t *testing.T) { testEqualTimestampRemove(t, factory) })
	t.Run("IterateChunking", func(t *testing.T) { testIterateChunking(t, factory) })
	t.Run("SplitConservation", func(t *testing.T) { testSplitConservation(t, factory) })
	t.Run("JoinConservation", func(t *testing.T) { testJoinConservation(t, factory) })
	t.Run("ActiveFlagsAcrossSplitJoin", func(t *testing.T) { testActiveFlags(t, factory) })
	t.Run("DuplicatePutIdempotence", func(t *testing.T) { testDuplicatePut(t, factory) })
	t.Run("PartialUpdate", func(t *testing.T) { testPartialUpdate(t, factory) })
	t.Run("RemoveEntryReverts", func(t *testing.T) { testRemoveEntry(t, factory) })
	t.Run("RemoveBatch", func(t *testing.T) { testRemoveBatch(t, factory) })
	t.Run("SelectionFiltering", func(t *testing.T) { testSelectionFiltering(t, factory) })
	t.Run("BadSelectionExpression", func(t *testing.T) { testBadSelection(t, factory) })
	t.Run("IteratorLifecycle", func(t *testing.T) { testIteratorLifecycle(t, factory) })
	t.Run("ModifiedBuckets", func(t *testing.T) { testModifiedBuckets(t, factory) })
	t.Run("ClusterStateDeactivates", func(t *testing.T) { testClusterState(t, factory) })
}

func testBucket() model.Bucket {
	return model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x2a)}
}

func testDoc(id model.DocumentID, fields map[string]any) *document.Document {
	doc := document.New(id, "testdoc")
	for k, v := range fields {
		doc.Fields[k] = v
	}
	return doc
}

// drainIterator collects every entry across chunks and returns the chunk
// count.
func drainIterator(t *testing.T, p bucketgo.Provider, iter bucketgo.IteratorID, maxByteSize int) ([]bucketgo.DocEntry, int) {
	t.Helper()
	ctx := context.Background()
	var entries []bucketgo.DocEntry
	chunks := 0
	for {
		res, err := p.Iterate(ctx, iter, maxByteSize)
		require.NoError(t, err)
		if len(res.Entries) > 0 {
			chunks++
		}
		entries = append(entries, res.Entries...)
		if res.Completed {
			return entries, chunks
		}
	}
}

func testOrderIndependence(t *testing.T, factory Factory) {
	ctx := context.Background()
	b := testBucket()

	type op struct {
		put bool
		ts  model.Timestamp
		id  model.DocumentID
	}
	ops := []op{
		{put: true, ts: 10, id: "doc:a"},
		{put: true, ts: 20, id: "doc:b"},
		{put: false, ts: 30, id: "doc:a"},
		{put: true, ts: 40, id: "doc:c"},
	}

	apply := func(p bucketgo.Provider, order []int) model.BucketInfo {
		for _, i := range order {
			o := ops[i]
			if o.put {
				require.NoError(t, p.Put(ctx, b, o.ts, testDoc(o.id, map[string]any{"n": float64(i)})))
			} else {
				_, err := p.Remove(ctx, b, o.ts, o.id)
				require.NoError(t, err)
			}
		}
		info, err := p.GetBucketInfo(ctx, b)
		require.NoError(t, err)
		return info
	}

	forward := apply(factory(t), []int{0, 1, 2, 3})
	backward := apply(factory(t), []int{3, 2, 1, 0})

	assert.Equal(t, forward.Checksum, backward.Checksum)
	assert.Equal(t, forward.DocumentCount, backward.DocumentCount)
}

func testMissingBucket(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	missing := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x11)}
	empty := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x12)}
	require.NoError(t, p.CreateBucket(ctx, empty))

	for _, b := range []model.Bucket{missing, empty} {
		info, err := p.GetBucketInfo(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, model.Checksum(0), info.Checksum)
		assert.Zero(t, info.DocumentCount)

		res, err := p.Get(ctx, b, document.AllFields(), "doc:nobody")
		require.NoError(t, err)
		assert.Nil(t, res.Document)
		assert.Zero(t, res.Timestamp)

		iter, err := p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.NewestOnly)
		require.NoError(t, err)
		chunk, err := p.Iterate(ctx, iter, 1<<20)
		require.NoError(t, err)
		assert.Empty(t, chunk.Entries)
		assert.True(t, chunk.Completed)
		require.NoError(t, p.DestroyIterator(ctx, iter))
	}
}

func testTombstoneVisibility(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	found, err := p.Remove(ctx, b, 100, "doc:ghost")
	require.NoError(t, err)
	assert.False(t, found, "no live document existed")

	res, err := p.Get(ctx, b, document.AllFields(), "doc:ghost")
	require.NoError(t, err)
	assert.True(t, res.Tombstone)
	assert.Equal(t, model.Timestamp(100), res.Timestamp)
	assert.Nil(t, res.Document)

	require.NoError(t, p.Put(ctx, b, 200, testDoc("doc:ghost", map[string]any{"back": true})))
	res, err = p.Get(ctx, b, document.AllFields(), "doc:ghost")
	require.NoError(t, err)
	assert.False(t, res.Tombstone)
	assert.Equal(t, model.Timestamp(200), res.Timestamp)
	require.NotNil(t, res.Document)
	assert.Equal(t, true, res.Document.Fields["back"])
}

func testEqualTimestampRemove(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	require.NoError(t, p.Put(ctx, b, 100, testDoc("doc:tied", map[string]any{"n": float64(1)})))
	_, err := p.Remove(ctx, b, 100, "doc:tied")
	require.NoError(t, err)

	res, err := p.Get(ctx, b, document.AllFields(), "doc:tied")
	require.NoError(t, err)
	assert.True(t, res.Tombstone, "the remove hides the put at the same timestamp")

	// Every read path agrees: the shadowed document never surfaces.
	iter, err := p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.NewestOnly)
	require.NoError(t, err)
	entries, _ := drainIterator(t, p, iter, 1<<20)
	assert.Empty(t, entries)
	require.NoError(t, p.DestroyIterator(ctx, iter))

	iter, err = p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.NewestOrRemove)
	require.NoError(t, err)
	entries, _ = drainIterator(t, p, iter, 1<<20)
	require.Len(t, entries, 1, "one id yields one newest entry")
	assert.Equal(t, bucketgo.EntryRemove, entries[0].Type)
	assert.Equal(t, model.Timestamp(100), entries[0].Timestamp)
	require.NoError(t, p.DestroyIterator(ctx, iter))
}

func testIterateChunking(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	const docs = 100
	for i := 0; i < docs; i++ {
		id := model.DocumentID(fmt.Sprintf("doc:chunk:%03d", i))
		doc := testDoc(id, map[string]any{
			"filler": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
			"seq":    float64(i),
		})
		require.NoError(t, p.Put(ctx, b, model.Timestamp(1000+i), doc))
	}

	iter, err := p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.NewestOnly)
	require.NoError(t, err)
	defer p.DestroyIterator(ctx, iter)

	// Every document is bigger than the one-byte budget, so each chunk
	// carries exactly one entry.
	entries, chunks := drainIterator(t, p, iter, 1)
	assert.Len(t, entries, docs)
	assert.Equal(t, docs, chunks)

	// Exhausted iterators stay completed and empty.
	res, err := p.Iterate(ctx, iter, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.True(t, res.Completed)
}

func testSplitConservation(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)

	source := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(0, 0)}
	t1 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(0)}
	t2 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(1)}

	const docs = 20
	for i := 0; i < docs; i++ {
		id := model.DocumentID(fmt.Sprintf("doc:split:%d", i))
		require.NoError(t, p.Put(ctx, source, model.Timestamp(10+i), testDoc(id, nil)))
	}

	require.NoError(t, p.Split(ctx, source, t1, t2))

	i1, err := p.GetBucketInfo(ctx, t1)
	require.NoError(t, err)
	i2, err := p.GetBucketInfo(ctx, t2)
	require.NoError(t, err)
	is, err := p.GetBucketInfo(ctx, source)
	require.NoError(t, err)

	assert.Equal(t, docs, i1.DocumentCount+i2.DocumentCount)
	assert.Zero(t, is.DocumentCount)

	// Each document lands in the target whose bit pattern covers its
	// hashed location, so no id can appear twice.
	for _, tb := range []model.Bucket{t1, t2} {
		iter, err := p.CreateIterator(ctx, tb, document.NoFields(), selection.All(), selection.NewestOnly)
		require.NoError(t, err)
		entries, _ := drainIterator(t, p, iter, 1<<20)
		for _, e := range entries {
			assert.True(t, tb.ID.Contains(model.GlobalIDOf(e.ID)), "document %s misrouted", e.ID)
		}
		require.NoError(t, p.DestroyIterator(ctx, iter))
	}
}

func testJoinConservation(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)

	s1 := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x01)}
	s2 := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x02)}
	target := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(7, 0x01)}

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Put(ctx, s1, model.Timestamp(10+i), testDoc(model.DocumentID(fmt.Sprintf("doc:j1:%d", i)), nil)))
		require.NoError(t, p.Put(ctx, s2, model.Timestamp(50+i), testDoc(model.DocumentID(fmt.Sprintf("doc:j2:%d", i)), nil)))
	}

	require.NoError(t, p.Join(ctx, s1, s2, target))
	info, err := p.GetBucketInfo(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 20, info.DocumentCount)

	// Joining into a target that already holds data is additive.
	s3 := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x03)}
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Put(ctx, s3, model.Timestamp(90+i), testDoc(model.DocumentID(fmt.Sprintf("doc:j3:%d", i)), nil)))
	}
	require.NoError(t, p.Join(ctx, s3, s3, target))
	info, err = p.GetBucketInfo(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 30, info.DocumentCount)
}

func testActiveFlags(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)

	source := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(0, 0)}
	t1 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(0)}
	t2 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(1)}

	for i := 0; i < 8; i++ {
		require.NoError(t, p.Put(ctx, source, model.Timestamp(10+i), testDoc(model.DocumentID(fmt.Sprintf("doc:act:%d", i)), nil)))
	}
	require.NoError(t, p.SetActiveState(ctx, source, true))
	require.NoError(t, p.Split(ctx, source, t1, t2))

	i1, err := p.GetBucketInfo(ctx, t1)
	require.NoError(t, err)
	i2, err := p.GetBucketInfo(ctx, t2)
	require.NoError(t, err)
	assert.True(t, i1.Active, "active source activates first target")
	assert.True(t, i2.Active, "active source activates second target")

	// Sources with differing active flags join into an inactive target.
	require.NoError(t, p.SetActiveState(ctx, t2, false))
	require.NoError(t, p.Join(ctx, t1, t2, source))
	is, err := p.GetBucketInfo(ctx, source)
	require.NoError(t, err)
	assert.False(t, is.Active)
}

func testDuplicatePut(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	doc := testDoc("doc:dup", map[string]any{"v": float64(1)})
	require.NoError(t, p.Put(ctx, b, 500, doc))
	before, err := p.GetBucketInfo(ctx, b)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, b, 500, doc))
	after, err := p.GetBucketInfo(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, before.DocumentCount, after.DocumentCount)

	iter, err := p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.AllVersions)
	require.NoError(t, err)
	defer p.DestroyIterator(ctx, iter)
	entries, _ := drainIterator(t, p, iter, 1<<20)
	assert.Len(t, entries, 1)
}

func testPartialUpdate(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	// No live document, CreateIfMissing unset: nothing happens.
	upd, err := document.NewUpdate("doc:upd", "testdoc", map[string]any{"views": float64(1)})
	require.NoError(t, err)
	prior, err := p.Update(ctx, b, 100, upd)
	require.NoError(t, err)
	assert.Zero(t, prior)
	res, err := p.Get(ctx, b, document.AllFields(), "doc:upd")
	require.NoError(t, err)
	assert.Zero(t, res.Timestamp)

	// CreateIfMissing synthesizes the document at the update's timestamp.
	upd.CreateIfMissing = true
	prior, err = p.Update(ctx, b, 110, upd)
	require.NoError(t, err)
	assert.Equal(t, model.Timestamp(110), prior)

	// A later update reports the version it patched and merges fields.
	upd2, err := document.NewUpdate("doc:upd", "testdoc", map[string]any{"title": "hello"})
	require.NoError(t, err)
	prior, err = p.Update(ctx, b, 120, upd2)
	require.NoError(t, err)
	assert.Equal(t, model.Timestamp(110), prior)

	res, err = p.Get(ctx, b, document.AllFields(), "doc:upd")
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, model.Timestamp(120), res.Timestamp)
	assert.Equal(t, "hello", res.Document.Fields["title"])
	assert.Equal(t, float64(1), res.Document.Fields["views"])
}

func testRemoveEntry(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	require.NoError(t, p.Put(ctx, b, 10, testDoc("doc:re", map[string]any{"v": float64(1)})))
	before, err := p.GetBucketInfo(ctx, b)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, b, 20, testDoc("doc:re2", map[string]any{"v": float64(2)})))
	require.NoError(t, p.RemoveEntry(ctx, b, 20))

	after, err := p.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, before.Checksum, after.Checksum, "bucket summary reverts as if the entry never existed")
	assert.Equal(t, before.DocumentCount, after.DocumentCount)
}

func testRemoveBatch(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	require.NoError(t, p.Put(ctx, b, 10, testDoc("doc:rb1", nil)))
	require.NoError(t, p.Put(ctx, b, 11, testDoc("doc:rb2", nil)))

	removed, err := p.RemoveBatch(ctx, b, []bucketgo.TimedID{
		{Timestamp: 20, ID: "doc:rb1"},
		{Timestamp: 21, ID: "doc:rb2"},
		{Timestamp: 22, ID: "doc:rb3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "only live documents count")

	require.NoError(t, p.Put(ctx, b, 30, testDoc("doc:rb4", nil)))
	ch := p.RemoveBatchAsync(ctx, b, []bucketgo.TimedID{{Timestamp: 40, ID: "doc:rb4"}})
	result := <-ch
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Removed)
	_, open := <-ch
	assert.False(t, open, "exactly one completion is delivered")
}

func testSelectionFiltering(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	for i := 0; i < 10; i++ {
		doc := testDoc(model.DocumentID(fmt.Sprintf("doc:sel:%d", i)), map[string]any{"n": float64(i)})
		require.NoError(t, p.Put(ctx, b, model.Timestamp(100+i), doc))
	}

	sel := selection.Selection{Expression: `{"n": {"$ge": 7}}`}
	iter, err := p.CreateIterator(ctx, b, document.AllFields(), sel, selection.NewestOnly)
	require.NoError(t, err)
	entries, _ := drainIterator(t, p, iter, 1<<20)
	assert.Len(t, entries, 3)
	require.NoError(t, p.DestroyIterator(ctx, iter))

	// Timestamp bounds compose with the field predicate.
	sel = selection.Selection{From: 103, To: 106}
	iter, err = p.CreateIterator(ctx, b, document.AllFields(), sel, selection.NewestOnly)
	require.NoError(t, err)
	entries, _ = drainIterator(t, p, iter, 1<<20)
	assert.Len(t, entries, 4)
	require.NoError(t, p.DestroyIterator(ctx, iter))
}

func testBadSelection(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)

	sel := selection.Selection{Expression: `{"broken`}
	_, err := p.CreateIterator(ctx, testBucket(), document.AllFields(), sel, selection.NewestOnly)
	require.Error(t, err)
	assert.Equal(t, bucketgo.CodePermanent, bucketgo.CodeOf(err))
}

func testIteratorLifecycle(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()
	require.NoError(t, p.Put(ctx, b, 10, testDoc("doc:it", nil)))

	iter, err := p.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.NewestOnly)
	require.NoError(t, err)
	require.NoError(t, p.DestroyIterator(ctx, iter))
	require.NoError(t, p.DestroyIterator(ctx, iter), "destroy is idempotent")

	_, err = p.Iterate(ctx, iter, 1<<20)
	require.Error(t, err)
	assert.Equal(t, bucketgo.CodePermanent, bucketgo.CodeOf(err))
}

func testModifiedBuckets(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	require.NoError(t, p.Put(ctx, b, 10, testDoc("doc:mod", nil)))

	ids, err := p.GetModifiedBuckets(ctx, model.DefaultSpace)
	require.NoError(t, err)
	assert.Contains(t, ids, b.ID)

	ids, err = p.GetModifiedBuckets(ctx, model.DefaultSpace)
	require.NoError(t, err)
	assert.Empty(t, ids, "the modified set resets on read")
}

func testClusterState(t *testing.T, factory Factory) {
	ctx := context.Background()
	p := factory(t)
	b := testBucket()

	require.NoError(t, p.Put(ctx, b, 10, testDoc("doc:cs", nil)))
	require.NoError(t, p.SetActiveState(ctx, b, true))

	require.NoError(t, p.SetClusterState(ctx, model.DefaultSpace, bucketgo.ClusterState{NodeUp: false}))
	info, err := p.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.False(t, info.Active, "a down node serves no active buckets")
}
