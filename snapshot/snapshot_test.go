package snapshot_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/blobstore"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/engine"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/snapshot"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seed(t *testing.T, p bucketgo.Provider) []model.Bucket {
	t.Helper()
	ctx := context.Background()

	b1 := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x01)}
	b2 := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x02)}

	for i := 0; i < 20; i++ {
		doc := document.New(model.DocumentID(fmt.Sprintf("doc:%d", i)), "testdoc")
		doc.Fields["n"] = float64(i)
		require.NoError(t, p.Put(ctx, b1, model.Timestamp(100+i), doc))
	}
	require.NoError(t, p.Put(ctx, b2, 50, document.New("doc:solo", "testdoc")))
	_, err := p.Remove(ctx, b2, 60, "doc:gone")
	require.NoError(t, err)
	require.NoError(t, p.SetActiveState(ctx, b2, true))

	return []model.Bucket{b1, b2}
}

func requireSameState(t *testing.T, want, got bucketgo.Provider, buckets []model.Bucket) {
	t.Helper()
	ctx := context.Background()
	for _, b := range buckets {
		wi, err := want.GetBucketInfo(ctx, b)
		require.NoError(t, err)
		gi, err := got.GetBucketInfo(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, wi.Checksum, gi.Checksum, "%s checksum", b)
		assert.Equal(t, wi.DocumentCount, gi.DocumentCount, "%s count", b)
		assert.Equal(t, wi.Active, gi.Active, "%s active flag", b)
	}
}

func TestManager_SaveRestoreRoundtrip(t *testing.T) {
	for name, comp := range map[string]snapshot.Compression{
		"NoCompression": snapshot.NoCompression,
		"Zstd":          snapshot.Zstd,
		"LZ4":           snapshot.LZ4,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := blobstore.NewMemoryStore()

			source := newEngine(t)
			buckets := seed(t, source)

			id, err := snapshot.NewManager(source, store, snapshot.WithCompression(comp)).
				Save(ctx, model.DefaultSpace)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			target := newEngine(t)
			require.NoError(t, snapshot.NewManager(target, store, snapshot.WithCompression(comp)).
				Restore(ctx, ""))

			requireSameState(t, source, target, buckets)

			// Tombstones and document content survive the trip.
			res, err := target.Get(ctx, buckets[1], document.AllFields(), "doc:gone")
			require.NoError(t, err)
			assert.True(t, res.Tombstone)
			res, err = target.Get(ctx, buckets[0], document.AllFields(), "doc:7")
			require.NoError(t, err)
			require.NotNil(t, res.Document)
			assert.Equal(t, float64(7), res.Document.Fields["n"])
		})
	}
}

func TestManager_RestoreByID(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	b := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x01)}

	source := newEngine(t)
	require.NoError(t, source.Put(ctx, b, 10, document.New("doc:a", "testdoc")))
	mgr := snapshot.NewManager(source, store)

	first, err := mgr.Save(ctx, model.DefaultSpace)
	require.NoError(t, err)
	firstInfo, err := source.GetBucketInfo(ctx, b)
	require.NoError(t, err)

	require.NoError(t, source.Put(ctx, b, 20, document.New("doc:b", "testdoc")))
	second, err := mgr.Save(ctx, model.DefaultSpace)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// CURRENT follows the latest save; an explicit id reaches back.
	current, err := mgr.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, current)

	target := newEngine(t)
	require.NoError(t, snapshot.NewManager(target, store).Restore(ctx, first))
	restored, err := target.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, firstInfo.Checksum, restored.Checksum)
	assert.Equal(t, 1, restored.DocumentCount)
}

func TestManager_CurrentWithoutSnapshot(t *testing.T) {
	mgr := snapshot.NewManager(newEngine(t), blobstore.NewMemoryStore())
	_, err := mgr.Current(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestManager_SegmentBlobsLiveUnderSnapshotID(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	source := newEngine(t)
	seed(t, source)

	id, err := snapshot.NewManager(source, store).Save(ctx, model.DefaultSpace)
	require.NoError(t, err)

	names, err := store.List(ctx, "snapshots/"+id+"/")
	require.NoError(t, err)
	// Two segments plus the manifest.
	assert.Len(t, names, 3)
	assert.Contains(t, names, "snapshots/"+id+"/MANIFEST")
}
