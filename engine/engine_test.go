package engine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/engine"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/resource"
	"github.com/hupe1980/bucketgo/selection"
	"github.com/hupe1980/bucketgo/wal"
)

func newDoc(id model.DocumentID, fields map[string]any) *document.Document {
	doc := document.New(id, "testdoc")
	for k, v := range fields {
		doc.Fields[k] = v
	}
	return doc
}

func bkt(bits uint64) model.Bucket {
	return model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, bits)}
}

func TestEngine_WALReplay(t *testing.T) {
	ctx := context.Background()
	walPath := filepath.Join(t.TempDir(), "engine.wal")
	b := bkt(0x07)

	e, err := engine.Open(engine.WithWAL(walPath))
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, b, 10, newDoc("doc:a", map[string]any{"n": float64(1)})))
	require.NoError(t, e.Put(ctx, b, 20, newDoc("doc:b", map[string]any{"n": float64(2)})))
	_, err = e.Remove(ctx, b, 30, "doc:a")
	require.NoError(t, err)
	require.NoError(t, e.SetActiveState(ctx, b, true))
	before, err := e.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	restored, err := engine.Open(engine.WithWAL(walPath))
	require.NoError(t, err)
	defer restored.Close()

	after, err := restored.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, before.DocumentCount, after.DocumentCount)
	assert.True(t, after.Active)

	res, err := restored.Get(ctx, b, document.AllFields(), "doc:a")
	require.NoError(t, err)
	assert.True(t, res.Tombstone)
	res, err = restored.Get(ctx, b, document.AllFields(), "doc:b")
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, float64(2), res.Document.Fields["n"])
}

func TestEngine_WALReplayCoversSplit(t *testing.T) {
	ctx := context.Background()
	walPath := filepath.Join(t.TempDir(), "engine.wal")

	source := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(0, 0)}
	t1 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(0)}
	t2 := model.Bucket{Space: model.DefaultSpace, ID: source.ID.Child(1)}

	e, err := engine.Open(engine.WithWAL(walPath, func(o *wal.Options) { o.Compress = true }))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		id := model.DocumentID(fmt.Sprintf("doc:%d", i))
		require.NoError(t, e.Put(ctx, source, model.Timestamp(10+i), newDoc(id, nil)))
	}
	require.NoError(t, e.Split(ctx, source, t1, t2))
	i1, err := e.GetBucketInfo(ctx, t1)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	restored, err := engine.Open(engine.WithWAL(walPath))
	require.NoError(t, err)
	defer restored.Close()

	r1, err := restored.GetBucketInfo(ctx, t1)
	require.NoError(t, err)
	r2, err := restored.GetBucketInfo(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, i1.Checksum, r1.Checksum)
	assert.Equal(t, 10, r1.DocumentCount+r2.DocumentCount)
}

func TestEngine_MemoryLimit(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 256})
	e, err := engine.Open(engine.WithResourceController(rc))
	require.NoError(t, err)
	defer e.Close()

	b := bkt(0x01)
	big := newDoc("doc:big", map[string]any{
		"payload": string(make([]byte, 512)),
	})
	err = e.Put(ctx, b, 10, big)
	require.Error(t, err)
	assert.Equal(t, bucketgo.CodeResourceExhausted, bucketgo.CodeOf(err))

	// Small documents still fit, and deleting the bucket returns its bytes.
	require.NoError(t, e.Put(ctx, b, 20, newDoc("doc:small", map[string]any{"n": float64(1)})))
	used := rc.MemoryUsage()
	assert.Positive(t, used)
	require.NoError(t, e.DeleteBucket(ctx, b))
	assert.Zero(t, rc.MemoryUsage())
}

func TestEngine_MemoryLimitFansOutThroughWrapper(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64})
	e, err := engine.Open(engine.WithResourceController(rc))
	require.NoError(t, err)
	defer e.Close()

	w := bucketgo.NewErrorWrapper(e)
	var msgs []string
	w.RegisterResourceExhaustionListener(func(msg string) { msgs = append(msgs, msg) })

	err = w.Put(ctx, bkt(0x01), 10, newDoc("doc:big", map[string]any{
		"payload": string(make([]byte, 256)),
	}))
	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "memory limit")
}

func TestEngine_CompactBucket(t *testing.T) {
	ctx := context.Background()
	e, err := engine.Open()
	require.NoError(t, err)
	defer e.Close()

	b := bkt(0x05)
	require.NoError(t, e.Put(ctx, b, 10, newDoc("doc:a", map[string]any{"v": float64(1)})))
	require.NoError(t, e.Put(ctx, b, 20, newDoc("doc:a", map[string]any{"v": float64(2)})))
	require.NoError(t, e.Put(ctx, b, 30, newDoc("doc:a", map[string]any{"v": float64(3)})))
	_, err = e.Remove(ctx, b, 15, "doc:gone")
	require.NoError(t, err)

	before, err := e.GetBucketInfo(ctx, b)
	require.NoError(t, err)

	require.NoError(t, e.CompactBucket(ctx, b, 25))

	// The visible version and its checksum are untouched; the superseded
	// versions at 10 and 20 and the stale tombstone at 15 are gone.
	after, err := e.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, after.DocumentCount)
	assert.NotEqual(t, before.Checksum, after.Checksum, "the tombstone left the visible set")

	iter, err := e.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.AllVersions)
	require.NoError(t, err)
	defer e.DestroyIterator(ctx, iter)
	res, err := e.Iterate(ctx, iter, 1<<20)
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, model.Timestamp(30), res.Entries[0].Timestamp)
}

func TestEngine_RemoveEntryAtMaxTimestamp(t *testing.T) {
	ctx := context.Background()
	e, err := engine.Open()
	require.NoError(t, err)
	defer e.Close()

	b := bkt(0x09)
	require.NoError(t, e.Put(ctx, b, model.MaxTimestamp, newDoc("doc:a", nil)))
	require.NoError(t, e.RemoveEntry(ctx, b, model.MaxTimestamp))

	info, err := e.GetBucketInfo(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, info.DocumentCount)
	assert.Equal(t, model.Checksum(0), info.Checksum)
}

func TestEngine_PutBelowNewerEntryKeepsVisible(t *testing.T) {
	ctx := context.Background()
	e, err := engine.Open()
	require.NoError(t, err)
	defer e.Close()

	b := bkt(0x06)
	require.NoError(t, e.Put(ctx, b, 100, newDoc("doc:a", map[string]any{"v": float64(2)})))
	require.NoError(t, e.Put(ctx, b, 50, newDoc("doc:a", map[string]any{"v": float64(1)})))

	res, err := e.Get(ctx, b, document.AllFields(), "doc:a")
	require.NoError(t, err)
	assert.Equal(t, model.Timestamp(100), res.Timestamp)
	assert.Equal(t, float64(2), res.Document.Fields["v"])

	// Both versions are retained for all-versions readers.
	iter, err := e.CreateIterator(ctx, b, document.NoFields(), selection.All(), selection.AllVersions)
	require.NoError(t, err)
	defer e.DestroyIterator(ctx, iter)
	entries, err := e.Iterate(ctx, iter, 1<<20)
	require.NoError(t, err)
	assert.Len(t, entries.Entries, 2)
}

func TestEngine_UsageListener(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	e, err := engine.Open(
		engine.WithResourceController(rc),
		engine.WithUsagePath(t.TempDir()),
	)
	require.NoError(t, err)
	defer e.Close()

	got := make(chan resource.Usage, 1)
	reg := e.RegisterResourceUsageListener(resource.UsageListenerFunc(func(u resource.Usage) {
		select {
		case got <- u:
		default:
		}
	}))
	defer reg.Close()

	u := <-got
	assert.GreaterOrEqual(t, u.Memory, 0.0)
	assert.LessOrEqual(t, u.Memory, 1.0)
}
