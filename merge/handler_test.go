package merge_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/engine"
	"github.com/hupe1980/bucketgo/merge"
	"github.com/hupe1980/bucketgo/model"
)

type node struct {
	provider bucketgo.Provider
	handler  *merge.Handler
}

// newCluster wires n in-process nodes through a loopback transport.
func newCluster(t *testing.T, n int, optFns ...merge.Option) ([]*node, *merge.Loopback) {
	t.Helper()
	lb := merge.NewLoopback()
	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		e, err := engine.Open()
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })

		h := merge.NewHandler(merge.NodeIndex(i), e, lb, optFns...)
		t.Cleanup(h.Close)
		lb.Add(merge.NodeIndex(i), h)
		nodes[i] = &node{provider: e, handler: h}
	}
	return nodes, lb
}

func mergeBucket() model.Bucket {
	return model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x11)}
}

func putDoc(t *testing.T, p bucketgo.Provider, b model.Bucket, ts model.Timestamp, id model.DocumentID) {
	t.Helper()
	doc := document.New(id, "testdoc")
	doc.Fields["origin"] = string(id)
	require.NoError(t, p.Put(context.Background(), b, ts, doc))
}

func info(t *testing.T, p bucketgo.Provider, b model.Bucket) model.BucketInfo {
	t.Helper()
	bi, err := p.GetBucketInfo(context.Background(), b)
	require.NoError(t, err)
	return bi
}

func TestMerge_ReconcilesDivergentReplicas(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 3)
	b := mergeBucket()

	// Replica 0 and 1 each hold writes the other missed; replica 2 is a
	// fresh node with nothing at all.
	putDoc(t, nodes[0].provider, b, 10, "doc:a")
	putDoc(t, nodes[0].provider, b, 20, "doc:b")
	putDoc(t, nodes[1].provider, b, 20, "doc:b")
	putDoc(t, nodes[1].provider, b, 30, "doc:c")
	_, err := nodes[1].provider.Remove(ctx, b, 40, "doc:d")
	require.NoError(t, err)

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1, 2}, 0)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))

	want := info(t, nodes[0].provider, b)
	for i := 1; i < 3; i++ {
		got := info(t, nodes[i].provider, b)
		assert.Equal(t, want.Checksum, got.Checksum, "node %d diverged", i)
		assert.Equal(t, want.DocumentCount, got.DocumentCount, "node %d diverged", i)
	}

	// The tombstone travelled too.
	res, err := nodes[2].provider.Get(ctx, b, document.AllFields(), "doc:d")
	require.NoError(t, err)
	assert.True(t, res.Tombstone)
	res, err = nodes[2].provider.Get(ctx, b, document.AllFields(), "doc:a")
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, "doc:a", res.Document.Fields["origin"])
}

func TestMerge_InSyncReplicasAreUntouched(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 3)
	b := mergeBucket()

	for _, n := range nodes {
		putDoc(t, n.provider, b, 10, "doc:a")
		putDoc(t, n.provider, b, 20, "doc:b")
	}
	before := info(t, nodes[0].provider, b)

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1, 2}, 0)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))

	for _, n := range nodes {
		assert.Equal(t, before, info(t, n.provider, b))
	}
}

func TestMerge_ChunkedRounds(t *testing.T) {
	ctx := context.Background()

	// A one-byte chunk budget forces one entry per apply round; the merge
	// must still converge, just in more round-trips.
	nodes, _ := newCluster(t, 2, merge.WithMaxChunkSize(1))
	b := mergeBucket()

	for i := 0; i < 10; i++ {
		putDoc(t, nodes[0].provider, b, model.Timestamp(100+i), model.DocumentID(fmt.Sprintf("doc:%d", i)))
	}

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1}, 0)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))

	assert.Equal(t, info(t, nodes[0].provider, b), info(t, nodes[1].provider, b))
	assert.Equal(t, 10, info(t, nodes[1].provider, b).DocumentCount)
}

func TestMerge_PullsEntriesTheCoordinatorLacks(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 2)
	b := mergeBucket()

	// Only the non-coordinating replica holds data.
	putDoc(t, nodes[1].provider, b, 10, "doc:a")
	putDoc(t, nodes[1].provider, b, 20, "doc:b")

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1}, 0)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))

	assert.Equal(t, 2, info(t, nodes[0].provider, b).DocumentCount)
	assert.Equal(t, info(t, nodes[1].provider, b).Checksum, info(t, nodes[0].provider, b).Checksum)
}

func TestMerge_MaxTimestampExcludesNewerWrites(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 2)
	b := mergeBucket()

	putDoc(t, nodes[0].provider, b, 10, "doc:old")
	putDoc(t, nodes[0].provider, b, 500, "doc:new")

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1}, 100)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))

	assert.Equal(t, 1, info(t, nodes[1].provider, b).DocumentCount)
	res, err := nodes[1].provider.Get(ctx, b, document.NoFields(), "doc:new")
	require.NoError(t, err)
	assert.Nil(t, res.Document)
	assert.False(t, res.Tombstone)
}

func TestMerge_UnreachableNodeAborts(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 2)
	b := mergeBucket()

	// Divergence guarantees the chain walk cannot stop before node 7.
	putDoc(t, nodes[0].provider, b, 10, "doc:a")

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1, 7}, 0)
	err := nodes[0].handler.Merge(ctx, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")

	// The reachable replica is left untouched rather than half-merged with
	// a phantom participant.
	assert.Equal(t, 0, info(t, nodes[1].provider, b).DocumentCount)
}

func TestMerge_CoordinatorMustParticipate(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 3)

	spec := merge.NewSpec(mergeBucket(), []merge.NodeIndex{1, 2}, 0)
	err := nodes[0].handler.Merge(ctx, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a merge participant")
}

func TestMerge_RepoRejectsUnknownTypes(t *testing.T) {
	ctx := context.Background()

	repo := document.NewRepo(&document.DocType{Name: "known"})
	nodes, _ := newCluster(t, 2, merge.WithRepo(repo))
	b := mergeBucket()

	doc := document.New("doc:x", "stranger")
	require.NoError(t, nodes[1].provider.Put(ctx, b, 10, doc))

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1}, 0)
	err := nodes[0].handler.Merge(ctx, spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, document.ErrUnknownType)
}

// countingPeers wraps a PeerClient and records how many filled payloads
// each ApplyBucketDiff reply carried.
type countingPeers struct {
	inner  merge.PeerClient
	rounds []int
}

func (c *countingPeers) GetBucketDiff(ctx context.Context, node merge.NodeIndex, cmd *merge.GetBucketDiffCmd) (*merge.GetBucketDiffReply, error) {
	return c.inner.GetBucketDiff(ctx, node, cmd)
}

func (c *countingPeers) ApplyBucketDiff(ctx context.Context, node merge.NodeIndex, cmd *merge.ApplyBucketDiffCmd) (*merge.ApplyBucketDiffReply, error) {
	reply, err := c.inner.ApplyBucketDiff(ctx, node, cmd)
	if err == nil {
		filled := 0
		for _, ae := range reply.Entries {
			if len(ae.Payload) > 0 {
				filled++
			}
		}
		c.rounds = append(c.rounds, filled)
	}
	return reply, err
}

func TestMerge_RoundPayloadsRespectChunkSize(t *testing.T) {
	ctx := context.Background()
	nodes, lb := newCluster(t, 2, merge.WithMaxChunkSize(1))
	counter := &countingPeers{inner: lb}
	nodes[0].handler.SetPeers(counter)
	b := mergeBucket()

	for i := 0; i < 8; i++ {
		putDoc(t, nodes[1].provider, b, model.Timestamp(100+i), model.DocumentID(fmt.Sprintf("doc:%d", i)))
	}

	spec := merge.NewSpec(b, []merge.NodeIndex{0, 1}, 0)
	require.NoError(t, nodes[0].handler.Merge(ctx, spec))
	assert.Equal(t, info(t, nodes[1].provider, b), info(t, nodes[0].provider, b))

	// A one-byte budget admits one payload per round: pulling eight
	// documents takes eight round-trips, never one oversized reply.
	require.Len(t, counter.rounds, 8)
	for i, filled := range counter.rounds {
		assert.Equal(t, 1, filled, "round %d", i)
	}
}

func TestHandleApplyBucketDiff_FillBoundedByChunkSize(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 1)
	b := mergeBucket()

	for i := 0; i < 5; i++ {
		putDoc(t, nodes[0].provider, b, model.Timestamp(100+i), model.DocumentID(fmt.Sprintf("doc:%d", i)))
	}
	list, err := nodes[0].handler.BuildBucketInfoList(ctx, b, model.MaxTimestamp)
	require.NoError(t, err)
	require.Len(t, list, 5)

	entries := make([]merge.AppliedEntry, 0, len(list))
	for _, e := range list {
		assert.Positive(t, e.Size, "info lists carry the encoded size")
		entries = append(entries, merge.AppliedEntry{Entry: e})
	}

	reply, err := nodes[0].handler.HandleApplyBucketDiff(ctx, &merge.ApplyBucketDiffCmd{
		MergeID:      "fill-budget",
		Bucket:       b,
		Entries:      entries,
		MaxChunkSize: 1,
	})
	require.NoError(t, err)
	require.Len(t, reply.Entries, 5)

	filled := 0
	for _, ae := range reply.Entries {
		if len(ae.Payload) > 0 {
			filled++
		}
	}
	assert.Equal(t, 1, filled, "the serving side honors the round's byte budget")
}

func TestHandler_BuildBucketInfoList(t *testing.T) {
	ctx := context.Background()
	nodes, _ := newCluster(t, 1)
	b := mergeBucket()

	putDoc(t, nodes[0].provider, b, 10, "doc:a")
	putDoc(t, nodes[0].provider, b, 20, "doc:b")
	_, err := nodes[0].provider.Remove(ctx, b, 30, "doc:a")
	require.NoError(t, err)

	list, err := nodes[0].handler.BuildBucketInfoList(ctx, b, model.MaxTimestamp)
	require.NoError(t, err)
	require.Len(t, list, 3)

	flags := make(map[model.Timestamp]merge.DiffFlags, len(list))
	for _, e := range list {
		assert.Equal(t, model.GlobalIDOf(e.ID), e.GID)
		flags[e.Timestamp] = e.Flags
	}
	assert.Equal(t, merge.FlagInUse, flags[10])
	assert.Equal(t, merge.FlagInUse, flags[20])
	assert.Equal(t, merge.FlagDeleted, flags[30])

	// The timestamp bound trims the list.
	list, err = nodes[0].handler.BuildBucketInfoList(ctx, b, 15)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.Timestamp(10), list[0].Timestamp)
}

func TestNewSpec_Defaults(t *testing.T) {
	a := merge.NewSpec(mergeBucket(), []merge.NodeIndex{0, 1}, 0)
	b := merge.NewSpec(mergeBucket(), []merge.NodeIndex{0, 1}, 0)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "every merge gets its own id")
	assert.Equal(t, model.MaxTimestamp, a.MaxTimestamp)

	c := merge.NewSpec(mergeBucket(), []merge.NodeIndex{0, 1}, 42)
	assert.Equal(t, model.Timestamp(42), c.MaxTimestamp)
}
