package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo/model"
)

func sampleEntries() []*Entry {
	return []*Entry{
		{Op: OpCreateBucket, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 0x2a)},
		{
			Op:        OpPut,
			Space:     model.DefaultSpace,
			Bucket:    model.NewBucketID(8, 0x2a),
			Timestamp: 100,
			DocID:     "doc:a",
			Payload:   []byte(`{"id":"doc:a","type":"t","fields":{"n":1}}`),
		},
		{Op: OpRemove, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 0x2a), Timestamp: 110, DocID: "doc:a"},
		{
			Op:     OpSplit,
			Space:  model.GlobalSpace,
			Bucket: model.NewBucketID(4, 0x1),
			Aux1:   model.NewBucketID(5, 0x01),
			Aux2:   model.NewBucketID(5, 0x11),
		},
		{Op: OpSetActive, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 0x2a), Active: true},
	}
}

func roundtrip(t *testing.T, optFns ...func(*Options)) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutations.wal")

	w, err := Open(path, optFns...)
	require.NoError(t, err)
	want := sampleEntries()
	for _, e := range want {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())

	var got []*Entry
	require.NoError(t, Replay(path, func(e *Entry) error {
		clone := *e
		got = append(got, &clone)
		return nil
	}))

	require.Len(t, got, len(want))
	for i, e := range want {
		assert.Equal(t, e.Op, got[i].Op)
		assert.Equal(t, e.Space, got[i].Space)
		assert.Equal(t, e.Bucket, got[i].Bucket)
		assert.Equal(t, e.Aux1, got[i].Aux1)
		assert.Equal(t, e.Aux2, got[i].Aux2)
		assert.Equal(t, e.Timestamp, got[i].Timestamp)
		assert.Equal(t, e.DocID, got[i].DocID)
		assert.Equal(t, e.Payload, got[i].Payload)
		assert.Equal(t, e.Active, got[i].Active)
		assert.Equal(t, uint64(i+1), got[i].SeqNum)
	}
}

func TestWAL_Roundtrip(t *testing.T) {
	roundtrip(t)
}

func TestWAL_RoundtripCompressed(t *testing.T) {
	roundtrip(t, func(o *Options) { o.Compress = true })
}

func TestWAL_AppendAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(&Entry{Op: OpCreateBucket, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 1)}))
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(&Entry{Op: OpDeleteBucket, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 1)}))
	require.NoError(t, w.Close())

	var ops []Op
	var seqs []uint64
	require.NoError(t, Replay(path, func(e *Entry) error {
		ops = append(ops, e.Op)
		seqs = append(seqs, e.SeqNum)
		return nil
	}))
	assert.Equal(t, []Op{OpCreateBucket, OpDeleteBucket}, ops)
	assert.Equal(t, []uint64{1, 2}, seqs, "reopening continues the sequence instead of restarting it")
}

func TestWAL_TornTailIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(&Entry{Op: OpCreateBucket, Space: model.DefaultSpace, Bucket: model.NewBucketID(8, 1)}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a few bytes of a record, then nothing.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(OpPut), 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count := 0
	require.NoError(t, Replay(path, func(e *Entry) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count, "the torn record is dropped, everything before it survives")
}

func TestReplay_MissingFile(t *testing.T) {
	require.NoError(t, Replay(filepath.Join(t.TempDir(), "absent.wal"), func(e *Entry) error {
		t.Fatal("no entries expected")
		return nil
	}))
}
