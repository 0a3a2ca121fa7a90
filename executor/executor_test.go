package executor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo/model"
)

func bucket(bits uint64) model.Bucket {
	return model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, bits)}
}

func TestExecutor_SequencedPerBucket(t *testing.T) {
	e := New(8)
	defer e.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, e.Submit(bucket(1), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	e.Drain()

	require.Len(t, order, 100)
	for i, got := range order {
		assert.Equal(t, i, got, "same-bucket tasks must run in submission order")
	}
}

func TestExecutor_BucketsRunIndependently(t *testing.T) {
	e := New(2)
	defer e.Close()

	release := make(chan struct{})
	var ran atomic.Bool

	require.NoError(t, e.Submit(bucket(1), func() { <-release }))
	require.NoError(t, e.Submit(bucket(2), func() { ran.Store(true) }))

	// The second bucket's task must not queue behind the first bucket's.
	done := make(chan struct{})
	go func() {
		for !ran.Load() {
		}
		close(done)
	}()
	<-done
	close(release)
	e.Drain()
}

func TestExecutor_DrainBarrier(t *testing.T) {
	e := New(4)
	defer e.Close()

	var count atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Submit(bucket(uint64(i%5)), func() {
			count.Add(1)
		}))
	}
	e.Drain()
	assert.Equal(t, int64(50), count.Load())
}

func TestExecutor_SubmitAfterClose(t *testing.T) {
	e := New(1)
	e.Close()
	err := e.Submit(bucket(1), func() {})
	assert.ErrorIs(t, err, ErrClosed)
}
