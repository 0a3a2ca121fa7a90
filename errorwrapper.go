package bucketgo

import (
	"context"
	"sync"

	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/resource"
	"github.com/hupe1980/bucketgo/selection"
)

// Compile time check to ensure ErrorWrapper satisfies the Provider interface.
var _ Provider = (*ErrorWrapper)(nil)

// ErrorWrapper decorates a Provider and inspects every result. Fatal errors
// are fanned out to fatal listeners (the node should begin shutdown);
// resource-exhausted errors are fanned out to exhaustion listeners (feed
// backpressure should engage). Everything else passes through unchanged.
//
// Listeners are invoked in registration order under a single mutex, so a
// slow listener serializes fan-out but can never corrupt the listener list.
type ErrorWrapper struct {
	inner Provider

	mu        sync.Mutex
	fatal     []func(msg string)
	exhausted []func(msg string)
}

// NewErrorWrapper wraps inner.
func NewErrorWrapper(inner Provider) *ErrorWrapper {
	return &ErrorWrapper{inner: inner}
}

// RegisterFatalListener adds a listener for CodeFatal results.
func (w *ErrorWrapper) RegisterFatalListener(fn func(msg string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fatal = append(w.fatal, fn)
}

// RegisterResourceExhaustionListener adds a listener for
// CodeResourceExhausted results.
func (w *ErrorWrapper) RegisterResourceExhaustionListener(fn func(msg string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exhausted = append(w.exhausted, fn)
}

func (w *ErrorWrapper) check(err error) error {
	switch CodeOf(err) {
	case CodeFatal:
		w.notify(err.Error(), true)
	case CodeResourceExhausted:
		w.notify(err.Error(), false)
	}
	return err
}

func (w *ErrorWrapper) notify(msg string, fatal bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	listeners := w.exhausted
	if fatal {
		listeners = w.fatal
	}
	for _, fn := range listeners {
		fn(msg)
	}
}

func (w *ErrorWrapper) CreateBucket(ctx context.Context, b model.Bucket) error {
	return w.check(w.inner.CreateBucket(ctx, b))
}

func (w *ErrorWrapper) DeleteBucket(ctx context.Context, b model.Bucket) error {
	return w.check(w.inner.DeleteBucket(ctx, b))
}

func (w *ErrorWrapper) ListBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error) {
	ids, err := w.inner.ListBuckets(ctx, space)
	return ids, w.check(err)
}

func (w *ErrorWrapper) GetBucketInfo(ctx context.Context, b model.Bucket) (model.BucketInfo, error) {
	info, err := w.inner.GetBucketInfo(ctx, b)
	return info, w.check(err)
}

func (w *ErrorWrapper) Put(ctx context.Context, b model.Bucket, ts model.Timestamp, doc *document.Document) error {
	return w.check(w.inner.Put(ctx, b, ts, doc))
}

func (w *ErrorWrapper) Remove(ctx context.Context, b model.Bucket, ts model.Timestamp, id model.DocumentID) (bool, error) {
	found, err := w.inner.Remove(ctx, b, ts, id)
	return found, w.check(err)
}

func (w *ErrorWrapper) RemoveBatch(ctx context.Context, b model.Bucket, ids []TimedID) (int, error) {
	n, err := w.inner.RemoveBatch(ctx, b, ids)
	return n, w.check(err)
}

func (w *ErrorWrapper) RemoveBatchAsync(ctx context.Context, b model.Bucket, ids []TimedID) <-chan RemoveBatchResult {
	inner := w.inner.RemoveBatchAsync(ctx, b, ids)
	out := make(chan RemoveBatchResult, 1)
	go func() {
		defer close(out)
		res := <-inner
		res.Err = w.check(res.Err)
		out <- res
	}()
	return out
}

func (w *ErrorWrapper) Update(ctx context.Context, b model.Bucket, ts model.Timestamp, upd *document.Update) (model.Timestamp, error) {
	prior, err := w.inner.Update(ctx, b, ts, upd)
	return prior, w.check(err)
}

func (w *ErrorWrapper) Get(ctx context.Context, b model.Bucket, fs document.FieldSet, id model.DocumentID) (GetResult, error) {
	res, err := w.inner.Get(ctx, b, fs, id)
	return res, w.check(err)
}

func (w *ErrorWrapper) CreateIterator(ctx context.Context, b model.Bucket, fs document.FieldSet, sel selection.Selection, versions selection.IncludedVersions) (IteratorID, error) {
	id, err := w.inner.CreateIterator(ctx, b, fs, sel, versions)
	return id, w.check(err)
}

func (w *ErrorWrapper) Iterate(ctx context.Context, id IteratorID, maxByteSize int) (IterateResult, error) {
	res, err := w.inner.Iterate(ctx, id, maxByteSize)
	return res, w.check(err)
}

func (w *ErrorWrapper) DestroyIterator(ctx context.Context, id IteratorID) error {
	return w.check(w.inner.DestroyIterator(ctx, id))
}

func (w *ErrorWrapper) Split(ctx context.Context, source, target1, target2 model.Bucket) error {
	return w.check(w.inner.Split(ctx, source, target1, target2))
}

func (w *ErrorWrapper) Join(ctx context.Context, source1, source2, target model.Bucket) error {
	return w.check(w.inner.Join(ctx, source1, source2, target))
}

func (w *ErrorWrapper) RemoveEntry(ctx context.Context, b model.Bucket, ts model.Timestamp) error {
	return w.check(w.inner.RemoveEntry(ctx, b, ts))
}

func (w *ErrorWrapper) SetActiveState(ctx context.Context, b model.Bucket, active bool) error {
	return w.check(w.inner.SetActiveState(ctx, b, active))
}

func (w *ErrorWrapper) SetClusterState(ctx context.Context, space model.BucketSpace, state ClusterState) error {
	return w.check(w.inner.SetClusterState(ctx, space, state))
}

func (w *ErrorWrapper) GetModifiedBuckets(ctx context.Context, space model.BucketSpace) ([]model.BucketID, error) {
	ids, err := w.inner.GetModifiedBuckets(ctx, space)
	return ids, w.check(err)
}

func (w *ErrorWrapper) RegisterResourceUsageListener(l resource.UsageListener) *resource.Registration {
	return w.inner.RegisterResourceUsageListener(l)
}

func (w *ErrorWrapper) Close() error {
	return w.check(w.inner.Close())
}
