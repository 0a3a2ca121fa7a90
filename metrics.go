package bucketgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordPut is called after each put operation.
	RecordPut(duration time.Duration, err error)

	// RecordRemove is called after each remove operation.
	RecordRemove(duration time.Duration, err error)

	// RecordUpdate is called after each update operation.
	RecordUpdate(duration time.Duration, err error)

	// RecordGet is called after each get operation.
	RecordGet(duration time.Duration, err error)

	// RecordIterate is called after each iterate chunk.
	// entries is the number of entries returned in the chunk.
	RecordIterate(entries int, duration time.Duration, err error)

	// RecordMerge is called after each completed or aborted merge.
	// applied is the number of diff entries applied locally.
	RecordMerge(applied int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)          {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)       {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)       {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)          {}
func (NoopMetricsCollector) RecordIterate(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordMerge(int, time.Duration, error)   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount        atomic.Int64
	PutErrors       atomic.Int64
	PutTotalNanos   atomic.Int64
	RemoveCount     atomic.Int64
	RemoveErrors    atomic.Int64
	UpdateCount     atomic.Int64
	UpdateErrors    atomic.Int64
	GetCount        atomic.Int64
	GetErrors       atomic.Int64
	GetTotalNanos   atomic.Int64
	IterateCount    atomic.Int64
	IterateEntries  atomic.Int64
	IterateErrors   atomic.Int64
	MergeCount      atomic.Int64
	MergeApplied    atomic.Int64
	MergeErrors     atomic.Int64
	MergeTotalNanos atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(duration time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordIterate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIterate(entries int, duration time.Duration, err error) {
	b.IterateCount.Add(1)
	b.IterateEntries.Add(int64(entries))
	if err != nil {
		b.IterateErrors.Add(1)
	}
}

// RecordMerge implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMerge(applied int, duration time.Duration, err error) {
	b.MergeCount.Add(1)
	b.MergeApplied.Add(int64(applied))
	b.MergeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.MergeErrors.Add(1)
	}
}
