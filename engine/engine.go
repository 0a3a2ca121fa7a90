// Package engine provides the concrete in-memory persistence backend.
//
// The engine keeps every bucket's entries in a btree ordered by (timestamp,
// document id) plus a per-document version index, backed by a lid-based
// document meta store. An optional write-ahead log makes mutations durable;
// the snapshot package can archive whole bucket spaces through the Provider
// interface.
//
// Retention policy: all put versions are retained until RemoveEntry or
// CompactBucket drops them. Tombstones are compacted eagerly: only the
// newest remove per document id is kept, an older remove arriving later is
// accepted and discarded.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/resource"
	"github.com/hupe1980/bucketgo/wal"
)

// Compile time check to ensure Engine satisfies the Provider interface.
var _ bucketgo.Provider = (*Engine)(nil)

type options struct {
	codec         codec.Codec
	logger        *bucketgo.Logger
	metrics       bucketgo.MetricsCollector
	controller    *resource.Controller
	walPath       string
	walOptions    []func(*wal.Options)
	usagePath     string
	usageInterval time.Duration
}

// Option configures the engine.
type Option func(*options)

// WithCodec sets the codec used for document payload encoding (sizes, WAL
// records, merge payloads). Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *bucketgo.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. Defaults to no-op.
func WithMetrics(m bucketgo.MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithResourceController attaches a resource controller. Puts that exceed
// the controller's memory limit fail with CodeResourceExhausted, and the
// usage monitor reports the controller's memory fraction.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) { o.controller = c }
}

// WithWAL enables write-ahead logging at path. The log is replayed on Open.
func WithWAL(path string, optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walPath = path
		o.walOptions = optFns
	}
}

// WithUsagePath sets the filesystem path sampled for disk usage reporting.
func WithUsagePath(path string) Option {
	return func(o *options) { o.usagePath = path }
}

// WithUsageInterval sets the resource usage sampling interval.
func WithUsageInterval(d time.Duration) Option {
	return func(o *options) { o.usageInterval = d }
}

// Engine is the in-memory PersistenceProvider backend.
type Engine struct {
	mu     sync.RWMutex
	spaces map[model.BucketSpace]*spaceState

	iterMu    sync.Mutex
	iterators map[bucketgo.IteratorID]*iterator
	iterSeq   uint64

	codec   codec.Codec
	logger  *bucketgo.Logger
	metrics bucketgo.MetricsCollector
	rc      *resource.Controller
	monitor *resource.UsageMonitor
	wal     *wal.WAL

	closeOnce sync.Once
	closeErr  error
}

type spaceState struct {
	buckets  map[model.BucketID]*bucketState
	modified map[model.BucketID]struct{}
	nodeUp   bool
}

func newSpaceState() *spaceState {
	return &spaceState{
		buckets:  make(map[model.BucketID]*bucketState),
		modified: make(map[model.BucketID]struct{}),
		nodeUp:   true,
	}
}

// Open creates an engine and, when a WAL is configured, replays it.
func Open(optFns ...Option) (*Engine, error) {
	opts := options{
		codec:         codec.Default,
		logger:        bucketgo.NoopLogger(),
		metrics:       bucketgo.NoopMetricsCollector{},
		usageInterval: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		spaces:    make(map[model.BucketSpace]*spaceState),
		iterators: make(map[bucketgo.IteratorID]*iterator),
		codec:     opts.codec,
		logger:    opts.logger,
		metrics:   opts.metrics,
		rc:        opts.controller,
	}

	if opts.walPath != "" {
		if err := e.replayWAL(opts.walPath); err != nil {
			return nil, fmt.Errorf("replay wal: %w", err)
		}
		w, err := wal.Open(opts.walPath, opts.walOptions...)
		if err != nil {
			return nil, err
		}
		e.wal = w
	}

	e.monitor = resource.NewUsageMonitor(
		resource.ControllerUsage(opts.controller, opts.usagePath),
		opts.usageInterval,
	)
	e.monitor.Start()

	return e, nil
}

// RegisterResourceUsageListener implements bucketgo.Provider.
func (e *Engine) RegisterResourceUsageListener(l resource.UsageListener) *resource.Registration {
	return e.monitor.Register(l)
}

// Close stops the usage sampler and closes the WAL.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.monitor.Stop()
		if e.wal != nil {
			e.closeErr = e.wal.Close()
		}
	})
	return e.closeErr
}

// space returns the state for a bucket space, creating it on demand.
// Caller must hold e.mu.
func (e *Engine) spaceLocked(space model.BucketSpace) *spaceState {
	s, ok := e.spaces[space]
	if !ok {
		s = newSpaceState()
		e.spaces[space] = s
	}
	return s
}

// lookupBucket returns the bucket state or nil when the bucket was never
// created. Missing buckets read as empty by contract.
func (e *Engine) lookupBucket(b model.Bucket) *bucketState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.spaces[b.Space]
	if !ok {
		return nil
	}
	return s.buckets[b.ID]
}

// ensureBucket returns the bucket state, creating bucket and space on
// demand, and marks the bucket modified.
func (e *Engine) ensureBucket(b model.Bucket) *bucketState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureBucketLocked(b)
}

func (e *Engine) ensureBucketLocked(b model.Bucket) *bucketState {
	s := e.spaceLocked(b.Space)
	bs, ok := s.buckets[b.ID]
	if !ok {
		bs = newBucketState()
		s.buckets[b.ID] = bs
	}
	s.modified[b.ID] = struct{}{}
	return bs
}

func (e *Engine) markModified(b model.Bucket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spaceLocked(b.Space).modified[b.ID] = struct{}{}
}

func (e *Engine) releaseMemory(bytes int64) {
	e.rc.ReleaseMemory(bytes)
}
