// Package snapshot archives whole bucket spaces to a blob store and
// restores them into an empty provider.
//
// A snapshot is a set of per-bucket segment blobs plus a manifest listing
// them. The manifest is written last and the CURRENT pointer advances only
// after every segment is durable, so a reader following CURRENT always sees
// a complete snapshot. Against an S3 backend, pairing the store with a
// DynamoDB commit log makes the pointer update safe under concurrent
// writers.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/blobstore"
	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/resource"
	"github.com/hupe1980/bucketgo/selection"
)

// Compression selects the segment compression algorithm.
type Compression uint8

const (
	// NoCompression stores segments raw.
	NoCompression Compression = iota
	// Zstd favors ratio. The default.
	Zstd
	// LZ4 favors speed.
	LZ4
)

type options struct {
	codec       codec.Codec
	logger      *bucketgo.Logger
	controller  *resource.Controller
	compression Compression
	chunkSize   int
}

// Option configures the snapshot manager.
type Option func(*options)

// WithCodec sets the codec for segments and manifests.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *bucketgo.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResourceController throttles snapshot IO through the controller's
// background IO limit and takes a background worker slot per Save.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) { o.controller = c }
}

// WithCompression sets the segment compression. Defaults to Zstd.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithChunkSize sets the iteration chunk budget in bytes.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// Manager saves and restores snapshots through a Provider and a blob store.
type Manager struct {
	provider bucketgo.Provider
	store    blobstore.Store
	opts     options
}

// NewManager creates a snapshot manager.
func NewManager(provider bucketgo.Provider, store blobstore.Store, optFns ...Option) *Manager {
	opts := options{
		codec:       codec.Default,
		logger:      bucketgo.NoopLogger(),
		compression: Zstd,
		chunkSize:   1 << 20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{provider: provider, store: store, opts: opts}
}

// Save archives the given bucket spaces and advances CURRENT. Returns the
// snapshot id.
func (m *Manager) Save(ctx context.Context, spaces ...model.BucketSpace) (string, error) {
	if err := m.opts.controller.AcquireBackground(ctx); err != nil {
		return "", err
	}
	defer m.opts.controller.ReleaseBackground()

	id := uuid.NewString()
	manifest := Manifest{ID: id, CreatedAt: time.Now().UTC()}

	for _, space := range spaces {
		sm, err := m.saveSpace(ctx, id, space)
		if err != nil {
			m.opts.logger.LogSnapshot(ctx, id, space, err)
			return "", err
		}
		manifest.Spaces = append(manifest.Spaces, sm)
		m.opts.logger.LogSnapshot(ctx, id, space, nil)
	}

	manifestBlob := path.Join("snapshots", id, "MANIFEST")
	data, err := m.opts.codec.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := m.store.Put(ctx, manifestBlob, data); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := m.store.Put(ctx, CurrentName, []byte(manifestBlob)); err != nil {
		return "", fmt.Errorf("advance current pointer: %w", err)
	}
	return id, nil
}

func (m *Manager) saveSpace(ctx context.Context, id string, space model.BucketSpace) (SpaceManifest, error) {
	sm := SpaceManifest{Space: space}

	buckets, err := m.provider.ListBuckets(ctx, space)
	if err != nil {
		return sm, err
	}
	for _, bid := range buckets {
		b := model.Bucket{Space: space, ID: bid}
		bm, err := m.saveBucket(ctx, id, b)
		if err != nil {
			return sm, fmt.Errorf("archive %s: %w", b, err)
		}
		sm.Buckets = append(sm.Buckets, bm)
	}
	return sm, nil
}

func (m *Manager) saveBucket(ctx context.Context, id string, b model.Bucket) (BucketManifest, error) {
	info, err := m.provider.GetBucketInfo(ctx, b)
	if err != nil {
		return BucketManifest{}, err
	}

	iter, err := m.provider.CreateIterator(ctx, b, document.AllFields(), selection.All(), selection.AllVersions)
	if err != nil {
		return BucketManifest{}, err
	}
	defer func() { _ = m.provider.DestroyIterator(ctx, iter) }()

	var seg segment
	for {
		res, err := m.provider.Iterate(ctx, iter, m.opts.chunkSize)
		if err != nil {
			return BucketManifest{}, err
		}
		for _, entry := range res.Entries {
			se := segmentEntry{
				Tombstone: entry.IsTombstone(),
				Timestamp: entry.Timestamp,
				ID:        entry.ID,
			}
			if entry.Document != nil {
				se.Type = entry.Document.Type
				se.Fields = entry.Document.Fields
			}
			seg.Entries = append(seg.Entries, se)
		}
		if res.Completed {
			break
		}
	}

	blobName := path.Join("snapshots", id, string(b.Space), fmt.Sprintf("%016x-%d.seg", b.ID.Bits, b.ID.UsedBits))
	data, err := m.encodeSegment(ctx, &seg)
	if err != nil {
		return BucketManifest{}, err
	}
	if err := m.store.Put(ctx, blobName, data); err != nil {
		return BucketManifest{}, err
	}

	return BucketManifest{
		ID:       b.ID,
		Blob:     blobName,
		Entries:  len(seg.Entries),
		Checksum: info.Checksum,
		Active:   info.Active,
	}, nil
}

// Restore replays the snapshot named by id into the provider. An empty id
// follows the CURRENT pointer.
func (m *Manager) Restore(ctx context.Context, id string) error {
	manifestBlob := path.Join("snapshots", id, "MANIFEST")
	if id == "" {
		pointer, err := m.store.Get(ctx, CurrentName)
		if err != nil {
			return fmt.Errorf("read current pointer: %w", err)
		}
		manifestBlob = string(pointer)
	}

	data, err := m.store.Get(ctx, manifestBlob)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := m.opts.codec.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	for _, sm := range manifest.Spaces {
		for _, bm := range sm.Buckets {
			b := model.Bucket{Space: sm.Space, ID: bm.ID}
			if err := m.restoreBucket(ctx, b, bm); err != nil {
				m.opts.logger.LogSnapshot(ctx, manifest.ID, sm.Space, err)
				return err
			}
		}
		m.opts.logger.LogSnapshot(ctx, manifest.ID, sm.Space, nil)
	}
	return nil
}

func (m *Manager) restoreBucket(ctx context.Context, b model.Bucket, bm BucketManifest) error {
	data, err := m.store.Get(ctx, bm.Blob)
	if err != nil {
		return fmt.Errorf("read segment %s: %w", bm.Blob, err)
	}
	seg, err := m.decodeSegment(data)
	if err != nil {
		return fmt.Errorf("decode segment %s: %w", bm.Blob, err)
	}

	if err := m.provider.CreateBucket(ctx, b); err != nil {
		return err
	}
	for _, se := range seg.Entries {
		if se.Tombstone {
			if _, err := m.provider.Remove(ctx, b, se.Timestamp, se.ID); err != nil {
				return err
			}
			continue
		}
		doc := document.New(se.ID, se.Type)
		if se.Fields != nil {
			doc.Fields = se.Fields
		}
		if err := m.provider.Put(ctx, b, se.Timestamp, doc); err != nil {
			return err
		}
	}
	if bm.Active {
		if err := m.provider.SetActiveState(ctx, b, true); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the id of the snapshot the CURRENT pointer names.
func (m *Manager) Current(ctx context.Context) (string, error) {
	pointer, err := m.store.Get(ctx, CurrentName)
	if err != nil {
		return "", err
	}
	var manifest Manifest
	data, err := m.store.Get(ctx, string(pointer))
	if err != nil {
		return "", err
	}
	if err := m.opts.codec.Unmarshal(data, &manifest); err != nil {
		return "", err
	}
	return manifest.ID, nil
}

// encodeSegment marshals and compresses a segment. The writer path goes
// through the controller's IO limiter so archiving cannot starve foreground
// writes.
func (m *Manager) encodeSegment(ctx context.Context, seg *segment) ([]byte, error) {
	raw, err := m.opts.codec.Marshal(seg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(m.opts.compression))

	var w io.Writer = resource.NewRateLimitedWriter(ctx, &buf, m.opts.controller)
	switch m.opts.compression {
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		if _, err := enc.Write(raw); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	case LZ4:
		enc := lz4.NewWriter(w)
		if _, err := enc.Write(raw); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *Manager) decodeSegment(data []byte) (*segment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	comp := Compression(data[0])
	body := data[1:]

	var raw []byte
	switch comp {
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		raw, err = io.ReadAll(dec)
		if err != nil {
			return nil, err
		}
	case LZ4:
		var err error
		raw, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, err
		}
	case NoCompression:
		raw = body
	default:
		return nil, fmt.Errorf("unknown segment compression %d", comp)
	}

	var seg segment
	if err := m.opts.codec.Unmarshal(raw, &seg); err != nil {
		return nil, err
	}
	return &seg, nil
}
