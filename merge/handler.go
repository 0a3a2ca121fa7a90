package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/codec"
	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/executor"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/selection"
)

// PeerClient sends merge commands to another participant. Implementations
// own the transport; Loopback is the in-process one.
type PeerClient interface {
	GetBucketDiff(ctx context.Context, node NodeIndex, cmd *GetBucketDiffCmd) (*GetBucketDiffReply, error)
	ApplyBucketDiff(ctx context.Context, node NodeIndex, cmd *ApplyBucketDiffCmd) (*ApplyBucketDiffReply, error)
}

type options struct {
	codec        codec.Codec
	logger       *bucketgo.Logger
	metrics      bucketgo.MetricsCollector
	repo         *document.Repo
	maxChunkSize int
	minChainSize int
	workers      int64
}

// Option configures a Handler.
type Option func(*options)

// WithCodec sets the codec for diff payloads.
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

// WithMetrics sets the metrics collector.
func WithMetrics(m bucketgo.MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithRepo sets the document type repo diff payloads are validated against.
func WithRepo(r *document.Repo) Option {
	return func(o *options) { o.repo = r }
}

// WithMaxChunkSize caps the payload bytes per apply round.
func WithMaxChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChunkSize = n
		}
	}
}

// WithMinChainSize sets the smallest participant count at which the diff
// walk may stop early once the visited replicas agree.
func WithMinChainSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minChainSize = n
		}
	}
}

// WithWorkers caps concurrent diff application across buckets.
func WithWorkers(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Handler runs the reconciliation protocol for one node: it coordinates
// merges it initiates and serves diff/apply commands for merges coordinated
// elsewhere.
type Handler struct {
	node     NodeIndex
	provider bucketgo.Provider
	peers    PeerClient
	exec     *executor.Executor
	opts     options
}

// NewHandler creates a merge handler for the given node.
func NewHandler(node NodeIndex, provider bucketgo.Provider, peers PeerClient, optFns ...Option) *Handler {
	opts := options{
		codec:        codec.Default,
		logger:       bucketgo.NoopLogger(),
		metrics:      bucketgo.NoopMetricsCollector{},
		maxChunkSize: 1 << 20,
		minChainSize: 2,
		workers:      4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Handler{
		node:     node,
		provider: provider,
		peers:    peers,
		exec:     executor.New(opts.workers),
		opts:     opts,
	}
}

// SetPeers installs the peer client. Loopback wiring needs the handlers to
// exist before the client that connects them.
func (h *Handler) SetPeers(peers PeerClient) { h.peers = peers }

// Close drains outstanding diff application.
func (h *Handler) Close() { h.exec.Close() }

// DrainAsyncWrites blocks until every diff entry handed to the executor so
// far has been applied. Coordinators call it before reporting success.
func (h *Handler) DrainAsyncWrites() { h.exec.Drain() }

// NewSpec creates a merge spec with a fresh merge id.
func NewSpec(b model.Bucket, nodes []NodeIndex, maxTS model.Timestamp) Spec {
	if maxTS == 0 {
		maxTS = model.MaxTimestamp
	}
	return Spec{ID: uuid.NewString(), Bucket: b, Nodes: nodes, MaxTimestamp: maxTS}
}

// BuildBucketInfoList summarizes the local bucket as a sorted info list of
// every retained entry up to maxTS.
func (h *Handler) BuildBucketInfoList(ctx context.Context, b model.Bucket, maxTS model.Timestamp) ([]Entry, error) {
	sel := selection.Selection{To: maxTS}
	iter, err := h.provider.CreateIterator(ctx, b, document.NoFields(), sel, selection.AllVersions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.provider.DestroyIterator(ctx, iter) }()

	var out []Entry
	for {
		res, err := h.provider.Iterate(ctx, iter, h.opts.maxChunkSize)
		if err != nil {
			return nil, err
		}
		for _, de := range res.Entries {
			e := Entry{
				Timestamp: de.Timestamp,
				ID:        de.ID,
				GID:       model.GlobalIDOf(de.ID),
				Flags:     FlagInUse,
				Size:      de.Size,
			}
			if de.IsTombstone() {
				e.Flags = FlagDeleted
			}
			out = append(out, e)
		}
		if res.Completed {
			return out, nil
		}
	}
}

// Merge coordinates one merge: walks the participant chain to assemble the
// union diff, then drives apply rounds until every participant holds every
// entry. Any peer failure aborts this merge and nothing else; each applied
// entry was a single atomic provider call, so no partial state leaks.
func (h *Handler) Merge(ctx context.Context, spec Spec) error {
	start := time.Now()
	applied, err := h.merge(ctx, spec)
	h.opts.metrics.RecordMerge(applied, time.Since(start), err)
	h.opts.logger.LogMerge(ctx, spec.ID, spec.Bucket, applied, err)
	return err
}

func (h *Handler) merge(ctx context.Context, spec Spec) (int, error) {
	selfBit, err := spec.bitOf(h.node)
	if err != nil {
		return 0, err
	}

	local, err := h.BuildBucketInfoList(ctx, spec.Bucket, spec.MaxTimestamp)
	if err != nil {
		return 0, err
	}
	diff := make([]Entry, len(local))
	copy(diff, local)
	for i := range diff {
		diff[i].HasMask = 1 << selfBit
	}

	visitedMask := uint16(1) << selfBit
	visited := 1
	for bit, node := range spec.Nodes {
		if node == h.node {
			continue
		}
		reply, err := h.peers.GetBucketDiff(ctx, node, &GetBucketDiffCmd{
			MergeID:      spec.ID,
			Bucket:       spec.Bucket,
			Nodes:        spec.Nodes,
			NodeBit:      uint16(bit),
			MaxTimestamp: spec.MaxTimestamp,
			Diff:         diff,
		})
		if err != nil {
			return 0, fmt.Errorf("merge %s: diff from node %d: %w", spec.ID, node, err)
		}
		diff = reply.Diff
		visitedMask |= 1 << uint16(bit)
		visited++

		// Once enough replicas agree on everything, the remaining hops
		// cannot contribute new entries worth a round-trip; treat the
		// unvisited tail as already in sync.
		if visited >= h.opts.minChainSize && visited < len(spec.Nodes) && allHeldBy(diff, visitedMask) {
			for i := range diff {
				diff[i].HasMask = spec.fullMask()
			}
			break
		}
	}

	pending := pendingEntries(diff, spec.fullMask())
	if len(pending) == 0 {
		return 0, nil
	}

	applied, err := h.applyRounds(ctx, spec, selfBit, pending)
	if err != nil {
		return applied, err
	}
	h.DrainAsyncWrites()
	return applied, nil
}

// applyRounds exchanges missing entries in byte-bounded rounds: first pull
// what the coordinator lacks, then push to each participant that lacks
// something, until the union is everywhere.
func (h *Handler) applyRounds(ctx context.Context, spec Spec, selfBit uint16, pending []Entry) (int, error) {
	applied := 0

	// Pull: entries the coordinator lacks, fetched from any holder.
	for {
		missing := missingOn(pending, selfBit)
		if len(missing) == 0 {
			break
		}
		holder, holderBit, err := spec.holderOf(missing[0], h.node)
		if err != nil {
			return applied, fmt.Errorf("merge %s: %w", spec.ID, err)
		}
		round := roundFor(missing, holderBit, h.opts.maxChunkSize)
		reply, err := h.peers.ApplyBucketDiff(ctx, holder, &ApplyBucketDiffCmd{
			MergeID:      spec.ID,
			Bucket:       spec.Bucket,
			Entries:      round,
			MaxChunkSize: h.opts.maxChunkSize,
		})
		if err != nil {
			return applied, fmt.Errorf("merge %s: fetch from node %d: %w", spec.ID, holder, err)
		}
		n, err := h.applyLocal(ctx, spec.Bucket, reply.Entries)
		if err != nil {
			return applied, err
		}
		applied += n
		markApplied(pending, reply.Entries, selfBit)
	}

	// Push: every entry is now local; fill payloads here and ship them to
	// each participant still missing some.
	for bit, node := range spec.Nodes {
		if node == h.node {
			continue
		}
		for {
			missing := missingOn(pending, uint16(bit))
			if len(missing) == 0 {
				break
			}
			round := roundFor(missing, selfBit, h.opts.maxChunkSize)
			if err := h.fillPayloads(ctx, spec.Bucket, round, h.opts.maxChunkSize); err != nil {
				return applied, err
			}
			round = filledEntries(round)
			reply, err := h.peers.ApplyBucketDiff(ctx, node, &ApplyBucketDiffCmd{
				MergeID:      spec.ID,
				Bucket:       spec.Bucket,
				Entries:      round,
				MaxChunkSize: h.opts.maxChunkSize,
			})
			if err != nil {
				return applied, fmt.Errorf("merge %s: apply on node %d: %w", spec.ID, node, err)
			}
			markApplied(pending, reply.Entries, uint16(bit))
		}
	}
	return applied, nil
}

// HandleGetBucketDiff serves the diff phase: fold this node's info list
// into the incoming diff and flag everything it already holds.
func (h *Handler) HandleGetBucketDiff(ctx context.Context, cmd *GetBucketDiffCmd) (*GetBucketDiffReply, error) {
	local, err := h.BuildBucketInfoList(ctx, cmd.Bucket, cmd.MaxTimestamp)
	if err != nil {
		return nil, err
	}

	index := make(map[key]int, len(cmd.Diff))
	diff := make([]Entry, len(cmd.Diff))
	copy(diff, cmd.Diff)
	for i, e := range diff {
		index[key{ts: e.Timestamp, id: e.ID}] = i
	}

	bit := uint16(1) << cmd.NodeBit
	for _, e := range local {
		k := key{ts: e.Timestamp, id: e.ID}
		if i, ok := index[k]; ok {
			diff[i].HasMask |= bit
			continue
		}
		e.HasMask = bit
		diff = append(diff, e)
		index[k] = len(diff) - 1
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Timestamp != diff[j].Timestamp {
			return diff[i].Timestamp < diff[j].Timestamp
		}
		return diff[i].ID < diff[j].ID
	})
	return &GetBucketDiffReply{Diff: diff}, nil
}

// HandleApplyBucketDiff serves one apply round: apply incoming payloads this
// node lacks, fill requested payloads from the local store up to the chunk
// budget, and report both back.
func (h *Handler) HandleApplyBucketDiff(ctx context.Context, cmd *ApplyBucketDiffCmd) (*ApplyBucketDiffReply, error) {
	var toApply []AppliedEntry
	var toFill []AppliedEntry
	for _, ae := range cmd.Entries {
		if len(ae.Payload) > 0 || ae.Entry.Flags.IsDeleted() {
			toApply = append(toApply, ae)
		} else {
			toFill = append(toFill, ae)
		}
	}

	if _, err := h.applyLocal(ctx, cmd.Bucket, toApply); err != nil {
		return nil, err
	}

	if len(toFill) > 0 {
		budget := cmd.MaxChunkSize
		if budget <= 0 {
			budget = h.opts.maxChunkSize
		}
		if err := h.fillPayloads(ctx, cmd.Bucket, toFill, budget); err != nil {
			return nil, err
		}
	}

	reply := &ApplyBucketDiffReply{Entries: append(toApply, toFill...)}
	return reply, nil
}

// applyLocal replays diff entries into the local provider through the
// per-bucket executor. Tombstones become removes, payloads are decoded
// against the type repo and become puts. Returns how many entries carried
// enough data to apply.
func (h *Handler) applyLocal(ctx context.Context, b model.Bucket, entries []AppliedEntry) (int, error) {
	var (
		mu       sync.Mutex
		firstErr error
	)
	applied := 0
	for _, ae := range entries {
		ae := ae
		if !ae.Entry.Flags.IsDeleted() && len(ae.Payload) == 0 {
			continue
		}
		applied++
		err := h.exec.Submit(b, func() {
			var err error
			if ae.Entry.Flags.IsDeleted() {
				_, err = h.provider.Remove(ctx, b, ae.Entry.Timestamp, ae.Entry.ID)
			} else {
				var doc *document.Document
				doc, err = h.opts.repo.Decode(h.opts.codec, ae.Payload)
				if err == nil {
					err = h.provider.Put(ctx, b, ae.Entry.Timestamp, doc)
				}
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
		if err != nil {
			return applied, err
		}
	}
	h.exec.Drain()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return applied, fmt.Errorf("apply diff entry: %w", firstErr)
	}
	return applied, nil
}

// fillPayloads loads the serialized documents for non-tombstone entries
// from the local store, filling at least one and stopping once the byte
// budget is spent; entries beyond the budget stay unfilled for a later
// round. The timestamp-subset selection pins the exact versions the diff
// names.
func (h *Handler) fillPayloads(ctx context.Context, b model.Bucket, entries []AppliedEntry, budget int) error {
	var timestamps []model.Timestamp
	need := make(map[key]int)
	bytes := 0
	for i, ae := range entries {
		if ae.Entry.Flags.IsDeleted() || len(ae.Payload) > 0 {
			continue
		}
		size := ae.Entry.budgetSize()
		if len(need) > 0 && bytes+size > budget {
			break
		}
		timestamps = append(timestamps, ae.Entry.Timestamp)
		need[key{ts: ae.Entry.Timestamp, id: ae.Entry.ID}] = i
		bytes += size
	}
	if len(need) == 0 {
		return nil
	}

	sel := selection.Selection{Timestamps: timestamps}
	iter, err := h.provider.CreateIterator(ctx, b, document.AllFields(), sel, selection.AllVersions)
	if err != nil {
		return err
	}
	defer func() { _ = h.provider.DestroyIterator(ctx, iter) }()

	for {
		res, err := h.provider.Iterate(ctx, iter, h.opts.maxChunkSize)
		if err != nil {
			return err
		}
		for _, de := range res.Entries {
			i, ok := need[key{ts: de.Timestamp, id: de.ID}]
			if !ok || de.Document == nil {
				continue
			}
			payload, err := h.opts.codec.Marshal(de.Document)
			if err != nil {
				return fmt.Errorf("encode diff payload %s: %w", de.ID, err)
			}
			entries[i].Payload = payload
		}
		if res.Completed {
			break
		}
	}

	for k, i := range need {
		if len(entries[i].Payload) == 0 {
			return fmt.Errorf("diff entry %s@%d not found locally", k.id, k.ts)
		}
	}
	return nil
}

// bitOf returns the HasMask bit position of node within the spec.
func (s Spec) bitOf(node NodeIndex) (uint16, error) {
	for i, n := range s.Nodes {
		if n == node {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("node %d is not a merge participant", node)
}

// holderOf picks a participant other than self that holds e.
func (s Spec) holderOf(e Entry, self NodeIndex) (NodeIndex, uint16, error) {
	for i, n := range s.Nodes {
		if n == self {
			continue
		}
		if e.HasMask&(1<<uint16(i)) != 0 {
			return n, uint16(i), nil
		}
	}
	return 0, 0, fmt.Errorf("no participant holds entry %s@%d", e.ID, e.Timestamp)
}

// pendingEntries returns the entries some participant still lacks.
func pendingEntries(diff []Entry, full uint16) []Entry {
	var out []Entry
	for _, e := range diff {
		if e.HasMask != full {
			out = append(out, e)
		}
	}
	return out
}

// allHeldBy reports whether every entry is held by all nodes in mask.
func allHeldBy(diff []Entry, mask uint16) bool {
	for _, e := range diff {
		if e.HasMask&mask != mask {
			return false
		}
	}
	return true
}

// missingOn returns the pending entries the node at bit does not hold.
func missingOn(pending []Entry, bit uint16) []Entry {
	var out []Entry
	for _, e := range pending {
		if e.HasMask&(1<<bit) == 0 {
			out = append(out, e)
		}
	}
	return out
}

// roundFor packs entries held by holderBit into one apply round, bounded by
// the byte budget but never empty.
func roundFor(missing []Entry, holderBit uint16, budget int) []AppliedEntry {
	var (
		out   []AppliedEntry
		bytes int
	)
	for _, e := range missing {
		if e.HasMask&(1<<holderBit) == 0 {
			continue
		}
		size := e.budgetSize()
		if len(out) > 0 && bytes+size > budget {
			break
		}
		out = append(out, AppliedEntry{Entry: e})
		bytes += size
	}
	return out
}

// markApplied sets bit on every pending entry matching an applied one.
// Entries the peer returned without a payload were deferred by its byte
// budget and stay pending for a later round.
func markApplied(pending []Entry, applied []AppliedEntry, bit uint16) {
	index := make(map[key]int, len(pending))
	for i, e := range pending {
		index[key{ts: e.Timestamp, id: e.ID}] = i
	}
	for _, ae := range applied {
		if !ae.Entry.Flags.IsDeleted() && len(ae.Payload) == 0 {
			continue
		}
		if i, ok := index[key{ts: ae.Entry.Timestamp, id: ae.Entry.ID}]; ok {
			pending[i].HasMask |= 1 << bit
		}
	}
}

// filledEntries keeps the entries of a round that can travel: tombstones
// and entries whose payload fit the budget.
func filledEntries(round []AppliedEntry) []AppliedEntry {
	out := round[:0]
	for _, ae := range round {
		if ae.Entry.Flags.IsDeleted() || len(ae.Payload) > 0 {
			out = append(out, ae)
		}
	}
	return out
}
