package merge

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-process PeerClient connecting handlers directly. It
// stands in for the real transport in tests and single-process setups.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[NodeIndex]*Handler
}

// NewLoopback creates an empty loopback network.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[NodeIndex]*Handler)}
}

// Add registers a node's handler.
func (l *Loopback) Add(node NodeIndex, h *Handler) {
	l.mu.Lock()
	l.handlers[node] = h
	l.mu.Unlock()
}

func (l *Loopback) handler(node NodeIndex) (*Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[node]
	if !ok {
		return nil, fmt.Errorf("node %d unreachable", node)
	}
	return h, nil
}

// GetBucketDiff implements PeerClient.
func (l *Loopback) GetBucketDiff(ctx context.Context, node NodeIndex, cmd *GetBucketDiffCmd) (*GetBucketDiffReply, error) {
	h, err := l.handler(node)
	if err != nil {
		return nil, err
	}
	return h.HandleGetBucketDiff(ctx, cmd)
}

// ApplyBucketDiff implements PeerClient.
func (l *Loopback) ApplyBucketDiff(ctx context.Context, node NodeIndex, cmd *ApplyBucketDiffCmd) (*ApplyBucketDiffReply, error) {
	h, err := l.handler(node)
	if err != nil {
		return nil, err
	}
	return h.HandleApplyBucketDiff(ctx, cmd)
}
