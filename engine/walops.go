package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/bucketgo/document"
	"github.com/hupe1980/bucketgo/model"
	"github.com/hupe1980/bucketgo/wal"
)

// logWAL appends a mutation record. A nil WAL (logging disabled, or still
// replaying on Open) makes this a no-op, so the mutation paths can log
// unconditionally.
func (e *Engine) logWAL(entry *wal.Entry) error {
	if e.wal == nil {
		return nil
	}
	if err := e.wal.Append(entry); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	return nil
}

// replayWAL rebuilds the engine state from the log at path. It runs before
// e.wal is set, so the mutations it replays are not re-logged.
func (e *Engine) replayWAL(path string) error {
	ctx := context.Background()
	return wal.Replay(path, func(entry *wal.Entry) error {
		b := model.Bucket{Space: entry.Space, ID: entry.Bucket}
		switch entry.Op {
		case wal.OpCreateBucket:
			return e.CreateBucket(ctx, b)
		case wal.OpDeleteBucket:
			return e.DeleteBucket(ctx, b)
		case wal.OpPut:
			var doc document.Document
			if err := e.codec.Unmarshal(entry.Payload, &doc); err != nil {
				return fmt.Errorf("decode wal document %s: %w", entry.DocID, err)
			}
			return e.put(b, entry.Timestamp, &doc, false)
		case wal.OpRemove:
			_, err := e.remove(b, entry.Timestamp, entry.DocID, false)
			return err
		case wal.OpRemoveEntry:
			return e.RemoveEntry(ctx, b, entry.Timestamp)
		case wal.OpSplit:
			return e.Split(ctx, b,
				model.Bucket{Space: entry.Space, ID: entry.Aux1},
				model.Bucket{Space: entry.Space, ID: entry.Aux2},
			)
		case wal.OpJoin:
			return e.Join(ctx,
				model.Bucket{Space: entry.Space, ID: entry.Aux1},
				model.Bucket{Space: entry.Space, ID: entry.Aux2},
				b,
			)
		case wal.OpSetActive:
			return e.SetActiveState(ctx, b, entry.Active)
		default:
			return fmt.Errorf("unknown wal op %d", entry.Op)
		}
	})
}
