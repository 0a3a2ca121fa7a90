package bucketgo

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/bucketgo/model"
)

// Logger wraps slog.Logger with persistence-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithBucket adds a bucket field to the logger.
func (l *Logger) WithBucket(b model.Bucket) *Logger {
	return &Logger{Logger: l.Logger.With("bucket", b.String())}
}

// WithSpace adds a bucket-space field to the logger.
func (l *Logger) WithSpace(space model.BucketSpace) *Logger {
	return &Logger{Logger: l.Logger.With("space", string(space))}
}

// LogPut logs a put operation.
func (l *Logger) LogPut(ctx context.Context, b model.Bucket, ts model.Timestamp, id model.DocumentID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"bucket", b.String(),
			"timestamp", uint64(ts),
			"doc", string(id),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"bucket", b.String(),
			"timestamp", uint64(ts),
			"doc", string(id),
		)
	}
}

// LogRemove logs a remove operation.
func (l *Logger) LogRemove(ctx context.Context, b model.Bucket, ts model.Timestamp, id model.DocumentID, found bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove failed",
			"bucket", b.String(),
			"timestamp", uint64(ts),
			"doc", string(id),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remove completed",
			"bucket", b.String(),
			"timestamp", uint64(ts),
			"doc", string(id),
			"was_found", found,
		)
	}
}

// LogSplit logs a bucket split.
func (l *Logger) LogSplit(ctx context.Context, source, target1, target2 model.Bucket, err error) {
	if err != nil {
		l.ErrorContext(ctx, "split failed",
			"source", source.String(),
			"target1", target1.String(),
			"target2", target2.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "split completed",
			"source", source.String(),
			"target1", target1.String(),
			"target2", target2.String(),
		)
	}
}

// LogJoin logs a bucket join.
func (l *Logger) LogJoin(ctx context.Context, source1, source2, target model.Bucket, err error) {
	if err != nil {
		l.ErrorContext(ctx, "join failed",
			"source1", source1.String(),
			"source2", source2.String(),
			"target", target.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "join completed",
			"source1", source1.String(),
			"source2", source2.String(),
			"target", target.String(),
		)
	}
}

// LogMerge logs the outcome of a merge operation.
func (l *Logger) LogMerge(ctx context.Context, mergeID string, b model.Bucket, applied int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "merge failed",
			"merge_id", mergeID,
			"bucket", b.String(),
			"entries_applied", applied,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "merge completed",
			"merge_id", mergeID,
			"bucket", b.String(),
			"entries_applied", applied,
		)
	}
}

// LogSnapshot logs a snapshot save or restore.
func (l *Logger) LogSnapshot(ctx context.Context, name string, space model.BucketSpace, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"snapshot", name,
			"space", string(space),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot completed",
			"snapshot", name,
			"space", string(space),
		)
	}
}
