package facematch

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with facematch-specific context.
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
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogRegister logs an enrollment.
func (l *Logger) LogRegister(ctx context.Context, identity string, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "register failed",
			"identity", identity,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "register completed",
			"identity", identity,
			"embedding_id", id,
		)
	}
}

// LogBatchRegister logs a batch enrollment.
func (l *Logger) LogBatchRegister(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch register completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.InfoContext(ctx, "batch register completed",
			"count", count,
		)
	}
}

// LogRecognize logs a recognition query.
func (l *Logger) LogRecognize(ctx context.Context, matched bool, similarity float32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recognize failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "recognize completed",
			"matched", matched,
			"similarity", similarity,
		)
	}
}

// LogFallbackScan logs a recognition that had to fall back to an
// exhaustive store scan because the index was unavailable.
func (l *Logger) LogFallbackScan(ctx context.Context) {
	l.WarnContext(ctx, "index unavailable, served query via exhaustive scan")
}

// LogRemoveIdentity logs an identity removal.
func (l *Logger) LogRemoveIdentity(ctx context.Context, identity string, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove identity failed",
			"identity", identity,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "identity removed",
			"identity", identity,
			"embeddings", removed,
		)
	}
}

// LogRebuild logs an index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index rebuilt",
			"embeddings", count,
		)
	}
}

// LogSnapshotSave logs a snapshot save.
func (l *Logger) LogSnapshotSave(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot save failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"name", name,
		)
	}
}

// LogSnapshotLoad logs a snapshot restore attempt.
func (l *Logger) LogSnapshotLoad(ctx context.Context, restored bool, err error) {
	switch {
	case err != nil:
		l.WarnContext(ctx, "snapshot restore failed, index will be rebuilt",
			"error", err,
		)
	case restored:
		l.InfoContext(ctx, "index restored from snapshot")
	default:
		l.InfoContext(ctx, "no usable snapshot, index will be rebuilt")
	}
}

// LogWorkerRestart logs a crashed extraction worker being rebuilt.
func (l *Logger) LogWorkerRestart(worker int, cause error) {
	l.Warn("extraction worker crashed, rebuilding",
		"worker", worker,
		"cause", cause,
	)
}
