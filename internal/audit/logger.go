package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/onnwee/pingback/internal/middleware"
)

// DefaultBufferSize is the number of entries Logger queues before dropping.
const DefaultBufferSize = 1024

// ErrNilWriter is returned when a nil writer is passed to NewLogger.
var ErrNilWriter = errors.New("audit writer cannot be nil")

// Logger records entries asynchronously. Record never blocks and never fails
// the caller: a full queue or a write error is logged and counted, and the
// entry is lost.
//
// Error handling: fail-open. Callback processing must not depend on the
// availability of the audit sink.
type Logger struct {
	writer  Writer
	logger  *slog.Logger
	entries chan Entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewLogger starts a Logger that drains into w. bufferSize <= 0 selects
// DefaultBufferSize. Call Close to flush on shutdown.
func NewLogger(w Writer, bufferSize int, logger *slog.Logger) (*Logger, error) {
	if w == nil {
		return nil, ErrNilWriter
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		writer:  w,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record queues an entry. The request ID is taken from ctx when the entry
// does not carry one.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.dropped.Add(1)
		return
	}

	select {
	case l.entries <- entry:
	default:
		l.dropped.Add(1)
		l.logger.WarnContext(ctx, "audit queue full, dropping entry",
			"event_id", entry.EventID,
			"status", entry.Status)
	}
}

// Dropped returns the number of entries lost to a full or closed queue.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Failed returns the number of entries the writer rejected.
func (l *Logger) Failed() int64 {
	return l.failed.Load()
}

// Close stops accepting entries and waits until queued entries are written
// or ctx is done.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.entries)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)

	for entry := range l.entries {
		if _, err := l.writer.Append(context.Background(), entry); err != nil {
			l.failed.Add(1)
			l.logger.Error("failed to write audit entry",
				"event_id", entry.EventID,
				"status", entry.Status,
				"error", err)
		}
	}
}
