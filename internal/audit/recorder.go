package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AsyncRecorder writes entries on a background goroutine so callers never
// wait for SQLite. When the queue is full, entries are dropped with a warning.
type AsyncRecorder struct {
	repo   Repository
	logger Logger
	queue  chan Entry

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	done chan struct{}
}

// NewAsyncRecorder starts a recorder writing to repo. queueSize <= 0 uses
// the default; logger may be nil.
func NewAsyncRecorder(repo Repository, queueSize int, logger Logger) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &AsyncRecorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues an entry. It never blocks.
func (r *AsyncRecorder) Record(entry Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, entry dropped",
			"session", entry.SessionID, "action", entry.Action)
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting entries and waits until queued ones are written.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.repo.Create(ctx, &entry); err != nil {
			r.logger.Error("failed to write audit entry",
				"session", entry.SessionID, "action", entry.Action, "error", err)
		}
		cancel()
	}
}
