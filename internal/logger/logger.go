// Package logger implements a non-blocking, batched request-audit logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the gateway's
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one audit-log entry for a completed gateway request.
type RequestLog struct {
	ID        uuid.UUID
	Service   string
	Method    string
	Path      string
	ClientIP  string
	Status    uint16
	LatencyMs uint16
	Cached    bool
	CreatedAt time.Time
}

// Sink persists a batch of RequestLog entries. Implementations must not
// retain the slice after Write returns.
type Sink interface {
	Write(ctx context.Context, entries []RequestLog) error
}

// Logger batches RequestLog entries and flushes them to one or more Sinks
// on a fixed interval or once batchSize is reached.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

// New creates a Logger that always logs to slogger (or a default stdout JSON
// logger when nil) and additionally fans out to any extra sinks supplied
// (e.g. a ClickHouse sink).
func New(ctx context.Context, slogger *slog.Logger, extraSinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sinks:   extraSinks,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry for asynchronous delivery. It never blocks — if the
// internal buffer is full the entry is dropped and DroppedLogs is incremented.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped due to a full buffer.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close stops the background flush goroutine after draining the buffer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("service", e.Service),
				slog.String("method", e.Method),
				slog.String("path", e.Path),
				slog.String("client_ip", e.ClientIP),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Bool("cached", e.Cached),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		for _, sink := range l.sinks {
			if err := sink.Write(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "audit_sink_write_failed",
					slog.String("error", err.Error()),
					slog.Int("batch_size", len(batch)),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
