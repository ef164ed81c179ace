package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"
)

const (
	defaultMaxBuffered = 10000
	flushChunk         = 500
)

// BufferedWriter sends result batches through a circuit breaker. While the
// circuit is open, confirmed results are kept in a bounded local buffer
// (oldest dropped first) and written once the circuit closes again. Live
// previews are dropped instead of buffered: they are stale by then.
type BufferedWriter struct {
	writer model.ResultWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu     sync.Mutex
	buffer []model.MACDResult
	maxBuf int

	OnBuffer func(n int)     // results buffered by one call
	OnDrop   func(n int)     // results lost to overflow or live previews skipped
	OnFlush  func(count int) // results written after recovery
}

var _ model.ResultWriter = (*BufferedWriter)(nil)

// NewBufferedWriter wraps w. ctx bounds background flushes.
func NewBufferedWriter(ctx context.Context, w model.ResultWriter, cb *CircuitBreaker, maxBufferSize int, log *slog.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBuffered
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    logger.Component(log, "buffered-writer"),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			// Runs under the breaker lock; flush must not block it.
			go bw.Flush(bw.ctx)
		}
	}
	return bw
}

// WriteResultBatch writes results through the breaker. An open circuit is not
// an error: the confirmed results are buffered.
func (bw *BufferedWriter) WriteResultBatch(ctx context.Context, results []model.MACDResult) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteResultBatch(ctx, results)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferResults(results)
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferResults(results []model.MACDResult) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	added, dropped := 0, 0
	for _, r := range results {
		if !r.Ready {
			continue
		}
		if r.Live {
			dropped++
			continue
		}
		if len(bw.buffer) >= bw.maxBuf {
			bw.buffer = bw.buffer[1:]
			dropped++
		}
		bw.buffer = append(bw.buffer, r)
		added++
	}

	if added > 0 && bw.OnBuffer != nil {
		bw.OnBuffer(added)
	}
	if dropped > 0 && bw.OnDrop != nil {
		bw.OnDrop(dropped)
	}
}

// Flush writes every buffered result. Chunks that fail go back to the front of
// the buffer. Returns the number of results written.
func (bw *BufferedWriter) Flush(ctx context.Context) int {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = nil
	bw.mu.Unlock()

	flushed := 0
	for len(pending) > 0 {
		n := len(pending)
		if n > flushChunk {
			n = flushChunk
		}
		if err := bw.writer.WriteResultBatch(ctx, pending[:n]); err != nil {
			bw.log.Warn("flush failed, re-buffering", "pending", len(pending), "error", err)
			bw.mu.Lock()
			bw.buffer = append(pending, bw.buffer...)
			if over := len(bw.buffer) - bw.maxBuf; over > 0 {
				bw.buffer = bw.buffer[over:]
			}
			bw.mu.Unlock()
			break
		}
		flushed += n
		pending = pending[n:]
	}

	if flushed > 0 {
		bw.log.Info("flushed buffered results", "count", flushed)
		if bw.OnFlush != nil {
			bw.OnFlush(flushed)
		}
	}
	return flushed
}

// PendingCount returns the number of buffered results waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
