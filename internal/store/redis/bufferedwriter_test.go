package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
)

type fakeResultWriter struct {
	mu      sync.Mutex
	fail    bool
	written []model.MACDResult
}

func (f *fakeResultWriter) WriteResultBatch(_ context.Context, rs []model.MACDResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFail
	}
	f.written = append(f.written, rs...)
	return nil
}

func (f *fakeResultWriter) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeResultWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func confirmed(symbol string, macd float64) model.MACDResult {
	return model.MACDResult{Name: "MACD_12_26_9", Symbol: symbol, MACD: macd, Ready: true}
}

func TestBufferedWriter_PassThroughWhenClosed(t *testing.T) {
	w := &fakeResultWriter{}
	cb, _ := newTestBreaker(2)
	bw := NewBufferedWriter(context.Background(), w, cb, 0, nil)

	require.NoError(t, bw.WriteResultBatch(context.Background(), []model.MACDResult{confirmed("A", 1)}))
	assert.Equal(t, 1, w.count())
	assert.Equal(t, 0, bw.PendingCount())
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	w := &fakeResultWriter{fail: true}
	cb, clock := newTestBreaker(1)
	bw := NewBufferedWriter(ctx, w, cb, 0, nil)

	var buffered, dropped int
	bw.OnBuffer = func(n int) { buffered += n }
	bw.OnDrop = func(n int) { dropped += n }

	// First failure trips the breaker and is reported to the caller.
	assert.ErrorIs(t, bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 1)}), errFail)
	require.Equal(t, StateOpen, cb.CurrentState())

	live := confirmed("A", 9)
	live.Live = true
	gated := model.MACDResult{Symbol: "A"}
	require.NoError(t, bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 2), live, gated, confirmed("B", 3)}))
	assert.Equal(t, 2, bw.PendingCount())
	assert.Equal(t, 2, buffered)
	assert.Equal(t, 1, dropped)

	w.setFail(false)
	clock.advance(10 * time.Second)
	require.NoError(t, bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 4)}))
	assert.Equal(t, StateClosed, cb.CurrentState())

	require.Eventually(t, func() bool { return w.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bw.PendingCount())
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	w := &fakeResultWriter{fail: true}
	cb, _ := newTestBreaker(1)
	bw := NewBufferedWriter(ctx, w, cb, 2, nil)
	bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 0)})

	bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 1), confirmed("A", 2), confirmed("A", 3)})
	assert.Equal(t, 2, bw.PendingCount())

	w.setFail(false)
	assert.Equal(t, 2, bw.Flush(ctx))
	assert.Equal(t, []float64{2, 3}, []float64{w.written[0].MACD, w.written[1].MACD})
}

func TestBufferedWriter_FailedFlushRebuffers(t *testing.T) {
	ctx := context.Background()
	w := &fakeResultWriter{fail: true}
	cb, _ := newTestBreaker(1)
	bw := NewBufferedWriter(ctx, w, cb, 0, nil)
	bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 0)})
	bw.WriteResultBatch(ctx, []model.MACDResult{confirmed("A", 1), confirmed("A", 2)})

	assert.Equal(t, 0, bw.Flush(ctx))
	assert.Equal(t, 2, bw.PendingCount())
}
