package macdengine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
)

func TestChanSink_SkipsPreviewsAndDropsWhenFull(t *testing.T) {
	ch := make(chan model.MACDResult, 2)
	dropped := 0
	sink := chanSink{ch: ch, onDrop: func(n int) { dropped += n }}

	results := []model.MACDResult{
		{Symbol: "A", Ready: true},
		{Symbol: "A", Ready: true, Live: true},
		{Symbol: "A", Ready: false},
		{Symbol: "B", Ready: true},
		{Symbol: "C", Ready: true},
	}
	require.NoError(t, sink.WriteResultBatch(context.Background(), results))

	assert.Equal(t, 1, dropped)
	require.Len(t, ch, 2)
	assert.Equal(t, "A", (<-ch).Symbol)
	assert.Equal(t, "B", (<-ch).Symbol)
}

type failingWriter struct{ err error }

func (f failingWriter) WriteResultBatch(context.Context, []model.MACDResult) error { return f.err }

func TestTimedWriter_ObservesAndPassesErrors(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_write_seconds"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(h)

	boom := errors.New("boom")
	err := timedWriter{w: failingWriter{err: boom}, obs: h}.WriteResultBatch(context.Background(), nil)
	assert.ErrorIs(t, err, boom)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, uint64(1), families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}
