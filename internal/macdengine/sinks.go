package macdengine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"macd-systemv1/internal/model"
)

// chanSink hands confirmed results to a channel consumer (the SQLite batch
// writer) without blocking the processor. Results that do not fit are dropped.
type chanSink struct {
	ch     chan<- model.MACDResult
	onDrop func(n int)
}

func (s chanSink) WriteResultBatch(_ context.Context, results []model.MACDResult) error {
	dropped := 0
	for _, r := range results {
		if !r.Ready || r.Live {
			continue
		}
		select {
		case s.ch <- r:
		default:
			dropped++
		}
	}
	if dropped > 0 && s.onDrop != nil {
		s.onDrop(dropped)
	}
	return nil
}

// timedWriter records how long each batch write takes.
type timedWriter struct {
	w   model.ResultWriter
	obs prometheus.Observer
}

func (t timedWriter) WriteResultBatch(ctx context.Context, results []model.MACDResult) error {
	start := time.Now()
	err := t.w.WriteResultBatch(ctx, results)
	t.obs.Observe(time.Since(start).Seconds())
	return err
}
