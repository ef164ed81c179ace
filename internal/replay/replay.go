// Package replay reads stored price history and emits it in timestamp order
// at a configurable speed, for backtesting the engine offline.
package replay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"
)

// maxGap caps the simulated wait between two prices.
const maxGap = 5 * time.Second

// Replayer replays prices from a PriceReader.
type Replayer struct {
	reader model.PriceReader
	log    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer backed by reader.
func New(reader model.PriceReader, log *slog.Logger) *Replayer {
	return &Replayer{reader: reader, log: logger.Component(log, "replay"), sleep: sleepCtx}
}

// Load returns the prices to replay, oldest first. An empty symbol selects
// every symbol. fromMs filters to prices after that unix ms timestamp.
func (r *Replayer) Load(symbol string, fromMs int64) ([]model.Price, error) {
	var (
		prices []model.Price
		err    error
	)
	if symbol == "" {
		prices, err = r.reader.ReadAllPrices(fromMs)
	} else {
		prices, err = r.reader.ReadPrices(symbol, fromMs)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(prices, func(i, j int) bool { return prices[i].TS.Before(prices[j].TS) })
	return prices, nil
}

// Run emits prices into out. speed controls the playback rate: 1 = real time,
// 10 = ten times faster, 0 = as fast as possible. Returns the number emitted.
func (r *Replayer) Run(ctx context.Context, prices []model.Price, speed float64, out chan<- model.Price) (int, error) {
	if len(prices) == 0 {
		r.log.Info("no prices to replay")
		return 0, nil
	}
	r.log.Info("replaying", "prices", len(prices), "speed", speed)

	var prevTS time.Time
	emitted := 0
	for _, p := range prices {
		if speed > 0 && !prevTS.IsZero() {
			if gap := p.TS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				if err := r.sleep(ctx, scaled); err != nil {
					return emitted, err
				}
			}
		}
		prevTS = p.TS

		select {
		case out <- p:
			emitted++
		case <-ctx.Done():
			r.log.Info("replay cancelled", "emitted", emitted)
			return emitted, ctx.Err()
		}
	}

	r.log.Info("replay complete", "emitted", emitted)
	return emitted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
