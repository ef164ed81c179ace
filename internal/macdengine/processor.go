package macdengine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/metrics"
	"macd-systemv1/internal/model"
)

const (
	priceBuffer = 5000
	liveBuffer  = 1000
	maxBatch    = 100
)

// Processor owns the engine and is the only goroutine that touches it.
// Confirmed prices, live previews and commands all arrive over channels.
type Processor struct {
	engine *indicator.Engine
	name   string
	sinks  []model.ResultWriter
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	log    *slog.Logger

	prices chan model.Price
	live   chan model.Price
	cmds   chan func()

	// PriceTap, if set, receives every applied price (non-blocking).
	PriceTap chan<- model.Price

	lastIDs map[string]string // stream -> last applied entry ID
}

// NewProcessor wraps engine. Results are written to every sink in order.
// prom and health may be nil.
func NewProcessor(engine *indicator.Engine, prom *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger, sinks ...model.ResultWriter) *Processor {
	return &Processor{
		engine:  engine,
		name:    engine.Config().Name(),
		sinks:   sinks,
		prom:    prom,
		health:  health,
		log:     logger.Component(log, "processor"),
		prices:  make(chan model.Price, priceBuffer),
		live:    make(chan model.Price, liveBuffer),
		cmds:    make(chan func()),
		lastIDs: make(map[string]string),
	}
}

// Name returns the result name, e.g. "MACD_12_26_9".
func (p *Processor) Name() string { return p.name }

// Prices is the input for confirmed prices.
func (p *Processor) Prices() chan<- model.Price { return p.prices }

// Live is the input for preview prices; they never advance state.
func (p *Processor) Live() chan<- model.Price { return p.live }

// Run applies prices and commands until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case price := <-p.prices:
			batch := p.apply(price, nil)
		drain:
			for i := 1; i < maxBatch; i++ {
				select {
				case next := <-p.prices:
					batch = p.apply(next, batch)
				default:
					break drain
				}
			}
			if p.prom != nil {
				p.prom.ObserveChannel("prices", len(p.prices), cap(p.prices))
			}
			p.emit(ctx, batch)

		case price := <-p.live:
			if !finite(price) {
				p.reject("non_finite")
				continue
			}
			res, ok := p.engine.ProcessPeek(price)
			if !ok || !res.Ready {
				continue
			}
			p.count("live", 1)
			p.emit(ctx, []model.MACDResult{res})

		case fn := <-p.cmds:
			fn()
		}
	}
}

// apply feeds one confirmed price and appends its result to batch if ready.
// Must only be called from the processing goroutine, or before Run starts.
func (p *Processor) apply(price model.Price, batch []model.MACDResult) []model.MACDResult {
	if !finite(price) {
		p.reject("non_finite")
		p.log.Debug("dropping non-finite price", "symbol", price.Symbol, "value", price.Value)
		return batch
	}
	if price.Symbol == "" {
		p.reject("no_symbol")
		return batch
	}

	known := p.engine.Has(price.Symbol)
	start := time.Now()
	res := p.engine.Process(price)
	elapsed := time.Since(start)

	if price.Stream != "" && price.ID != "" {
		p.lastIDs[price.Stream] = price.ID
	}
	if p.PriceTap != nil {
		select {
		case p.PriceTap <- price:
		default:
		}
	}

	if p.prom != nil {
		p.prom.PricesTotal.Inc()
		p.prom.ComputeDur.Observe(elapsed.Seconds())
		if !known {
			p.prom.SymbolsTracked.Set(float64(p.engine.Len()))
		}
	}
	if p.health != nil {
		p.health.SetLastPriceTime(price.TS)
		if !known {
			p.health.SetSymbols(p.engine.Len())
		}
	}

	if !res.Ready {
		p.count("gated", 1)
		return batch
	}
	p.count("confirmed", 1)
	return append(batch, res)
}

// markStream records a stream position reached outside apply. Must not be
// called once Run has started.
func (p *Processor) markStream(stream, id string) {
	if id != "" && id != "0" {
		p.lastIDs[stream] = id
	}
}

func (p *Processor) emit(ctx context.Context, results []model.MACDResult) {
	if len(results) == 0 {
		return
	}
	for _, s := range p.sinks {
		if err := s.WriteResultBatch(ctx, results); err != nil {
			tctx := logger.WithTraceID(ctx, logger.GenerateTraceID(results[0].Symbol, results[0].TS))
			attrs := append(logger.LogWithTrace(tctx), "results", len(results), "error", err)
			p.log.Warn("result write failed", attrs...)
		}
	}
}

func (p *Processor) reject(reason string) {
	if p.prom != nil {
		p.prom.PricesRejected.WithLabelValues(reason).Inc()
	}
}

func (p *Processor) count(kind string, n int) {
	if p.prom != nil {
		p.prom.ResultsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// Do runs fn on the processing goroutine and waits for it. Run must be active.
func (p *Processor) Do(ctx context.Context, fn func(e *indicator.Engine)) error {
	_, err := call(ctx, p, func(e *indicator.Engine) struct{} {
		fn(e)
		return struct{}{}
	})
	return err
}

// call runs fn on the processing goroutine and returns its result. A caller
// that stops waiting on ctx gets the zero value and the result is discarded.
func call[T any](ctx context.Context, p *Processor, fn func(e *indicator.Engine) T) (T, error) {
	var zero T
	res := make(chan T, 1)
	cmd := func() { res <- fn(p.engine) }
	select {
	case p.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type resetOutcome struct {
	n   int
	err error
}

// Reset restarts one symbol, or every symbol when symbol is "" or "*".
// Returns the number of composers reset.
func (p *Processor) Reset(ctx context.Context, symbol string) (int, error) {
	out, err := call(ctx, p, func(e *indicator.Engine) resetOutcome {
		if symbol == "" || symbol == "*" {
			return resetOutcome{n: e.ResetAll()}
		}
		if err := e.Reset(symbol); err != nil {
			return resetOutcome{err: err}
		}
		return resetOutcome{n: 1}
	})
	if err != nil {
		return 0, err
	}
	return out.n, out.err
}

// SymbolState is one row of the symbol listing.
type SymbolState struct {
	Symbol   string `json:"symbol"`
	Observed int    `json:"observed"`
	Ready    bool   `json:"ready"`
}

// Symbols lists every tracked symbol with its observation count.
func (p *Processor) Symbols(ctx context.Context) ([]SymbolState, error) {
	return call(ctx, p, func(e *indicator.Engine) []SymbolState {
		var out []SymbolState
		long := e.Config().Long
		for _, s := range e.Symbols() {
			n, _ := e.Observed(s)
			out = append(out, SymbolState{Symbol: s, Observed: n, Ready: n >= long})
		}
		return out
	})
}

// Snapshot captures the engine on the processing goroutine.
func (p *Processor) Snapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	return call(ctx, p, func(*indicator.Engine) *indicator.EngineSnapshot { return p.capture() })
}

// capture builds a snapshot. Only call from the processing goroutine or after
// Run has returned.
func (p *Processor) capture() *indicator.EngineSnapshot {
	snap := indicator.SnapshotEngine(p.engine, "", p.log)
	if len(p.lastIDs) > 0 {
		snap.StreamIDs = make(map[string]string, len(p.lastIDs))
		for stream, id := range p.lastIDs {
			snap.StreamIDs[stream] = id
			if newerID(id, snap.StreamID) {
				snap.StreamID = id
			}
		}
	}
	return snap
}

func finite(p model.Price) bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}
