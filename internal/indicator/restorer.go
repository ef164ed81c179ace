package indicator

import (
	"log/slog"

	"macd-systemv1/internal/model"
)

// Restorer orchestrates engine state restoration on startup.
// It follows a priority chain: Redis snapshot → SQLite snapshot → cold start,
// then warms cold symbols from stored price history.
type Restorer struct {
	cfg MACDConfig
	log *slog.Logger
}

// NewRestorer creates a new Restorer for the given composer config.
func NewRestorer(cfg MACDConfig, log *slog.Logger) *Restorer {
	if log == nil {
		log = slog.Default()
	}
	return &Restorer{cfg: cfg, log: log.With("component", "restorer")}
}

// RestoreFromSnap restores an engine from a snapshot.
// If snap is nil, or restoring fails, returns a fresh engine (cold start).
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		r.log.Info("no snapshot found, cold starting engine")
		return NewEngine(r.cfg)
	}

	r.log.Info("restoring from snapshot",
		"version", snap.Version, "stream_id", snap.StreamID, "symbols", len(snap.Symbols))

	if snap.Version != SnapshotVersion {
		r.log.Warn("snapshot version mismatch, cold starting", "got", snap.Version, "want", SnapshotVersion)
		return NewEngine(r.cfg)
	}

	engine, restored, cold, err := RestoreEngine(r.cfg, snap, r.log)
	if err != nil {
		return nil, err
	}
	r.log.Info("restored engine from snapshot", "restored", restored, "cold", cold)
	return engine, nil
}

// WarmupLen is the number of trailing prices fed to a cold symbol during
// backfill: enough to open the gate and give the signal line a full period.
func (r *Restorer) WarmupLen() int {
	n := r.cfg.Long + r.cfg.Signal
	if r.cfg.Short > r.cfg.Long {
		n = r.cfg.Short + r.cfg.Signal
	}
	return n
}

// ReplayPrices feeds prices into the engine in order and hands each ready
// result to onResult. Returns the number of prices replayed.
func (r *Restorer) ReplayPrices(engine *Engine, prices []model.Price, onResult func(model.MACDResult)) int {
	for _, p := range prices {
		res := engine.Process(p)
		if onResult != nil && res.Ready {
			onResult(res)
		}
	}
	return len(prices)
}

// BackfillFromSQLite warms symbols the engine does not hold yet with their
// most recent WarmupLen stored prices. Symbols restored from a snapshot are
// skipped so their state is not fed twice. If onResults is non-nil it receives
// each symbol's ready results.
func (r *Restorer) BackfillFromSQLite(engine *Engine, reader model.PriceReader, onResults func([]model.MACDResult)) int {
	if reader == nil {
		return 0
	}

	prices, err := reader.ReadAllPrices(0)
	if err != nil {
		r.log.Warn("failed to read prices for backfill", "error", err)
		return 0
	}

	bySymbol := make(map[string][]model.Price)
	var order []string
	for _, p := range prices {
		if engine.Has(p.Symbol) {
			continue
		}
		if _, seen := bySymbol[p.Symbol]; !seen {
			order = append(order, p.Symbol)
		}
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}

	warmup := r.WarmupLen()
	total := 0
	for _, symbol := range order {
		history := bySymbol[symbol]
		if len(history) > warmup {
			history = history[len(history)-warmup:]
		}

		results := make([]model.MACDResult, 0, len(history))
		total += r.ReplayPrices(engine, history, func(res model.MACDResult) {
			results = append(results, res)
		})
		if onResults != nil && len(results) > 0 {
			onResults(results)
		}
		r.log.Debug("backfilled symbol", "symbol", symbol, "prices", len(history))
	}

	if total > 0 {
		r.log.Info("backfilled prices from sqlite", "prices", total, "symbols", len(order))
	}
	return total
}
