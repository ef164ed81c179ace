package indicator

import (
	"log/slog"
	"math"
	"sort"
)

// Snapshot type tags.
const (
	TypeEMA  = "EMA"
	TypeMACD = "MACD"
)

// SnapshotVersion is the current EngineSnapshot schema version.
const SnapshotVersion = 1

// IndicatorSnapshot holds the serialized state of a single indicator instance.
type IndicatorSnapshot struct {
	Type   string   `json:"type"`   // "EMA", "MACD"
	Period int      `json:"period"` // EMA period; long period for MACD
	Seed   SeedMode `json:"seed"`
	Count  int      `json:"count"` // EMA seeding count; MACD observation counter

	// EMA fields
	Multiplier float64 `json:"multiplier,omitempty"`
	Phase      Phase   `json:"phase"`
	Sum        float64 `json:"sum,omitempty"`
	Current    float64 `json:"current"`

	// MACD fields
	ShortPeriod  int                 `json:"short_period,omitempty"`
	LongPeriod   int                 `json:"long_period,omitempty"`
	SignalPeriod int                 `json:"signal_period,omitempty"`
	EMAs         []IndicatorSnapshot `json:"emas,omitempty"` // short, long, signal
}

// SymbolSnapshot holds one symbol's composer state.
type SymbolSnapshot struct {
	Symbol string            `json:"symbol"`
	MACD   IndicatorSnapshot `json:"macd"`
}

// EngineSnapshot holds the full state of the engine.
type EngineSnapshot struct {
	StreamID  string            `json:"stream_id"`            // newest Redis stream ID applied at checkpoint time
	StreamIDs map[string]string `json:"stream_ids,omitempty"` // last applied ID per stream
	Config    MACDConfig        `json:"config"`
	Symbols   []SymbolSnapshot  `json:"symbols"`
	Version   int               `json:"version"` // schema version for forward compat
}

// SnapshotEngine captures the full state of an Engine. Symbols are sorted so
// identical states produce identical snapshots. A composer holding NaN or
// ±Inf state cannot be encoded; it is left out with a warning and cold-starts
// on restore.
func SnapshotEngine(e *Engine, streamID string, log *slog.Logger) *EngineSnapshot {
	if log == nil {
		log = slog.Default()
	}
	snap := &EngineSnapshot{
		StreamID: streamID,
		Config:   e.cfg,
		Symbols:  make([]SymbolSnapshot, 0, len(e.state)),
		Version:  SnapshotVersion,
	}
	for symbol, m := range e.state {
		ms := m.Snapshot()
		if !ms.finite() {
			log.Warn("skipping non-finite composer state", "component", "snapshot", "symbol", symbol)
			continue
		}
		snap.Symbols = append(snap.Symbols, SymbolSnapshot{Symbol: symbol, MACD: ms})
	}
	sort.Slice(snap.Symbols, func(i, j int) bool {
		return snap.Symbols[i].Symbol < snap.Symbols[j].Symbol
	})
	return snap
}

func (s IndicatorSnapshot) finite() bool {
	for _, v := range [...]float64{s.Multiplier, s.Sum, s.Current} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for _, c := range s.EMAs {
		if !c.finite() {
			return false
		}
	}
	return true
}

// RestoreEngine rebuilds an Engine for cfg from a snapshot.
// It is tolerant of config changes: a symbol whose snapshot was taken with a
// different configuration is left out so that it cold-starts on its next price.
func RestoreEngine(cfg MACDConfig, snap *EngineSnapshot, log *slog.Logger) (e *Engine, restored, cold int, err error) {
	e, err = NewEngine(cfg)
	if err != nil {
		return nil, 0, 0, err
	}
	if log == nil {
		log = slog.Default()
	}

	for _, ss := range snap.Symbols {
		m := cfg.build()
		if err := m.RestoreFromSnapshot(ss.MACD); err != nil {
			log.Warn("cold-starting symbol", "component", "restorer", "symbol", ss.Symbol, "error", err)
			cold++
			continue
		}
		e.state[ss.Symbol] = m
		restored++
	}
	return e, restored, cold, nil
}
