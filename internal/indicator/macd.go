package indicator

import "fmt"

// Triple is one MACD emission: [macd line, signal line, histogram].
type Triple [3]float64

func (t Triple) MACD() float64      { return t[0] }
func (t Triple) Signal() float64    { return t[1] }
func (t Triple) Histogram() float64 { return t[2] }

// MACD composes a short, a long and a signal EMA into the MACD triple.
//
// Emission is gated on the composer's own observation counter reaching the
// long period, not on the constituents' readiness. A constituent that is still
// seeding reads as 0 (only possible with SeedSMA constituents).
type MACD struct {
	shortPeriod  int
	longPeriod   int
	signalPeriod int
	seed         SeedMode

	short  *EMA
	long   *EMA
	signal *EMA

	current int // observations since construction or last Reset
}

// NewMACD creates a composer whose EMAs seed from their first observation.
// Periods must be positive; short >= long is accepted and yields a degenerate
// but defined MACD line.
func NewMACD(shortPeriod, longPeriod, signalPeriod int) (*MACD, error) {
	return NewMACDWithSeed(shortPeriod, longPeriod, signalPeriod, SeedFirst)
}

// NewMACDWithSeed creates a composer whose three EMAs use the given seed mode.
func NewMACDWithSeed(shortPeriod, longPeriod, signalPeriod int, seed SeedMode) (*MACD, error) {
	if err := checkPeriod("short_period", shortPeriod); err != nil {
		return nil, err
	}
	if err := checkPeriod("long_period", longPeriod); err != nil {
		return nil, err
	}
	if err := checkPeriod("signal_period", signalPeriod); err != nil {
		return nil, err
	}

	short, err := NewEMAWithSeed(shortPeriod, seed)
	if err != nil {
		return nil, err
	}
	long, err := NewEMAWithSeed(longPeriod, seed)
	if err != nil {
		return nil, err
	}
	signal, err := NewEMAWithSeed(signalPeriod, seed)
	if err != nil {
		return nil, err
	}

	return &MACD{
		shortPeriod:  shortPeriod,
		longPeriod:   longPeriod,
		signalPeriod: signalPeriod,
		seed:         seed,
		short:        short,
		long:         long,
		signal:       signal,
	}, nil
}

// Next feeds one price. Short and long EMAs advance on every call, including
// the gated ones, so the long EMA is exactly warm when the gate opens.
func (m *MACD) Next(value float64) (Triple, bool) {
	m.current++
	short, _ := m.short.Next(value)
	long, _ := m.long.Next(value)

	if m.current < m.longPeriod {
		return Triple{}, false
	}

	macd := short - long
	signal, _ := m.signal.Next(macd)
	return Triple{macd, signal, macd - signal}, true
}

// Peek computes what Next(value) would return without mutating state.
func (m *MACD) Peek(value float64) (Triple, bool) {
	if m.current+1 < m.longPeriod {
		return Triple{}, false
	}
	short, _ := m.short.Peek(value)
	long, _ := m.long.Peek(value)
	macd := short - long
	signal, _ := m.signal.Peek(macd)
	return Triple{macd, signal, macd - signal}, true
}

// Ready reports whether the composer has started emitting.
func (m *MACD) Ready() bool { return m.current >= m.longPeriod }

// Observed returns the number of observations since construction or Reset.
func (m *MACD) Observed() int { return m.current }

func (m *MACD) ShortPeriod() int   { return m.shortPeriod }
func (m *MACD) LongPeriod() int    { return m.longPeriod }
func (m *MACD) SignalPeriod() int  { return m.signalPeriod }
func (m *MACD) SeedMode() SeedMode { return m.seed }

// Reset restarts the stream from empty history, keeping the configuration.
func (m *MACD) Reset() {
	m.short.Reset()
	m.long.Reset()
	m.signal.Reset()
	m.current = 0
}

// Snapshot serializes the composer and its three EMAs.
func (m *MACD) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:         TypeMACD,
		Period:       m.longPeriod,
		Seed:         m.seed,
		Count:        m.current,
		ShortPeriod:  m.shortPeriod,
		LongPeriod:   m.longPeriod,
		SignalPeriod: m.signalPeriod,
		EMAs: []IndicatorSnapshot{
			m.short.Snapshot(),
			m.long.Snapshot(),
			m.signal.Snapshot(),
		},
	}
}

// RestoreFromSnapshot restores the composer from a checkpoint taken with the
// same periods and seed mode. On error the composer is left unchanged.
func (m *MACD) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeMACD ||
		snap.ShortPeriod != m.shortPeriod ||
		snap.LongPeriod != m.longPeriod ||
		snap.SignalPeriod != m.signalPeriod ||
		snap.Seed != m.seed {
		return fmt.Errorf("macd(%d,%d,%d,%s) <- %s(%d,%d,%d,%s): %w",
			m.shortPeriod, m.longPeriod, m.signalPeriod, m.seed,
			snap.Type, snap.ShortPeriod, snap.LongPeriod, snap.SignalPeriod, snap.Seed,
			ErrSnapshotMismatch)
	}
	if snap.Count < 0 {
		return fmt.Errorf("macd: negative count %d: %w", snap.Count, ErrSnapshotMismatch)
	}
	if len(snap.EMAs) != 3 {
		return fmt.Errorf("macd: expected 3 ema snapshots, got %d: %w", len(snap.EMAs), ErrSnapshotMismatch)
	}

	// Restore into copies first so a bad constituent leaves m untouched.
	short, long, signal := *m.short, *m.long, *m.signal
	for i, e := range []*EMA{&short, &long, &signal} {
		if err := e.RestoreFromSnapshot(snap.EMAs[i]); err != nil {
			return fmt.Errorf("macd ema[%d]: %w", i, err)
		}
	}

	*m.short, *m.long, *m.signal = short, long, signal
	m.current = snap.Count
	return nil
}
