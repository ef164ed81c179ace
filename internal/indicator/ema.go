package indicator

import (
	"fmt"
	"strings"
)

// SeedMode selects how an EMA produces its first value.
type SeedMode int

const (
	// SeedSMA seeds with the simple mean of the first period observations.
	SeedSMA SeedMode = iota
	// SeedFirst seeds with the very first observation and smooths every
	// observation after it.
	SeedFirst
)

func (m SeedMode) String() string {
	switch m {
	case SeedSMA:
		return "sma"
	case SeedFirst:
		return "first"
	default:
		return "unknown"
	}
}

// ParseSeedMode parses "sma" or "first" (case-insensitive).
func ParseSeedMode(s string) (SeedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sma":
		return SeedSMA, nil
	case "first":
		return SeedFirst, nil
	default:
		return 0, fmt.Errorf("unknown seed mode %q", s)
	}
}

// MarshalText encodes the seed mode by name.
func (m SeedMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a seed mode name.
func (m *SeedMode) UnmarshalText(b []byte) error {
	v, err := ParseSeedMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Phase is the EMA state machine position.
type Phase int

const (
	// PhaseSeeding: not enough observations for a defined average.
	PhaseSeeding Phase = iota
	// PhaseSmoothing: the average is defined and updated exponentially.
	PhaseSmoothing
)

func (p Phase) String() string {
	if p == PhaseSmoothing {
		return "smoothing"
	}
	return "seeding"
}

// EMA calculates an Exponential Moving Average.
// O(1) per update, no window storage.
type EMA struct {
	period     int
	multiplier float64
	seed       SeedMode

	phase   Phase
	count   int     // observations accumulated while seeding
	sum     float64 // seeding accumulator
	current float64 // defined once phase == PhaseSmoothing
}

// NewEMA creates an EMA seeded by the simple mean of its first period inputs.
func NewEMA(period int) (*EMA, error) {
	return NewEMAWithSeed(period, SeedSMA)
}

// NewEMAWithSeed creates an EMA with an explicit seed mode.
func NewEMAWithSeed(period int, seed SeedMode) (*EMA, error) {
	if err := checkPeriod("period", period); err != nil {
		return nil, err
	}
	if seed != SeedSMA && seed != SeedFirst {
		return nil, fmt.Errorf("ema: unknown seed mode %d", int(seed))
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		seed:       seed,
	}, nil
}

// Next feeds one observation. The result is undefined (false) until the
// seeding phase completes.
func (e *EMA) Next(value float64) (float64, bool) {
	if e.phase == PhaseSmoothing {
		e.current = e.multiplier*value + (1-e.multiplier)*e.current
		return e.current, true
	}

	if e.seed == SeedFirst {
		e.count = 1
		e.current = value
		e.phase = PhaseSmoothing
		return e.current, true
	}

	e.count++
	e.sum += value
	if e.count < e.period {
		return 0, false
	}

	e.current = e.sum / float64(e.period)
	e.phase = PhaseSmoothing
	return e.current, true
}

// Peek computes what Next(value) would return without mutating state.
func (e *EMA) Peek(value float64) (float64, bool) {
	switch {
	case e.phase == PhaseSmoothing:
		return e.multiplier*value + (1-e.multiplier)*e.current, true
	case e.seed == SeedFirst:
		return value, true
	case e.count+1 < e.period:
		return 0, false
	default:
		return (e.sum + value) / float64(e.period), true
	}
}

// Value returns the current average, if defined.
func (e *EMA) Value() (float64, bool) {
	if e.phase != PhaseSmoothing {
		return 0, false
	}
	return e.current, true
}

// Ready reports whether the average is defined.
func (e *EMA) Ready() bool { return e.phase == PhaseSmoothing }

func (e *EMA) Phase() Phase        { return e.phase }
func (e *EMA) Period() int         { return e.period }
func (e *EMA) Multiplier() float64 { return e.multiplier }
func (e *EMA) SeedMode() SeedMode  { return e.seed }

// Reset clears the EMA state for reuse. Period, multiplier and seed mode are kept.
func (e *EMA) Reset() {
	e.phase = PhaseSeeding
	e.count = 0
	e.sum = 0
	e.current = 0
}

// Snapshot serializes the EMA state for checkpoint persistence.
func (e *EMA) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:       TypeEMA,
		Period:     e.period,
		Seed:       e.seed,
		Multiplier: e.multiplier,
		Phase:      e.phase,
		Count:      e.count,
		Sum:        e.sum,
		Current:    e.current,
	}
}

// RestoreFromSnapshot restores EMA state from a checkpoint taken from an EMA
// with the same period and seed mode.
func (e *EMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeEMA || snap.Period != e.period || snap.Seed != e.seed {
		return fmt.Errorf("ema(%d,%s) <- %s(%d,%s): %w",
			e.period, e.seed, snap.Type, snap.Period, snap.Seed, ErrSnapshotMismatch)
	}
	if snap.Phase != PhaseSeeding && snap.Phase != PhaseSmoothing {
		return fmt.Errorf("ema: invalid phase %d: %w", int(snap.Phase), ErrSnapshotMismatch)
	}
	if snap.Count < 0 || (snap.Phase == PhaseSeeding && snap.Count >= e.period) {
		return fmt.Errorf("ema: invalid count %d for %s phase of period %d: %w",
			snap.Count, snap.Phase, e.period, ErrSnapshotMismatch)
	}
	e.phase = snap.Phase
	e.count = snap.Count
	e.sum = snap.Sum
	e.current = snap.Current
	return nil
}
