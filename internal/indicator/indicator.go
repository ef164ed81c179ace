// Package indicator provides the streaming MACD computation.
//
// Every indicator here consumes one float64 observation per call and answers
// with an optional result: the second return value is false while there is not
// enough history yet. All types are single-writer; callers serialize Next,
// Peek and Reset per instance.
package indicator

import (
	"errors"
	"fmt"
)

// ErrInvalidPeriod is returned when an indicator is configured with a period below 1.
var ErrInvalidPeriod = errors.New("period must be at least 1")

// ErrSnapshotMismatch is returned when a snapshot does not belong to the
// indicator it is being restored into.
var ErrSnapshotMismatch = errors.New("snapshot does not match indicator configuration")

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field string
	Value int
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s=%d: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Streamer is implemented by every streaming indicator in this package.
type Streamer[T any] interface {
	// Next feeds one observation and returns the updated result, if defined.
	Next(value float64) (T, bool)

	// Peek returns what Next(value) would return without mutating state.
	Peek(value float64) (T, bool)

	// Reset returns the indicator to its freshly constructed state.
	Reset()
}

// Snapshottable is implemented by indicators that support checkpointing.
type Snapshottable interface {
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

var (
	_ Streamer[float64] = (*EMA)(nil)
	_ Streamer[Triple]  = (*MACD)(nil)
	_ Snapshottable     = (*EMA)(nil)
	_ Snapshottable     = (*MACD)(nil)
)

func checkPeriod(field string, period int) error {
	if period < 1 {
		return &ConfigError{Field: field, Value: period, Err: ErrInvalidPeriod}
	}
	return nil
}
