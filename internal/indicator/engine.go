package indicator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"macd-systemv1/internal/model"
)

// ErrUnknownSymbol is returned when an operation names a symbol the engine has not seen.
var ErrUnknownSymbol = errors.New("unknown symbol")

// MACDConfig specifies the composer built for every symbol.
type MACDConfig struct {
	Short  int      `json:"short"`
	Long   int      `json:"long"`
	Signal int      `json:"signal"`
	Seed   SeedMode `json:"seed"`
}

// DefaultMACDConfig returns the conventional 12/26/9 configuration.
func DefaultMACDConfig() MACDConfig {
	return MACDConfig{Short: 12, Long: 26, Signal: 9, Seed: SeedFirst}
}

// Name returns the result name, e.g. "MACD_12_26_9".
func (c MACDConfig) Name() string {
	return "MACD_" + strconv.Itoa(c.Short) + "_" + strconv.Itoa(c.Long) + "_" + strconv.Itoa(c.Signal)
}

// Validate checks that every period is positive. Short >= Long is allowed.
func (c MACDConfig) Validate() error {
	if err := checkPeriod("short_period", c.Short); err != nil {
		return err
	}
	if err := checkPeriod("long_period", c.Long); err != nil {
		return err
	}
	if err := checkPeriod("signal_period", c.Signal); err != nil {
		return err
	}
	if c.Seed != SeedSMA && c.Seed != SeedFirst {
		return fmt.Errorf("unknown seed mode %d", int(c.Seed))
	}
	return nil
}

func (c MACDConfig) build() *MACD {
	// Validated by NewEngine; construction cannot fail past that point.
	m, err := NewMACDWithSeed(c.Short, c.Long, c.Signal, c.Seed)
	if err != nil {
		panic(err)
	}
	return m
}

// Engine keeps one MACD composer per symbol.
// Not safe for concurrent use; one goroutine owns it.
type Engine struct {
	cfg   MACDConfig
	name  string
	state map[string]*MACD
}

// NewEngine creates an engine that builds composers from cfg.
func NewEngine(cfg MACDConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("macd config: %w", err)
	}
	return &Engine{
		cfg:   cfg,
		name:  cfg.Name(),
		state: make(map[string]*MACD, 64),
	}, nil
}

// Config returns the composer configuration.
func (e *Engine) Config() MACDConfig { return e.cfg }

// Process feeds a price to its symbol's composer, creating the composer on
// first sight. The result has Ready=false while the composer is gated.
func (e *Engine) Process(p model.Price) model.MACDResult {
	m, exists := e.state[p.Symbol]
	if !exists {
		m = e.cfg.build()
		e.state[p.Symbol] = m
	}

	t, ok := m.Next(p.Value)
	return e.result(p, t, ok, false)
}

// ProcessPeek computes the result a price would produce without mutating
// state. Returns false if the symbol has not been seen by Process yet.
func (e *Engine) ProcessPeek(p model.Price) (model.MACDResult, bool) {
	m, exists := e.state[p.Symbol]
	if !exists {
		return model.MACDResult{}, false
	}
	t, ok := m.Peek(p.Value)
	return e.result(p, t, ok, true), true
}

func (e *Engine) result(p model.Price, t Triple, ready, live bool) model.MACDResult {
	return model.MACDResult{
		Name:      e.name,
		Symbol:    p.Symbol,
		TS:        p.TS,
		MACD:      t.MACD(),
		Signal:    t.Signal(),
		Histogram: t.Histogram(),
		Ready:     ready,
		Live:      live,
	}
}

// Reset restarts one symbol's stream from empty history.
func (e *Engine) Reset(symbol string) error {
	m, exists := e.state[symbol]
	if !exists {
		return fmt.Errorf("reset %q: %w", symbol, ErrUnknownSymbol)
	}
	m.Reset()
	return nil
}

// ResetAll resets every composer and returns how many were reset.
func (e *Engine) ResetAll() int {
	for _, m := range e.state {
		m.Reset()
	}
	return len(e.state)
}

// Has reports whether the engine holds a composer for symbol.
func (e *Engine) Has(symbol string) bool {
	_, ok := e.state[symbol]
	return ok
}

// Observed returns the observation count for symbol.
func (e *Engine) Observed(symbol string) (int, error) {
	m, exists := e.state[symbol]
	if !exists {
		return 0, fmt.Errorf("observed %q: %w", symbol, ErrUnknownSymbol)
	}
	return m.Observed(), nil
}

// Symbols returns the known symbols in sorted order.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.state))
	for s := range e.state {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of symbols tracked.
func (e *Engine) Len() int { return len(e.state) }

// Run consumes prices and emits ready results until ctx is done or in is
// closed. It blocks while out is full. Returns the number of prices consumed.
func (e *Engine) Run(ctx context.Context, in <-chan model.Price, out chan<- model.MACDResult) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case p, ok := <-in:
			if !ok {
				return n
			}
			n++
			r := e.Process(p)
			if !r.Ready {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return n
			}
		}
	}
}
