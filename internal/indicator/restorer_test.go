package indicator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
)

type fakePriceReader struct {
	prices []model.Price
	err    error
}

func (f *fakePriceReader) ReadPrices(symbol string, afterTS int64) ([]model.Price, error) {
	var out []model.Price
	for _, p := range f.prices {
		if p.Symbol == symbol && p.TS.UnixMilli() > afterTS {
			out = append(out, p)
		}
	}
	return out, f.err
}

func (f *fakePriceReader) ReadAllPrices(afterTS int64) ([]model.Price, error) {
	return f.prices, f.err
}

func TestRestorer_ColdStart(t *testing.T) {
	r := NewRestorer(DefaultMACDConfig(), nil)
	engine, err := r.RestoreFromSnap(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, engine.Len())
	assert.Equal(t, DefaultMACDConfig(), engine.Config())
}

func TestRestorer_VersionMismatchColdStarts(t *testing.T) {
	cfg := MACDConfig{Short: 2, Long: 5, Signal: 9, Seed: SeedFirst}
	src := newTestEngine(t)
	src.Process(price("A", 0, 1))
	snap := SnapshotEngine(src, "", nil)
	snap.Version = 99

	engine, err := NewRestorer(cfg, nil).RestoreFromSnap(snap)
	require.NoError(t, err)
	assert.Equal(t, 0, engine.Len())
}

func TestRestorer_ReplayPrices(t *testing.T) {
	r := NewRestorer(MACDConfig{Short: 2, Long: 5, Signal: 9, Seed: SeedFirst}, nil)
	engine, err := r.RestoreFromSnap(nil)
	require.NoError(t, err)

	prices := make([]model.Price, len(refPrices))
	for i, p := range refPrices {
		prices[i] = price("A", i, p)
	}

	var emitted []model.MACDResult
	n := r.ReplayPrices(engine, prices, func(res model.MACDResult) { emitted = append(emitted, res) })
	assert.Equal(t, len(refPrices), n)
	assert.Len(t, emitted, len(refPrices)-4)
}

func TestRestorer_BackfillSkipsRestoredSymbols(t *testing.T) {
	cfg := MACDConfig{Short: 2, Long: 5, Signal: 3, Seed: SeedFirst}
	r := NewRestorer(cfg, nil)
	assert.Equal(t, 8, r.WarmupLen())

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	engine.Process(price("WARM", 0, 50))

	reader := &fakePriceReader{}
	for i := 0; i < 20; i++ {
		reader.prices = append(reader.prices, price("COLD", i, 100+float64(i)))
		reader.prices = append(reader.prices, price("WARM", i, 100+float64(i)))
	}

	var batches [][]model.MACDResult
	total := r.BackfillFromSQLite(engine, reader, func(rs []model.MACDResult) { batches = append(batches, rs) })

	assert.Equal(t, 8, total, "only the trailing warm-up window of COLD")
	n, _ := engine.Observed("COLD")
	assert.Equal(t, 8, n)
	n, _ = engine.Observed("WARM")
	assert.Equal(t, 1, n, "restored symbol is not fed twice")

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 4) // gate opens at the 5th of 8
	assert.Equal(t, "COLD", batches[0][0].Symbol)
}

func TestRestorer_BackfillReaderError(t *testing.T) {
	r := NewRestorer(DefaultMACDConfig(), nil)
	engine, _ := NewEngine(DefaultMACDConfig())

	assert.Equal(t, 0, r.BackfillFromSQLite(engine, nil, nil))
	assert.Equal(t, 0, r.BackfillFromSQLite(engine, &fakePriceReader{err: errors.New("disk gone")}, nil))
}
