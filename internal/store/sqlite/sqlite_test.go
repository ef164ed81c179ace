package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/model"
)

var t0 = time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)

func openTestDB(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "macd.db")

	w, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	r, err := NewReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return w, r
}

func TestPrices_InsertAndRead(t *testing.T) {
	w, r := openTestDB(t)

	require.NoError(t, w.InsertPrices([]model.Price{
		{Symbol: "B", TS: t0.Add(2 * time.Second), Value: 20},
		{Symbol: "A", TS: t0, Value: 10},
		{Symbol: "A", TS: t0.Add(time.Second), Value: 11},
		{Symbol: "A", TS: t0.Add(time.Second), Value: 12}, // replaces
	}))

	got, err := r.ReadPrices("A", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 10.0, got[0].Value)
	assert.Equal(t, 12.0, got[1].Value)
	assert.True(t, got[1].TS.Equal(t0.Add(time.Second)))

	got, err = r.ReadPrices("A", t0.UnixMilli())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	all, err := r.ReadAllPrices(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B", all[2].Symbol)

	last, err := w.LastPriceTS("A")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second).UnixMilli(), last)

	last, err = w.LastPriceTS("none")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestRunResults_FlushesOnClose(t *testing.T) {
	w, r := openTestDB(t)

	ch := make(chan model.MACDResult, 4)
	ch <- model.MACDResult{Name: "MACD_2_5_9", Symbol: "A", TS: t0, MACD: 1, Signal: 0.5, Histogram: 0.5, Ready: true}
	ch <- model.MACDResult{Name: "MACD_2_5_9", Symbol: "A", TS: t0.Add(time.Second), MACD: 9, Ready: true, Live: true}
	ch <- model.MACDResult{Name: "MACD_2_5_9", Symbol: "A", TS: t0.Add(2 * time.Second)}
	close(ch)

	w.RunResults(context.Background(), ch)

	got, err := r.ReadResults("A", 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "live and gated results are not persisted")
	assert.Equal(t, 0.5, got[0].Histogram)
	assert.True(t, got[0].Ready)
}

func TestRunPrices_FlushesOnCancel(t *testing.T) {
	w, r := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan model.Price)
	done := make(chan struct{})
	go func() {
		w.RunPrices(ctx, ch)
		close(done)
	}()

	ch <- model.Price{Symbol: "A", TS: t0, Value: 1}
	ch <- model.Price{Symbol: "A", TS: t0.Add(time.Second), Value: 2}
	cancel()
	<-done

	got, err := r.ReadPrices("A", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSnapshots_SaveReadPrune(t *testing.T) {
	w, r := openTestDB(t)
	ctx := context.Background()

	snap, err := r.ReadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	engine, err := indicator.NewEngine(indicator.MACDConfig{Short: 2, Long: 5, Signal: 9, Seed: indicator.SeedFirst})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		engine.Process(model.Price{Symbol: "A", TS: t0.Add(time.Duration(i) * time.Second), Value: 100 + float64(i)})
		require.NoError(t, w.SaveSnapshot(ctx, indicator.SnapshotEngine(engine, "", nil)))
	}

	var n int
	require.NoError(t, w.DB().QueryRow(`SELECT COUNT(*) FROM macd_snapshots`).Scan(&n))
	assert.Equal(t, snapshotsKept, n)

	snap, err = r.ReadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Symbols, 1)
	assert.Equal(t, 12, snap.Symbols[0].MACD.Count)

	raw, err := w.ReadLatestSnapshotJSON(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"seed":"first"`)
}
