package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
)

var t0 = time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)

type memReader struct{ prices []model.Price }

func (m memReader) ReadPrices(symbol string, afterTS int64) ([]model.Price, error) {
	var out []model.Price
	for _, p := range m.prices {
		if p.Symbol == symbol && p.TS.UnixMilli() > afterTS {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memReader) ReadAllPrices(afterTS int64) ([]model.Price, error) {
	var out []model.Price
	for _, p := range m.prices {
		if p.TS.UnixMilli() > afterTS {
			out = append(out, p)
		}
	}
	return out, nil
}

func at(symbol string, sec int, v float64) model.Price {
	return model.Price{Symbol: symbol, TS: t0.Add(time.Duration(sec) * time.Second), Value: v}
}

func TestLoad_SortsAndFilters(t *testing.T) {
	r := New(memReader{prices: []model.Price{at("B", 2, 3), at("A", 0, 1), at("A", 3, 4), at("B", 1, 2)}}, nil)

	all, err := r.Load("", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].TS.Before(all[i-1].TS))
	}

	a, err := r.Load("A", t0.UnixMilli())
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, 4.0, a[0].Value)
}

func TestRun_PacesByTimestampGaps(t *testing.T) {
	r := New(memReader{}, nil)
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	prices := []model.Price{at("A", 0, 1), at("A", 10, 2), at("A", 10, 3), at("A", 1000, 4)}
	out := make(chan model.Price, len(prices))
	n, err := r.Run(context.Background(), prices, 10, out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []time.Duration{time.Second, maxGap}, slept)
}

func TestRun_FullSpeedNeverSleeps(t *testing.T) {
	r := New(memReader{}, nil)
	r.sleep = func(context.Context, time.Duration) error {
		t.Fatal("unexpected sleep")
		return nil
	}
	out := make(chan model.Price, 2)
	n, err := r.Run(context.Background(), []model.Price{at("A", 0, 1), at("A", 60, 2)}, 0, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := New(memReader{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan model.Price) // never read
	n, err := r.Run(ctx, []model.Price{at("A", 0, 1)}, 0, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
