package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
	sqlitestore "macd-systemv1/internal/store/sqlite"
)

func runCSV(t *testing.T, input string, args ...string) [][]string {
	t.Helper()
	var out bytes.Buffer
	args = append([]string{"--csv=-"}, args...)
	require.NoError(t, run(context.Background(), args, strings.NewReader(input), &out))
	rows, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRun_ConstantSeriesHasZeroMACD(t *testing.T) {
	input := "value\n" + strings.Repeat("100\n", 7)
	rows := runCSV(t, input, "--short=2", "--long=5", "--signal=9", "--symbol=FLAT")

	// Gate opens on the 5th price.
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, []string{"FLAT", strconv.Itoa((i + 5) * 1000), "0", "0", "0"}, row)
	}
}

func TestRun_ThreeColumnRowsPerSymbol(t *testing.T) {
	var b strings.Builder
	b.WriteString("# symbol,ts_ms,value\n")
	for i := 0; i < 6; i++ {
		ts := strconv.Itoa(1705310100000 + i*1000)
		b.WriteString("A," + ts + "," + strconv.Itoa(100+i) + "\n")
		b.WriteString("B," + ts + "," + strconv.Itoa(200-i) + "\n")
	}

	rows := runCSV(t, b.String(), "--short=2", "--long=5", "--signal=3")
	require.Len(t, rows, 4)

	bySymbol := map[string]int{}
	for _, row := range rows {
		bySymbol[row[0]]++
		macd, err := strconv.ParseFloat(row[2], 64)
		require.NoError(t, err)
		if row[0] == "A" {
			assert.Greater(t, macd, 0.0, "rising series")
		} else {
			assert.Less(t, macd, 0.0, "falling series")
		}
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, bySymbol)

	rows = runCSV(t, b.String(), "--short=2", "--long=5", "--signal=3", "--symbol=B")
	require.Len(t, rows, 2)
	assert.Equal(t, "B", rows[0][0])
}

func TestRun_FromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "macd.db")
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path})
	require.NoError(t, err)
	base := time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)
	var prices []model.Price
	for i := 0; i < 8; i++ {
		prices = append(prices, model.Price{Symbol: "NIFTY", TS: base.Add(time.Duration(i) * time.Minute), Value: 100})
	}
	require.NoError(t, w.InsertPrices(prices))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--db=" + path, "--short=3", "--long=6", "--signal=2"}, nil, &out))
	rows, err := csv.NewReader(&out).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, strconv.FormatInt(base.Add(7*time.Minute).UnixMilli(), 10), rows[2][1])
}

func TestRun_InvalidArguments(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()

	assert.Error(t, run(ctx, nil, nil, &out), "no source")
	assert.Error(t, run(ctx, []string{"--db=a", "--csv=b"}, nil, &out), "two sources")
	assert.Error(t, run(ctx, []string{"--csv=-", "--seed=bogus"}, strings.NewReader(""), &out))
	assert.Error(t, run(ctx, []string{"--csv=-", "--long=0"}, strings.NewReader(""), &out))
	assert.Error(t, run(ctx, []string{"--csv=-"}, strings.NewReader("1\n2,3\n"), &out), "bad field count")
	assert.Error(t, run(ctx, []string{"--csv=-"}, strings.NewReader("1\nx\n"), &out), "bad value")
}
