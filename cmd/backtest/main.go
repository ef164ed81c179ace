// cmd/backtest replays stored prices through a cold MACD engine and prints
// every emitted triple as CSV, to check indicator output without live data.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/macd.db --symbol=NIFTY --speed=0
//	go run ./cmd/backtest --csv=prices.csv --short=12 --long=26 --signal=9
//
// CSV input rows are either "value" or "symbol,ts_ms,value"; lines starting
// with '#' are ignored. Output rows are "symbol,ts_ms,macd,signal,histogram".
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"
	"macd-systemv1/internal/replay"
	sqlitestore "macd-systemv1/internal/store/sqlite"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

type options struct {
	db       string
	csvPath  string
	symbol   string
	fromMs   int64
	speed    float64
	cfg      indicator.MACDConfig
	logLevel string
}

func parseFlags(args []string) (options, error) {
	var (
		o    options
		seed string
	)
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	fs.StringVar(&o.db, "db", "", "Path to SQLite database")
	fs.StringVar(&o.csvPath, "csv", "", "CSV file to read prices from ('-' for stdin)")
	fs.StringVar(&o.symbol, "symbol", "", "Symbol to replay (SQLite: empty = all; CSV: symbol for value-only rows)")
	fs.Int64Var(&o.fromMs, "from", 0, "Replay prices after this unix ms timestamp (0 = all)")
	fs.Float64Var(&o.speed, "speed", 0, "Playback speed multiplier (0 = max, 1 = realtime)")
	fs.IntVar(&o.cfg.Short, "short", 12, "Short EMA period")
	fs.IntVar(&o.cfg.Long, "long", 26, "Long EMA period")
	fs.IntVar(&o.cfg.Signal, "signal", 9, "Signal EMA period")
	fs.StringVar(&seed, "seed", "first", "EMA seed mode: first or sma")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	var err error
	if o.cfg.Seed, err = indicator.ParseSeedMode(seed); err != nil {
		return o, err
	}
	if o.db == "" && o.csvPath == "" {
		return o, errors.New("one of --db or --csv is required")
	}
	if o.db != "" && o.csvPath != "" {
		return o, errors.New("--db and --csv are mutually exclusive")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, "backtest", level, false)

	engine, err := indicator.NewRestorer(o.cfg, log).RestoreFromSnap(nil)
	if err != nil {
		return err
	}

	var reader model.PriceReader
	if o.db != "" {
		r, err := sqlitestore.NewReader(o.db)
		if err != nil {
			return err
		}
		defer r.Close()
		reader = r
	} else {
		in := stdin
		if o.csvPath != "-" {
			f, err := os.Open(o.csvPath)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		prices, err := readCSV(in, o.symbol)
		if err != nil {
			return err
		}
		reader = memReader(prices)
	}

	replayer := replay.New(reader, log)
	prices, err := replayer.Load(o.symbol, o.fromMs)
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	priceCh := make(chan model.Price, 1000)
	resultCh := make(chan model.MACDResult, 1000)
	errCh := make(chan error, 1)
	go func() {
		defer close(priceCh)
		_, err := replayer.Run(ctx, prices, o.speed, priceCh)
		errCh <- err
	}()

	processed := 0
	go func() {
		defer close(resultCh)
		processed = engine.Run(ctx, priceCh, resultCh)
	}()

	w := csv.NewWriter(stdout)
	emitted := 0
	for res := range resultCh {
		emitted++
		if err := w.Write([]string{
			res.Symbol,
			strconv.FormatInt(res.TS.UnixMilli(), 10),
			formatFloat(res.MACD),
			formatFloat(res.Signal),
			formatFloat(res.Histogram),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	log.Info("backtest complete", "name", o.cfg.Name(), "prices", processed, "results", emitted, "symbols", engine.Len())
	return <-errCh
}

// readCSV parses "value" or "symbol,ts_ms,value" rows. Value-only rows are
// stamped one second apart starting at 1s past the unix epoch. A header row
// is skipped.
func readCSV(in io.Reader, symbol string) ([]model.Price, error) {
	if symbol == "" {
		symbol = "CSV"
	}
	r := csv.NewReader(in)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var prices []model.Price
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return prices, nil
		}
		if err != nil {
			return nil, err
		}

		var p model.Price
		switch len(rec) {
		case 1:
			p.Symbol = symbol
			p.TS = time.Unix(int64(len(prices)+1), 0).UTC()
			p.Value, err = strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		case 3:
			p.Symbol = strings.TrimSpace(rec[0])
			var ms int64
			if ms, err = strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64); err == nil {
				p.TS = time.UnixMilli(ms).UTC()
				p.Value, err = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
			}
		default:
			return nil, fmt.Errorf("line %d: expected 1 or 3 fields, got %d", line, len(rec))
		}
		if err != nil {
			if line == 1 && len(prices) == 0 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		prices = append(prices, p)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// memReader serves CSV prices through the same interface as SQLite.
type memReader []model.Price

func (m memReader) ReadPrices(symbol string, afterTS int64) ([]model.Price, error) {
	var out []model.Price
	for _, p := range m {
		if p.Symbol == symbol && p.TS.UnixMilli() > afterTS {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memReader) ReadAllPrices(afterTS int64) ([]model.Price, error) {
	var out []model.Price
	for _, p := range m {
		if p.TS.UnixMilli() > afterTS {
			out = append(out, p)
		}
	}
	return out, nil
}
