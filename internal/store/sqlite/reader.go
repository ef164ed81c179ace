package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read access to SQLite for backfill, replay and snapshot restore.
type Reader struct {
	db *sql.DB
}

var _ model.PriceReader = (*Reader)(nil)

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// ReadPrices reads one symbol's prices newer than afterTS (unix ms), oldest first.
func (r *Reader) ReadPrices(symbol string, afterTS int64) ([]model.Price, error) {
	return r.queryPrices(`
		SELECT symbol, ts_ms, value FROM prices
		WHERE symbol = ? AND ts_ms > ?
		ORDER BY ts_ms ASC
	`, symbol, afterTS)
}

// ReadAllPrices reads every symbol's prices newer than afterTS (unix ms),
// ordered by timestamp so per-symbol order is preserved.
func (r *Reader) ReadAllPrices(afterTS int64) ([]model.Price, error) {
	return r.queryPrices(`
		SELECT symbol, ts_ms, value FROM prices
		WHERE ts_ms > ?
		ORDER BY ts_ms ASC, symbol ASC
	`, afterTS)
}

func (r *Reader) queryPrices(query string, args ...any) ([]model.Price, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query prices: %w", err)
	}
	defer rows.Close()

	var prices []model.Price
	for rows.Next() {
		var (
			p  model.Price
			ms int64
		)
		if err := rows.Scan(&p.Symbol, &ms, &p.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan prices: %w", err)
		}
		p.TS = time.UnixMilli(ms).UTC()
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// ReadResults reads stored results for symbol newer than afterTS (unix ms), oldest first.
func (r *Reader) ReadResults(symbol string, afterTS int64) ([]model.MACDResult, error) {
	rows, err := r.db.Query(`
		SELECT name, symbol, ts_ms, macd, signal, histogram FROM macd_results
		WHERE symbol = ? AND ts_ms > ?
		ORDER BY ts_ms ASC
	`, symbol, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query macd_results: %w", err)
	}
	defer rows.Close()

	var out []model.MACDResult
	for rows.Next() {
		var (
			res model.MACDResult
			ms  int64
		)
		if err := rows.Scan(&res.Name, &res.Symbol, &ms, &res.MACD, &res.Signal, &res.Histogram); err != nil {
			return nil, fmt.Errorf("sqlite scan macd_results: %w", err)
		}
		res.TS = time.UnixMilli(ms).UTC()
		res.Ready = true
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReadLatestSnapshot loads the most recent engine snapshot. Returns nil, nil if none.
func (r *Reader) ReadLatestSnapshot(ctx context.Context) (*indicator.EngineSnapshot, error) {
	data, err := latestSnapshot(ctx, r.db)
	if err != nil || data == nil {
		return nil, err
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
