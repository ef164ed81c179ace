package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	snapshotsKept     = 10

	dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/macd.db"
	Logger *slog.Logger
}

// Writer is a single-connection SQLite writer with transaction batching.
// It stores price history, confirmed MACD results and engine snapshots.
type Writer struct {
	db  *sql.DB
	log *slog.Logger
}

var _ model.SnapshotStore = (*Writer)(nil)

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	w := &Writer{db: db, log: logger.Component(cfg.Logger, "sqlite-writer")}
	w.log.Info("opened database", "path", cfg.DBPath)
	return w, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prices (
			symbol TEXT    NOT NULL,
			ts_ms  INTEGER NOT NULL,
			value  REAL    NOT NULL,
			PRIMARY KEY (symbol, ts_ms)
		);

		CREATE TABLE IF NOT EXISTS macd_results (
			name      TEXT    NOT NULL,
			symbol    TEXT    NOT NULL,
			ts_ms     INTEGER NOT NULL,
			macd      REAL    NOT NULL,
			signal    REAL    NOT NULL,
			histogram REAL    NOT NULL,
			PRIMARY KEY (name, symbol, ts_ms)
		);

		CREATE TABLE IF NOT EXISTS macd_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// RunPrices inserts prices from ch in batched transactions, flushing every
// defaultBatchSize prices or defaultFlushDelay, whichever comes first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) RunPrices(ctx context.Context, ch <-chan model.Price) {
	runBatched(ctx, w.log, "prices", ch, w.InsertPrices)
}

// RunResults inserts confirmed results from ch in batched transactions.
// Live and not-ready results are ignored.
func (w *Writer) RunResults(ctx context.Context, ch <-chan model.MACDResult) {
	runBatched(ctx, w.log, "results", ch, w.InsertResults)
}

func runBatched[T any](ctx context.Context, log *slog.Logger, what string, ch <-chan T, insert func([]T) error) {
	batch := make([]T, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := insert(batch); err != nil {
			log.Error("batch insert failed", "table", what, "rows", len(batch), "error", err)
		} else {
			log.Debug("batch committed", "table", what, "rows", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case v, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, v)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertPrices stores prices in one transaction. A repeated (symbol, ts)
// overwrites the earlier value.
func (w *Writer) InsertPrices(prices []model.Price) error {
	return w.inTx(`INSERT OR REPLACE INTO prices (symbol, ts_ms, value) VALUES (?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for _, p := range prices {
				if _, err := stmt.Exec(p.Symbol, p.TS.UnixMilli(), p.Value); err != nil {
					return err
				}
			}
			return nil
		})
}

// InsertResults stores confirmed results in one transaction.
func (w *Writer) InsertResults(results []model.MACDResult) error {
	return w.inTx(`INSERT OR REPLACE INTO macd_results (name, symbol, ts_ms, macd, signal, histogram) VALUES (?, ?, ?, ?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for _, r := range results {
				if !r.Ready || r.Live {
					continue
				}
				if _, err := stmt.Exec(r.Name, r.Symbol, r.TS.UnixMilli(), r.MACD, r.Signal, r.Histogram); err != nil {
					return err
				}
			}
			return nil
		})
}

func (w *Writer) inTx(query string, fn func(*sql.Stmt) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LastPriceTS returns the newest stored timestamp (unix ms) for symbol, or 0.
func (w *Writer) LastPriceTS(symbol string) (int64, error) {
	var ts sql.NullInt64
	if err := w.db.QueryRow(`SELECT MAX(ts_ms) FROM prices WHERE symbol = ?`, symbol).Scan(&ts); err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// SaveSnapshot stores an engine snapshot and prunes all but the newest few.
func (w *Writer) SaveSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return w.SaveSnapshotJSON(ctx, data)
}

// SaveSnapshotJSON stores a JSON-encoded engine snapshot.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	if _, err := w.db.ExecContext(ctx, `INSERT INTO macd_snapshots (data) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err := w.db.ExecContext(ctx,
		`DELETE FROM macd_snapshots WHERE id NOT IN (SELECT id FROM macd_snapshots ORDER BY id DESC LIMIT ?)`,
		snapshotsKept)
	if err != nil {
		w.log.Warn("prune snapshots failed", "error", err)
	}
	return nil
}

// ReadLatestSnapshotJSON returns the newest snapshot, or nil, nil if none.
func (w *Writer) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return latestSnapshot(ctx, w.db)
}

func latestSnapshot(ctx context.Context, db *sql.DB) ([]byte, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM macd_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
