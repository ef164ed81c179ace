// Package macdengine runs the streaming MACD service: it consumes price
// streams from Redis, keeps one composer per symbol and fans results out to
// Redis, SQLite and websocket clients.
package macdengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"macd-systemv1/config"
	"macd-systemv1/internal/gateway"
	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/metrics"
	"macd-systemv1/internal/model"
	redisstore "macd-systemv1/internal/store/redis"
	sqlitestore "macd-systemv1/internal/store/sqlite"
)

const (
	resetChannel     = "macd:reset"
	replayBuffer     = 5000
	logBuffer        = 10000
	livenessInterval = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
)

type latestReader interface {
	ReadLatest(ctx context.Context, symbol string) (model.MACDResult, bool, error)
}

// Service is the top-level orchestrator for the MACD engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg    *config.Config
	log    *slog.Logger
	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	breaker     *redisstore.CircuitBreaker
	sqlWriter   *sqlitestore.Writer
	sqlReader   *sqlitestore.Reader
	hub         *gateway.Hub

	proc   *Processor
	latest latestReader

	streams   []string
	priceLog  chan model.Price
	resultLog chan model.MACDResult
	sqlDone   sync.WaitGroup
}

// New connects to Redis and SQLite. Redis is required; without SQLite the
// service runs with no price history and no durable snapshots.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	log = logger.Component(log, "macdengine")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := &Service{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		prom:   metrics.NewMetrics(reg),
		health: metrics.NewHealthStatus(),
		hub:    gateway.NewHub(log),
	}

	var err error
	svc.redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Logger:   log,
	})
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}
	svc.latest = svc.redisWriter

	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath, Logger: log})
	if err != nil {
		log.Warn("sqlite writer unavailable, continuing without persistence", "error", err)
		svc.sqlWriter = nil
	} else if svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath); err != nil {
		log.Warn("sqlite reader unavailable, continuing without backfill", "error", err)
		svc.sqlReader = nil
	}

	svc.breaker = redisstore.NewCircuitBreaker(5, 10*time.Second)
	svc.breaker.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
		log.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
	}
	svc.hub.OnClients = func(n int) { svc.prom.WSClients.Set(float64(n)) }
	svc.hub.OnDrop = func() { svc.prom.WSDroppedMsgs.Inc() }

	return svc, nil
}

// Run restores state, catches up on missed prices and then serves until ctx
// is cancelled. A final snapshot is written on the way out.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	svc.log.Info("starting", "macd", cfg.MACD().Name(), "seed", cfg.MACDSeed.String(), "http", cfg.HTTPAddr)

	// ---- Restore engine ----
	restorer := indicator.NewRestorer(cfg.MACD(), svc.log)
	snap := svc.loadSnapshot(ctx)
	engine, err := restorer.RestoreFromSnap(snap)
	if err != nil {
		return multierr.Append(err, svc.closeAll())
	}
	restored := make(map[string]bool, engine.Len())
	for _, s := range engine.Symbols() {
		restored[s] = true
	}
	svc.health.SetEngineRestored(len(restored) > 0)

	svc.buildProcessor(ctx, engine)
	svc.startSQLite()

	// ---- Warm cold symbols from stored history ----
	marks := svc.backfill(ctx, restorer, engine, restored)
	if svc.priceLog != nil {
		svc.proc.PriceTap = svc.priceLog
	}

	// ---- Streams ----
	svc.streams, err = svc.resolveStreams(ctx)
	if err != nil {
		return multierr.Append(err, svc.shutdown())
	}
	svc.log.Info("consuming price streams", "count", len(svc.streams), "streams", svc.streams)

	pending, err := svc.positionStreams(ctx, snap, restored, marks)
	if err != nil {
		return multierr.Append(err, svc.shutdown())
	}
	svc.prom.SymbolsTracked.Set(float64(engine.Len()))
	svc.health.SetSymbols(engine.Len())

	// ---- Start subsystems ----
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.proc.Run(gctx)
		return nil
	})
	if len(svc.streams) > 0 {
		g.Go(func() error { return svc.consume(gctx, pending) })
	} else {
		svc.log.Warn("no price streams found; only live previews and resets will be served")
	}
	g.Go(func() error { return svc.redisReader.SubscribeLivePrices(gctx, svc.proc.Live()) })
	g.Go(func() error {
		svc.resetSubscriber(gctx)
		return nil
	})
	g.Go(func() error {
		svc.snapshotLoop(gctx)
		return nil
	})
	g.Go(func() error {
		svc.health.RunLivenessChecker(gctx, svc.redisReader.Client(), svc.sqlDB(), livenessInterval)
		return nil
	})
	g.Go(func() error { return svc.serveHTTP(gctx) })

	svc.log.Info("all systems running", "snapshot_interval", cfg.SnapshotInterval.String())

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, svc.shutdown())
}

// loadSnapshot tries Redis first, then SQLite. Returns nil for a cold start.
func (svc *Service) loadSnapshot(ctx context.Context) *indicator.EngineSnapshot {
	snap, err := svc.redisReader.ReadSnapshot(ctx, svc.cfg.SnapshotKey)
	if err != nil {
		svc.log.Warn("redis snapshot read failed", "error", err)
	}
	if snap != nil {
		return snap
	}
	if svc.sqlReader == nil {
		return nil
	}
	snap, err = svc.sqlReader.ReadLatestSnapshot(ctx)
	if err != nil {
		svc.log.Warn("sqlite snapshot read failed", "error", err)
		return nil
	}
	if snap != nil {
		svc.log.Info("using sqlite snapshot")
	}
	return snap
}

func (svc *Service) buildProcessor(ctx context.Context, engine *indicator.Engine) {
	bw := redisstore.NewBufferedWriter(ctx,
		timedWriter{w: svc.redisWriter, obs: svc.prom.RedisWriteDur},
		svc.breaker, 0, svc.log)
	bw.OnBuffer = func(n int) { svc.prom.RedisBufferedWrites.Add(float64(n)) }
	bw.OnDrop = func(n int) { svc.prom.RedisDroppedWrites.Add(float64(n)) }
	bw.OnFlush = func(n int) { svc.log.Info("flushed buffered results to redis", "count", n) }

	sinks := []model.ResultWriter{bw, svc.hub}
	if svc.sqlWriter != nil {
		svc.priceLog = make(chan model.Price, logBuffer)
		svc.resultLog = make(chan model.MACDResult, logBuffer)
		sinks = append(sinks, chanSink{
			ch:     svc.resultLog,
			onDrop: func(n int) { svc.log.Warn("sqlite result queue full", "dropped", n) },
		})
	}
	svc.proc = NewProcessor(engine, svc.prom, svc.health, svc.log, sinks...)
}

// startSQLite runs the batch writers. They stop once shutdown closes their channels.
func (svc *Service) startSQLite() {
	if svc.sqlWriter == nil {
		return
	}
	svc.sqlDone.Add(2)
	go func() {
		defer svc.sqlDone.Done()
		svc.sqlWriter.RunPrices(context.Background(), svc.priceLog)
	}()
	go func() {
		defer svc.sqlDone.Done()
		svc.sqlWriter.RunResults(context.Background(), svc.resultLog)
	}()
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}

// backfill warms symbols that were not restored and returns, per warmed
// symbol, the newest stored price timestamp (unix ms).
func (svc *Service) backfill(ctx context.Context, restorer *indicator.Restorer, engine *indicator.Engine, restored map[string]bool) map[string]int64 {
	if svc.sqlReader == nil {
		return nil
	}
	n := restorer.BackfillFromSQLite(engine, svc.sqlReader, func(results []model.MACDResult) {
		svc.proc.emit(ctx, results)
	})
	svc.prom.BackfilledPrices.Add(float64(n))

	marks := make(map[string]int64)
	for _, s := range engine.Symbols() {
		if restored[s] {
			continue
		}
		ts, err := svc.sqlWriter.LastPriceTS(s)
		if err != nil {
			svc.log.Warn("last price lookup failed", "symbol", s, "error", err)
			continue
		}
		marks[s] = ts
	}
	return marks
}

func (svc *Service) resolveStreams(ctx context.Context) ([]string, error) {
	if len(svc.cfg.PriceStreams) > 0 {
		streams := make([]string, len(svc.cfg.PriceStreams))
		for i, s := range svc.cfg.PriceStreams {
			streams[i] = streamKey(s)
		}
		return streams, nil
	}
	streams, err := svc.redisReader.DiscoverPriceStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover price streams: %w", err)
	}
	return streams, nil
}

// positionStreams replays what each stream holds beyond the engine's state and
// points the consumer group just past it. A symbol restored with a recorded
// stream position resumes from that position. A restored symbol without one
// can only safely take new prices. Every other symbol replays the whole
// stream, skipping prices already fed from SQLite. Returns the streams whose
// pending entries should be recovered.
func (svc *Service) positionStreams(ctx context.Context, snap *indicator.EngineSnapshot, restored map[string]bool, marks map[string]int64) ([]string, error) {
	var pending []string
	for _, stream := range svc.streams {
		symbol := streamSymbol(stream)
		startID := "0"
		if restored[symbol] {
			if snap != nil {
				startID = snap.StreamIDs[stream]
			}
			if startID == "" {
				if err := svc.redisReader.EnsureConsumerGroup(ctx, []string{stream}); err != nil {
					return nil, err
				}
				pending = append(pending, stream)
				continue
			}
		}

		lastID, n, err := svc.replay(ctx, stream, startID, marks[symbol])
		if err != nil {
			svc.log.Warn("replay incomplete", "stream", stream, "last_id", lastID, "error", err)
		}
		if n > 0 {
			svc.log.Info("replayed stream", "stream", stream, "from", startID, "to", lastID, "prices", n)
		}
		svc.proc.markStream(stream, lastID)
		if err := svc.redisReader.EnsureConsumerGroupFrom(ctx, stream, lastID); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// replay feeds every entry after startID through the processor before it
// starts running. Prices at or before afterMs are skipped.
func (svc *Service) replay(ctx context.Context, stream, startID string, afterMs int64) (string, int, error) {
	ch := make(chan model.Price, replayBuffer)
	var (
		lastID    string
		replayErr error
	)
	go func() {
		defer close(ch)
		lastID, replayErr = svc.redisReader.ReplayFromID(ctx, stream, startID, ch)
	}()

	var batch []model.MACDResult
	n := 0
	for p := range ch {
		if afterMs > 0 && p.TS.UnixMilli() <= afterMs {
			continue
		}
		batch = svc.proc.apply(p, batch)
		n++
		if len(batch) >= maxBatch {
			svc.proc.emit(ctx, batch)
			batch = nil
		}
	}
	svc.proc.emit(ctx, batch)
	svc.prom.ReplayedPrices.Add(float64(n))
	return lastID, n, replayErr
}

func (svc *Service) consume(ctx context.Context, pending []string) error {
	if len(pending) > 0 {
		n, err := svc.redisReader.RecoverPending(ctx, pending, svc.proc.Prices())
		if err != nil && ctx.Err() == nil {
			svc.log.Warn("pending recovery failed", "error", err)
		}
		if n > 0 {
			svc.prom.PendingRecovered.Add(float64(n))
			svc.log.Info("recovered pending prices", "count", n)
		}
	}

	svc.health.SetConsumerRunning(true)
	defer svc.health.SetConsumerRunning(false)
	err := svc.redisReader.ConsumePrices(ctx, svc.streams, svc.proc.Prices())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// resetSubscriber applies resets published on the reset channel. The payload
// is a symbol; "" or "*" resets every symbol.
func (svc *Service) resetSubscriber(ctx context.Context) {
	pubsub := svc.redisReader.SubscribeChannel(ctx, resetChannel)
	if pubsub == nil {
		svc.log.Warn("reset channel unavailable", "channel", resetChannel)
		return
	}
	defer pubsub.Close()
	svc.log.Info("listening for resets", "channel", resetChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n, err := svc.proc.Reset(ctx, msg.Payload)
			if err != nil {
				svc.log.Warn("reset failed", "symbol", msg.Payload, "error", err)
				continue
			}
			svc.prom.ResetsTotal.WithLabelValues("redis").Inc()
			svc.log.Info("reset", "symbol", msg.Payload, "composers", n, "source", "redis")
		}
	}
}

// snapshotLoop periodically checkpoints engine state to Redis and SQLite.
func (svc *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := svc.proc.Snapshot(ctx)
			if err != nil {
				return
			}
			if err := svc.saveSnapshot(ctx, snap); err != nil {
				svc.log.Warn("checkpoint incomplete", "error", err)
			} else {
				svc.log.Info("checkpoint saved", "symbols", len(snap.Symbols), "stream_id", snap.StreamID)
			}
			if svc.resultLog != nil {
				svc.prom.ObserveChannel("sqlite_prices", len(svc.priceLog), cap(svc.priceLog))
				svc.prom.ObserveChannel("sqlite_results", len(svc.resultLog), cap(svc.resultLog))
			}
		}
	}
}

func (svc *Service) saveSnapshot(ctx context.Context, snap *indicator.EngineSnapshot) error {
	start := time.Now()
	defer func() { svc.prom.SnapshotDur.Observe(time.Since(start).Seconds()) }()

	var errs error
	err := svc.redisReader.WriteSnapshot(ctx, svc.cfg.SnapshotKey, snap)
	svc.countSnapshot("redis", err)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("redis snapshot: %w", err))
	}
	if svc.sqlWriter != nil {
		err := svc.sqlWriter.SaveSnapshot(ctx, snap)
		svc.countSnapshot("sqlite", err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sqlite snapshot: %w", err))
		}
	}
	return errs
}

func (svc *Service) countSnapshot(store string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	svc.prom.SnapshotsTotal.WithLabelValues(store, result).Inc()
}

func (svc *Service) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	svc.log.Info("http server listening", "addr", svc.cfg.HTTPAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.hub.Close()
		return srv.Shutdown(shutCtx)
	}
}

// shutdown saves a final snapshot, drains the SQLite writers and closes
// connections. The processor must have stopped.
func (svc *Service) shutdown() error {
	svc.log.Info("shutting down, saving final snapshot")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if svc.proc != nil {
		snap := svc.proc.capture()
		if err := svc.saveSnapshot(ctx, snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("final snapshot: %w", err))
		} else {
			svc.log.Info("final snapshot saved", "symbols", len(snap.Symbols))
		}
	}
	if svc.priceLog != nil {
		close(svc.priceLog)
		close(svc.resultLog)
		svc.sqlDone.Wait()
	}

	errs = multierr.Append(errs, svc.closeAll())
	svc.log.Info("shutdown complete")
	return errs
}

func (svc *Service) closeAll() error {
	var errs error
	if svc.sqlReader != nil {
		errs = multierr.Append(errs, svc.sqlReader.Close())
	}
	if svc.sqlWriter != nil {
		errs = multierr.Append(errs, svc.sqlWriter.Close())
	}
	errs = multierr.Append(errs, svc.redisWriter.Close())
	errs = multierr.Append(errs, svc.redisReader.Close())
	return errs
}
