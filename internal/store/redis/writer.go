package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// ~3h of one result per second, trimmed approximately.
	resultStreamMaxLen = 12000
	defaultLatestTTL   = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Logger   *slog.Logger
}

// Writer publishes MACD results to Redis.
type Writer struct {
	client *goredis.Client
	log    *slog.Logger
}

var _ model.ResultWriter = (*Writer)(nil)

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	w := NewWriterFromClient(client, cfg.Logger)
	w.log.Info("connected", "addr", cfg.Addr)
	return w, nil
}

// NewWriterFromClient wraps an existing client.
func NewWriterFromClient(client *goredis.Client, log *slog.Logger) *Writer {
	return &Writer{client: client, log: logger.Component(log, "redis-writer")}
}

// WriteResultBatch writes results in one pipeline round trip.
// Confirmed results are XADDed to "macd:{symbol}", stored under
// "macd:latest:{symbol}" and published on "pub:macd:{symbol}". Live results
// are only published. Results that are neither ready nor live are skipped.
func (w *Writer) WriteResultBatch(ctx context.Context, results []model.MACDResult) error {
	pipe := w.client.Pipeline()
	queued := 0
	for i := range results {
		r := &results[i]
		if !r.Ready {
			continue
		}
		data := string(r.JSON())
		queued++

		if r.Live {
			pipe.Publish(ctx, r.PubSubChannel(), data)
			continue
		}

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: r.StreamKey(),
			MaxLen: resultStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, r.LatestKey(), data, defaultLatestTTL)
		pipe.Publish(ctx, r.PubSubChannel(), data)
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("result pipeline (%d results): %w", queued, err)
	}
	return nil
}

// ReadLatest returns the last confirmed result for symbol, if cached.
func (w *Writer) ReadLatest(ctx context.Context, symbol string) (model.MACDResult, bool, error) {
	key := (&model.MACDResult{Symbol: symbol}).LatestKey()
	data, err := w.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return model.MACDResult{}, false, nil
		}
		return model.MACDResult{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var r model.MACDResult
	if err := json.Unmarshal(data, &r); err != nil {
		return model.MACDResult{}, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return r, true, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
