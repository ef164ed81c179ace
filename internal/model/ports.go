package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage implementations
// (Redis, SQLite). Each implementation satisfies one or more of these interfaces.

// PriceReader reads stored price history for backfill and replay.
type PriceReader interface {
	// ReadPrices reads one symbol's prices after afterTS (unix ms), oldest first.
	ReadPrices(symbol string, afterTS int64) ([]Price, error)

	// ReadAllPrices reads every symbol's prices after afterTS (unix ms), oldest first.
	ReadAllPrices(afterTS int64) ([]Price, error)
}

// ResultWriter writes MACD results.
type ResultWriter interface {
	// WriteResultBatch writes multiple results in a single batch.
	WriteResultBatch(ctx context.Context, results []MACDResult) error
}

// SnapshotStore reads and writes engine snapshots as raw JSON.
// Using []byte avoids a model→indicator→model import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}

// PriceConsumer consumes prices from a stream (e.g. Redis Streams).
type PriceConsumer interface {
	// EnsureConsumerGroup creates consumer groups on streams.
	EnsureConsumerGroup(ctx context.Context, streams []string) error

	// ConsumePrices reads prices via consumer groups. Blocks until ctx is cancelled.
	ConsumePrices(ctx context.Context, streams []string, out chan<- Price) error

	// ReplayFromID reads all messages from a stream after a given ID.
	ReplayFromID(ctx context.Context, stream, startID string, out chan<- Price) (string, error)

	// DiscoverPriceStreams finds every "price:*" stream.
	DiscoverPriceStreams(ctx context.Context) ([]string, error)
}
