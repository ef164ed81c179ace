package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	busyGroupErr   = "BUSYGROUP Consumer Group name already exists"
	replayPageSize = 1000
	snapshotTTL    = 24 * time.Hour
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "macdengine"
	ConsumerName  string // unique consumer name, e.g. hostname
	Logger        *slog.Logger
}

// Reader consumes price streams via consumer groups and manages engine
// snapshots in Redis.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
	log           *slog.Logger
}

var _ model.PriceConsumer = (*Reader)(nil)

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	r := NewReaderFromClient(client, cfg.ConsumerGroup, cfg.ConsumerName, cfg.Logger)
	r.log.Info("connected", "addr", cfg.Addr, "group", r.consumerGroup, "consumer", r.consumerName)
	return r, nil
}

// NewReaderFromClient wraps an existing client.
func NewReaderFromClient(client *goredis.Client, group, consumer string, log *slog.Logger) *Reader {
	if group == "" {
		group = "macdengine"
	}
	if consumer == "" {
		consumer = "worker-1"
	}
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
		log:           logger.Component(log, "redis-reader"),
	}
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// EnsureConsumerGroup creates the consumer group on each stream if missing.
// Fresh groups start at "$" (only new messages).
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && err.Error() != busyGroupErr {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// EnsureConsumerGroupFrom creates the group at startID, or moves an existing
// group's last delivered ID there. Used after a snapshot restore.
func (r *Reader) EnsureConsumerGroupFrom(ctx context.Context, stream, startID string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, startID).Err()
	if err == nil {
		return nil
	}
	if err.Error() == busyGroupErr {
		return r.client.XGroupSetID(ctx, stream, r.consumerGroup, startID).Err()
	}
	return fmt.Errorf("xgroup create %s at %s: %w", stream, startID, err)
}

// ConsumePrices reads prices with XREADGROUP and sends them to out. Messages
// are acknowledged once handed off; malformed messages are acknowledged and
// skipped. Returns when ctx is cancelled.
func (r *Reader) ConsumePrices(ctx context.Context, streams []string, out chan<- model.Price) error {
	if len(streams) == 0 {
		return errors.New("consume prices: no streams")
	}
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			r.log.Warn("xreadgroup failed", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.deliver(ctx, stream.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending re-delivers messages this group read but never acknowledged
// before a crash. Gives at-least-once delivery across restarts.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Price) (int, error) {
	recovered := 0
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				Messages: ids,
			}).Result()
			if err != nil {
				r.log.Warn("xclaim failed", "stream", stream, "error", err)
				break
			}

			for _, msg := range claimed {
				if err := r.deliver(ctx, stream, msg, out); err != nil {
					return recovered, err
				}
				recovered++
			}
			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return recovered, nil
}

func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.Price) error {
	p, err := ParsePriceMessage(stream, msg.Values)
	if err != nil {
		// Ack anyway so a poison message is not redelivered forever.
		r.log.Warn("dropping malformed price", "stream", stream, "id", msg.ID, "error", err)
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
		return nil
	}

	p.Stream, p.ID = stream, msg.ID

	select {
	case out <- p:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	return nil
}

// ReplayFromID reads every message after startID and returns the last ID seen.
// Used after a restore to catch up on prices newer than the snapshot.
func (r *Reader) ReplayFromID(ctx context.Context, stream, startID string, out chan<- model.Price) (string, error) {
	lastID := startID
	for {
		results, err := r.client.XRangeN(ctx, stream, "("+lastID, "+", replayPageSize).Result()
		if err != nil {
			return lastID, fmt.Errorf("xrange %s from %s: %w", stream, lastID, err)
		}

		for _, msg := range results {
			lastID = msg.ID
			p, err := ParsePriceMessage(stream, msg.Values)
			if err != nil {
				continue
			}
			p.Stream, p.ID = stream, msg.ID
			select {
			case out <- p:
			case <-ctx.Done():
				return lastID, ctx.Err()
			}
		}

		if len(results) < replayPageSize {
			return lastID, nil
		}
	}
}

// DiscoverPriceStreams returns every "price:*" stream, sorted.
func (r *Reader) DiscoverPriceStreams(ctx context.Context) ([]string, error) {
	var (
		cursor  uint64
		streams []string
	)
	for {
		keys, next, err := r.client.ScanType(ctx, cursor, model.PriceStreamPrefix+"*", 200, "stream").Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s*: %w", model.PriceStreamPrefix, err)
		}
		streams = append(streams, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(streams)
	return streams, nil
}

// ReadSnapshot loads the engine snapshot stored at key. Returns nil, nil if absent.
func (r *Reader) ReadSnapshot(ctx context.Context, key string) (*indicator.EngineSnapshot, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", key, err)
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot saves an engine snapshot at key. SQLite keeps the durable copy,
// so the Redis one expires after a day.
func (r *Reader) WriteSnapshot(ctx context.Context, key string, snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.client.Set(ctx, key, data, snapshotTTL).Err()
}

// SubscribeLivePrices forwards prices published on "pub:price:*" to out for
// non-mutating preview. Drops when out is full. Blocks until ctx is cancelled.
func (r *Reader) SubscribeLivePrices(ctx context.Context, out chan<- model.Price) error {
	pubsub := r.client.PSubscribe(ctx, "pub:"+model.PriceStreamPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p model.Price
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				continue
			}
			if p.Symbol == "" {
				p.Symbol = strings.TrimPrefix(msg.Channel, "pub:"+model.PriceStreamPrefix)
			}
			select {
			case out <- p:
			default:
			}
		}
	}
}

// SubscribeChannel subscribes to a Pub/Sub channel and waits for confirmation.
// Returns nil if the subscription failed.
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Warn("subscribe failed", "channel", channel, "error", err)
		pubsub.Close()
		return nil
	}
	return pubsub
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// ParsePriceMessage decodes a price stream entry. Two layouts are accepted:
// a "data" field holding the JSON-encoded Price, or flat "value" and "ts"
// fields (ts in unix milliseconds). A missing symbol is taken from the stream
// key "price:{symbol}".
func ParsePriceMessage(stream string, values map[string]interface{}) (model.Price, error) {
	var p model.Price

	if data, ok := values["data"].(string); ok {
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return p, fmt.Errorf("decode data: %w", err)
		}
	} else {
		raw, ok := values["value"].(string)
		if !ok {
			return p, errors.New("message has neither data nor value field")
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("parse value %q: %w", raw, err)
		}
		p.Value = v

		if ts, ok := values["ts"].(string); ok {
			ms, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				return p, fmt.Errorf("parse ts %q: %w", ts, err)
			}
			p.TS = time.UnixMilli(ms).UTC()
		}
		if sym, ok := values["symbol"].(string); ok {
			p.Symbol = sym
		}
	}

	if p.Symbol == "" {
		p.Symbol = strings.TrimPrefix(stream, model.PriceStreamPrefix)
	}
	if p.Symbol == "" {
		return p, errors.New("price has no symbol")
	}
	return p, nil
}
