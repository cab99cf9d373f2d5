// Package publish mirrors each outcome's top of book into Redis.
//
// Schema:
//
//	Key:    book:{tokenId}
//	Fields: bid, ask, mid, ts (unix millis)
//
// Publishing never blocks the caller: updates are buffered and flushed by Run.
// Writes whose bid and ask match the last write for the key are skipped.
package publish

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"polymarket-bookwatch/internal/config"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// Production uses NewRedisClient; tests use a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// Top is one outcome's top of book at a point in time.
type Top struct {
	TokenID string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	Mid     decimal.Decimal
	At      time.Time
}

type lastWrite struct {
	bid string
	ask string
}

// RedisWriter buffers Top updates and writes them to Redis.
type RedisWriter struct {
	client  RedisClient
	buf     chan Top
	onWrite func() // called after each successful HSET
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]lastWrite // keyed by Redis key
}

// NewRedisWriter creates a writer. onWrite may be nil.
func NewRedisWriter(client RedisClient, onWrite func(), logger *slog.Logger) *RedisWriter {
	if onWrite == nil {
		onWrite = func() {}
	}
	return &RedisWriter{
		client:  client,
		buf:     make(chan Top, 1024),
		onWrite: onWrite,
		logger:  logger.With("component", "redis"),
		last:    make(map[string]lastWrite),
	}
}

// Publish enqueues an update. It drops the update if the buffer is full.
func (w *RedisWriter) Publish(t Top) {
	select {
	case w.buf <- t:
	default:
		w.logger.Warn("redis buffer full, dropping update", "token", t.TokenID)
	}
}

// Run flushes buffered updates until ctx is cancelled.
func (w *RedisWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.buf:
			w.write(ctx, t)
		}
	}
}

// write issues an HSET unless the top of book is unchanged. It reports
// whether a write was attempted.
func (w *RedisWriter) write(ctx context.Context, t Top) bool {
	key := Key(t.TokenID)
	bid, ask := t.Bid.String(), t.Ask.String()

	w.mu.Lock()
	prev, exists := w.last[key]
	if exists && prev.bid == bid && prev.ask == ask {
		w.mu.Unlock()
		return false
	}
	w.last[key] = lastWrite{bid: bid, ask: ask}
	w.mu.Unlock()

	ts := strconv.FormatInt(t.At.UnixMilli(), 10)
	if err := w.client.HSet(ctx, key, "bid", bid, "ask", ask, "mid", t.Mid.String(), "ts", ts); err != nil {
		w.logger.Warn("redis write failed", "key", key, "error", err)
		// Forget the key so the next update retries it.
		w.mu.Lock()
		delete(w.last, key)
		w.mu.Unlock()
		return true
	}
	w.onWrite()
	return true
}

// Forget drops duplicate-suppression state for tokens no longer watched.
func (w *RedisWriter) Forget(tokenIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range tokenIDs {
		delete(w.last, Key(id))
	}
}

// Key returns the Redis hash key for a token.
func Key(tokenID string) string { return "book:" + tokenID }

// goRedis adapts *redis.Client to RedisClient.
type goRedis struct {
	c *redis.Client
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// NewRedisClient connects to Redis and verifies the connection with PING.
// The returned close func releases the connection pool.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (RedisClient, func() error, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, nil, err
	}
	return goRedis{c: c}, c.Close, nil
}
