package adapter

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/book"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	c *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient {
	return goRedisClient{c: c}
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// quoteSnapshot holds the last-written quote for a token so we can skip
// duplicate writes.
type quoteSnapshot struct {
	Bid string
	Ask string
}

// RedisWriter mirrors the top of book for every token into Redis using the
// schema:
//
//	Key:    book:polymarket:{token_id}
//	Fields: bid, ask, spread, ts
//
// Missing prices are written as empty strings. The in-memory store stays
// authoritative; this is a read-side mirror only.
//
// Writes are non-blocking: quotes are buffered in an internal channel and
// flushed by a dedicated goroutine. Duplicate quotes are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan book.Quote
	buf    chan book.Quote
	log    *zap.Logger

	mu   sync.Mutex
	last map[string]quoteSnapshot // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from a store's
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, feed <-chan book.Quote, log *zap.Logger) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan book.Quote, 1024),
		log:    log.Named("redis"),
		last:   make(map[string]quoteSnapshot),
	}
}

// Run starts two goroutines: one to drain the feed into an internal buffer,
// and one to flush buffered quotes to Redis. It blocks until ctx is
// cancelled or the feed is closed and drained.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: drain the feed into the internal buffer so the store is
	// never held up by Redis latency.
	go func() {
		defer wg.Done()
		defer close(rw.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- q:
				default:
					rw.log.Debug("buffer full, dropping quote", zap.String("token", q.TokenID))
				}
			}
		}
	}()

	// Flusher: write buffered quotes to Redis.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, q)
			}
		}
	}()

	wg.Wait()
}

// write checks for duplicates and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, q book.Quote) {
	bid := nullString(q.BestBid)
	ask := nullString(q.BestAsk)
	key := "book:polymarket:" + q.TokenID

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bid && prev.Ask == ask {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = quoteSnapshot{Bid: bid, Ask: ask}
	rw.mu.Unlock()

	ts := strconv.FormatInt(q.Timestamp.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key, "bid", bid, "ask", ask, "spread", nullString(q.Spread), "ts", ts)
	if err != nil && ctx.Err() == nil {
		rw.log.Warn("hset failed", zap.String("key", key), zap.Error(err))
		// Forget the entry so the next quote retries.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
