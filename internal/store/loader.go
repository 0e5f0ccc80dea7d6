package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/caesar-terminal/booksync/internal/adapter/poly"
	"github.com/caesar-terminal/booksync/internal/book"
	"github.com/caesar-terminal/booksync/internal/metrics"
)

// SnapshotFetcher retrieves a full REST book. *poly.RESTClient satisfies it.
type SnapshotFetcher interface {
	FetchBook(ctx context.Context, tokenID string) (book.RestSnapshot, error)
}

// SnapshotSink accepts a fetched snapshot. *Store satisfies it.
type SnapshotSink interface {
	SetSnapshot(snap book.RestSnapshot) error
}

// LoaderConfig controls REST retries.
type LoaderConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultLoaderConfig returns three attempts starting at 500ms.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// loadCall is the context of one shared fetch. It is cancelled once every
// waiter has left, so no single caller's cancellation reaches the others.
type loadCall struct {
	tokenID string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Loader fetches REST snapshots and hands them to a sink. Concurrent loads
// of the same token share one fetch.
type Loader struct {
	fetcher SnapshotFetcher
	sink    SnapshotSink
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     LoaderConfig

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]*loadCall
}

// NewLoader creates a Loader. Zero fields in cfg take their defaults.
func NewLoader(fetcher SnapshotFetcher, sink SnapshotSink, log *zap.Logger, m *metrics.Metrics, cfg LoaderConfig) *Loader {
	def := DefaultLoaderConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.Backoff)
	}
	return &Loader{
		fetcher:  fetcher,
		sink:     sink,
		log:      log.Named("loader"),
		metrics:  m,
		cfg:      cfg,
		inflight: make(map[string]*loadCall),
	}
}

// Load fetches tokenID's book and applies it. Calling it again, e.g. when a
// view remounts, simply refreshes the book.
func (l *Loader) Load(ctx context.Context, tokenID string) error {
	c := l.join(ctx, tokenID)
	defer l.leave(c)

	// Keyed per call so a cancelled fetch that is still unwinding is never
	// joined by a fresh Load.
	ch := l.group.DoChan(fmt.Sprintf("%s/%p", tokenID, c), func() (any, error) {
		err := l.load(c.ctx, tokenID)
		l.mu.Lock()
		if l.inflight[tokenID] == c {
			delete(l.inflight, tokenID)
		}
		l.mu.Unlock()
		return nil, err
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) join(ctx context.Context, tokenID string) *loadCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.inflight[tokenID]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &loadCall{tokenID: tokenID, ctx: fctx, cancel: cancel}
		l.inflight[tokenID] = c
	}
	c.waiters++
	return c
}

func (l *Loader) leave(c *loadCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.waiters--
	if c.waiters == 0 {
		c.cancel()
		if l.inflight[c.tokenID] == c {
			delete(l.inflight, c.tokenID)
		}
	}
}

func (l *Loader) load(ctx context.Context, tokenID string) error {
	delay := l.cfg.Backoff
	var err error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		var snap book.RestSnapshot
		snap, err = l.fetcher.FetchBook(ctx, tokenID)
		if err == nil {
			if snap.TokenID == "" {
				snap.TokenID = tokenID
			}
			if err = l.sink.SetSnapshot(snap); err != nil {
				break
			}
			l.metrics.SnapshotLoads.WithLabelValues("ok").Inc()
			l.log.Debug("snapshot loaded", zap.String("token", tokenID),
				zap.Int("bids", len(snap.Bids)), zap.Int("asks", len(snap.Asks)))
			return nil
		}
		if !retryable(ctx, err) || attempt == l.cfg.MaxAttempts {
			break
		}
		l.metrics.SnapshotLoads.WithLabelValues("retry").Inc()
		l.log.Warn("snapshot fetch failed, retrying", zap.String("token", tokenID),
			zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, l.cfg.MaxBackoff)
	}
	l.metrics.SnapshotLoads.WithLabelValues("failed").Inc()
	return fmt.Errorf("store: load %s: %w", tokenID, err)
}

// retryable treats transport errors and temporary HTTP statuses as worth
// another attempt. A body that does not parse will not parse next time.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, poly.ErrInvalidTokenID) || errors.Is(err, poly.ErrMalformedFrame) {
		return false
	}
	var se *poly.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
