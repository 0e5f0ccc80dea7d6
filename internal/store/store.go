// Package store is the façade UI consumers read order books through. It owns
// every book.State, applies deltas from the connection layer, and fans change
// notifications out to per-token listeners.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/adapter"
	"github.com/caesar-terminal/booksync/internal/book"
	"github.com/caesar-terminal/booksync/internal/metrics"
)

// ErrEmptyToken is returned when a snapshot carries no token id.
var ErrEmptyToken = errors.New("store: empty token id")

// Interest is the part of the connection layer the store drives. Every
// Subscribe is one Acquire; every unsubscribe is one Release.
type Interest interface {
	Acquire(tokenID string)
	Release(tokenID string)
	State() adapter.ConnState
}

// Listener is notified with the latest full snapshot of the token it
// subscribed to.
type Listener func(book.Snapshot)

// Options tunes a Store.
type Options struct {
	// NotifyInterval coalesces listener notifications. Zero notifies
	// synchronously after every mutation.
	NotifyInterval time.Duration
	// FeedBuffer is the channel capacity handed out by SubscribeAll.
	FeedBuffer int
	// Loader settings for the first-interest REST snapshot.
	Loader LoaderConfig
}

type listener struct {
	fn     Listener
	active atomic.Bool
}

// Store holds the live books of one session. All methods are safe for
// concurrent use. Listeners must not mutate the store from inside the
// callback.
type Store struct {
	conn    Interest
	loader  *Loader
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	books  map[string]*book.State
	subs   map[string]map[int]*listener
	nextID int
	dirty  map[string]struct{}
	armed  bool
	timer  *time.Timer
	feeds  []chan book.Quote
	closed bool

	// notifyMu serializes deliveries so a listener never runs concurrently
	// with itself.
	notifyMu sync.Mutex
}

// New creates a Store backed by conn. If fetcher is non-nil, the first
// Subscribe for a token also loads its REST snapshot in the background.
func New(conn Interest, fetcher SnapshotFetcher, log *zap.Logger, m *metrics.Metrics, opts Options) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:    conn,
		log:     log.Named("store"),
		metrics: m,
		opts:    opts,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		books:   make(map[string]*book.State),
		subs:    make(map[string]map[int]*listener),
		dirty:   make(map[string]struct{}),
	}
	if fetcher != nil {
		s.loader = NewLoader(fetcher, s, log, m, opts.Loader)
	}
	return s
}

// Loader returns the snapshot loader, or nil when the store was built
// without a fetcher.
func (s *Store) Loader() *Loader { return s.loader }

// GetBook returns a copy of the full book for tokenID. ok is false until a
// snapshot or delta for the token has arrived.
func (s *Store) GetBook(tokenID string) (book.Snapshot, bool) {
	return s.GetBookDepth(tokenID, 0)
}

// GetBookDepth is GetBook limited to depth levels per side.
func (s *Store) GetBookDepth(tokenID string, depth int) (book.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.books[tokenID]
	if !ok {
		return book.Snapshot{}, false
	}
	return st.Snapshot(depth), true
}

// GetBestPrices returns the derived top of book. Unknown tokens yield a
// quote with no valid prices.
func (s *Store) GetBestPrices(tokenID string) book.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.books[tokenID]
	if !ok {
		return book.Quote{TokenID: tokenID}
	}
	return st.Quote()
}

// Subscribe registers fn for changes to tokenID and adds one unit of
// interest in the token. It returns before any data exists; the first
// notification arrives once a snapshot or delta lands. A nil fn holds
// interest without being notified.
//
// After the returned func returns no further notification is started for
// fn; one already running may finish. Calling it more than once is a no-op.
func (s *Store) Subscribe(tokenID string, fn Listener) (unsubscribe func()) {
	l := &listener{fn: fn}
	l.active.Store(fn != nil)

	s.mu.Lock()
	set, ok := s.subs[tokenID]
	if !ok {
		set = make(map[int]*listener)
		s.subs[tokenID] = set
	}
	id := s.nextID
	s.nextID++
	set[id] = l
	first := len(set) == 1
	s.mu.Unlock()

	s.conn.Acquire(tokenID)
	if first && s.loader != nil {
		s.loadAsync(tokenID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Store(false)
			s.mu.Lock()
			if set, ok := s.subs[tokenID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.subs, tokenID)
				}
			}
			s.mu.Unlock()
			s.conn.Release(tokenID)
		})
	}
}

// loadAsync fetches the REST snapshot for tokenID. A fetch still running
// when the last listener goes away is allowed to finish and update the book.
func (s *Store) loadAsync(tokenID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.loader.Load(s.ctx, tokenID); err != nil && s.ctx.Err() == nil {
			s.log.Warn("snapshot load failed", zap.String("token", tokenID), zap.Error(err))
		}
	}()
}

// SetOrderBookFromRest replaces both sides of tokenID's book.
func (s *Store) SetOrderBookFromRest(tokenID string, bids, asks []book.Level) error {
	return s.SetSnapshot(book.RestSnapshot{TokenID: tokenID, Bids: bids, Asks: asks})
}

// SetSnapshot replaces the book with a REST snapshot, metadata included.
func (s *Store) SetSnapshot(snap book.RestSnapshot) error {
	if snap.TokenID == "" {
		return ErrEmptyToken
	}
	s.mu.Lock()
	s.stateLocked(snap.TokenID).SetFromRest(snap.Bids, snap.Asks, snap.Meta, s.now())
	s.markDirtyLocked(snap.TokenID)
	s.mu.Unlock()

	s.afterMutation()
	return nil
}

// ApplyDelta applies one streamed update. Deltas for tokens with no book yet
// create an empty one; the eventual snapshot overwrites it.
func (s *Store) ApplyDelta(d book.Delta) {
	if d.TokenID == "" {
		s.log.Warn("dropping delta without token", zap.Stringer("kind", d.Kind))
		return
	}

	s.mu.Lock()
	err := s.stateLocked(d.TokenID).Apply(d, s.now())
	if err == nil {
		s.markDirtyLocked(d.TokenID)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("delta rejected", zap.String("token", d.TokenID), zap.Error(err))
		return
	}
	s.metrics.Deltas.WithLabelValues(d.Kind.String()).Inc()
	s.afterMutation()
}

// MarkStale flags every book as possibly out of date. Each book clears the
// flag on its next snapshot or delta.
func (s *Store) MarkStale() {
	s.mu.Lock()
	for id, st := range s.books {
		st.MarkStale()
		s.markDirtyLocked(id)
	}
	s.mu.Unlock()
	s.afterMutation()
}

// ConnectionState reports the shared connection's state.
func (s *Store) ConnectionState() adapter.ConnState {
	return s.conn.State()
}

// Tokens lists every token with a book in memory, sorted.
func (s *Store) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports how many listeners hold tokenID.
func (s *Store) Subscribed(tokenID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[tokenID])
}

// SubscribeAll returns a channel that receives the quote of every token
// that changed, once per notification round. The caller must drain it;
// quotes are dropped when the buffer is full.
func (s *Store) SubscribeAll() <-chan book.Quote {
	ch := make(chan book.Quote, max(s.opts.FeedBuffer, 1))
	s.mu.Lock()
	if s.closed {
		close(ch)
	} else {
		s.feeds = append(s.feeds, ch)
	}
	s.mu.Unlock()
	return ch
}

// Close stops pending notifications and background loads and closes every
// SubscribeAll channel.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	for _, ch := range s.feeds {
		close(ch)
	}
	s.feeds = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Store) stateLocked(tokenID string) *book.State {
	st, ok := s.books[tokenID]
	if !ok {
		st = book.NewState(tokenID)
		s.books[tokenID] = st
	}
	return st
}

func (s *Store) markDirtyLocked(tokenID string) {
	s.dirty[tokenID] = struct{}{}
}

// afterMutation either delivers now or arms the coalescing timer.
func (s *Store) afterMutation() {
	if s.opts.NotifyInterval <= 0 {
		s.flush()
		return
	}
	s.mu.Lock()
	if !s.armed && !s.closed {
		s.armed = true
		s.timer = time.AfterFunc(s.opts.NotifyInterval, s.flush)
	}
	s.mu.Unlock()
}

type delivery struct {
	snap      book.Snapshot
	listeners []*listener
}

// flush delivers one notification per dirty token with its latest state.
func (s *Store) flush() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.armed = false
	if s.closed || len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	out := make([]delivery, 0, len(s.dirty))
	for id := range s.dirty {
		st := s.books[id]
		if len(s.feeds) > 0 {
			q := st.Quote()
			for _, ch := range s.feeds {
				select {
				case ch <- q:
				default:
					// Slow consumer; drop to avoid blocking the store.
				}
			}
		}
		set := s.subs[id]
		if len(set) == 0 {
			continue
		}
		d := delivery{snap: st.Snapshot(0), listeners: make([]*listener, 0, len(set))}
		for _, l := range set {
			d.listeners = append(d.listeners, l)
		}
		out = append(out, d)
	}
	clear(s.dirty)
	s.mu.Unlock()

	for _, d := range out {
		for _, l := range d.listeners {
			if !l.active.Load() {
				continue
			}
			l.fn(d.snap)
			s.metrics.Notifications.Inc()
		}
	}
}
