package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/book"
	"github.com/caesar-terminal/booksync/internal/metrics"
)

// Codec translates between exchange frames and book deltas.
type Codec interface {
	SubscribeFrame(tokenIDs []string) ([]byte, error)
	UpdateFrame(tokenIDs []string, subscribe bool) ([]byte, error)
	PingFrame() []byte
	Decode(raw []byte) ([]book.Delta, error)
}

// Sink receives decoded deltas in arrival order. MarkStale is called when a
// live connection drops, since the exchange may have moved without us.
type Sink interface {
	ApplyDelta(d book.Delta)
	MarkStale()
}

// Multiplexer shares a single market-data WebSocket among any number of
// consumers. Interest is reference counted per token: the first Acquire of a
// token adds it to the live subscription, the last Release removes it.
//
// The socket is opened on the first Acquire and re-opened with exponential
// backoff whenever it drops. Every (re)connect sends the full active set.
// When the active set empties the socket is kept for GracePeriod and then
// closed; an Acquire inside the window cancels the teardown.
type Multiplexer struct {
	cfg     WSConfig
	codec   Codec
	log     *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32

	lmu       sync.RWMutex
	listeners map[int]func(ConnState)
	nextID    int

	// mu guards the subscription registry.
	mu      sync.Mutex
	refs    map[string]int
	added   map[string]struct{} // newly active, not yet sent on the open socket
	removed map[string]struct{} // newly inactive, not yet sent
	signal  chan struct{}

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewMultiplexer creates a Multiplexer. Call Run to start it.
func NewMultiplexer(cfg WSConfig, codec Codec, log *zap.Logger, m *metrics.Metrics) *Multiplexer {
	return &Multiplexer{
		cfg:       cfg,
		codec:     codec,
		log:       log.Named("mux"),
		metrics:   m,
		listeners: make(map[int]func(ConnState)),
		refs:      make(map[string]int),
		added:     make(map[string]struct{}),
		removed:   make(map[string]struct{}),
		signal:    make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Multiplexer) State() ConnState {
	return ConnState(m.state.Load())
}

// OnStateChange registers fn to be called on every state transition. fn runs
// on the connection goroutine and must not block. The returned func removes
// the registration.
func (m *Multiplexer) OnStateChange(fn func(ConnState)) (cancel func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

func (m *Multiplexer) setState(s ConnState) {
	if ConnState(m.state.Swap(int32(s))) == s {
		return
	}
	m.metrics.ConnState.Set(float64(s))
	m.log.Debug("state change", zap.Stringer("state", s))

	m.lmu.RLock()
	fns := make([]func(ConnState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Acquire registers one unit of interest in tokenID.
func (m *Multiplexer) Acquire(tokenID string) {
	m.mu.Lock()
	m.refs[tokenID]++
	first := m.refs[tokenID] == 1
	if first {
		if _, pending := m.removed[tokenID]; pending {
			// Still subscribed on the wire; the unsubscribe never went out.
			delete(m.removed, tokenID)
		} else {
			m.added[tokenID] = struct{}{}
		}
	}
	m.metrics.ActiveTokens.Set(float64(len(m.refs)))
	m.mu.Unlock()

	if first {
		m.notify()
	}
}

// Release drops one unit of interest in tokenID. Releasing a token that is
// not held is a no-op.
func (m *Multiplexer) Release(tokenID string) {
	m.mu.Lock()
	n, ok := m.refs[tokenID]
	if !ok {
		m.mu.Unlock()
		return
	}
	last := n == 1
	if last {
		delete(m.refs, tokenID)
		if _, pending := m.added[tokenID]; pending {
			delete(m.added, tokenID)
		} else {
			m.removed[tokenID] = struct{}{}
		}
	} else {
		m.refs[tokenID] = n - 1
	}
	m.metrics.ActiveTokens.Set(float64(len(m.refs)))
	m.mu.Unlock()

	if last {
		m.notify()
	}
}

// RefCount returns the number of outstanding Acquires for tokenID.
func (m *Multiplexer) RefCount(tokenID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[tokenID]
}

// Tokens returns the active set, sorted.
func (m *Multiplexer) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Multiplexer) activeLocked() []string {
	out := make([]string, 0, len(m.refs))
	for id := range m.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run owns the connection until ctx is cancelled. Decoded deltas are handed
// to sink from a single goroutine, so per-token order is preserved.
func (m *Multiplexer) Run(ctx context.Context, sink Sink) error {
	defer m.setState(StateDisconnected)

	delay := m.cfg.BackoffInitial
	connectedBefore := false

	for {
		if !m.waitForInterest(ctx) {
			return nil
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				m.log.Error("handshake rejected", zap.Error(err), zap.Duration("retry_in", delay))
				m.setState(StateError)
			} else {
				m.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", delay))
				m.setState(StateReconnecting)
			}
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = m.nextBackoff(delay)
			continue
		}

		if connectedBefore {
			m.metrics.Reconnects.Inc()
			if m.onReconnect != nil {
				m.onReconnect()
			}
		}
		connectedBefore = true
		delay = m.cfg.BackoffInitial

		idle, err := m.serve(ctx, conn, sink)
		if ctx.Err() != nil {
			return nil
		}
		if idle {
			m.setState(StateDisconnected)
			connectedBefore = false
			continue
		}

		m.log.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		sink.MarkStale()
		m.setState(StateReconnecting)
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = m.nextBackoff(delay)
	}
}

// waitForInterest blocks until at least one token is active.
func (m *Multiplexer) waitForInterest(ctx context.Context) bool {
	for {
		m.mu.Lock()
		n := len(m.refs)
		m.mu.Unlock()
		if n > 0 {
			return true
		}
		m.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return false
		case <-m.signal:
		}
	}
}

// serve runs one connection. It returns idle=true when the socket was closed
// because nothing has been active for GracePeriod, otherwise the error that
// ended the connection.
func (m *Multiplexer) serve(ctx context.Context, conn *websocket.Conn, sink Sink) (idle bool, err error) {
	log := m.log.With(zap.String("session", uuid.NewString()))

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go m.readLoop(conn, sink, log, readErr, readDone)
	defer func() {
		conn.Close()
		<-readDone
	}()

	// Initial frame carries the whole active set; pending changes are moot.
	m.mu.Lock()
	ids := m.activeLocked()
	clear(m.added)
	clear(m.removed)
	m.mu.Unlock()

	frame, err := m.codec.SubscribeFrame(ids)
	if err != nil {
		return false, err
	}
	if err := writeText(conn, frame); err != nil {
		return false, err
	}
	m.metrics.FramesSent.WithLabelValues("subscribe").Inc()
	log.Info("connected", zap.Int("tokens", len(ids)))
	m.setState(StateConnected)

	var ping <-chan time.Time
	if m.cfg.PingInterval > 0 {
		t := time.NewTicker(m.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	var (
		batch      *time.Timer
		batchC     <-chan time.Time
		grace      *time.Timer
		graceC     <-chan time.Time
		stopTimers = func() {
			if batch != nil {
				batch.Stop()
			}
			if grace != nil {
				grace.Stop()
			}
		}
	)
	defer stopTimers()

	// The set may have emptied between waitForInterest and now.
	if len(ids) == 0 {
		grace = time.NewTimer(m.cfg.GracePeriod)
		graceC = grace.C
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case err := <-readErr:
			return false, err

		case <-ping:
			if err := writeText(conn, m.codec.PingFrame()); err != nil {
				return false, err
			}
			m.metrics.FramesSent.WithLabelValues("ping").Inc()

		case <-m.signal:
			if m.cfg.BatchWindow <= 0 {
				if err := m.flush(conn, log); err != nil {
					return false, err
				}
			} else if batchC == nil {
				batch = time.NewTimer(m.cfg.BatchWindow)
				batchC = batch.C
			}

			empty := len(m.Tokens()) == 0
			switch {
			case empty && graceC == nil:
				log.Debug("no active tokens, starting grace period", zap.Duration("grace", m.cfg.GracePeriod))
				grace = time.NewTimer(m.cfg.GracePeriod)
				graceC = grace.C
			case !empty && graceC != nil:
				log.Debug("grace period cancelled")
				grace.Stop()
				grace, graceC = nil, nil
			}

		case <-batchC:
			batch, batchC = nil, nil
			if err := m.flush(conn, log); err != nil {
				return false, err
			}

		case <-graceC:
			grace, graceC = nil, nil
			if len(m.Tokens()) > 0 {
				continue
			}
			log.Info("closing idle connection")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return true, nil
		}
	}
}

// flush sends the pending incremental changes, one frame per direction.
func (m *Multiplexer) flush(conn *websocket.Conn, log *zap.Logger) error {
	m.mu.Lock()
	add := sortedKeys(m.added)
	rem := sortedKeys(m.removed)
	clear(m.added)
	clear(m.removed)
	m.mu.Unlock()

	if len(add) > 0 {
		if err := m.sendUpdate(conn, add, true); err != nil {
			return err
		}
		log.Debug("subscribed", zap.Strings("tokens", add))
	}
	if len(rem) > 0 {
		if err := m.sendUpdate(conn, rem, false); err != nil {
			return err
		}
		log.Debug("unsubscribed", zap.Strings("tokens", rem))
	}
	return nil
}

func (m *Multiplexer) sendUpdate(conn *websocket.Conn, ids []string, subscribe bool) error {
	frame, err := m.codec.UpdateFrame(ids, subscribe)
	if err != nil {
		return err
	}
	if err := writeText(conn, frame); err != nil {
		return err
	}
	label := "unsubscribe"
	if subscribe {
		label = "subscribe"
	}
	m.metrics.FramesSent.WithLabelValues(label).Inc()
	return nil
}

// readLoop reads frames and hands decoded deltas to sink. It also acts as the
// heartbeat monitor: silence longer than ReadTimeout ends the connection.
func (m *Multiplexer) readLoop(conn *websocket.Conn, sink Sink, log *zap.Logger, errc chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		if m.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		m.metrics.FramesReceived.Inc()

		deltas, err := m.codec.Decode(msg)
		if err != nil {
			// One bad frame never tears down the connection.
			m.metrics.DecodeErrors.Inc()
			log.Warn("skipping malformed frame", zap.Error(err), zap.Int("bytes", len(msg)))
		}
		for _, d := range deltas {
			sink.ApplyDelta(d)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
