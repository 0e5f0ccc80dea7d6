package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/adapter"
	"github.com/caesar-terminal/booksync/internal/adapter/poly"
	"github.com/caesar-terminal/booksync/internal/book"
	"github.com/caesar-terminal/booksync/internal/metrics"
)

const itToken = "21742633143463906290569050155826241533067272736897614950488156847949938836455"

// controlledServer is a market-channel server that lets the test push
// messages at will and drop the current connection.
type controlledServer struct {
	srv  *httptest.Server
	subs chan []string // asset ids of each connection's initial frame

	connMu sync.Mutex
	conn   *websocket.Conn
}

func newControlledServer(t *testing.T) *controlledServer {
	t.Helper()
	cs := &controlledServer{subs: make(chan []string, 8)}
	upgrader := websocket.Upgrader{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var first struct {
			AssetsIDs []string `json:"assets_ids"`
		}
		if err := c.ReadJSON(&first); err != nil {
			return
		}
		cs.connMu.Lock()
		cs.conn = c
		cs.connMu.Unlock()
		cs.subs <- first.AssetsIDs

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				cs.write([]byte("PONG"))
			}
		}
	}))
	return cs
}

func (cs *controlledServer) URL() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http")
}

func (cs *controlledServer) write(msg []byte) error {
	cs.connMu.Lock()
	defer cs.connMu.Unlock()
	if cs.conn == nil {
		return fmt.Errorf("controlledServer: no client connected")
	}
	return cs.conn.WriteMessage(websocket.TextMessage, msg)
}

func (cs *controlledServer) Send(t *testing.T, msg string) {
	t.Helper()
	if err := cs.write([]byte(msg)); err != nil {
		t.Fatalf("controlledServer.Send: %v", err)
	}
}

// Drop closes the current connection from the server side.
func (cs *controlledServer) Drop() {
	cs.connMu.Lock()
	if cs.conn != nil {
		cs.conn.Close()
		cs.conn = nil
	}
	cs.connMu.Unlock()
}

func (cs *controlledServer) nextSubscription(t *testing.T) []string {
	t.Helper()
	select {
	case ids := <-cs.subs:
		return ids
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

func (cs *controlledServer) Close() { cs.srv.Close() }

// polyBookJSON builds a Polymarket book event with the given prices.
func polyBookJSON(assetID, bid, ask string, tsMs int64) string {
	return fmt.Sprintf(`{
		"event_type": "book",
		"asset_id": "%s",
		"market": "0xintegration",
		"bids": [{"price": "%s", "size": "100"}],
		"asks": [{"price": "%s", "size": "100"}],
		"timestamp": "%d",
		"hash": "0xintegration"
	}`, assetID, bid, ask, tsMs)
}

func polyPriceChangeJSON(assetID, side, price, size string) string {
	return fmt.Sprintf(`{
		"event_type": "price_change",
		"market": "0xintegration",
		"timestamp": "1700000001000",
		"price_changes": [{"asset_id": "%s", "price": "%s", "size": "%s", "side": "%s"}]
	}`, assetID, price, size, side)
}

// mockRedisForIntegration records HSet calls.
type mockRedisForIntegration struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (m *mockRedisForIntegration) HSet(_ context.Context, key string, values ...any) error {
	fields := map[string]string{"_key": key}
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	m.calls = append(m.calls, fields)
	m.mu.Unlock()
	return nil
}

func (m *mockRedisForIntegration) last() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func restServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"market":    "0xintegration",
			"asset_id":  r.URL.Query().Get("token_id"),
			"timestamp": "1700000000000",
			"bids":      []map[string]string{{"price": "0.45", "size": "100"}},
			"asks":      []map[string]string{{"price": "0.47", "size": "50"}},
			"tick_size": "0.01",
		})
	}))
}

// TestIntegration_EndToEnd drives the whole pipeline:
// REST snapshot -> WS deltas -> store listener -> Redis mirror, then a drop
// and reconnect.
func TestIntegration_EndToEnd(t *testing.T) {
	ws := newControlledServer(t)
	defer ws.Close()
	rest := restServer(t)
	defer rest.Close()

	log := zap.NewNop()
	m := metrics.New(nil)

	cfg := adapter.DefaultWSConfig(ws.URL())
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.BatchWindow = 5 * time.Millisecond
	mux := adapter.NewMultiplexer(cfg, poly.NewCodec(), log, m)

	st := New(mux, poly.NewRESTClient(rest.URL, time.Second), log, m, Options{
		NotifyInterval: 5 * time.Millisecond,
		FeedBuffer:     64,
	})
	defer st.Close()

	rdb := &mockRedisForIntegration{}
	rw := adapter.NewRedisWriter(rdb, st.SubscribeAll(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go mux.Run(ctx, st)
	go rw.Run(ctx)

	rec := &recorder{}
	unsub := st.Subscribe(itToken, rec.fn)
	defer unsub()

	assert.Equal(t, []string{itToken}, ws.nextSubscription(t))

	// REST snapshot lands.
	require.Eventually(t, func() bool {
		sn, ok := st.GetBook(itToken)
		return ok && sn.Source == book.SourceRest
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "0.02", st.GetBestPrices(itToken).Spread.Decimal.String())

	// A level update improves the bid.
	ws.Send(t, polyPriceChangeJSON(itToken, "BUY", "0.46", "30"))
	require.Eventually(t, func() bool {
		return rec.count() > 0 && rec.last().BestBid.Decimal.String() == "0.46"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, book.SourceMerged, rec.last().Source)

	require.Eventually(t, func() bool {
		f := rdb.last()
		return f != nil && f["bid"] == "0.46"
	}, 3*time.Second, 10*time.Millisecond)
	f := rdb.last()
	assert.Equal(t, "book:polymarket:"+itToken, f["_key"])
	assert.Equal(t, "0.47", f["ask"])
	assert.Equal(t, "0.01", f["spread"])

	// Drop: the book goes stale and the full set is resent.
	ws.Drop()
	require.Eventually(t, func() bool {
		sn, _ := st.GetBook(itToken)
		return sn.Stale
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{itToken}, ws.nextSubscription(t))
	require.Eventually(t, func() bool { return mux.State() == adapter.StateConnected }, 3*time.Second, 10*time.Millisecond)

	// A full-book replace after reconnect clears the flag.
	ws.Send(t, polyBookJSON(itToken, "0.40", "0.42", 1700000002000))
	require.Eventually(t, func() bool {
		sn, _ := st.GetBook(itToken)
		return !sn.Stale && sn.BestBid.Decimal.String() == "0.4"
	}, 3*time.Second, 10*time.Millisecond)

	sn, _ := st.GetBook(itToken)
	assert.Equal(t, book.SourceMerged, sn.Source)
	assert.Equal(t, "0.01", sn.Meta.TickSize, "tick size survives a stream replace")
	assert.Equal(t, "0xintegration", sn.Meta.Hash)
}
