package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of the shared market-data connection.
// Consumers (e.g. UI) read it to show Live / Connecting / Reconnecting / Offline.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError // handshake rejected; recovery is still attempted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as its name in JSON.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrUnauthorized is returned by dial when the exchange rejects the
// handshake with 401 or 403.
var ErrUnauthorized = errors.New("adapter: handshake rejected")

// writeWait bounds every outbound frame.
const writeWait = 10 * time.Second

// WSConfig holds tunable parameters for a Multiplexer.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	HandshakeTimeout time.Duration

	// ReadTimeout is the maximum duration of silence before the connection
	// is considered dead and a reconnect is triggered.
	ReadTimeout time.Duration

	// PingInterval is how often the application keepalive is sent. Zero
	// disables it.
	PingInterval time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// BatchWindow coalesces incremental subscribe/unsubscribe requests into
	// one frame. Zero flushes every change immediately.
	BatchWindow time.Duration

	// GracePeriod is how long an open socket with no active tokens is kept
	// before it is closed. Zero closes it as soon as the set empties.
	GracePeriod time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns the defaults used against the Polymarket market
// channel.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingInterval:     10 * time.Second,
		BackoffInitial:   time.Second,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
		BatchWindow:      10 * time.Millisecond,
		GracePeriod:      5 * time.Second,
	}
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (m *Multiplexer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   m.cfg.ReadBufferSize,
		WriteBufferSize:  m.cfg.WriteBufferSize,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, resp, err := dialer.DialContext(ctx, m.cfg.URL, m.cfg.Headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// writeText sends one text frame. Only the session goroutine writes.
func writeText(c *websocket.Conn, data []byte) error {
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (m *Multiplexer) nextBackoff(delay time.Duration) time.Duration {
	return time.Duration(math.Min(
		float64(delay)*m.cfg.BackoffFactor,
		float64(m.cfg.BackoffMax),
	))
}

// sleepCtx waits for d or until ctx is cancelled. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
