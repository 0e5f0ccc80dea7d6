package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/book"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 16
)

// stream upgrades to a WebSocket and pushes the token's book on every store
// notification. Each client is an independent store subscriber, so the
// token stays live for as long as any client is connected.
func (s *Server) stream(c *gin.Context) {
	depth, ok := depthParam(c)
	if !ok {
		return
	}
	token := c.Param("token")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan book.Snapshot, streamBuffer)
	// Every item is a full book, so a slow client loses the oldest queued
	// snapshot rather than the newest.
	push := func(sn book.Snapshot) {
		for {
			select {
			case updates <- sn:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
	unsubscribe := s.books.Subscribe(token, push)
	defer unsubscribe()

	if sn, ok := s.books.GetBookDepth(token, depth); ok {
		push(sn)
	}

	// Reader: only control frames are expected. Any error ends the stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(streamPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case sn := <-updates:
			sn = trim(sn, depth)
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(sn); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// trim caps each side of sn at depth levels. Totals are left as computed.
func trim(sn book.Snapshot, depth int) book.Snapshot {
	if depth <= 0 {
		return sn
	}
	if len(sn.Bids) > depth {
		sn.Bids = sn.Bids[:depth]
	}
	if len(sn.Asks) > depth {
		sn.Asks = sn.Asks[:depth]
	}
	return sn
}
