// Package api exposes the book store to UI clients over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/caesar-terminal/booksync/internal/adapter"
	"github.com/caesar-terminal/booksync/internal/adapter/poly"
	"github.com/caesar-terminal/booksync/internal/book"
	"github.com/caesar-terminal/booksync/internal/store"
)

// Books is the store surface the API reads through.
type Books interface {
	GetBookDepth(tokenID string, depth int) (book.Snapshot, bool)
	GetBestPrices(tokenID string) book.Quote
	Subscribe(tokenID string, fn store.Listener) (unsubscribe func())
	ConnectionState() adapter.ConnState
	Tokens() []string
}

// Checker reports whether the live feed can be relied on.
type Checker interface {
	Ready() (ok bool, reason string)
}

// Server is the HTTP adapter in front of the store.
type Server struct {
	router   *gin.Engine
	books    Books
	ready    Checker
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// held tracks server-side interest registered through PUT /v1/tokens.
	mu   sync.Mutex
	held map[string]func()
}

// NewServer builds the router. ready backs /readyz and gatherer backs
// /metrics.
func NewServer(books Books, ready Checker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		books:  books,
		ready:  ready,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		held: make(map[string]func()),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/healthz", s.healthz)
	router.GET("/readyz", s.readyz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/books/:token", s.validToken, s.getBook)
		v1.GET("/books/:token/best", s.validToken, s.getBest)
		v1.PUT("/tokens/:token", s.validToken, s.holdToken)
		v1.DELETE("/tokens/:token", s.validToken, s.dropToken)
		v1.GET("/stream/:token", s.validToken, s.stream)
	}

	s.router = router
	return s
}

// Router returns the internal Gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully and
// releases every held token.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.releaseAll()
	return err
}

// Hold registers server-side interest in tokenID, as PUT /v1/tokens does.
// It reports whether the token was newly held.
func (s *Server) Hold(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[tokenID]; ok {
		return false
	}
	s.held[tokenID] = s.books.Subscribe(tokenID, nil)
	return true
}

// Drop releases interest taken by Hold. It reports whether tokenID was held.
func (s *Server) Drop(tokenID string) bool {
	s.mu.Lock()
	unsub, ok := s.held[tokenID]
	delete(s.held, tokenID)
	s.mu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

func (s *Server) heldTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for id := range s.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Server) releaseAll() {
	for _, id := range s.heldTokens() {
		s.Drop(id)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	ok, reason := s.ready.Ready()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

type statusResponse struct {
	Connection adapter.ConnState `json:"connection"`
	Books      []string          `json:"books"`
	Held       []string          `json:"held"`
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Connection: s.books.ConnectionState(),
		Books:      s.books.Tokens(),
		Held:       s.heldTokens(),
	})
}

// validToken rejects path tokens that are not CLOB asset ids.
func (s *Server) validToken(c *gin.Context) {
	if err := poly.ValidateTokenID(c.Param("token")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func depthParam(c *gin.Context) (int, bool) {
	raw := c.Query("depth")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) getBook(c *gin.Context) {
	depth, ok := depthParam(c)
	if !ok {
		return
	}
	snap, ok := s.books.GetBookDepth(c.Param("token"), depth)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book for token"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getBest(c *gin.Context) {
	c.JSON(http.StatusOK, s.books.GetBestPrices(c.Param("token")))
}

func (s *Server) holdToken(c *gin.Context) {
	if s.Hold(c.Param("token")) {
		c.Status(http.StatusCreated)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) dropToken(c *gin.Context) {
	if !s.Drop(c.Param("token")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "token not held"})
		return
	}
	c.Status(http.StatusNoContent)
}
