package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/booksync/internal/adapter"
	"github.com/caesar-terminal/booksync/internal/adapter/poly"
	"github.com/caesar-terminal/booksync/internal/api"
	"github.com/caesar-terminal/booksync/internal/config"
	"github.com/caesar-terminal/booksync/internal/logging"
	"github.com/caesar-terminal/booksync/internal/metrics"
	"github.com/caesar-terminal/booksync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("booksync exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("booksync starting", zap.String("env", cfg.Env), zap.String("ws", cfg.WS.URL))
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	wsCfg := adapter.DefaultWSConfig(cfg.WS.URL)
	wsCfg.HandshakeTimeout = cfg.WS.HandshakeTimeout
	wsCfg.ReadTimeout = cfg.WS.ReadTimeout
	wsCfg.PingInterval = cfg.WS.PingInterval
	wsCfg.BackoffInitial = cfg.WS.BackoffInitial
	wsCfg.BackoffMax = cfg.WS.BackoffMax
	wsCfg.BackoffFactor = cfg.WS.BackoffFactor
	wsCfg.BatchWindow = cfg.WS.BatchWindow
	wsCfg.GracePeriod = cfg.WS.GracePeriod

	// One physical connection for the whole process, injected into the store.
	mux := adapter.NewMultiplexer(wsCfg, poly.NewCodec(), logger, m)
	mux.OnStateChange(func(s adapter.ConnState) {
		logger.Info("connection state", zap.Stringer("state", s))
	})
	ready := adapter.NewReadiness(adapter.ReadinessConfig{CoolOff: cfg.HTTP.ReadyCoolOff})
	mux.OnStateChange(ready.Observe)

	rest := poly.NewRESTClient(cfg.REST.BaseURL, cfg.REST.Timeout)
	st := store.New(mux, rest, logger, m, store.Options{
		NotifyInterval: cfg.Store.NotifyInterval,
		FeedBuffer:     cfg.Store.FeedBuffer,
		Loader: store.LoaderConfig{
			MaxAttempts: cfg.REST.MaxAttempts,
			Backoff:     cfg.REST.RetryBackoff,
			MaxBackoff:  cfg.REST.MaxBackoff,
		},
	})
	defer st.Close()

	srv := api.NewServer(st, ready, reg, logger)
	for _, id := range cfg.Tokens {
		if err := poly.ValidateTokenID(id); err != nil {
			return fmt.Errorf("startup token: %w", err)
		}
		srv.Hold(id)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mux.Run(ctx, st) })
	g.Go(func() error { return srv.Run(ctx, cfg.HTTP.Addr) })

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, mirror will keep retrying", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		rw := adapter.NewRedisWriter(adapter.NewRedisClient(rdb), st.SubscribeAll(), logger)
		g.Go(func() error {
			rw.Run(ctx)
			return nil
		})
	}

	err := g.Wait()
	logger.Info("booksync shutting down")
	return err
}
