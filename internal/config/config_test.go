package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}

	if cfg.WS.URL != "wss://ws-subscriptions-clob.polymarket.com/ws/market" {
		t.Errorf("unexpected ws url: %s", cfg.WS.URL)
	}

	if cfg.WS.BackoffInitial != time.Second || cfg.WS.BackoffMax != 30*time.Second {
		t.Errorf("unexpected backoff range: %s..%s", cfg.WS.BackoffInitial, cfg.WS.BackoffMax)
	}

	if cfg.WS.GracePeriod != 5*time.Second {
		t.Errorf("expected grace period 5s, got %s", cfg.WS.GracePeriod)
	}

	if cfg.REST.MaxAttempts != 3 {
		t.Errorf("expected 3 rest attempts, got %d", cfg.REST.MaxAttempts)
	}

	if cfg.REST.RetryBackoff != 500*time.Millisecond || cfg.REST.MaxBackoff != 5*time.Second {
		t.Errorf("unexpected rest backoff range: %s..%s", cfg.REST.RetryBackoff, cfg.REST.MaxBackoff)
	}

	if cfg.Redis.Enabled {
		t.Error("expected redis mirror disabled by default")
	}

	if len(cfg.Tokens) != 0 {
		t.Errorf("expected no startup tokens, got %v", cfg.Tokens)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOOKSYNC_ENV", "production")
	t.Setenv("BOOKSYNC_WS_GRACE_PERIOD", "250ms")
	t.Setenv("BOOKSYNC_REST_BASE_URL", "http://localhost:9000/")
	t.Setenv("BOOKSYNC_TOKENS", " 111 ,222,, 333")
	t.Setenv("BOOKSYNC_REST_MAX_BACKOFF", "12s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}

	if cfg.WS.GracePeriod != 250*time.Millisecond {
		t.Errorf("expected grace period 250ms, got %s", cfg.WS.GracePeriod)
	}

	if cfg.REST.BaseURL != "http://localhost:9000" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.REST.BaseURL)
	}

	if cfg.REST.MaxBackoff != 12*time.Second {
		t.Errorf("expected rest max backoff 12s, got %s", cfg.REST.MaxBackoff)
	}

	want := []string{"111", "222", "333"}
	if len(cfg.Tokens) != len(want) {
		t.Fatalf("expected tokens %v, got %v", want, cfg.Tokens)
	}
	for i := range want {
		if cfg.Tokens[i] != want[i] {
			t.Errorf("token %d: want %s, got %s", i, want[i], cfg.Tokens[i])
		}
	}
}

func TestLoadRejectsBadBackoff(t *testing.T) {
	t.Setenv("BOOKSYNC_WS_BACKOFF_INITIAL", "10s")
	t.Setenv("BOOKSYNC_WS_BACKOFF_MAX", "1s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted backoff range")
	}
}

func TestLoadRejectsBadRestBackoff(t *testing.T) {
	t.Setenv("BOOKSYNC_REST_RETRY_BACKOFF", "2s")
	t.Setenv("BOOKSYNC_REST_MAX_BACKOFF", "1s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted rest backoff range")
	}
}
