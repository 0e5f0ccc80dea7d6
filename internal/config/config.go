package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env    string `mapstructure:"env"`
	WS     WSConfig
	REST   RESTConfig
	Store  StoreConfig
	Redis  RedisConfig
	HTTP   HTTPConfig
	Tokens []string
}

// WSConfig holds market-channel WebSocket settings.
type WSConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	BatchWindow      time.Duration `mapstructure:"batch_window"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
}

// RESTConfig holds CLOB REST snapshot settings.
type RESTConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// StoreConfig holds book store settings.
type StoreConfig struct {
	NotifyInterval time.Duration `mapstructure:"notify_interval"`
	FeedBuffer     int           `mapstructure:"feed_buffer"`
}

// RedisConfig holds Redis quote-mirror settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig holds the local API listener settings.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadyCoolOff time.Duration `mapstructure:"ready_cool_off"`
}

// Load reads configuration from environment variables prefixed with
// BOOKSYNC_. A .env file in the working directory is loaded first if present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("BOOKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	// WebSocket defaults
	v.SetDefault("ws.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("ws.handshake_timeout", 10*time.Second)
	v.SetDefault("ws.read_timeout", 30*time.Second)
	v.SetDefault("ws.ping_interval", 10*time.Second)
	v.SetDefault("ws.backoff_initial", time.Second)
	v.SetDefault("ws.backoff_max", 30*time.Second)
	v.SetDefault("ws.backoff_factor", 2.0)
	v.SetDefault("ws.batch_window", 10*time.Millisecond)
	v.SetDefault("ws.grace_period", 5*time.Second)

	// REST defaults
	v.SetDefault("rest.base_url", "https://clob.polymarket.com")
	v.SetDefault("rest.timeout", 5*time.Second)
	v.SetDefault("rest.max_attempts", 3)
	v.SetDefault("rest.retry_backoff", 500*time.Millisecond)
	v.SetDefault("rest.max_backoff", 5*time.Second)

	// Store defaults
	v.SetDefault("store.notify_interval", 16*time.Millisecond)
	v.SetDefault("store.feed_buffer", 1024)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.ready_cool_off", 2*time.Second)
	v.SetDefault("tokens", "")

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.WS = WSConfig{
		URL:              v.GetString("ws.url"),
		HandshakeTimeout: v.GetDuration("ws.handshake_timeout"),
		ReadTimeout:      v.GetDuration("ws.read_timeout"),
		PingInterval:     v.GetDuration("ws.ping_interval"),
		BackoffInitial:   v.GetDuration("ws.backoff_initial"),
		BackoffMax:       v.GetDuration("ws.backoff_max"),
		BackoffFactor:    v.GetFloat64("ws.backoff_factor"),
		BatchWindow:      v.GetDuration("ws.batch_window"),
		GracePeriod:      v.GetDuration("ws.grace_period"),
	}

	cfg.REST = RESTConfig{
		BaseURL:      strings.TrimRight(v.GetString("rest.base_url"), "/"),
		Timeout:      v.GetDuration("rest.timeout"),
		MaxAttempts:  v.GetInt("rest.max_attempts"),
		RetryBackoff: v.GetDuration("rest.retry_backoff"),
		MaxBackoff:   v.GetDuration("rest.max_backoff"),
	}

	cfg.Store = StoreConfig{
		NotifyInterval: v.GetDuration("store.notify_interval"),
		FeedBuffer:     v.GetInt("store.feed_buffer"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.HTTP = HTTPConfig{
		Addr:         v.GetString("http.addr"),
		ReadyCoolOff: v.GetDuration("http.ready_cool_off"),
	}

	cfg.Tokens = splitList(v.GetString("tokens"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WS.URL == "" {
		return errors.New("config: ws.url is required")
	}
	if c.WS.BackoffInitial <= 0 || c.WS.BackoffMax < c.WS.BackoffInitial {
		return fmt.Errorf("config: invalid backoff range %s..%s", c.WS.BackoffInitial, c.WS.BackoffMax)
	}
	if c.WS.BackoffFactor < 1 {
		return fmt.Errorf("config: backoff factor %.2f must be >= 1", c.WS.BackoffFactor)
	}
	if c.REST.MaxAttempts < 1 {
		return fmt.Errorf("config: rest.max_attempts %d must be >= 1", c.REST.MaxAttempts)
	}
	if c.REST.RetryBackoff <= 0 || c.REST.MaxBackoff < c.REST.RetryBackoff {
		return fmt.Errorf("config: invalid rest backoff range %s..%s", c.REST.RetryBackoff, c.REST.MaxBackoff)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
