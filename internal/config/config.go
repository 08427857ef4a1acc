// Package config loads the feed daemon configuration from YAML.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets can stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of feedd.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Bitfinex   BitfinexConfig   `yaml:"bitfinex"`
	Bitbank    BitbankConfig    `yaml:"bitbank"`
	Connection ConnectionConfig `yaml:"connection"`
	Feeds      []FeedSpec       `yaml:"feeds"`
	Cache      CacheConfig      `yaml:"cache"`
	Database   DatabaseConfig   `yaml:"database"`
	Writers    WritersConfig    `yaml:"writers"`
	Poller     PollerConfig     `yaml:"poller"`
	Markets    MarketsConfig    `yaml:"markets"`
	Server     ServerConfig     `yaml:"server"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BitfinexConfig configures the Bitfinex adapter.
type BitfinexConfig struct {
	Enabled          bool          `yaml:"enabled"`
	WSURL            string        `yaml:"ws_url"`
	RestURL          string        `yaml:"rest_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BookPrecision    string        `yaml:"book_precision"`
	BookLength       int           `yaml:"book_length"`
	Markets          []string      `yaml:"markets"`
	FallbackLiveOnly bool          `yaml:"fallback_live_only"`
	RejectUnbound    bool          `yaml:"reject_unbound"`
}

// BitbankConfig configures the bitbank adapter.
type BitbankConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RestURL          string        `yaml:"rest_url"`
	Timeout          time.Duration `yaml:"timeout"`
	SubscribeKey     string        `yaml:"subscribe_key"`
	PubNubOrigin     string        `yaml:"pubnub_origin"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	Markets          []string      `yaml:"markets"`
	FallbackLiveOnly bool          `yaml:"fallback_live_only"`
}

// ConnectionConfig configures websocket transports.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// FeedSpec selects the feeds collected for one pair.
type FeedSpec struct {
	Exchange string   `yaml:"exchange"`
	Pair     string   `yaml:"pair"`
	Ticker   bool     `yaml:"ticker"`
	Depth    bool     `yaml:"depth"`
	Candles  []string `yaml:"candles"` // Timeframes, e.g. ["1m", "1h"]
}

// CacheConfig configures the Redis latest-value cache. Empty Addr disables it.
type CacheConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// Enabled reports whether a cache is configured.
func (c CacheConfig) Enabled() bool {
	return c.Addr != ""
}

// DatabaseConfig holds the time-series store. Empty Timescale.Host
// disables persistence.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds connection parameters for a single database.
type DBConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxConns     int    `yaml:"max_conns"`
	MinConns     int    `yaml:"min_conns"`
	Hypertables  bool   `yaml:"hypertables"`   // Convert tables to TimescaleDB hypertables
	EnsureSchema bool   `yaml:"ensure_schema"` // Create missing tables on startup
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WritersConfig configures the batch writers.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PollerConfig configures the candle history poller.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	Lookback    time.Duration `yaml:"lookback"`
}

// MarketsConfig configures the market directory.
type MarketsConfig struct {
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	InitialLoadTimeout time.Duration `yaml:"initial_load_timeout"`
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug, release or test
}

// Load reads a YAML file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads a config and fills unset fields with defaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads, applies defaults and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with both exchanges enabled and every
// optional field defaulted, for tools that run without a file.
func Default() *Config {
	cfg := &Config{
		Instance: InstanceConfig{ID: "default"},
		Bitfinex: BitfinexConfig{Enabled: true},
		Bitbank:  BitbankConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}
