package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: feedd-1
bitfinex:
  enabled: true
  book_length: 100
  markets: [btcusd, ethbtc]
feeds:
  - exchange: bitfinex
    pair: btcusd
    ticker: true
    depth: true
    candles: [1m, 1h]
database:
  timescale:
    host: localhost
    port: 5433
    name: feeds
    user: feeds
    password: feeds
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "feedd-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "feedd-1")
	}
	if !cfg.Bitfinex.Enabled || cfg.Bitfinex.BookLength != 100 {
		t.Errorf("Bitfinex = %+v", cfg.Bitfinex)
	}
	if len(cfg.Bitfinex.Markets) != 2 {
		t.Errorf("Bitfinex.Markets = %v, want 2 pairs", cfg.Bitfinex.Markets)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].Pair != "btcusd" || len(cfg.Feeds[0].Candles) != 2 {
		t.Errorf("Feeds = %+v", cfg.Feeds)
	}
	if cfg.Database.Timescale.Port != 5433 {
		t.Errorf("Database.Timescale.Port = %d, want 5433", cfg.Database.Timescale.Port)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")

	yaml := `
instance:
  id: feedd-1
cache:
  addr: ${TEST_REDIS_ADDR}
database:
  timescale:
    host: localhost
    name: feeds
    user: feeds
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Timescale.Password != "secret123" {
		t.Errorf("Database.Timescale.Password = %q, want %q", cfg.Database.Timescale.Password, "secret123")
	}
	if !cfg.Cache.Enabled() || cfg.Cache.Addr != "redis:6379" {
		t.Errorf("Cache.Addr = %q, want %q", cfg.Cache.Addr, "redis:6379")
	}
}

func TestLoadDurations(t *testing.T) {
	yaml := `
instance:
  id: feedd-1
poller:
  interval: 30s
  lookback: 72h
markets:
  reconcile_interval: 10m
`
	cfg, err := Load(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Poller.Interval != 30*time.Second {
		t.Errorf("Poller.Interval = %v, want 30s", cfg.Poller.Interval)
	}
	if cfg.Poller.Lookback != 72*time.Hour {
		t.Errorf("Poller.Lookback = %v, want 72h", cfg.Poller.Lookback)
	}
	if cfg.Markets.ReconcileInterval != 10*time.Minute {
		t.Errorf("Markets.ReconcileInterval = %v, want 10m", cfg.Markets.ReconcileInterval)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: feedd-1
bitbank:
  enabled: true
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Bitfinex.WSURL != DefaultBitfinexWSURL {
		t.Errorf("Bitfinex.WSURL = %q, want default %q", cfg.Bitfinex.WSURL, DefaultBitfinexWSURL)
	}
	if cfg.Bitbank.SubscribeKey != DefaultBitbankSubKey {
		t.Errorf("Bitbank.SubscribeKey = %q, want default", cfg.Bitbank.SubscribeKey)
	}
	if cfg.Bitbank.PollTimeout != DefaultPollTimeout {
		t.Errorf("Bitbank.PollTimeout = %v, want default %v", cfg.Bitbank.PollTimeout, DefaultPollTimeout)
	}
	if cfg.Database.Timescale.Port != DefaultDBPort {
		t.Errorf("Database.Timescale.Port = %d, want default %d", cfg.Database.Timescale.Port, DefaultDBPort)
	}
	if cfg.Database.Timescale.Enabled() {
		t.Error("database should be disabled without a host")
	}
	if cfg.Cache.KeyPrefix != DefaultCacheKeyPrefix {
		t.Errorf("Cache.KeyPrefix = %q, want default %q", cfg.Cache.KeyPrefix, DefaultCacheKeyPrefix)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Server.Port = %d, want default %d", cfg.Server.Port, DefaultServerPort)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeTempFile(t, "instance: [unterminated")); err == nil {
		t.Error("expected error for invalid yaml")
	}
	if _, err := LoadAndValidate(writeTempFile(t, "instance:\n  id: x\n")); err == nil {
		t.Error("expected validation error with no exchange enabled")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Instance: InstanceConfig{ID: "test"},
			Bitfinex: BitfinexConfig{Enabled: true},
			Bitbank:  BitbankConfig{Enabled: true},
			Feeds: []FeedSpec{
				{Exchange: "bitbank", Pair: "btc_jpy", Ticker: true, Candles: []string{"1m", "1D"}},
			},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name: "no exchange enabled",
			mutate: func(c *Config) {
				c.Bitfinex.Enabled = false
				c.Bitbank.Enabled = false
			},
			wantErr: "at least one exchange must be enabled",
		},
		{
			name:    "bad book length",
			mutate:  func(c *Config) { c.Bitfinex.BookLength = 50 },
			wantErr: "bitfinex.book_length must be 1, 25 or 100, got 50",
		},
		{
			name:    "unknown feed exchange",
			mutate:  func(c *Config) { c.Feeds[0].Exchange = "kraken" },
			wantErr: `feeds[0]: unknown exchange "kraken"`,
		},
		{
			name:    "feed on disabled exchange",
			mutate:  func(c *Config) { c.Bitbank.Enabled = false },
			wantErr: `feeds[0]: exchange "bitbank" is not enabled`,
		},
		{
			name: "feed without selection",
			mutate: func(c *Config) {
				c.Feeds[0].Ticker = false
				c.Feeds[0].Candles = nil
			},
			wantErr: "feeds[0]: bitbank btc_jpy selects no feed",
		},
		{
			name:    "bad timeframe",
			mutate:  func(c *Config) { c.Feeds[0].Candles = []string{"1x"} },
			wantErr: `feeds[0]: invalid timeframe unit in "1x"`,
		},
		{
			name:    "missing timescale password",
			mutate:  func(c *Config) { c.Database.Timescale = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5} },
			wantErr: "database.timescale.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database.Timescale = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.timescale.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if !cfg.Bitfinex.Enabled || !cfg.Bitbank.Enabled {
		t.Error("Default() should enable both exchanges")
	}
	if cfg.Bitfinex.BookLength != DefaultBookLength {
		t.Errorf("Bitfinex.BookLength = %d, want %d", cfg.Bitfinex.BookLength, DefaultBookLength)
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TS_HOST", "")

	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "feedd.example.yaml"))
	if err != nil {
		t.Fatalf("LoadAndValidate() error = %v", err)
	}
	if len(cfg.Feeds) != 3 {
		t.Errorf("len(Feeds) = %d, want 3", len(cfg.Feeds))
	}
	if cfg.Cache.Enabled() || cfg.Database.Timescale.Enabled() {
		t.Error("cache and database should be off without their env vars")
	}
	if cfg.Bitbank.SubscribeKey != DefaultBitbankSubKey {
		t.Errorf("Bitbank.SubscribeKey = %q, want default", cfg.Bitbank.SubscribeKey)
	}
}
