package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBitfinexWSURL      = "wss://api-pub.bitfinex.com/ws/2"
	DefaultBitfinexRestURL    = "https://api-pub.bitfinex.com"
	DefaultBitbankRestURL     = "https://public.bitbank.cc"
	DefaultPubNubOrigin       = "https://ps.pndsn.com"
	DefaultBitbankSubKey      = "sub-c-e12e9174-dd60-11e6-806b-02ee2ddab7fe"
	DefaultAPITimeout         = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultBookPrecision      = "P0"
	DefaultBookLength         = 25
	DefaultPollTimeout        = 310 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPongTimeout        = 45 * time.Second
	DefaultConnBufferSize     = 4096
	DefaultCacheTTL           = 24 * time.Hour
	DefaultCacheKeyPrefix     = "feeds:"
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 5 * time.Second
	DefaultFlushTimeout       = 30 * time.Second
	DefaultBufferSize         = 1024
	DefaultPollInterval       = 1 * time.Minute
	DefaultPollConcurrency    = 4
	DefaultPollTimeoutPerCall = 30 * time.Second
	DefaultPollLookback       = 24 * time.Hour
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultInitialLoadTimeout = 1 * time.Minute
	DefaultServerPort         = 8080
	DefaultServerMode         = "release"
)

func (c *Config) applyDefaults() {
	// Bitfinex defaults
	if c.Bitfinex.WSURL == "" {
		c.Bitfinex.WSURL = DefaultBitfinexWSURL
	}
	if c.Bitfinex.RestURL == "" {
		c.Bitfinex.RestURL = DefaultBitfinexRestURL
	}
	if c.Bitfinex.Timeout == 0 {
		c.Bitfinex.Timeout = DefaultAPITimeout
	}
	if c.Bitfinex.MaxRetries == 0 {
		c.Bitfinex.MaxRetries = DefaultMaxRetries
	}
	if c.Bitfinex.BookPrecision == "" {
		c.Bitfinex.BookPrecision = DefaultBookPrecision
	}
	if c.Bitfinex.BookLength == 0 {
		c.Bitfinex.BookLength = DefaultBookLength
	}

	// Bitbank defaults
	if c.Bitbank.RestURL == "" {
		c.Bitbank.RestURL = DefaultBitbankRestURL
	}
	if c.Bitbank.Timeout == 0 {
		c.Bitbank.Timeout = DefaultAPITimeout
	}
	if c.Bitbank.SubscribeKey == "" {
		c.Bitbank.SubscribeKey = DefaultBitbankSubKey
	}
	if c.Bitbank.PubNubOrigin == "" {
		c.Bitbank.PubNubOrigin = DefaultPubNubOrigin
	}
	if c.Bitbank.PollTimeout == 0 {
		c.Bitbank.PollTimeout = DefaultPollTimeout
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PongTimeout == 0 {
		c.Connection.PongTimeout = DefaultPongTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultConnBufferSize
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.FlushTimeout == 0 {
		c.Writers.FlushTimeout = DefaultFlushTimeout
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeoutPerCall
	}
	if c.Poller.Lookback == 0 {
		c.Poller.Lookback = DefaultPollLookback
	}

	// Markets defaults
	if c.Markets.ReconcileInterval == 0 {
		c.Markets.ReconcileInterval = DefaultReconcileInterval
	}
	if c.Markets.InitialLoadTimeout == 0 {
		c.Markets.InitialLoadTimeout = DefaultInitialLoadTimeout
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.Mode == "" {
		c.Server.Mode = DefaultServerMode
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
