package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rickgao/exchange-feeds/internal/exchange"
)

var exchangeNames = []string{"bitfinex", "bitbank"}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !c.Bitfinex.Enabled && !c.Bitbank.Enabled {
		return errors.New("at least one exchange must be enabled")
	}
	if c.Bitfinex.Enabled && c.Bitfinex.BookLength != 1 && c.Bitfinex.BookLength != 25 && c.Bitfinex.BookLength != 100 {
		return fmt.Errorf("bitfinex.book_length must be 1, 25 or 100, got %d", c.Bitfinex.BookLength)
	}

	for i, f := range c.Feeds {
		if err := c.validateFeed(f); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}

	if c.Database.Timescale.Enabled() {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Poller.Concurrency < 1 {
		return errors.New("poller.concurrency must be >= 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

func (c *Config) validateFeed(f FeedSpec) error {
	if !slices.Contains(exchangeNames, f.Exchange) {
		return fmt.Errorf("unknown exchange %q", f.Exchange)
	}
	if f.Exchange == "bitfinex" && !c.Bitfinex.Enabled || f.Exchange == "bitbank" && !c.Bitbank.Enabled {
		return fmt.Errorf("exchange %q is not enabled", f.Exchange)
	}
	if f.Pair == "" {
		return errors.New("pair is required")
	}
	if !f.Ticker && !f.Depth && len(f.Candles) == 0 {
		return fmt.Errorf("%s %s selects no feed", f.Exchange, f.Pair)
	}
	for _, tf := range f.Candles {
		if _, err := exchange.ParseTimeframe(tf); err != nil {
			return err
		}
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
