package main

import (
	"fmt"

	"github.com/rickgao/exchange-feeds/internal/collector"
	"github.com/rickgao/exchange-feeds/internal/config"
	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/poller"
)

// buildFeeds splits the configured feeds into live feeds and candle
// series to poll. Every candle timeframe is both streamed and polled; the
// stream is dropped by the collector where the exchange cannot provide it.
func buildFeeds(specs []config.FeedSpec) ([]collector.Feed, poller.StaticTargets, error) {
	var feeds []collector.Feed
	var targets poller.StaticTargets

	for _, spec := range specs {
		feed := collector.Feed{
			Exchange: spec.Exchange,
			Pair:     spec.Pair,
			Ticker:   spec.Ticker,
			Depth:    spec.Depth,
		}
		for _, s := range spec.Candles {
			tf, err := exchange.ParseTimeframe(s)
			if err != nil {
				return nil, nil, fmt.Errorf("feed %s %s: %w", spec.Exchange, spec.Pair, err)
			}
			feed.Candles = append(feed.Candles, tf)
			targets = append(targets, poller.Target{Exchange: spec.Exchange, Pair: spec.Pair, Timeframe: tf})
		}
		feeds = append(feeds, feed)
	}
	return feeds, targets, nil
}
