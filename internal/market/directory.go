// Package market keeps the directory of pairs listed on every registered
// exchange and reports listings and delistings as they are discovered.
package market

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/exchange-feeds/internal/exchange"
)

// ChangeKind is the kind of a directory change.
type ChangeKind string

const (
	Listed   ChangeKind = "listed"
	Delisted ChangeKind = "delisted"
)

// Change is one pair appearing on or disappearing from an exchange.
type Change struct {
	Exchange string
	Pair     string
	Kind     ChangeKind
}

// Source lists the exchanges to track. *exchange.Registry satisfies it.
type Source interface {
	Names() []string
	Get(name string) (exchange.Exchange, error)
}

// Config holds directory configuration.
type Config struct {
	ReconcileInterval  time.Duration
	InitialLoadTimeout time.Duration
	ChangeBuffer       int // Changes are dropped when the buffer is full
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  5 * time.Minute,
		InitialLoadTimeout: time.Minute,
		ChangeBuffer:       1000,
	}
}

// Directory tracks listed pairs per exchange.
type Directory struct {
	cfg    Config
	source Source
	logger *slog.Logger

	mu         sync.RWMutex
	pairs      map[string]map[string]struct{} // exchange -> pairs
	lastSyncAt time.Time
	changes    chan Change
	dropped    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDirectory creates an empty directory.
func NewDirectory(cfg Config, source Source, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChangeBuffer <= 0 {
		cfg.ChangeBuffer = DefaultConfig().ChangeBuffer
	}

	return &Directory{
		cfg:     cfg,
		source:  source,
		logger:  logger.With("component", "market_directory"),
		pairs:   make(map[string]map[string]struct{}),
		changes: make(chan Change, cfg.ChangeBuffer),
	}
}

// Start runs the initial sync, then reconciles in the background.
func (d *Directory) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.initialSync(d.ctx); err != nil {
		d.cancel()
		return err
	}

	if d.cfg.ReconcileInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciliationLoop(d.ctx)
		}()
	}

	d.logger.Info("market directory started",
		"exchanges", len(d.source.Names()),
		"pairs", d.count(),
	)
	return nil
}

// Stop gracefully shuts down.
func (d *Directory) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("market directory stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pairs returns the listed pairs of an exchange, sorted.
func (d *Directory) Pairs(exchangeName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.pairs[exchangeName]))
	for p := range d.pairs[exchangeName] {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Listed reports whether pair is listed on the exchange.
func (d *Directory) Listed(exchangeName, pair string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.pairs[exchangeName][pair]
	return ok
}

// Changes returns listing changes found after the initial sync.
func (d *Directory) Changes() <-chan Change {
	return d.changes
}

// LastSync returns the time of the last successful sync.
func (d *Directory) LastSync() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSyncAt
}

func (d *Directory) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, pairs := range d.pairs {
		n += len(pairs)
	}
	return n
}

// notifyLocked queues a change without blocking.
func (d *Directory) notifyLocked(c Change) {
	select {
	case d.changes <- c:
	default:
		d.dropped++
		d.logger.Warn("change buffer full, dropping change",
			"exchange", c.Exchange,
			"pair", c.Pair,
			"kind", c.Kind,
		)
	}
}
