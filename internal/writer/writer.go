package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/exchange-feeds/internal/stream"
)

var errWriterStopped = errors.New("writer stopped")

// DB is the subset of *pgxpool.Pool the writers use.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// WriterConfig holds batching configuration shared by all writers.
type WriterConfig struct {
	BatchSize     int           // Flush when this many rows are pending
	FlushInterval time.Duration // Flush at least this often
	FlushTimeout  time.Duration // Limit for one batch insert
	BufferSize    int           // Initial input queue capacity
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  30 * time.Second,
		BufferSize:    1024,
	}
}

// WriterMetrics are writer counters.
type WriterMetrics struct {
	Received  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// batcher accumulates rows from an unbounded input queue and inserts them
// in batches.
type batcher[T any] struct {
	name   string
	cfg    WriterConfig
	logger *slog.Logger
	db     DB
	insert func(ctx context.Context, rows []T) (conflicts int, err error)

	input *stream.Queue[T]

	batch       []T
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	consumeWG sync.WaitGroup
	flushWG   sync.WaitGroup

	metrics WriterMetrics
}

func newBatcher[T any](name string, cfg WriterConfig, db DB, logger *slog.Logger) *batcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	return &batcher[T]{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", name+"_writer"),
		db:     db,
		input:  stream.NewQueue[T](cfg.BufferSize),
		batch:  make([]T, 0, cfg.BatchSize),
	}
}

// Start begins consuming rows and writing to the database.
func (b *batcher[T]) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.flushTicker = time.NewTicker(b.cfg.FlushInterval)

	b.consumeWG.Add(1)
	go b.consumeLoop()

	b.flushWG.Add(1)
	go b.flushLoop()

	b.logger.Info("writer started",
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued rows, flushes them and shuts down.
func (b *batcher[T]) Stop(ctx context.Context) error {
	b.logger.Info("stopping writer")

	b.input.Close()

	done := make(chan struct{})
	go func() {
		b.consumeWG.Wait()
		if b.cancel != nil {
			b.cancel()
		}
		b.flushWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("writer stop timed out")
		return ctx.Err()
	}

	if b.flushTicker != nil {
		b.flushTicker.Stop()
	}

	// Final flush
	b.flush()

	b.logger.Info("writer stopped")
	return nil
}

// Stats returns current metrics.
func (b *batcher[T]) Stats() WriterMetrics {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.metrics
}

// enqueue hands a row to the consumer. Returns false after Stop.
func (b *batcher[T]) enqueue(row T) bool {
	return b.input.Push(row)
}

// consumeLoop moves rows from the input queue into the batch until the
// queue is closed and drained.
func (b *batcher[T]) consumeLoop() {
	defer b.consumeWG.Done()

	for {
		row, ok := b.input.Pop()
		if !ok {
			return
		}
		b.add(row)
	}
}

// flushLoop periodically flushes the batch.
func (b *batcher[T]) flushLoop() {
	defer b.flushWG.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.flushTicker.C:
			b.flush()
		}
	}
}

func (b *batcher[T]) add(row T) {
	b.batchMu.Lock()
	b.batch = append(b.batch, row)
	b.metrics.Received++
	shouldFlush := len(b.batch) >= b.cfg.BatchSize
	b.batchMu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// flush writes the current batch to the database.
func (b *batcher[T]) flush() {
	b.batchMu.Lock()
	if len(b.batch) == 0 {
		b.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := b.batch
	b.batch = make([]T, 0, b.cfg.BatchSize)
	b.batchMu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	conflicts, err := b.insert(ctx, batch)
	if err != nil {
		b.logger.Error("batch insert failed", "error", err, "count", len(batch))
		b.batchMu.Lock()
		b.metrics.Errors++
		b.batchMu.Unlock()
		return
	}

	b.batchMu.Lock()
	b.metrics.Inserts += int64(len(batch) - conflicts)
	b.metrics.Conflicts += int64(conflicts)
	b.metrics.Flushes++
	b.batchMu.Unlock()

	b.logger.Debug("flushed batch",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// sendBatch runs a queued batch and counts statements that affected no row.
func sendBatch(ctx context.Context, db DB, batch *pgx.Batch) (conflicts int, err error) {
	results := db.SendBatch(ctx, batch)
	defer results.Close()

	for range batch.Len() {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
