package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// initialSync loads the pair list of every exchange. It fails only when no
// exchange could be listed; the others are retried by reconciliation.
func (d *Directory) initialSync(ctx context.Context) error {
	d.logger.Info("starting initial market sync")
	start := time.Now()

	if d.cfg.InitialLoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.InitialLoadTimeout)
		defer cancel()
	}

	names := d.source.Names()
	var errs []error
	for _, name := range names {
		if _, _, err := d.syncExchange(ctx, name); err != nil {
			d.logger.Warn("initial sync failed", "exchange", name, "err", err)
			errs = append(errs, err)
		}
	}
	if len(names) > 0 && len(errs) == len(names) {
		return fmt.Errorf("initial market sync: %w", errors.Join(errs...))
	}

	d.logger.Info("initial sync complete",
		"exchanges", len(names),
		"pairs", d.count(),
		"duration", time.Since(start),
	)
	return nil
}

// reconciliationLoop periodically re-lists every exchange.
func (d *Directory) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcile(ctx)
		}
	}
}

// reconcile re-lists every exchange and reports differences.
func (d *Directory) reconcile(ctx context.Context) {
	start := time.Now()
	var listed, delisted int

	for _, name := range d.source.Names() {
		l, dl, err := d.syncExchange(ctx, name)
		if err != nil {
			d.logger.Error("reconciliation failed", "exchange", name, "err", err)
			continue
		}
		listed += l
		delisted += dl
	}

	if listed > 0 || delisted > 0 {
		d.logger.Info("reconciliation found changes",
			"listed", listed,
			"delisted", delisted,
			"duration", time.Since(start),
		)
	} else {
		d.logger.Debug("reconciliation complete", "duration", time.Since(start))
	}
}

// syncExchange replaces the pair set of one exchange with its current list.
func (d *Directory) syncExchange(ctx context.Context, name string) (listed, delisted int, err error) {
	ex, err := d.source.Get(name)
	if err != nil {
		return 0, 0, err
	}
	pairs, err := ex.Markets(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s markets: %w", name, err)
	}

	next := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		next[p] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.pairs[name]
	for p := range next {
		if _, ok := prev[p]; !ok {
			d.notifyLocked(Change{Exchange: name, Pair: p, Kind: Listed})
			listed++
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			d.notifyLocked(Change{Exchange: name, Pair: p, Kind: Delisted})
			delisted++
		}
	}

	d.pairs[name] = next
	d.lastSyncAt = time.Now()
	return listed, delisted, nil
}
