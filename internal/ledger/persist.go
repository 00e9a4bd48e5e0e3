package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"meshlicense/internal/infrastructure"
	"meshlicense/internal/store"
)

// Restore loads persisted state. Activations are re-created as their
// licenses are installed, so Restore is called before the first
// LoadLicenses. Consumption counters are restored directly.
func (l *Ledger) Restore(ctx context.Context) error {
	records, err := l.store.LoadActivations(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore activations: %w", err)
	}
	statuses, err := l.store.LoadStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore statuses: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.restored[r.LicenseID] = append(l.restored[r.LicenseID], r)
	}
	for _, r := range statuses {
		pluginID, err := uuid.Parse(r.PluginID)
		if err != nil {
			l.logger.WarnContext(ctx, "skipping persisted status with invalid plugin id",
				slog.String("id", r.ID))
			continue
		}
		d := l.plugin(pluginID).device(r.DeviceType)
		d.used = r.Used
		d.globalUsed = r.GlobalUsed
		l.pool.used += r.GlobalUsed
	}
	l.logger.InfoContext(ctx, "ledger state restored",
		slog.Int("activations", len(records)),
		slog.Int("statuses", len(statuses)))
	return nil
}

// Flush writes pending changes to the store.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	activations := make([]store.ActivationRecord, 0, len(l.dirtyActivations))
	for id := range l.dirtyActivations {
		if a, ok := l.activations[id]; ok {
			activations = append(activations, a.record())
		}
	}
	deleted := make([]string, 0, len(l.deletedActivations))
	for id := range l.deletedActivations {
		deleted = append(deleted, id)
	}
	var statuses []store.StatusRecord
	for pluginID, p := range l.plugins {
		for dt, d := range p.devices {
			if !d.dirty {
				continue
			}
			statuses = append(statuses, store.StatusRecord{
				ID:         store.StatusID(pluginID.String(), dt),
				PluginID:   pluginID.String(),
				DeviceType: dt,
				Used:       d.used,
				GlobalUsed: d.globalUsed,
			})
			d.dirty = false
		}
	}
	l.dirtyActivations = make(map[string]struct{})
	l.deletedActivations = make(map[string]struct{})
	l.mu.Unlock()

	if len(activations) == 0 && len(deleted) == 0 && len(statuses) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, id := range deleted {
		if err := l.store.DeleteActivation(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			result = multierror.Append(result, err)
		}
	}
	if err := l.store.UpsertActivations(ctx, activations...); err != nil {
		result = multierror.Append(result, err)
		l.requeueActivations(activations)
	}
	if err := l.store.UpsertStatuses(ctx, statuses...); err != nil {
		result = multierror.Append(result, err)
		l.requeueStatuses(statuses)
	}

	if err := result.ErrorOrNil(); err != nil {
		l.logger.ErrorContext(ctx, "ledger flush failed", slog.String("error", err.Error()))
		return err
	}
	l.logger.DebugContext(ctx, "ledger flushed",
		slog.Int("activations", len(activations)),
		slog.Int("deleted", len(deleted)),
		slog.Int("statuses", len(statuses)))
	return nil
}

func (l *Ledger) requeueActivations(records []store.ActivationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		if _, ok := l.activations[r.ID]; ok {
			l.dirtyActivations[r.ID] = struct{}{}
		}
	}
}

func (l *Ledger) requeueStatuses(records []store.StatusRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		pluginID, err := uuid.Parse(r.PluginID)
		if err != nil {
			continue
		}
		if p, ok := l.plugins[pluginID]; ok {
			if d, ok := p.devices[r.DeviceType]; ok {
				d.dirty = true
			}
		}
	}
}

// Start runs the periodic sweep and the deferred flusher until ctx is done
// or Close is called.
func (l *Ledger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.every(ctx, l.sweepInterval, func() { l.Sweep(infrastructure.EnsureTraceID(ctx)) })
	}()
	go func() {
		defer l.wg.Done()
		l.every(ctx, l.flushInterval, func() { _ = l.Flush(ctx) })
	}()
}

func (l *Ledger) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Close stops background work, flushes pending changes and ends all event
// subscriptions.
func (l *Ledger) Close(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	err := l.Flush(ctx)
	l.events.close()
	return err
}
