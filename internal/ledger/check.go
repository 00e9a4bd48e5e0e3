package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"meshlicense/internal/catalog"
)

// CheckLicense reports whether pluginID may instantiate count more units of
// deviceType. Pending activations signed by every id in requiredAuthorities
// are trusted first. With consume set, a grant is charged to the local
// status or, once that is exhausted, to the global pool; the check and the
// charge are atomic.
func (l *Ledger) CheckLicense(ctx context.Context, pluginID uuid.UUID, deviceType string, requiredAuthorities []string, count int, consume bool) bool {
	if count < 0 {
		return false
	}
	if !l.enforce && pluginID == l.engineID {
		return true
	}

	l.mu.RLock()
	p, ok := l.plugins[pluginID]
	if !ok {
		l.mu.RUnlock()
		l.recordCheck(ctx, pluginID, deviceType, false, consume)
		return false
	}
	if !consume && len(p.pending) == 0 {
		granted, _ := l.evaluate(p, deviceType, count)
		l.mu.RUnlock()
		l.recordCheck(ctx, pluginID, deviceType, granted, consume)
		return granted
	}
	l.mu.RUnlock()

	l.mu.Lock()
	p = l.plugin(pluginID)
	if n := l.resolvePending(p, requiredAuthorities); n > 0 {
		l.logger.DebugContext(ctx, "pending activations validated",
			slog.String("plugin_id", pluginID.String()),
			slog.Int("validated", n),
			slog.Any("authorities", requiredAuthorities))
	}
	granted, useGlobal := l.evaluate(p, deviceType, count)
	if granted && consume {
		d := p.lookup(deviceType)
		if useGlobal {
			d.globalUsed += count
			l.pool.used += count
		} else {
			d.used += count
		}
		d.dirty = true
	}
	l.mu.Unlock()

	l.recordCheck(ctx, pluginID, deviceType, granted, consume)
	return granted
}

// evaluate decides a check against the current counters without changing them.
func (l *Ledger) evaluate(p *pluginStatus, deviceType string, count int) (granted, useGlobal bool) {
	d := p.lookup(deviceType)
	if d == nil {
		return false, false
	}
	if _, pinned := d.params[catalog.PinnedParameter]; pinned && l.pinnedIdentity != l.deviceID {
		return false, false
	}
	if d.unbounded > 0 || d.used+count <= d.capacity {
		return true, false
	}
	if d.globalGrants > 0 && l.pool.remaining(count) {
		return true, true
	}
	return false, false
}

func (l *Ledger) recordCheck(ctx context.Context, pluginID uuid.UUID, deviceType string, granted, consume bool) {
	result := "denied"
	if granted {
		result = "granted"
	}
	l.metrics.Checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("consume", consume)))
	if !granted {
		l.logger.DebugContext(ctx, "entitlement check denied",
			slog.String("plugin_id", pluginID.String()),
			slog.String("device_type", deviceType),
			slog.Bool("consume", consume))
	}
}

// ReleaseLicense returns one unit consumed by pluginID for deviceType. Local
// usage of the device type is released first, then wildcard usage, then
// global pool usage in the same order. It reports false when nothing was
// consumed.
func (l *Ledger) ReleaseLicense(ctx context.Context, pluginID uuid.UUID, deviceType string) bool {
	if !l.enforce && pluginID == l.engineID {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.plugins[pluginID]
	if !ok {
		return false
	}
	local := p.devices[deviceType]
	wildcard := p.devices[AnyDeviceType]

	switch {
	case local != nil && local.used > 0:
		local.used--
		local.dirty = true
	case wildcard != nil && wildcard.used > 0:
		wildcard.used--
		wildcard.dirty = true
	case local != nil && local.globalUsed > 0:
		local.globalUsed--
		local.dirty = true
		l.pool.used--
	case wildcard != nil && wildcard.globalUsed > 0:
		wildcard.globalUsed--
		wildcard.dirty = true
		l.pool.used--
	default:
		return false
	}
	l.metrics.Releases.Add(ctx, 1)
	return true
}
