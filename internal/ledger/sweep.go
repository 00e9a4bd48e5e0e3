package ledger

import (
	"context"
	"log/slog"
	"time"
)

// SweepResult summarizes one expiration sweep.
type SweepResult struct {
	Removed    int
	Reinstated int
	Expiring   int
	events     []Event
}

// Sweep removes activations that expired or no longer fit the engine
// version, reinstates removed ones that are valid again after a clock
// correction and warns about activations close to expiring. Running it
// twice in a row leaves the ledger as running it once.
func (l *Ledger) Sweep(ctx context.Context) SweepResult {
	l.mu.Lock()
	result := l.sweepLocked(ctx, l.now())
	l.mu.Unlock()

	l.publish(result.events)
	if result.Removed > 0 || result.Reinstated > 0 {
		l.logger.InfoContext(ctx, "expiration sweep changed activations",
			slog.Int("removed", result.Removed),
			slog.Int("reinstated", result.Reinstated))
	}
	return result
}

func (l *Ledger) sweepLocked(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult
	for id, a := range l.activations {
		expired := !now.Before(a.Expiration)
		compatible := a.License.Compatible(l.engineVersion)

		switch {
		case !a.Removed && (expired || !compatible):
			a.Removed = true
			l.unfold(a)
			l.dirtyActivations[id] = struct{}{}
			delete(l.warned, id)
			result.Removed++

			ev := newEvent(EventExpired, a, now)
			if expired {
				ev.Reason = "expired"
				l.logger.WarnContext(ctx, "activated license expired",
					slog.String("license_id", a.License.ID),
					slog.String("key_hash", a.KeyHash),
					slog.Time("expiration", a.Expiration))
			} else {
				ev.Reason = "incompatible"
				l.logger.WarnContext(ctx, "activated license incompatible with engine version",
					slog.String("license_id", a.License.ID),
					slog.String("key_hash", a.KeyHash),
					slog.String("min_runtime_version", a.License.MinRuntimeVersion),
					slog.String("max_runtime_version", a.License.MaxRuntimeVersion))
			}
			result.events = append(result.events, ev)
			l.metrics.Expirations.Add(ctx, 1)

		case a.Removed && !expired && compatible && !a.ended():
			a.Removed = false
			l.fold(a)
			l.dirtyActivations[id] = struct{}{}
			result.Reinstated++
			l.logger.WarnContext(ctx, "removed license is valid again, reinstated",
				slog.String("license_id", a.License.ID),
				slog.String("key_hash", a.KeyHash),
				slog.Time("expiration", a.Expiration))
			result.events = append(result.events, newEvent(EventActivated, a, now))
		}

		if a.Removed || a.Expiration.Sub(now) > l.warningWindow {
			delete(l.warned, id)
			continue
		}
		result.Expiring++
		if _, ok := l.warned[id]; ok {
			continue
		}
		l.warned[id] = now
		ev := newEvent(EventExpiringSoon, a, now)
		if key, err := l.GenerateActivationRequestKey(a.License.SKU); err == nil {
			ev.RequestKey = key
		}
		l.logger.WarnContext(ctx, "activated license expires soon, request a new activation key",
			slog.String("license_id", a.License.ID),
			slog.String("key_hash", a.KeyHash),
			slog.Time("expiration", a.Expiration),
			slog.String("request_key", ev.RequestKey))
		result.events = append(result.events, ev)
	}
	return result
}
