package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "meshlicense/ledger"
	MeterName  = "meshlicense/ledger"
)

// Metrics holds the ledger's OpenTelemetry instruments.
type Metrics struct {
	Activations        metric.Int64Counter
	Rejections         metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	Checks             metric.Int64Counter
	Releases           metric.Int64Counter
	Expirations        metric.Int64Counter

	activeLicenses metric.Int64ObservableGauge
	poolCapacity   metric.Int64ObservableGauge
	poolUsed       metric.Int64ObservableGauge
}

// NewMetrics creates the ledger instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Activations, err = meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Total number of licenses activated by key or evaluation period"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.Rejections, err = meter.Int64Counter(
		"license_activation_rejections_total",
		metric.WithDescription("Total number of rejected activation keys by error class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejections counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("Activation key validation and apply duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.Checks, err = meter.Int64Counter(
		"license_checks_total",
		metric.WithDescription("Total number of entitlement checks by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	m.Releases, err = meter.Int64Counter(
		"license_releases_total",
		metric.WithDescription("Total number of released entitlement units"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create releases counter: %w", err)
	}

	m.Expirations, err = meter.Int64Counter(
		"license_expirations_total",
		metric.WithDescription("Total number of activations removed by the expiration sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expirations counter: %w", err)
	}

	m.activeLicenses, err = meter.Int64ObservableGauge(
		"license_active",
		metric.WithDescription("Number of live activated licenses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active licenses gauge: %w", err)
	}

	m.poolCapacity, err = meter.Int64ObservableGauge(
		"license_global_pool_capacity",
		metric.WithDescription("Capacity of the global entitlement pool (-1 = unbounded)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool capacity gauge: %w", err)
	}

	m.poolUsed, err = meter.Int64ObservableGauge(
		"license_global_pool_used",
		metric.WithDescription("Units drawn from the global entitlement pool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool usage gauge: %w", err)
	}
	return m, nil
}

func (m *Metrics) observe(meter metric.Meter, l *Ledger) error {
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		l.mu.RLock()
		defer l.mu.RUnlock()
		live := 0
		for _, a := range l.activations {
			if !a.Removed {
				live++
			}
		}
		o.ObserveInt64(m.activeLicenses, int64(live))
		o.ObserveInt64(m.poolCapacity, int64(l.pool.effectiveCapacity()))
		o.ObserveInt64(m.poolUsed, int64(l.pool.used))
		return nil
	}, m.activeLicenses, m.poolCapacity, m.poolUsed)
	if err != nil {
		return fmt.Errorf("failed to register ledger gauges: %w", err)
	}
	return nil
}
